package test

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ARPRequest builds a broadcast who-has frame from src asking for target.
// The result is 42 bytes, short of the ethernet minimum, which is useful for padding tests.
func ARPRequest(src net.HardwareAddr, srcIP, target net.IP) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   src,
		SourceProtAddress: srcIP.To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    target.To4(),
	}
	return serialize(eth, arp)
}

// UDPFrame builds an ethernet/IPv4/UDP frame carrying payload.
func UDPFrame(src, dst net.HardwareAddr, payload []byte) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 4242, DstPort: 4242}
	_ = udp.SetNetworkLayerForChecksum(ip)
	return serialize(eth, ip, udp, gopacket.Payload(payload))
}

// Frame returns an n byte frame addressed from src to dst with a recognizable payload.
func Frame(src, dst net.HardwareAddr, n int) []byte {
	b := make([]byte, n)
	copy(b, dst)
	copy(b[6:], src)
	if n >= 14 {
		b[12], b[13] = 0x88, 0xb5
	}
	for i := 14; i < n; i++ {
		b[i] = byte(i)
	}
	return b
}

func serialize(l ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, l...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
