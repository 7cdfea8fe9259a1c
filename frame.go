package tulip

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

// frameTrace logs a one line decode of frame when trace logging is on.
func frameTrace(l *logrus.Entry, msg string, frame []byte) {
	if !l.Logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	l.WithFields(frameFields(frame)).Trace(msg)
}

func frameFields(frame []byte) logrus.Fields {
	f := logrus.Fields{"size": len(frame)}
	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	if eth, ok := p.LinkLayer().(*layers.Ethernet); ok {
		f["src"] = eth.SrcMAC.String()
		f["dst"] = eth.DstMAC.String()
		f["ethertype"] = eth.EthernetType.String()
	}
	if nl := p.NetworkLayer(); nl != nil {
		src, dst := nl.NetworkFlow().Endpoints()
		f["flow"] = src.String() + "->" + dst.String()
	}
	if arp, ok := p.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		f["arp"] = arpOperation(arp.Operation)
	}
	if el := p.ErrorLayer(); el != nil {
		f["decodeError"] = el.Error().Error()
	}
	return f
}

func arpOperation(op uint16) string {
	switch op {
	case layers.ARPRequest:
		return "request"
	case layers.ARPReply:
		return "reply"
	}
	return "unknown"
}
