package sshd

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"flag"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/slackhq/tulip/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// tcpPair returns both ends of a loopback tcp connection. net.Pipe would deadlock the handshake, both
// sides write their version and kex init before reading.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dialed := make(chan net.Conn, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			dialed <- nil
			return
		}
		dialed <- c
	}()

	server, err = ln.Accept()
	require.NoError(t, err)
	client = <-dialed
	require.NotNil(t, client)

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func newTestServer(t *testing.T, authorize bool) (*SSHServer, ssh.Signer) {
	t.Helper()

	s, err := NewSSHServer(test.NewLogger().WithField("subsystem", "sshd"))
	require.NoError(t, err)

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(hostKey, "")
	require.NoError(t, err)
	require.NoError(t, s.SetHostKey(pem.EncodeToMemory(block)))

	_, clientKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(clientKey)
	require.NoError(t, err)

	if authorize {
		require.NoError(t, s.AddAuthorizedKey("operator", string(ssh.MarshalAuthorizedKey(signer.PublicKey()))))
	}
	return s, signer
}

func clientConfig(user string, signer ssh.Signer) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // test only
		Timeout:         5 * time.Second,
	}
}

func TestHandshakeWithTimeout(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		s, signer := newTestServer(t, true)
		sc, cc := tcpPair(t)

		client := make(chan ssh.Conn, 1)
		go func() {
			c, chans, reqs, err := ssh.NewClientConn(cc, "", clientConfig("operator", signer))
			if err != nil {
				client <- nil
				return
			}
			go ssh.DiscardRequests(reqs)
			go func() {
				for range chans {
				}
			}()
			client <- c
		}()

		conn, chans, reqs, err := s.handshakeWithTimeout(sc, 5*time.Second)
		require.NoError(t, err)
		assert.NotNil(t, chans)
		assert.NotNil(t, reqs)
		assert.Equal(t, "operator", conn.Permissions.Extensions["user"])
		conn.Close()

		if c := <-client; c != nil {
			c.Close()
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		s, signer := newTestServer(t, false)
		sc, cc := tcpPair(t)

		clientErr := make(chan error, 1)
		go func() {
			_, _, _, err := ssh.NewClientConn(cc, "", clientConfig("operator", signer))
			clientErr <- err
		}()

		conn, _, _, err := s.handshakeWithTimeout(sc, 5*time.Second)
		require.Error(t, err)
		assert.NotErrorIs(t, err, errHandshakeTimeout)
		assert.Nil(t, conn)
		assert.Error(t, <-clientErr)
	})

	t.Run("idle client", func(t *testing.T) {
		s, _ := newTestServer(t, true)
		sc, _ := tcpPair(t)

		conn, chans, reqs, err := s.handshakeWithTimeout(sc, time.Millisecond)
		require.ErrorIs(t, err, errHandshakeTimeout)
		assert.Nil(t, conn)
		assert.Nil(t, chans)
		assert.Nil(t, reqs)

		_, err = sc.Write([]byte("probe"))
		assert.Error(t, err, "connection should be closed")
	})
}

func TestSSHServer_exec(t *testing.T) {
	s, signer := newTestServer(t, true)

	type echoFlags struct{ upper *bool }
	s.RegisterCommand(&Command{
		Name:             "echo",
		ShortDescription: "prints its arguments",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			return fl, &echoFlags{upper: fl.Bool("upper", false, "upper case the output")}
		},
		Callback: func(fs any, a []string, w StringWriter) error {
			out := strings.Join(a, " ")
			if *fs.(*echoFlags).upper {
				out = strings.ToUpper(out)
			}
			return w.WriteLine(out)
		},
	})

	require.NoError(t, s.Listen("127.0.0.1:0"))
	served := make(chan struct{})
	go func() {
		s.Serve()
		close(served)
	}()

	client, err := ssh.Dial("tcp", s.Addr().String(), clientConfig("operator", signer))
	require.NoError(t, err)
	defer client.Close()

	run := func(cmd string) string {
		sess, err := client.NewSession()
		require.NoError(t, err)
		defer sess.Close()
		out, err := sess.Output(cmd)
		require.NoError(t, err)
		return string(out)
	}

	assert.Equal(t, "hello tulip\n", run("echo hello tulip"))
	assert.Equal(t, "QUOTED ARGS\n", run(`echo -upper "quoted args"`))
	assert.Contains(t, run("help"), "echo - prints its arguments")
	assert.Contains(t, run("help echo"), "upper case the output")
	assert.Contains(t, run("nope"), "did not understand: nope")

	s.Stop()
	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestCommands(t *testing.T) {
	c := newCommands()
	for _, n := range []string{"stats", "status", "rings"} {
		c.add(&Command{Name: n, ShortDescription: n + " things", Callback: func(any, []string, StringWriter) error { return nil }})
	}

	assert.Equal(t, []string{"stats", "status"}, c.complete("stat"))
	assert.Nil(t, c.get("stat"))

	var out bytes.Buffer
	w := &stringWriter{&out}
	require.NoError(t, c.list(w))
	assert.Equal(t, "Available commands:\nrings - rings things\nstats - stats things\nstatus - status things\n\n", out.String())

	out.Reset()
	require.NoError(t, c.dispatch("stats -h", w))
	assert.Equal(t, "stats - stats things\n", out.String())

	// sessions get their own copy
	cl := c.clone()
	cl.add(&Command{Name: "logout"})
	assert.Nil(t, c.get("logout"))
}
