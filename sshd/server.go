// Package sshd is the debug console. Authorized users connect with ssh and run commands registered by the
// driver, either interactively or as a single exec.
package sshd

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const DefaultHandshakeTimeout = 10 * time.Second

type SSHServer struct {
	config *ssh.ServerConfig
	l      *logrus.Entry

	// HandshakeTimeout bounds how long an unauthenticated connection may hold a slot
	HandshakeTimeout time.Duration

	keysLock sync.RWMutex
	// user -> marshaled authorized keys
	trustedKeys map[string]map[string]bool
	trustedCAs  []ssh.PublicKey

	commands *commands

	listenerLock sync.Mutex
	listener     net.Listener

	sessionsLock sync.Mutex
	sessions     map[int]*session
	counter      int
}

// NewSSHServer creates a server that knows only the help command. Call SetHostKey before Run.
func NewSSHServer(l *logrus.Entry) (*SSHServer, error) {
	s := &SSHServer{
		l:                l,
		HandshakeTimeout: DefaultHandshakeTimeout,
		trustedKeys:      make(map[string]map[string]bool),
		commands:         newCommands(),
		sessions:         make(map[int]*session),
	}

	cc := ssh.CertChecker{
		IsUserAuthority: s.isTrustedCA,
		UserKeyFallback: s.checkKey,
	}
	s.config = &ssh.ServerConfig{
		PublicKeyCallback: cc.Authenticate,
		ServerVersion:     "SSH-2.0-tulip",
	}

	s.RegisterCommand(&Command{
		Name:             "help",
		ShortDescription: "prints available commands or help <command> for specific usage info",
		Callback: func(_ any, args []string, w StringWriter) error {
			return s.commands.help(args, w)
		},
	})

	return s, nil
}

func (s *SSHServer) isTrustedCA(auth ssh.PublicKey) bool {
	s.keysLock.RLock()
	defer s.keysLock.RUnlock()

	for _, ca := range s.trustedCAs {
		if bytes.Equal(ca.Marshal(), auth.Marshal()) {
			return true
		}
	}
	return false
}

func (s *SSHServer) checkKey(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
	fp := ssh.FingerprintSHA256(pubKey)

	s.keysLock.RLock()
	tk, ok := s.trustedKeys[c.User()]
	known := ok && tk[string(pubKey.Marshal())]
	s.keysLock.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown user %s", c.User())
	}
	if !known {
		return nil, fmt.Errorf("unknown public key for %s (%s)", c.User(), fp)
	}

	return &ssh.Permissions{
		Extensions: map[string]string{
			"fp":   fp,
			"user": c.User(),
		},
	}, nil
}

func (s *SSHServer) SetHostKey(hostPrivateKey []byte) error {
	private, err := ssh.ParsePrivateKey(hostPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %s", err)
	}

	s.config.AddHostKey(private)
	return nil
}

func (s *SSHServer) ClearTrustedCAs() {
	s.keysLock.Lock()
	s.trustedCAs = nil
	s.keysLock.Unlock()
}

func (s *SSHServer) ClearAuthorizedKeys() {
	s.keysLock.Lock()
	s.trustedKeys = make(map[string]map[string]bool)
	s.keysLock.Unlock()
}

// AddTrustedCA trusts user certificates signed by pubKey, given in authorized_keys format.
func (s *SSHServer) AddTrustedCA(pubKey string) error {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
	if err != nil {
		return err
	}

	s.keysLock.Lock()
	s.trustedCAs = append(s.trustedCAs, pk)
	s.keysLock.Unlock()

	s.l.WithField("sshKey", pubKey).Info("Trusted CA key")
	return nil
}

// AddAuthorizedKey allows user to log in with pubKey, given in authorized_keys format.
func (s *SSHServer) AddAuthorizedKey(user, pubKey string) error {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
	if err != nil {
		return err
	}

	s.keysLock.Lock()
	tk, ok := s.trustedKeys[user]
	if !ok {
		tk = make(map[string]bool)
		s.trustedKeys[user] = tk
	}
	tk[string(pk.Marshal())] = true
	s.keysLock.Unlock()

	s.l.WithField("sshKey", pubKey).WithField("sshUser", user).Info("Authorized ssh key")
	return nil
}

// RegisterCommand makes c available to sessions opened after the call.
func (s *SSHServer) RegisterCommand(c *Command) {
	s.commands.add(c)
}

// Listen binds addr without accepting connections yet.
func (s *SSHServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.listenerLock.Lock()
	s.listener = ln
	s.listenerLock.Unlock()

	s.l.WithField("sshListener", ln.Addr()).Info("SSH server is listening")
	return nil
}

// Addr is the bound address, nil before Listen.
func (s *SSHServer) Addr() net.Addr {
	s.listenerLock.Lock()
	defer s.listenerLock.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens on addr and serves until Stop is called.
func (s *SSHServer) Run(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	s.Serve()
	return nil
}

// Serve accepts connections until the listener is closed, then ends every open session.
func (s *SSHServer) Serve() {
	s.listenerLock.Lock()
	ln := s.listener
	s.listenerLock.Unlock()
	if ln == nil {
		return
	}

	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.l.WithError(err).Warn("Error in listener, shutting down")
			}
			break
		}

		go s.accept(c)
	}

	s.closeSessions()
	s.l.Info("SSH server stopped listening")
}

func (s *SSHServer) accept(c net.Conn) {
	conn, chans, reqs, err := s.handshakeWithTimeout(c, s.HandshakeTimeout)
	if err != nil {
		s.l.WithError(err).WithField("remoteAddress", c.RemoteAddr()).Warn("failed to handshake")
		return
	}

	fp := conn.Permissions.Extensions["fp"]
	l := s.l.WithField("sshUser", conn.User())
	l.WithField("remoteAddress", c.RemoteAddr()).WithField("sshFingerprint", fp).Info("ssh user logged in")

	sess := newSession(s.commands.clone(), conn, chans, l.WithField("subsystem", "sshd.session"))

	s.sessionsLock.Lock()
	s.counter++
	id := s.counter
	s.sessions[id] = sess
	s.sessionsLock.Unlock()

	go ssh.DiscardRequests(reqs)
	go func() {
		<-sess.exited
		s.l.WithField("id", id).Debug("closing conn")
		s.sessionsLock.Lock()
		delete(s.sessions, id)
		s.sessionsLock.Unlock()
	}()
}

var errHandshakeTimeout = errors.New("handshake timeout")

// handshakeWithTimeout runs the ssh handshake on c, closing it if the peer takes longer than timeout.
func (s *SSHServer) handshakeWithTimeout(c net.Conn, timeout time.Duration) (*ssh.ServerConn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  *ssh.ServerConn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		conn, chans, reqs, err := ssh.NewServerConn(c, s.config)
		done <- result{conn, chans, reqs, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			c.Close()
			return nil, nil, nil, r.err
		}
		return r.conn, r.chans, r.reqs, nil

	case <-timer.C:
		c.Close()
		go func() {
			// the handshake may have finished as the timer fired
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, nil, nil, errHandshakeTimeout
	}
}

// Stop closes the listener, Serve then closes every session.
func (s *SSHServer) Stop() {
	s.listenerLock.Lock()
	ln := s.listener
	s.listener = nil
	s.listenerLock.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			s.l.WithError(err).Warn("Failed to close the sshd listener")
		}
	}
}

func (s *SSHServer) closeSessions() {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	for _, sess := range s.sessions {
		sess.Close()
	}
}
