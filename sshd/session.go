package sshd

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

type session struct {
	l        *logrus.Entry
	c        *ssh.ServerConn
	term     *term.Terminal
	commands *commands

	once   sync.Once
	exited chan struct{}
}

func newSession(cmds *commands, conn *ssh.ServerConn, chans <-chan ssh.NewChannel, l *logrus.Entry) *session {
	s := &session{
		commands: cmds,
		l:        l,
		c:        conn,
		exited:   make(chan struct{}),
	}

	s.commands.add(&Command{
		Name:             "logout",
		ShortDescription: "Ends the current session",
		Callback: func(_ any, _ []string, _ StringWriter) error {
			s.Close()
			return nil
		},
	})

	go s.handleChannels(chans)
	return s
}

func (s *session) handleChannels(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		if nc.ChannelType() != "session" {
			s.l.WithField("sshChannelType", nc.ChannelType()).Error("unknown channel type")
			nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := nc.Accept()
		if err != nil {
			s.l.WithError(err).Warn("could not accept channel")
			continue
		}

		go s.handleRequests(requests, channel)
	}
}

func (s *session) handleRequests(in <-chan *ssh.Request, channel ssh.Channel) {
	for req := range in {
		var err error
		switch req.Type {
		case "shell":
			ok := s.term == nil
			if ok {
				s.term = s.newTerm(channel)
			}
			err = req.Reply(ok, nil)

		case "pty-req", "window-change":
			err = req.Reply(true, nil)

		case "exec":
			var payload struct{ Value string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				return
			}

			req.Reply(true, nil)
			s.run(payload.Value, &stringWriter{channel})

			status := struct{ Status uint32 }{0}
			channel.SendRequest("exit-status", false, ssh.Marshal(status))
			channel.Close()
			return

		default:
			s.l.WithField("sshRequest", req.Type).Debug("Rejected unknown request")
			err = req.Reply(false, nil)
		}

		if err != nil {
			s.l.WithError(err).Info("Error handling ssh session requests")
			s.Close()
			return
		}
	}
}

func (s *session) newTerm(channel ssh.Channel) *term.Terminal {
	t := term.NewTerminal(channel, s.c.User()+"@tulip > ")
	t.AutoCompleteCallback = func(line string, pos int, key rune) (string, int, bool) {
		if key != '\t' {
			return "", 0, false
		}

		matches := s.commands.complete(line)
		if len(matches) == 1 {
			return matches[0] + " ", len(matches[0]) + 1, true
		}
		t.Write([]byte(strings.Join(matches, "\n") + "\n\n"))
		return "", 0, false
	}

	go s.readLines(t)
	return t
}

func (s *session) readLines(t *term.Terminal) {
	defer s.Close()
	w := &stringWriter{w: t}
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		s.run(line, w)
	}
}

func (s *session) run(line string, w StringWriter) {
	if err := s.commands.dispatch(line, w); err != nil {
		s.l.WithError(err).WithField("command", line).Debug("Command failed")
	}
}

func (s *session) Close() {
	s.once.Do(func() {
		s.c.Close()
		close(s.exited)
	})
}
