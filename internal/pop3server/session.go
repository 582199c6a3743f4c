package pop3server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

type state int

const (
	stateAuthorization state = iota
	stateTransaction
	stateUpdate
)

var capabilities = []string{
	"USER",
	"TOP",
	"UIDL",
	"RESP-CODES",
	"AUTH-RESP-CODE",
	"PIPELINING",
	"IMPLEMENTATION exmail",
}

type session struct {
	backend *Backend
	conn    net.Conn
	text    *textproto.Conn
	ctx     context.Context
	cancel  context.CancelFunc

	state    state
	username string
	drop     *Maildrop
}

func newSession(backend *Backend, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		backend: backend,
		conn:    conn,
		text:    textproto.NewConn(conn),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *session) ok(format string, args ...interface{}) error {
	if format == "" {
		return s.text.PrintfLine("+OK")
	}
	return s.text.PrintfLine("+OK "+format, args...)
}

func (s *session) fail(format string, args ...interface{}) error {
	return s.text.PrintfLine("-ERR "+format, args...)
}

// multiline writes a positive status line followed by dot-stuffed content.
func (s *session) multiline(status string, write func(w io.Writer) error) error {
	if err := s.ok("%s", status); err != nil {
		return err
	}
	dw := s.text.DotWriter()
	if err := write(dw); err != nil {
		dw.Close()
		return err
	}
	return dw.Close()
}

func (s *session) serve() {
	defer s.conn.Close()
	defer s.cancel()
	defer func() {
		if s.drop != nil {
			s.drop.Close()
		}
	}()

	if err := s.ok("exmail POP3 server ready"); err != nil {
		return
	}
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		line, err := s.text.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.backend.Log.Debugf("POP3 read error: %v", err)
			}
			return
		}
		cmd, arg, _ := strings.Cut(line, " ")
		cmd = strings.ToUpper(cmd)
		if cmd == "PASS" {
			s.backend.Log.Debugf("POP3 < PASS <password>")
		} else {
			s.backend.Log.Debugf("POP3 < %s", line)
		}
		if err := s.handle(cmd, strings.TrimSpace(arg)); err != nil {
			if !errors.Is(err, errQuit) {
				s.backend.Log.Debugf("POP3 write error: %v", err)
			}
			return
		}
	}
}

var errQuit = errors.New("quit")

func (s *session) handle(cmd, arg string) error {
	switch cmd {
	case "CAPA":
		return s.multiline("Capability list follows", func(w io.Writer) error {
			for _, c := range capabilities {
				if _, err := io.WriteString(w, c+"\r\n"); err != nil {
					return err
				}
			}
			return nil
		})
	case "QUIT":
		return s.quit()
	case "NOOP":
		if s.state != stateTransaction {
			return s.fail("command not valid in this state")
		}
		return s.ok("")
	}

	switch s.state {
	case stateAuthorization:
		return s.authorization(cmd, arg)
	case stateTransaction:
		return s.transaction(cmd, arg)
	}
	return s.fail("command not valid in this state")
}

func (s *session) authorization(cmd, arg string) error {
	switch cmd {
	case "USER":
		if arg == "" {
			return s.fail("missing username")
		}
		s.username = arg
		return s.ok("send PASS")
	case "PASS":
		if s.username == "" {
			return s.fail("send USER first")
		}
		drop, err := s.backend.Open(s.ctx, s.username, arg)
		s.username = ""
		if errors.Is(err, errInvalidCredentials) {
			return s.fail("[AUTH] invalid username or password")
		}
		if err != nil {
			s.backend.Log.Errorf("POP3 maildrop could not be opened: %v", err)
			return s.fail("[SYS/TEMP] unable to open maildrop")
		}
		s.drop = drop
		s.state = stateTransaction
		count, size := drop.Stat()
		return s.ok("maildrop has %d messages (%d octets)", count, size)
	}
	return s.fail("command not valid in this state")
}

func parseMessageNumber(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid message number %q", arg)
	}
	return n, nil
}

func (s *session) transaction(cmd, arg string) error {
	d := s.drop
	switch cmd {
	case "STAT":
		count, size := d.Stat()
		return s.ok("%d %d", count, size)

	case "LIST", "UIDL":
		line := func(n int) (string, error) {
			if cmd == "UIDL" {
				uid, err := d.UID(n)
				return fmt.Sprintf("%d %s", n, uid), err
			}
			size, err := d.Size(n)
			return fmt.Sprintf("%d %d", n, size), err
		}
		if arg != "" {
			n, err := parseMessageNumber(arg)
			if err != nil {
				return s.fail("%v", err)
			}
			l, err := line(n)
			if err != nil {
				return s.fail("%v", err)
			}
			return s.ok("%s", l)
		}
		count, size := d.Stat()
		return s.multiline(fmt.Sprintf("%d messages (%d octets)", count, size), func(w io.Writer) error {
			for n := 1; n <= d.Len(); n++ {
				l, err := line(n)
				if err != nil {
					continue
				}
				if _, err := io.WriteString(w, l+"\r\n"); err != nil {
					return err
				}
			}
			return nil
		})

	case "RETR":
		n, err := parseMessageNumber(arg)
		if err != nil {
			return s.fail("%v", err)
		}
		r, err := d.Open(s.ctx, n)
		if err != nil {
			return s.fail("%v", err)
		}
		size, _ := d.Size(n)
		return s.multiline(fmt.Sprintf("%d octets", size), func(w io.Writer) error {
			_, err := io.Copy(w, r)
			return err
		})

	case "TOP":
		msg, lines, _ := strings.Cut(arg, " ")
		n, err := parseMessageNumber(msg)
		if err != nil {
			return s.fail("%v", err)
		}
		count, err := strconv.Atoi(strings.TrimSpace(lines))
		if err != nil || count < 0 {
			return s.fail("invalid line count %q", lines)
		}
		if _, err := d.Open(s.ctx, n); err != nil {
			return s.fail("%v", err)
		}
		return s.multiline("top of message follows", func(w io.Writer) error {
			return d.Top(s.ctx, n, count, w)
		})

	case "DELE":
		n, err := parseMessageNumber(arg)
		if err != nil {
			return s.fail("%v", err)
		}
		if err := d.Delete(n); err != nil {
			return s.fail("%v", err)
		}
		return s.ok("message %d deleted", n)

	case "RSET":
		d.Reset()
		count, size := d.Stat()
		return s.ok("maildrop has %d messages (%d octets)", count, size)
	}
	return s.fail("unknown command")
}

// quit ends the session. From the transaction state it enters the update
// state and commits the deletions first.
func (s *session) quit() error {
	if s.state != stateTransaction {
		if err := s.ok("exmail POP3 server signing off"); err != nil {
			return err
		}
		return errQuit
	}
	s.state = stateUpdate
	removed, err := s.drop.Commit(s.ctx)
	if err != nil {
		s.backend.Log.Errorf("POP3 update failed: %v", err)
		if werr := s.fail("some deleted messages not removed"); werr != nil {
			return werr
		}
		return errQuit
	}
	count, _ := s.drop.Stat()
	if removed > 0 {
		s.backend.Log.Infof("POP3 session removed %d messages", removed)
	}
	if err := s.ok("exmail POP3 server signing off (%d messages left)", count); err != nil {
		return err
	}
	return errQuit
}
