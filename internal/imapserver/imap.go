/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/server"
	"github.com/emersion/go-sasl"
	"github.com/gologme/log"
)

type IMAPServer struct {
	server  *server.Server
	backend *Backend
	notify  *IMAPNotify
	ln      net.Listener
	done    chan struct{}
	log     *log.Logger
}

// NewIMAPServer listens on addr and serves backend. poll is the interval
// at which selected mailboxes are refreshed; zero disables polling.
func NewIMAPServer(backend *Backend, addr string, poll time.Duration) (*IMAPServer, error) {
	s := &IMAPServer{
		server:  server.New(backend),
		backend: backend,
		done:    make(chan struct{}),
		log:     backend.Log,
	}
	s.notify = NewIMAPNotify(s.server, backend.Log, poll)
	backend.notify = s.notify
	s.server.Addr = addr
	// Local bridge: clients connect over loopback without TLS.
	s.server.AllowInsecureAuth = true
	s.server.ErrorLog = backend.Log
	s.server.Enable(idle.NewExtension())
	s.server.EnableAuth(sasl.Login, func(conn server.Conn) sasl.Server {
		return sasl.NewLoginServer(func(username, password string) error {
			user, err := s.backend.Login(conn.Info(), username, password)
			if err != nil {
				return err
			}
			ctx := conn.Context()
			ctx.State = imap.AuthenticatedState
			ctx.User = user
			return nil
		})
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.Listen: %w", err)
	}
	s.ln = ln
	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Errorf("IMAP server error: %v", err)
		}
	}()
	s.notify.Start()
	s.log.Infof("IMAP listening on %s", ln.Addr())
	return s, nil
}

// Addr returns the address the server listens on.
func (s *IMAPServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops polling, closes the IMAP server and waits for it to exit.
func (s *IMAPServer) Close() error {
	s.notify.Close()
	if err := s.server.Close(); err != nil {
		return err
	}
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		s.log.Warnf("IMAP server goroutine did not exit within timeout")
	}
	return nil
}
