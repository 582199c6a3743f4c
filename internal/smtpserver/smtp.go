/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpserver

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/gologme/log"

	"github.com/JB-SelfCompany/exmail/internal/storage/types"
)

type SMTPServer struct {
	server  *smtp.Server
	backend *Backend
	ln      net.Listener
	done    chan struct{}
	log     *log.Logger
}

// NewSMTPServer listens on addr and submits every accepted message through
// the Exchange connection of the authenticated user.
func NewSMTPServer(backend *Backend, addr string) (*SMTPServer, error) {
	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.MaxMessageBytes = types.MaxMessageBytes
	srv.MaxRecipients = 500
	srv.ReadTimeout = 10 * time.Minute
	srv.WriteTimeout = 10 * time.Minute
	// Local bridge: clients connect over loopback without TLS.
	srv.AllowInsecureAuth = true
	srv.ErrorLog = backend.Log
	srv.EnableAuth(sasl.Login, func(conn *smtp.Conn) sasl.Server {
		return sasl.NewLoginServer(func(username, password string) error {
			state := conn.State()
			session, err := backend.Login(&state, username, password)
			if err != nil {
				return err
			}
			conn.SetSession(session)
			return nil
		})
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.Listen: %w", err)
	}
	s := &SMTPServer{
		server:  srv,
		backend: backend,
		ln:      ln,
		done:    make(chan struct{}),
		log:     backend.Log,
	}
	go func() {
		defer close(s.done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Errorf("SMTP server error: %v", err)
		}
	}()
	s.log.Infof("SMTP listening on %s", ln.Addr())
	return s, nil
}

// Addr returns the address the server listens on.
func (s *SMTPServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Close closes the SMTP server and waits for it to exit.
func (s *SMTPServer) Close() error {
	if err := s.server.Close(); err != nil {
		return err
	}
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		s.log.Warnf("SMTP server goroutine did not exit within timeout")
	}
	return nil
}
