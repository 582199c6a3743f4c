/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pop3server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gologme/log"
)

// RFC 1939 asks for an inactivity timer of at least 10 minutes.
const idleTimeout = 10 * time.Minute

type POP3Server struct {
	backend *Backend
	ln      net.Listener
	log     *log.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewPOP3Server listens on addr and serves each connection on its own
// goroutine.
func NewPOP3Server(backend *Backend, addr string) (*POP3Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.Listen: %w", err)
	}
	s := &POP3Server{
		backend: backend,
		ln:      ln,
		log:     backend.Log,
		conns:   make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	s.log.Infof("POP3 listening on %s", ln.Addr())
	return s, nil
}

func (s *POP3Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Errorf("POP3 accept error: %v", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			newSession(s.backend, conn).serve()
		}()
	}
}

// Addr returns the address the server listens on.
func (s *POP3Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops accepting connections, drops the open ones and waits for
// their sessions to end. Sessions dropped this way do not commit.
func (s *POP3Server) Close() error {
	s.mu.Lock()
	s.closed = true
	err := s.ln.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.log.Warnf("POP3 sessions did not exit within timeout")
	}
	return err
}
