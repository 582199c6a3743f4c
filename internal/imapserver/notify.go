/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/server"
	"github.com/gologme/log"
	"go.uber.org/atomic"
)

// IMAPNotify refreshes selected mailboxes on a timer and pushes untagged
// EXISTS responses, which IDLE clients act on.
type IMAPNotify struct {
	server   *server.Server
	log      *log.Logger
	interval time.Duration
	running  atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewIMAPNotify(s *server.Server, log *log.Logger, interval time.Duration) *IMAPNotify {
	return &IMAPNotify{
		server:   s,
		log:      log,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins polling. It does nothing when the interval is zero.
func (ext *IMAPNotify) Start() {
	if ext.interval <= 0 || !ext.running.CompareAndSwap(false, true) {
		return
	}
	ext.wg.Add(1)
	go func() {
		defer ext.wg.Done()
		ticker := time.NewTicker(ext.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ext.PollAll()
			case <-ext.stop:
				return
			}
		}
	}()
}

// Close stops polling and waits for a running poll to finish.
func (ext *IMAPNotify) Close() {
	if ext.running.CompareAndSwap(true, false) {
		close(ext.stop)
	}
	ext.wg.Wait()
}

// selected returns the distinct mailboxes currently selected by a client.
func (ext *IMAPNotify) selected() []*Mailbox {
	seen := make(map[*Mailbox]struct{})
	var mailboxes []*Mailbox
	ext.server.ForEachConn(func(c server.Conn) {
		if mbox, ok := c.Context().Mailbox.(*Mailbox); ok {
			if _, dup := seen[mbox]; !dup {
				seen[mbox] = struct{}{}
				mailboxes = append(mailboxes, mbox)
			}
		}
	})
	return mailboxes
}

// PollAll refreshes every selected mailbox once.
func (ext *IMAPNotify) PollAll() {
	for _, mbox := range ext.selected() {
		if err := mbox.Poll(); err != nil {
			ext.log.Warnf("Failed to poll %s for %s: %v", mbox.Name(), mbox.user.Username(), err)
		}
	}
}

// NotifyExists sends "* count EXISTS" to every client that selected mbox.
func (ext *IMAPNotify) NotifyExists(mbox *Mailbox, count int) {
	ext.log.Debugf("Sending EXISTS %d to clients of %s", count, mbox.user.Username())

	var conns []server.Conn
	ext.server.ForEachConn(func(c server.Conn) {
		if c.Context().Mailbox == mbox {
			conns = append(conns, c)
		}
	})
	for _, c := range conns {
		_ = c.WriteResp(imap.NewUntaggedResp([]interface{}{uint32(count), imap.RawString("EXISTS")}))
	}
}
