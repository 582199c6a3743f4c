/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package exchange

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gologme/log"

	"github.com/JB-SelfCompany/exmail/internal/logging"
	"github.com/JB-SelfCompany/exmail/internal/storage/filestore"
)

// Options describe one mailbox session.
type Options struct {
	Server   string // base URL, scheme://host[:port], no trailing slash
	Mailbox  string
	Username string
	Password string
	Version  string // "2003" (default) or "2007"

	ReadTimeout    time.Duration // per read, <= 0 means none
	ConnectTimeout time.Duration // <= 0 means none
	LocalAddress   net.IP

	Drafts    string // folder used to stage outgoing mail, "Drafts" if empty
	Spool     *filestore.Spool
	Log       *log.Logger
	Transfers *logging.TransferLogger
}

// Connection is an authenticated session against one Exchange mailbox.
// Every public method holds the connection lock for its whole duration, so
// requests on one Connection never overlap.
type Connection struct {
	opts    Options
	variant variant
	log     *log.Logger

	mu    sync.Mutex
	inbox string // empty unless connected

	clientMu sync.Mutex
	client   *http.Client
}

// New validates opts and returns a disconnected Connection.
func New(opts Options) (*Connection, error) {
	v, ok := variants[opts.Version]
	if !ok {
		return nil, fmt.Errorf("exchange.New: unknown version %q", opts.Version)
	}
	switch {
	case opts.Server == "":
		return nil, errors.New("exchange.New: server is required")
	case opts.Mailbox == "":
		return nil, errors.New("exchange.New: mailbox is required")
	case opts.Username == "":
		return nil, errors.New("exchange.New: username is required")
	case opts.Password == "":
		return nil, errors.New("exchange.New: password is required")
	}
	u, err := url.Parse(opts.Server)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("exchange.New: invalid server URL %q", opts.Server)
	}
	opts.Server = strings.TrimSuffix(opts.Server, "/")
	if opts.Drafts == "" {
		opts.Drafts = "Drafts"
	}

	logger := opts.Log
	if logger == nil {
		logger = logging.Discard()
	}
	return &Connection{
		opts:    opts,
		variant: v,
		log:     logger,
	}, nil
}

// Mailbox returns the mailbox this connection serves.
func (c *Connection) Mailbox() string {
	return c.opts.Mailbox
}

// Connected reports whether the inbox has been resolved.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbox != ""
}

// Inbox returns the resolved inbox collection URL, or "" when disconnected.
func (c *Connection) Inbox() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbox
}

// Close disconnects. The connection can be connected again.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inbox = ""
	c.clientMu.Lock()
	if c.client != nil {
		c.client.CloseIdleConnections()
	}
	c.clientMu.Unlock()
	return nil
}
