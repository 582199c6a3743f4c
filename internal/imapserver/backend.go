/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/gologme/log"

	"github.com/JB-SelfCompany/exmail/internal/config"
	"github.com/JB-SelfCompany/exmail/internal/exchange"
	"github.com/JB-SelfCompany/exmail/internal/logging"
	"github.com/JB-SelfCompany/exmail/internal/storage"
	"github.com/JB-SelfCompany/exmail/internal/storage/filestore"
)

// Index rows for hrefs not listed for this long are dropped at login.
const pruneAfter = 30 * 24 * time.Hour

type Backend struct {
	Log       *log.Logger
	Config    *config.Config
	Storage   storage.Storage
	Spool     *filestore.Spool
	Transfers *logging.TransferLogger
	NewClient exchange.Factory

	notify *IMAPNotify
}

// Login resolves the account, signs on to Exchange and returns a user with
// a single INBOX.
func (b *Backend) Login(conn *imap.ConnInfo, username, password string) (backend.User, error) {
	account, err := b.Config.Account(username, password)
	if err != nil {
		b.Log.Warnf("IMAP login rejected: %v", err)
		return nil, backend.ErrInvalidCredentials
	}
	b.Config.LogAccount(b.Log, account)

	opts := account.Options
	opts.Spool = b.Spool
	opts.Log = b.Log
	opts.Transfers = b.Transfers
	newClient := b.NewClient
	if newClient == nil {
		newClient = exchange.NewClient
	}
	client, err := newClient(opts)
	if err != nil {
		return nil, fmt.Errorf("b.NewClient: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Connect(ctx); err != nil {
		cancel()
		client.Close()
		var authErr *exchange.AuthError
		if errors.As(err, &authErr) {
			b.Log.Warnf("IMAP login for %s failed: %v", username, err)
			return nil, backend.ErrInvalidCredentials
		}
		b.Log.Errorf("IMAP login for %s failed: %v", username, err)
		return nil, err
	}

	if removed, err := b.Storage.MessagePrune(account.Key(), time.Now().Add(-pruneAfter)); err != nil {
		b.Log.Warnf("Failed to prune UID index: %v", err)
	} else if removed > 0 {
		b.Log.Debugf("Pruned %d stale UID index rows", removed)
	}

	b.Log.Infof("IMAP login for %s (mailbox %s)", username, opts.Mailbox)
	return &User{
		backend: b,
		account: account,
		client:  client,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}
