/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pop3server

import (
	"context"
	"errors"
	"fmt"

	"github.com/gologme/log"

	"github.com/JB-SelfCompany/exmail/internal/config"
	"github.com/JB-SelfCompany/exmail/internal/exchange"
	"github.com/JB-SelfCompany/exmail/internal/logging"
	"github.com/JB-SelfCompany/exmail/internal/storage"
	"github.com/JB-SelfCompany/exmail/internal/storage/filestore"
)

var errInvalidCredentials = errors.New("invalid credentials")

type Backend struct {
	Log       *log.Logger
	Config    *config.Config
	Storage   storage.Storage
	Spool     *filestore.Spool
	Transfers *logging.TransferLogger
	NewClient exchange.Factory
}

// Open signs on to Exchange and takes a snapshot of the inbox.
func (b *Backend) Open(ctx context.Context, username, password string) (*Maildrop, error) {
	account, err := b.Config.Account(username, password)
	if err != nil {
		b.Log.Warnf("POP3 login rejected: %v", err)
		return nil, errInvalidCredentials
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
	if err := client.Connect(ctx); err != nil {
		client.Close()
		var authErr *exchange.AuthError
		if errors.As(err, &authErr) {
			b.Log.Warnf("POP3 login for %s failed: %v", username, err)
			return nil, errInvalidCredentials
		}
		return nil, err
	}

	drop := &Maildrop{
		backend: b,
		account: account,
		client:  client,
	}
	if err := drop.load(ctx); err != nil {
		client.Close()
		return nil, err
	}
	b.Log.Infof("POP3 login for %s (mailbox %s), %d messages", username, opts.Mailbox, len(drop.messages))
	return drop, nil
}
