/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
	"github.com/gologme/log"

	"github.com/JB-SelfCompany/exmail/internal/config"
	"github.com/JB-SelfCompany/exmail/internal/exchange"
	"github.com/JB-SelfCompany/exmail/internal/logging"
)

var errAuthFailed = &smtp.SMTPError{
	Code:         535,
	EnhancedCode: smtp.EnhancedCode{5, 7, 8},
	Message:      "Authentication credentials invalid",
}

type Backend struct {
	Log       *log.Logger
	Config    *config.Config
	Transfers *logging.TransferLogger
	NewClient exchange.Factory
}

// Login signs on to Exchange. The session submits through that connection.
func (b *Backend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	account, err := b.Config.Account(username, password)
	if err != nil {
		b.Log.Warnf("SMTP login rejected: %v", err)
		return nil, errAuthFailed
	}
	b.Config.LogAccount(b.Log, account)

	opts := account.Options
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
			b.Log.Warnf("SMTP login for %s failed: %v", username, err)
			return nil, errAuthFailed
		}
		b.Log.Errorf("SMTP login for %s failed: %v", username, err)
		return nil, &smtp.SMTPError{
			Code:         454,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Exchange server unavailable",
		}
	}

	b.Log.Infof("SMTP login for %s (mailbox %s)", username, opts.Mailbox)
	return &Session{
		backend: b,
		client:  client,
		state:   state,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// AnonymousLogin is refused: every message is submitted as a mailbox user.
func (b *Backend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	return nil, smtp.ErrAuthRequired
}
