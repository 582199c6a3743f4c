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
	"strings"
	"sync"

	"github.com/emersion/go-imap/backend"

	"github.com/JB-SelfCompany/exmail/internal/config"
	"github.com/JB-SelfCompany/exmail/internal/exchange"
	"github.com/JB-SelfCompany/exmail/internal/storage/filestore"
)

const inboxName = "INBOX"

var errReadOnlyHierarchy = errors.New("only INBOX is available")

type User struct {
	backend *Backend
	account *config.Account
	client  exchange.Client
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	cache map[string]*filestore.CachedMessage
}

func (u *User) Username() string {
	return u.account.Login
}

func (u *User) ListMailboxes(subscribed bool) ([]backend.Mailbox, error) {
	mbox, err := u.inbox()
	if err != nil {
		return nil, err
	}
	return []backend.Mailbox{mbox}, nil
}

func (u *User) GetMailbox(name string) (backend.Mailbox, error) {
	if !strings.EqualFold(name, inboxName) {
		return nil, backend.ErrNoSuchMailbox
	}
	mbox, err := u.inbox()
	if err != nil {
		return nil, err
	}
	// Every SELECT, EXAMINE and STATUS works on its own listing, so a
	// selected session never sees sequence numbers shift underneath it.
	if err := mbox.load(); err != nil {
		return nil, err
	}
	return mbox, nil
}

func (u *User) inbox() (*Mailbox, error) {
	validity, err := u.backend.Storage.AccountUIDValidity(u.account.Key())
	if err != nil {
		return nil, fmt.Errorf("u.backend.Storage.AccountUIDValidity: %w", err)
	}
	return &Mailbox{
		user:        u,
		name:        inboxName,
		uidValidity: validity,
	}, nil
}

// fetch returns the spooled copy of href, fetching it on first use. The
// copy is kept until logout or until the message is expunged.
func (u *User) fetch(href string) (*filestore.CachedMessage, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if cm, ok := u.cache[href]; ok {
		return cm, nil
	}
	cm, err := u.client.Fetch(u.ctx, href)
	if err != nil {
		return nil, err
	}
	if u.cache == nil {
		u.cache = make(map[string]*filestore.CachedMessage)
	}
	u.cache[href] = cm
	return cm, nil
}

// forget releases the spooled copies of hrefs.
func (u *User) forget(hrefs []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, href := range hrefs {
		if cm, ok := u.cache[href]; ok {
			_ = cm.Close()
			delete(u.cache, href)
		}
	}
}

func (u *User) CreateMailbox(name string) error {
	return errReadOnlyHierarchy
}

func (u *User) DeleteMailbox(name string) error {
	return errReadOnlyHierarchy
}

func (u *User) RenameMailbox(existingName, newName string) error {
	return errReadOnlyHierarchy
}

// Logout drops the session cache and closes the Exchange connection.
func (u *User) Logout() error {
	u.mu.Lock()
	for href, cm := range u.cache {
		_ = cm.Close()
		delete(u.cache, href)
	}
	u.mu.Unlock()
	u.cancel()
	return u.client.Close()
}
