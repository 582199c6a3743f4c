/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package exchange

import (
	"context"
	"io"
	"sort"

	"github.com/JB-SelfCompany/exmail/internal/storage/filestore"
)

// Client is the mailbox surface shared by all Exchange versions.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	ListMessages(ctx context.Context, includeRead bool, limit int) ([]string, error)
	ListMessageInfo(ctx context.Context, includeRead bool, limit int) ([]MessageInfo, error)
	Delete(ctx context.Context, urls []string) error
	MarkRead(ctx context.Context, urls []string) error
	Fetch(ctx context.Context, url string) (*filestore.CachedMessage, error)
	Send(ctx context.Context, envelope []string, r io.Reader) error
}

// Factory creates a Client. Adapters take one so tests can substitute it.
type Factory func(opts Options) (Client, error)

// variant holds what differs between Exchange versions.
type variant struct {
	signOnPath string
}

var variants = map[string]variant{
	"":     {signOnPath: "/exchweb/bin/auth/owaauth.dll"},
	"2003": {signOnPath: "/exchweb/bin/auth/owaauth.dll"},
	"2007": {signOnPath: "/owa/auth/owaauth.dll"},
}

// NewClient creates a Client for opts.Version.
func NewClient(opts Options) (Client, error) {
	conn, err := New(opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Versions lists the supported Exchange versions.
func Versions() []string {
	var versions []string
	for v := range variants {
		if v != "" {
			versions = append(versions, v)
		}
	}
	sort.Strings(versions)
	return versions
}

// KnownVersion reports whether v names a supported version. The empty
// string selects the default.
func KnownVersion(v string) bool {
	_, ok := variants[v]
	return ok
}
