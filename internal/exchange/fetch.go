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
	"errors"
	"fmt"
	"net/http"

	"github.com/JB-SelfCompany/exmail/internal/storage/filestore"
)

// Fetch downloads the raw MIME source of a message into the spool. The
// returned message belongs to the caller, who must Close it.
func (c *Connection) Fetch(ctx context.Context, url string) (*filestore.CachedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inbox == "" {
		return nil, ErrNotConnected
	}
	if c.opts.Spool == nil {
		return nil, errors.New("exchange.Connection.Fetch: no spool configured")
	}

	header := http.Header{}
	header.Set("Translate", "F")
	resp, err := c.do(ctx, http.MethodGet, Escape(url), nil, header)
	if err != nil {
		return nil, fmt.Errorf("exchange.Connection.Fetch: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return nil, &ProtocolError{Op: OpFetch, Status: resp.StatusCode}
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	var written int64
	opID := c.opts.Transfers.Start("FETCH", basename(url), size)
	msg, err := c.opts.Spool.Store(c.inbox, resp.Body, func(n int64) {
		written = n
		c.opts.Transfers.Progress(opID, n)
	})
	c.opts.Transfers.End(opID, written, err)
	if err != nil {
		return nil, fmt.Errorf("exchange.Connection.Fetch: %w", err)
	}
	return msg, nil
}
