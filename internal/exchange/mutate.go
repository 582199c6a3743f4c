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
	"fmt"
	"strings"
)

// Delete permanently removes messages with one BDELETE request.
func (c *Connection) Delete(ctx context.Context, urls []string) error {
	return c.batch(ctx, "BDELETE", OpDelete, urls, deleteBody)
}

// MarkRead sets the read flag on messages with one BPROPPATCH request.
func (c *Connection) MarkRead(ctx context.Context, urls []string) error {
	return c.batch(ctx, "BPROPPATCH", OpMarkRead, urls, markReadBody)
}

func (c *Connection) batch(ctx context.Context, method, op string, urls []string, encode func([]string) ([]byte, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inbox == "" {
		return ErrNotConnected
	}
	body, err := encode(urls)
	if err != nil {
		return fmt.Errorf("exchange.Connection.%s: %w", method, err)
	}
	path := c.inbox
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	resp, err := c.davRequest(ctx, method, path, body, map[string]string{
		"If-Match": "*",
	})
	if err != nil {
		return fmt.Errorf("exchange.Connection.%s: %w", method, err)
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return &ProtocolError{Op: op, Status: resp.StatusCode}
	}
	c.log.Debugf("%s applied to %d messages", method, len(urls))
	return nil
}
