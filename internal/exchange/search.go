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
	"strconv"
)

// ListMessages returns the URLs of inbox messages in server order. Read
// messages are included only when includeRead is set. A positive limit
// caps the number of rows.
func (c *Connection) ListMessages(ctx context.Context, includeRead bool, limit int) ([]string, error) {
	infos, err := c.ListMessageInfo(ctx, includeRead, limit)
	if err != nil {
		return nil, err
	}
	urls := make([]string, len(infos))
	for i, info := range infos {
		urls[i] = info.URL
	}
	return urls, nil
}

// ListMessageInfo is ListMessages with the size, read flag and received
// date of each message.
func (c *Connection) ListMessageInfo(ctx context.Context, includeRead bool, limit int) ([]MessageInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inbox == "" {
		return nil, ErrNotConnected
	}

	bodyFn := unreadSearchBody
	if includeRead {
		bodyFn = allSearchBody
	}
	body, err := bodyFn()
	if err != nil {
		return nil, fmt.Errorf("exchange.Connection.ListMessageInfo: %w", err)
	}
	extra := map[string]string{}
	if limit > 0 {
		extra["Range"] = "rows=0-" + strconv.Itoa(limit)
	}

	resp, err := c.davRequest(ctx, "SEARCH", c.inbox, body, extra)
	if err != nil {
		return nil, fmt.Errorf("exchange.Connection.ListMessageInfo: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return nil, &ProtocolError{Op: OpListMessages, Status: resp.StatusCode}
	}
	messages, err := parseSearch(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exchange.Connection.ListMessageInfo: %w", err)
	}
	c.log.Debugf("Listed %d messages in %s", len(messages), c.inbox)
	return messages, nil
}
