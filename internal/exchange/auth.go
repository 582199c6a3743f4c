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
	"net/http"
	"net/url"
	"strings"
)

// Connect signs on and resolves the inbox. On failure the connection is
// left disconnected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inbox = ""
	if err := c.signOn(ctx); err != nil {
		return err
	}
	inbox, err := c.findInbox(ctx)
	if err != nil {
		return err
	}
	c.inbox = inbox
	c.log.Debugf("Connected to %s, inbox %s", c.opts.Mailbox, inbox)
	return nil
}

// signOn sends OPTIONS to the virtual directory with the scoped credentials
// and falls back to the OWA sign-on form when that is refused.
func (c *Connection) signOn(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodOptions, c.opts.Server+"/exchange", nil, nil)
	if err != nil {
		return fmt.Errorf("exchange.Connection.signOn: %w", err)
	}
	status := resp.StatusCode
	drain(resp)
	if status < 400 {
		return nil
	}
	c.log.Debugf("OPTIONS refused with %d, using forms sign-on", status)

	form := url.Values{}
	form.Set("destination", c.opts.Server+"/exchange")
	form.Set("flags", "0")
	form.Set("username", c.opts.Username)
	form.Set("password", c.opts.Password)
	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err = c.do(ctx, http.MethodPost, c.opts.Server+c.variant.signOnPath, strings.NewReader(form.Encode()), header)
	if err != nil {
		return fmt.Errorf("exchange.Connection.signOn: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode >= 400 {
		return &AuthError{Status: resp.StatusCode}
	}
	return nil
}

// findInbox asks the mailbox root for its inbox collection URL.
func (c *Connection) findInbox(ctx context.Context) (string, error) {
	body, err := findInboxBody()
	if err != nil {
		return "", fmt.Errorf("exchange.Connection.findInbox: %w", err)
	}
	resp, err := c.davRequest(ctx, "PROPFIND", c.opts.Server+"/exchange/"+c.opts.Mailbox, body, map[string]string{
		"Depth": "0",
	})
	if err != nil {
		return "", fmt.Errorf("exchange.Connection.findInbox: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return "", &ProtocolError{Op: OpObtainInbox, Status: resp.StatusCode}
	}
	inbox, err := parseInbox(resp.Body)
	if err != nil {
		return "", fmt.Errorf("exchange.Connection.findInbox: %w", err)
	}
	if inbox == "" {
		return "", &ProtocolError{Op: OpObtainInbox}
	}
	return inbox, nil
}
