/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package exchange

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// submissionURI is the mailbox pseudo-folder that hands a message moved
// into it to the Exchange transport.
const submissionURI = "##DavMailSubmissionURI##"

// Send delivers an RFC 5322 message to the envelope recipients. The
// message is staged in the drafts folder and then moved to the submission
// URI, which sends it and keeps a copy in Sent Items.
func (c *Connection) Send(ctx context.Context, envelope []string, r io.Reader) error {
	br := bufio.NewReader(r)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return fmt.Errorf("exchange.Connection.Send: %w", err)
	}
	mh := mail.Header{Header: message.Header{Header: h}}
	if err := ApplyEnvelope(&mh, envelope); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inbox == "" {
		return ErrNotConnected
	}

	var head bytes.Buffer
	if err := textproto.WriteHeader(&head, mh.Header.Header); err != nil {
		return fmt.Errorf("exchange.Connection.Send: %w", err)
	}

	root := c.opts.Server + "/exchange/" + c.opts.Mailbox
	draft := root + "/" + c.opts.Drafts + "/" + uuid.NewString() + ".EML"

	opID := c.opts.Transfers.Start("SEND", basename(draft), 0)
	body := &countingReader{r: io.MultiReader(&head, br), progress: func(n int64) {
		c.opts.Transfers.Progress(opID, n)
	}}
	err = c.putDraft(ctx, draft, body)
	if err == nil {
		err = c.submit(ctx, draft, root+"/"+submissionURI+"/")
	}
	c.opts.Transfers.End(opID, body.n, err)
	return err
}

func (c *Connection) putDraft(ctx context.Context, draft string, body io.Reader) error {
	header := http.Header{}
	header.Set("Content-Type", "message/rfc822")
	header.Set("Translate", "f")
	resp, err := c.do(ctx, http.MethodPut, draft, body, header)
	if err != nil {
		return fmt.Errorf("exchange.Connection.Send: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return &ProtocolError{Op: OpSend, Status: resp.StatusCode}
	}
	return nil
}

func (c *Connection) submit(ctx context.Context, draft, destination string) error {
	header := http.Header{}
	header.Set("Destination", destination)
	header.Set("Saveinsent", "t")
	resp, err := c.do(ctx, "MOVE", draft, nil, header)
	if err != nil {
		return fmt.Errorf("exchange.Connection.Send: %w", err)
	}
	status := resp.StatusCode
	drain(resp)
	if status < 300 {
		return nil
	}

	// Leave no draft behind when the submission is refused.
	if resp, err := c.do(ctx, http.MethodDelete, draft, nil, nil); err == nil {
		drain(resp)
	} else {
		c.log.Warnf("Failed to remove draft %s: %v", draft, err)
	}
	return &ProtocolError{Op: OpSend, Status: status}
}

type countingReader struct {
	r        io.Reader
	n        int64
	progress func(int64)
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.n += int64(n)
		r.progress(r.n)
	}
	return n, err
}
