/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package exchange

import (
	"errors"
	"fmt"
)

// Operation names carried by ProtocolError.
const (
	OpObtainInbox  = "obtain inbox"
	OpListMessages = "list messages"
	OpDelete       = "delete messages"
	OpMarkRead     = "mark messages read"
	OpFetch        = "fetch message"
	OpSend         = "send message"
)

var (
	// ErrNotConnected is returned by any mailbox operation issued before
	// Connect succeeded. No request is sent.
	ErrNotConnected = errors.New("exchange: not connected")

	// ErrInvalidAddress is returned when an envelope address cannot be
	// parsed as an RFC 5322 mailbox.
	ErrInvalidAddress = errors.New("exchange: invalid address")
)

// AuthError reports a rejected forms sign-on.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("exchange: sign-on failed: %d", e.Status)
}

// ProtocolError reports a WebDAV request that returned an unexpected status
// or a response missing an expected element. Status is zero in the latter
// case.
type ProtocolError struct {
	Op     string
	Status int
	Err    error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("exchange: unable to %s: %v", e.Op, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("exchange: unable to %s: %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("exchange: unable to %s", e.Op)
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is a ProtocolError for op.
func IsProtocolError(err error, op string) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) && perr.Op == op
}
