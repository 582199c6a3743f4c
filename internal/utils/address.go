/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package utils

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// ParseAddress parses a single mailbox, with or without display name and
// angle brackets, and returns its addr-spec.
func ParseAddress(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("empty email address")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", fmt.Errorf("mail.ParseAddress: %w", err)
	}
	return addr.Address, nil
}

// SplitAddress returns the local part and domain of an addr-spec.
func SplitAddress(email string) (local, domain string, err error) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("invalid email address")
	}
	return email[:at], email[at+1:], nil
}

// SameAddress reports whether two addr-specs name the same mailbox.
// Comparison ignores case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
