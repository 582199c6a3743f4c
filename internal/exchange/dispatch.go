/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package exchange

import (
	"fmt"

	"github.com/emersion/go-message/mail"

	"github.com/JB-SelfCompany/exmail/internal/utils"
)

// Recipients are the header recipient lists of an outgoing message.
type Recipients struct {
	To  []*mail.Address
	Cc  []*mail.Address
	Bcc []*mail.Address
}

// PartitionRecipients keeps in each header list only the addresses present
// in the envelope, and adds every envelope address that no header names to
// Bcc. Lists that end up empty are nil.
func PartitionRecipients(to, cc, bcc, envelope []*mail.Address) Recipients {
	r := Recipients{
		To:  filterAddresses(to, envelope),
		Cc:  filterAddresses(cc, envelope),
		Bcc: filterAddresses(bcc, envelope),
	}
	for _, addr := range envelope {
		if containsAddress(to, addr) || containsAddress(cc, addr) || containsAddress(bcc, addr) {
			continue
		}
		r.Bcc = append(r.Bcc, addr)
	}
	return r
}

func filterAddresses(list, envelope []*mail.Address) []*mail.Address {
	var kept []*mail.Address
	for _, addr := range list {
		if containsAddress(envelope, addr) {
			kept = append(kept, addr)
		}
	}
	return kept
}

func containsAddress(list []*mail.Address, addr *mail.Address) bool {
	for _, a := range list {
		if utils.SameAddress(a.Address, addr.Address) {
			return true
		}
	}
	return false
}

// ApplyEnvelope rewrites the To, Cc and Bcc fields of h for delivery to
// exactly the envelope recipients. Fields left without recipients are
// removed. Unparsable addresses in the envelope or the header fail with
// ErrInvalidAddress, as does an empty envelope.
func ApplyEnvelope(h *mail.Header, envelope []string) error {
	if len(envelope) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidAddress)
	}
	rcpts := make([]*mail.Address, 0, len(envelope))
	for _, raw := range envelope {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		rcpts = append(rcpts, addr)
	}

	lists := make(map[string][]*mail.Address, 3)
	for _, key := range []string{"To", "Cc", "Bcc"} {
		addrs, err := h.AddressList(key)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, key, err)
		}
		lists[key] = addrs
	}

	r := PartitionRecipients(lists["To"], lists["Cc"], lists["Bcc"], rcpts)
	h.SetAddressList("To", r.To)
	h.SetAddressList("Cc", r.Cc)
	h.SetAddressList("Bcc", r.Bcc)
	return nil
}
