/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package exchange

import (
	"strings"
	"unicode/utf16"
)

const hexabet = "0123456789ABCDEF"

var allowedChars = func() (allowed [128]bool) {
	for c := 'a'; c <= 'z'; c++ {
		allowed[c] = true
	}
	// '@' through 'Z'
	for c := '@'; c <= 'Z'; c++ {
		allowed[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		allowed[c] = true
	}
	for _, c := range "-_.!~*'()%:@&=+$,;/" {
		allowed[c] = true
	}
	return
}()

// Escape percent-encodes a message URL for use as a request target.
// Characters are taken as UTF-16 code units. A unit outside the allowed set
// becomes %XX of its low byte, preceded by %XX of its high byte when that is
// nonzero. Exchange expects exactly this form, so it is not UTF-8 encoding.
func Escape(url string) string {
	var b strings.Builder
	b.Grow(len(url))
	for _, unit := range utf16.Encode([]rune(url)) {
		if unit < 128 && allowedChars[unit] {
			b.WriteByte(byte(unit))
			continue
		}
		if high := unit >> 8; high != 0 {
			b.WriteByte('%')
			b.WriteByte(hexabet[high>>4&0x0f])
			b.WriteByte(hexabet[high&0x0f])
		}
		b.WriteByte('%')
		b.WriteByte(hexabet[unit>>4&0x0f])
		b.WriteByte(hexabet[unit&0x0f])
	}
	return b.String()
}
