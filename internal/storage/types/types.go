/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package types

import "time"

// Message is one row of the href index. UIDs are assigned the first time
// an href is seen for an account and never reused. Rows whose LastSeen
// falls behind the last listing are pruned.
type Message struct {
	Account   string
	Href      string
	UID       uint32
	FirstSeen time.Time
	LastSeen  time.Time
}

// Constants for message transfer
const (
	ChunkSize             = 64 * 1024         // 64 KB - read size when spooling a fetched message
	LargeMessageThreshold = 10 * 1024 * 1024  // 10 MB - transfers above this are tracked with milestones
	MilestoneInterval     = 8 * 1024 * 1024   // 8 MB - distance between two progress milestones
	MaxMessageBytes       = 100 * 1024 * 1024 // 100 MB - largest message accepted for submission
)
