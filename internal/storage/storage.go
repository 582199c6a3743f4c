/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package storage

import (
	"time"

	"github.com/JB-SelfCompany/exmail/internal/storage/types"
)

// Storage keeps the state that must survive between sessions: the UID
// assigned to every message href seen for an account.
type Storage interface {
	AccountUIDValidity(account string) (uint32, error)
	AccountNextUID(account string) (uint32, error)
	MessageUIDs(account string, hrefs []string) ([]types.Message, error)
	MessageForget(account string, hrefs []string) error
	MessagePrune(account string, before time.Time) (int64, error)
	MessageCount(account string) (int, error)
	Close() error
}
