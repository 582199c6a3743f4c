/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package sqlite3

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/JB-SelfCompany/exmail/internal/storage/types"
)

type TableMessages struct {
	db            *sql.DB
	writer        *Writer
	selectAccount *sql.Stmt
	insertAccount *sql.Stmt
	bumpNextUID   *sql.Stmt
	selectMessage *sql.Stmt
	insertMessage *sql.Stmt
	touchMessage  *sql.Stmt
	deleteMessage *sql.Stmt
	pruneMessages *sql.Stmt
	countMessages *sql.Stmt
}

const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		account      TEXT NOT NULL PRIMARY KEY,
		uid_validity INTEGER NOT NULL,
		next_uid     INTEGER NOT NULL DEFAULT 1 -- never decreases, so UIDs are not reused
	);

	CREATE TABLE IF NOT EXISTS messages (
		account    TEXT NOT NULL,
		href       TEXT NOT NULL,
		uid        INTEGER NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (account, href),
		FOREIGN KEY (account) REFERENCES accounts(account) ON DELETE CASCADE ON UPDATE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS messages_uid ON messages(account, uid);
`

const selectAccountStmt = `
	SELECT uid_validity, next_uid FROM accounts WHERE account = $1
`

const insertAccountStmt = `
	INSERT INTO accounts (account, uid_validity, next_uid) VALUES($1, $2, 1)
`

const bumpNextUIDStmt = `
	UPDATE accounts SET next_uid = $1 WHERE account = $2
`

const selectMessageStmt = `
	SELECT uid, first_seen FROM messages WHERE account = $1 AND href = $2
`

const insertMessageStmt = `
	INSERT INTO messages (account, href, uid, first_seen, last_seen) VALUES($1, $2, $3, $4, $4)
`

const touchMessageStmt = `
	UPDATE messages SET last_seen = $1 WHERE account = $2 AND href = $3
`

const deleteMessageStmt = `
	DELETE FROM messages WHERE account = $1 AND href = $2
`

const pruneMessagesStmt = `
	DELETE FROM messages WHERE account = $1 AND last_seen < $2
`

const countMessagesStmt = `
	SELECT COUNT(*) FROM messages WHERE account = $1
`

func NewTableMessages(db *sql.DB, writer *Writer) (*TableMessages, error) {
	t := &TableMessages{
		db:     db,
		writer: writer,
	}
	_, err := db.Exec(schema)
	if err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	for _, p := range []struct {
		stmt  **sql.Stmt
		query string
		name  string
	}{
		{&t.selectAccount, selectAccountStmt, "selectAccountStmt"},
		{&t.insertAccount, insertAccountStmt, "insertAccountStmt"},
		{&t.bumpNextUID, bumpNextUIDStmt, "bumpNextUIDStmt"},
		{&t.selectMessage, selectMessageStmt, "selectMessageStmt"},
		{&t.insertMessage, insertMessageStmt, "insertMessageStmt"},
		{&t.touchMessage, touchMessageStmt, "touchMessageStmt"},
		{&t.deleteMessage, deleteMessageStmt, "deleteMessageStmt"},
		{&t.pruneMessages, pruneMessagesStmt, "pruneMessagesStmt"},
		{&t.countMessages, countMessagesStmt, "countMessagesStmt"},
	} {
		if *p.stmt, err = db.Prepare(p.query); err != nil {
			return nil, fmt.Errorf("db.Prepare(%s): %w", p.name, err)
		}
	}
	return t, nil
}

// account returns the UID validity and next UID of an account, creating
// the account when it is new.
func (t *TableMessages) account(txn *sql.Tx, account string) (validity uint32, next uint32, err error) {
	err = txn.Stmt(t.selectAccount).QueryRow(account).Scan(&validity, &next)
	if err == sql.ErrNoRows {
		validity = uint32(time.Now().Unix())
		if _, err = txn.Stmt(t.insertAccount).Exec(account, validity); err != nil {
			return 0, 0, fmt.Errorf("insertAccount: %w", err)
		}
		return validity, 1, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("selectAccount: %w", err)
	}
	return validity, next, nil
}

func (t *TableMessages) AccountUIDValidity(account string) (uint32, error) {
	var validity uint32
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		var err error
		validity, _, err = t.account(txn, account)
		return err
	})
	return validity, err
}

// AccountNextUID returns the UID the next new href of account will get.
func (t *TableMessages) AccountNextUID(account string) (uint32, error) {
	var next uint32
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		var err error
		_, next, err = t.account(txn, account)
		return err
	})
	return next, err
}

// MessageUIDs returns the index rows for hrefs, in the same order,
// assigning new UIDs to hrefs seen for the first time. Every href is marked
// as seen now.
func (t *TableMessages) MessageUIDs(account string, hrefs []string) ([]types.Message, error) {
	messages := make([]types.Message, len(hrefs))
	now := time.Now().Unix()
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		_, next, err := t.account(txn, account)
		if err != nil {
			return err
		}
		start := next
		for i, href := range hrefs {
			var uid uint32
			var firstSeen int64
			err := txn.Stmt(t.selectMessage).QueryRow(account, href).Scan(&uid, &firstSeen)
			switch {
			case err == sql.ErrNoRows:
				uid, firstSeen = next, now
				next++
				if _, err := txn.Stmt(t.insertMessage).Exec(account, href, uid, now); err != nil {
					return fmt.Errorf("insertMessage: %w", err)
				}
			case err != nil:
				return fmt.Errorf("selectMessage: %w", err)
			default:
				if _, err := txn.Stmt(t.touchMessage).Exec(now, account, href); err != nil {
					return fmt.Errorf("touchMessage: %w", err)
				}
			}
			messages[i] = types.Message{
				Account:   account,
				Href:      href,
				UID:       uid,
				FirstSeen: time.Unix(firstSeen, 0),
				LastSeen:  time.Unix(now, 0),
			}
		}
		if next != start {
			if _, err := txn.Stmt(t.bumpNextUID).Exec(next, account); err != nil {
				return fmt.Errorf("bumpNextUID: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("TableMessages.MessageUIDs: %w", err)
	}
	return messages, nil
}

// MessageForget removes hrefs that no longer exist on the server.
func (t *TableMessages) MessageForget(account string, hrefs []string) error {
	return t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		for _, href := range hrefs {
			if _, err := txn.Stmt(t.deleteMessage).Exec(account, href); err != nil {
				return fmt.Errorf("deleteMessage: %w", err)
			}
		}
		return nil
	})
}

// MessagePrune removes hrefs not seen since before and returns how many
// were removed.
func (t *TableMessages) MessagePrune(account string, before time.Time) (int64, error) {
	var removed int64
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.pruneMessages).Exec(account, before.Unix())
		if err != nil {
			return fmt.Errorf("pruneMessages: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

func (t *TableMessages) MessageCount(account string) (int, error) {
	var count int
	err := t.countMessages.QueryRow(account).Scan(&count)
	return count, err
}
