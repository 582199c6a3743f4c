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

	_ "github.com/mattn/go-sqlite3"
)

type SQLite3Storage struct {
	*TableMessages
	db     *sql.DB
	writer *Writer
}

func NewSQLite3StorageStorage(filename string) (*SQLite3Storage, error) {
	db, err := sql.Open("sqlite3", "file:"+filename+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	// One connection keeps WAL readers and the writer consistent.
	db.SetMaxOpenConns(1)

	s := &SQLite3Storage{
		db:     db,
		writer: NewWriter(),
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("RunMigrations: %w", err)
	}
	s.TableMessages, err = NewTableMessages(db, s.writer)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableMessages: %w", err)
	}
	return s, nil
}

// Close stops the writer and closes the database.
func (s *SQLite3Storage) Close() error {
	s.writer.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("db.Close: %w", err)
	}
	return nil
}
