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
	"errors"
	"fmt"
	"sync"
)

var errWriterClosed = errors.New("sqlite3: writer closed")

// Writer runs all write transactions on a single goroutine, so SQLite never
// sees two writers at once.
type Writer struct {
	mu     sync.RWMutex
	closed bool
	todo   chan writerTask
}

type writerTask struct {
	db   *sql.DB
	txn  *sql.Tx
	f    func(txn *sql.Tx) error
	wait chan error
}

func NewWriter() *Writer {
	w := &Writer{
		todo: make(chan writerTask),
	}
	go w.run()
	return w
}

// Do runs f inside txn, or inside a new transaction on db when txn is nil.
// A new transaction is committed if f succeeds and rolled back otherwise.
func (w *Writer) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errWriterClosed
	}
	task := writerTask{db: db, txn: txn, f: f, wait: make(chan error, 1)}
	w.todo <- task
	return <-task.wait
}

// Close stops the writer goroutine. Further calls to Do fail.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.todo)
	}
}

func (w *Writer) run() {
	for task := range w.todo {
		task.wait <- task.execute()
	}
}

func (t writerTask) execute() error {
	if t.txn != nil {
		return t.f(t.txn)
	}
	txn, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("db.Begin: %w", err)
	}
	if err := t.f(txn); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("txn.Commit: %w", err)
	}
	return nil
}
