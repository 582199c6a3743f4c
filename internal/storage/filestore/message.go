package filestore

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// CachedMessage is a fetched message held in a spool file. It is bound to
// the folder it was fetched from, and any number of independent readers can
// be opened over it.
type CachedMessage struct {
	spool  *Spool
	path   string
	folder string
	size   int64

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// Folder returns the collection URL the message was fetched from.
func (m *CachedMessage) Folder() string { return m.folder }

// Path returns the location of the spool file.
func (m *CachedMessage) Path() string { return m.path }

// Size returns the number of bytes held.
func (m *CachedMessage) Size() int64 { return m.size }

// ReadAt implements io.ReaderAt over the spool file.
func (m *CachedMessage) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	file, closed := m.file, m.closed
	m.mu.Unlock()
	if closed {
		return 0, os.ErrClosed
	}
	return file.ReadAt(p, off)
}

// NewReader returns a reader positioned at the start of the message. Readers
// do not share an offset.
func (m *CachedMessage) NewReader() *io.SectionReader {
	return io.NewSectionReader(m, 0, m.size)
}

// Close closes the spool file and removes it. Calling Close twice is safe.
func (m *CachedMessage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if err := m.file.Close(); err != nil {
		_ = m.spool.release(m.path)
		return fmt.Errorf("failed to close file: %w", err)
	}
	return m.spool.release(m.path)
}
