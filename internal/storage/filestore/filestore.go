package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JB-SelfCompany/exmail/internal/storage/types"
)

// Spool keeps fetched messages in temporary files so that clients can read
// them again without another round trip to the server. Every file created
// by the spool is tracked until it is released, and Cleanup removes what is
// left when the process shuts down.
type Spool struct {
	basePath string
	mu       sync.RWMutex
	files    map[string]struct{}
}

// NewSpool creates a spool under basePath. An empty basePath creates a
// private directory under the system temporary directory.
func NewSpool(basePath string) (*Spool, error) {
	if basePath == "" {
		dir, err := os.MkdirTemp("", "exmail-spool-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
		basePath = dir
	} else if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	return &Spool{
		basePath: basePath,
		files:    make(map[string]struct{}),
	}, nil
}

// Store copies reader into a new spool file in ChunkSize reads and returns
// a handle to it. progress, if not nil, is called with the running byte
// count after each write. On any error the partial file is removed.
func (s *Spool) Store(folder string, reader io.Reader, progress func(written int64)) (*CachedMessage, error) {
	file, err := os.CreateTemp(s.basePath, "exmail-*.eml")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := file.Name()

	// Clean up temp file on error
	defer func() {
		if file != nil {
			file.Close()
			os.Remove(path)
		}
	}()

	var written int64
	buf := make([]byte, types.ChunkSize)
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("failed to write data: %w", err)
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("failed to read data: %w", rerr)
		}
	}

	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind file: %w", err)
	}

	s.mu.Lock()
	s.files[path] = struct{}{}
	s.mu.Unlock()

	msg := &CachedMessage{
		spool:  s,
		path:   path,
		folder: folder,
		size:   written,
		file:   file,
	}
	file = nil // Prevent defer cleanup
	return msg, nil
}

// release removes a spool file and stops tracking it.
func (s *Spool) release(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.files, path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Len returns the number of spool files that have not been released.
func (s *Spool) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// TotalSize returns the size in bytes of all tracked spool files.
func (s *Spool) TotalSize() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totalSize int64
	for path := range s.files {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("failed to stat file: %w", err)
		}
		totalSize += info.Size()
	}
	return totalSize, nil
}

// Cleanup removes every tracked file and any orphaned spool file left in
// the directory by an earlier process. It returns the number of files
// deleted and the bytes freed. Errors are collected but do not stop the
// sweep.
func (s *Spool) Cleanup() (int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deletedCount := 0
	var deletedSize int64
	var firstErr error

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !isSpoolFile(info.Name()) {
			return nil
		}
		size := info.Size()
		if err := os.Remove(path); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to delete spool file %s: %w", path, err)
			}
			return nil
		}
		deletedCount++
		deletedSize += size
		return nil
	})
	s.files = make(map[string]struct{})

	if err != nil {
		return deletedCount, deletedSize, fmt.Errorf("cleanup failed: %w", err)
	}
	return deletedCount, deletedSize, firstErr
}

// BasePath returns the directory of the spool
func (s *Spool) BasePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.basePath
}

func isSpoolFile(name string) bool {
	return strings.HasPrefix(name, "exmail-") && strings.HasSuffix(name, ".eml")
}
