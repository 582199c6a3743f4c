/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package bridge runs the local IMAP, POP3 and SMTP listeners in front of
// an Exchange mailbox.
package bridge

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/gologme/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/JB-SelfCompany/exmail/internal/config"
	"github.com/JB-SelfCompany/exmail/internal/exchange"
	"github.com/JB-SelfCompany/exmail/internal/imapserver"
	"github.com/JB-SelfCompany/exmail/internal/logging"
	"github.com/JB-SelfCompany/exmail/internal/pop3server"
	"github.com/JB-SelfCompany/exmail/internal/smtpserver"
	"github.com/JB-SelfCompany/exmail/internal/storage/filestore"
	"github.com/JB-SelfCompany/exmail/internal/storage/sqlite3"
	"github.com/JB-SelfCompany/exmail/internal/storage/types"
)

var (
	ErrRunning    = errors.New("bridge: service already running")
	ErrNotRunning = errors.New("bridge: service not running")
)

// Service owns the storage, the spool and the listeners.
type Service struct {
	// NewClient creates engine clients. nil selects exchange.NewClient.
	NewClient exchange.Factory

	config    *config.Config
	log       *log.Logger
	storage   *sqlite3.SQLite3Storage
	spool     *filestore.Spool
	transfers *logging.TransferLogger
	imap      *imapserver.IMAPServer
	pop3      *pop3server.POP3Server
	smtp      *smtpserver.SMTPServer
	running   atomic.Bool
	mu        sync.Mutex
}

func NewService(cfg *config.Config, logger *log.Logger) *Service {
	return &Service{
		config: cfg,
		log:    logger,
	}
}

// Start opens the UID index and spool and starts every listener whose
// address is not empty. On failure everything already started is closed.
func (s *Service) Start() (err error) {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if err != nil {
			s.shutdown()
			s.running.Store(false)
		}
	}()

	s.log.Infof("Starting exmail bridge for %s", s.config.Host)

	if s.storage, err = sqlite3.NewSQLite3StorageStorage(s.config.Bridge.Database); err != nil {
		return fmt.Errorf("sqlite3.NewSQLite3StorageStorage: %w", err)
	}
	if s.spool, err = filestore.NewSpool(s.config.Bridge.Spool); err != nil {
		return fmt.Errorf("filestore.NewSpool: %w", err)
	}
	if removed, _, cerr := s.spool.Cleanup(); cerr == nil && removed > 0 {
		s.log.Infof("Removed %d stale spool files", removed)
	}
	s.log.Infof("Spool directory is %s", s.spool.BasePath())
	s.transfers = logging.NewTransferLogger(s.log, types.LargeMessageThreshold, types.MilestoneInterval)

	if addr := s.config.Bridge.IMAP; addr != "" {
		backend := &imapserver.Backend{
			Log:       s.log,
			Config:    s.config,
			Storage:   s.storage,
			Spool:     s.spool,
			Transfers: s.transfers,
			NewClient: s.NewClient,
		}
		if s.imap, err = imapserver.NewIMAPServer(backend, addr, s.config.Bridge.Poll); err != nil {
			return fmt.Errorf("imapserver.NewIMAPServer: %w", err)
		}
	}
	if addr := s.config.Bridge.POP3; addr != "" {
		backend := &pop3server.Backend{
			Log:       s.log,
			Config:    s.config,
			Storage:   s.storage,
			Spool:     s.spool,
			Transfers: s.transfers,
			NewClient: s.NewClient,
		}
		if s.pop3, err = pop3server.NewPOP3Server(backend, addr); err != nil {
			return fmt.Errorf("pop3server.NewPOP3Server: %w", err)
		}
	}
	if addr := s.config.Bridge.SMTP; addr != "" {
		backend := &smtpserver.Backend{
			Log:       s.log,
			Config:    s.config,
			Transfers: s.transfers,
			NewClient: s.NewClient,
		}
		if s.smtp, err = smtpserver.NewSMTPServer(backend, addr); err != nil {
			return fmt.Errorf("smtpserver.NewSMTPServer: %w", err)
		}
	}
	if s.imap == nil && s.pop3 == nil && s.smtp == nil {
		return errors.New("bridge: no listener enabled")
	}

	s.log.Infof("exmail bridge started")
	return nil
}

// Stop closes the listeners, the UID index and the spool.
func (s *Service) Stop() error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Infof("Stopping exmail bridge")
	err := s.shutdown()
	s.running.Store(false)
	s.log.Infof("exmail bridge stopped")
	return err
}

func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// IMAPAddr returns the IMAP listen address, or nil when IMAP is disabled.
func (s *Service) IMAPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.imap == nil {
		return nil
	}
	return s.imap.Addr()
}

// POP3Addr returns the POP3 listen address, or nil when POP3 is disabled.
func (s *Service) POP3Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pop3 == nil {
		return nil
	}
	return s.pop3.Addr()
}

// SMTPAddr returns the SMTP listen address, or nil when SMTP is disabled.
func (s *Service) SMTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.smtp == nil {
		return nil
	}
	return s.smtp.Addr()
}

// shutdown closes whatever is open. The caller holds s.mu.
func (s *Service) shutdown() error {
	var err error
	if s.imap != nil {
		if cerr := s.imap.Close(); cerr != nil {
			s.log.Errorf("Error closing IMAP server: %v", cerr)
			err = multierr.Append(err, cerr)
		}
		s.imap = nil
	}
	if s.pop3 != nil {
		if cerr := s.pop3.Close(); cerr != nil {
			s.log.Errorf("Error closing POP3 server: %v", cerr)
			err = multierr.Append(err, cerr)
		}
		s.pop3 = nil
	}
	if s.smtp != nil {
		if cerr := s.smtp.Close(); cerr != nil {
			s.log.Errorf("Error closing SMTP server: %v", cerr)
			err = multierr.Append(err, cerr)
		}
		s.smtp = nil
	}
	if s.storage != nil {
		if cerr := s.storage.Close(); cerr != nil {
			s.log.Errorf("Error closing database: %v", cerr)
			err = multierr.Append(err, cerr)
		}
		s.storage = nil
	}
	if s.spool != nil {
		if n := s.spool.Len(); n > 0 {
			size, _ := s.spool.TotalSize()
			s.log.Warnf("Releasing %d spooled messages still in use (%d bytes)", n, size)
		}
		if n, size, cerr := s.spool.Cleanup(); cerr != nil {
			s.log.Errorf("Error cleaning spool: %v", cerr)
			err = multierr.Append(err, cerr)
		} else if n > 0 {
			s.log.Infof("Removed %d spool files (%d bytes)", n, size)
		}
		if s.config.Bridge.Spool == "" {
			// Private temporary directory created by NewSpool.
			_ = os.Remove(s.spool.BasePath())
		}
		s.spool = nil
	}
	if n := s.transfers.Active(); n > 0 {
		s.log.Warnf("%d transfers still in progress", n)
		for _, t := range s.transfers.Pending() {
			s.log.Warnf("[Transfer:%s] INTERRUPTED %s %s after %d bytes", t.OpID, t.Stage, t.Ref, t.Bytes)
		}
	}
	return err
}
