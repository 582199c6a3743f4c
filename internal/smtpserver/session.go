/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpserver

import (
	"context"
	"errors"
	"io"

	"github.com/emersion/go-smtp"

	"github.com/JB-SelfCompany/exmail/internal/exchange"
	"github.com/JB-SelfCompany/exmail/internal/utils"
)

type Session struct {
	backend *Backend
	client  exchange.Client
	state   *smtp.ConnectionState
	ctx     context.Context
	cancel  context.CancelFunc
	from    string
	rcpt    []string
}

// Mail records the return path. Exchange sends as the signed-on mailbox,
// so the address is only checked for syntax.
func (s *Session) Mail(from string, opts smtp.MailOptions) error {
	s.rcpt = s.rcpt[:0]
	if from != "" {
		if _, err := utils.ParseAddress(from); err != nil {
			return &smtp.SMTPError{
				Code:         501,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "Invalid sender address",
			}
		}
	}
	s.from = from
	return nil
}

func (s *Session) Rcpt(to string) error {
	if _, err := utils.ParseAddress(to); err != nil {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}
	s.rcpt = append(s.rcpt, to)
	return nil
}

// Data submits the message with the envelope recipients. Recipients that
// are not in To or Cc become Bcc.
func (s *Session) Data(r io.Reader) error {
	err := s.client.Send(s.ctx, s.rcpt, r)
	switch {
	case err == nil:
		s.backend.Log.Infof("Submitted mail from %s for %v", s.from, s.rcpt)
		return nil
	case errors.Is(err, smtp.ErrDataTooLarge):
		return smtp.ErrDataTooLarge
	case errors.Is(err, exchange.ErrInvalidAddress):
		s.backend.Log.Warnf("Rejected mail from %s: %v", s.from, err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message headers contain an invalid address",
		}
	default:
		s.backend.Log.Errorf("Failed to submit mail from %s: %v", s.from, err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Exchange submission failed",
		}
	}
}

func (s *Session) Reset() {
	s.rcpt = s.rcpt[:0]
	s.from = ""
}

func (s *Session) Logout() error {
	s.cancel()
	return s.client.Close()
}
