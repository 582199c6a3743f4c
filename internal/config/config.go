/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JB-SelfCompany/exmail/internal/exchange"
)

// Error is a configuration problem found before any network activity.
type Error struct {
	Key   string
	Value string
	Msg   string
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return "config: " + e.Msg
	default:
		return fmt.Sprintf("config: invalid %s: %q", e.Key, e.Value)
	}
}

// Bridge holds the listener and storage settings of the bridge service.
type Bridge struct {
	IMAP     string
	POP3     string
	SMTP     string
	Database string
	Spool    string
	Poll     time.Duration
}

// Config is the parsed property file.
type Config struct {
	Host              string
	Mailbox           string
	From              string // mailbox when neither exmail.mailbox nor the login names one
	Unfiltered        bool
	Delete            bool
	Limit             int
	SSL               bool
	Port              int
	Timeout           int // ms
	ConnectionTimeout int // ms
	LocalAddress      string
	Version           string
	Drafts            string
	Debug             bool
	DebugPassword     bool

	Bridge Bridge
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exmail.unfiltered", "false")
	v.SetDefault("exmail.delete", "false")
	v.SetDefault("exmail.limit", "-1")
	v.SetDefault("exmail.ssl", "false")
	v.SetDefault("exmail.port", "-1")
	v.SetDefault("exmail.timeout", "-1")
	v.SetDefault("exmail.connectiontimeout", "-1")
	v.SetDefault("exmail.version", "2003")
	v.SetDefault("exmail.drafts", "Drafts")
	v.SetDefault("exmail.debug", "false")
	v.SetDefault("exmail.debugpassword", "false")
	v.SetDefault("bridge.imap", "localhost:1143")
	v.SetDefault("bridge.pop3", "localhost:1110")
	v.SetDefault("bridge.smtp", "localhost:1025")
	v.SetDefault("bridge.database", "exmail.db")
	v.SetDefault("bridge.spool", "")
	v.SetDefault("bridge.poll", "60s")
}

// Load reads a .properties file. An empty path loads defaults
// only. Environment variables named after a key, upper-cased with dots
// replaced by underscores (EXMAIL_HOST, BRIDGE_IMAP), override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("properties")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return nil, &Error{Msg: fmt.Sprintf("config file %s not found", path)}
			}
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	c := &Config{
		Host:          strings.TrimSpace(v.GetString("exmail.host")),
		Mailbox:       strings.TrimSpace(v.GetString("exmail.mailbox")),
		From:          strings.TrimSpace(v.GetString("exmail.from")),
		Unfiltered:    parseBool(v.GetString("exmail.unfiltered")),
		Delete:        parseBool(v.GetString("exmail.delete")),
		SSL:           parseBool(v.GetString("exmail.ssl")),
		LocalAddress:  strings.TrimSpace(v.GetString("exmail.localaddress")),
		Version:       strings.TrimSpace(v.GetString("exmail.version")),
		Drafts:        strings.TrimSpace(v.GetString("exmail.drafts")),
		Debug:         parseBool(v.GetString("exmail.debug")),
		DebugPassword: parseBool(v.GetString("exmail.debugpassword")),
		Bridge: Bridge{
			IMAP:     strings.TrimSpace(v.GetString("bridge.imap")),
			POP3:     strings.TrimSpace(v.GetString("bridge.pop3")),
			SMTP:     strings.TrimSpace(v.GetString("bridge.smtp")),
			Database: strings.TrimSpace(v.GetString("bridge.database")),
			Spool:    strings.TrimSpace(v.GetString("bridge.spool")),
		},
	}

	var err error
	if c.Limit, err = parseInt(v, "exmail.limit"); err != nil {
		return nil, err
	}
	if c.Port, err = parseInt(v, "exmail.port"); err != nil {
		return nil, err
	}
	if c.Timeout, err = parseInt(v, "exmail.timeout"); err != nil {
		return nil, err
	}
	if c.ConnectionTimeout, err = parseInt(v, "exmail.connectiontimeout"); err != nil {
		return nil, err
	}
	poll := strings.TrimSpace(v.GetString("bridge.poll"))
	if c.Bridge.Poll, err = time.ParseDuration(poll); err != nil || c.Bridge.Poll < 0 {
		return nil, &Error{Key: "bridge.poll", Value: poll}
	}
	if !exchange.KnownVersion(c.Version) {
		return nil, &Error{Msg: fmt.Sprintf("unknown Exchange version %q, expected one of %s",
			c.Version, strings.Join(exchange.Versions(), ", "))}
	}
	return c, nil
}

func parseInt(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &Error{Key: key, Value: raw}
	}
	return n, nil
}

// parseBool accepts "true" in any case; everything else is false.
func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}
