/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gologme/log"

	"github.com/JB-SelfCompany/exmail/internal/exchange"
)

const (
	httpPort  = 80
	httpsPort = 443
)

// Account is the resolved configuration of one login.
type Account struct {
	Login      string // as given by the mail client
	Unfiltered bool
	Delete     bool
	Limit      int
	Options    exchange.Options
}

// Account resolves the settings for a login. The login may carry a mailbox
// and per-login options as "user:mailbox[opt=value,opt=value]"; options
// are unfiltered, delete and limit and may also be separated by ';'.
// Without a mailbox in the login, exmail.mailbox is used, then exmail.from.
func (c *Config) Account(login, password string) (*Account, error) {
	if c.Host == "" || login == "" || password == "" {
		return nil, &Error{Msg: "missing host, username or password"}
	}

	server, err := c.serverURL()
	if err != nil {
		return nil, err
	}

	a := &Account{
		Login:      login,
		Unfiltered: c.Unfiltered,
		Delete:     c.Delete,
		Limit:      c.Limit,
	}
	username, mailbox := login, c.Mailbox
	if mailbox == "" {
		mailbox = c.From
	}
	if i := strings.Index(login, ":"); i != -1 {
		username, mailbox = login[:i], login[i+1:]
		if j := strings.Index(mailbox, "["); j != -1 {
			end := strings.Index(mailbox[j:], "]")
			if end == -1 {
				return nil, &Error{Msg: "unable to parse mailbox options: missing ']'"}
			}
			options := mailbox[j+1 : j+end]
			mailbox = mailbox[:j]
			if err := a.applyOptions(options); err != nil {
				return nil, err
			}
		}
	}
	if mailbox == "" {
		return nil, &Error{Msg: "no mailbox specified"}
	}

	var local net.IP
	if c.LocalAddress != "" {
		addr, err := net.ResolveIPAddr("ip", c.LocalAddress)
		if err != nil {
			return nil, &Error{Key: "exmail.localaddress", Value: c.LocalAddress}
		}
		local = addr.IP
	}

	a.Options = exchange.Options{
		Server:         server,
		Mailbox:        mailbox,
		Username:       username,
		Password:       password,
		Version:        c.Version,
		ReadTimeout:    millis(c.Timeout),
		ConnectTimeout: millis(c.ConnectionTimeout),
		LocalAddress:   local,
		Drafts:         c.Drafts,
	}
	return a, nil
}

// Key identifies the mailbox of the account in the UID index.
func (a *Account) Key() string {
	return a.Options.Server + "/" + strings.ToLower(a.Options.Mailbox)
}

var optionSeparator = regexp.MustCompile(`[,;]`)

func (a *Account) applyOptions(options string) error {
	for _, pair := range optionSeparator.Split(options, -1) {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		if !strings.Contains(pair, "=") {
			key, value, _ = strings.Cut(pair, ":")
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "unfiltered":
			a.Unfiltered = parseBool(value)
		case "delete":
			a.Delete = parseBool(value)
		case "limit":
			n, err := strconv.Atoi(value)
			if err != nil {
				return &Error{Key: "limit", Value: value}
			}
			a.Limit = n
		}
	}
	return nil
}

// serverURL builds scheme://host[:port]. A host given as a URL decides the
// scheme and, when it names one, the port. Default ports are left out.
func (c *Config) serverURL() (string, error) {
	host, secure, port := c.Host, c.SSL, -1
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil || u.Hostname() == "" {
			return "", &Error{Key: "exmail.host", Value: c.Host}
		}
		secure = strings.EqualFold(u.Scheme, "https")
		host = u.Hostname()
		if p := u.Port(); p != "" {
			if port, err = strconv.Atoi(p); err != nil {
				return "", &Error{Key: "exmail.host", Value: c.Host}
			}
		}
	}
	if port == -1 {
		port = c.Port
	}
	if port <= 0 {
		port = httpPort
		if secure {
			port = httpsPort
		}
	}

	scheme, defaultPort := "http", httpPort
	if secure {
		scheme, defaultPort = "https", httpsPort
	}
	if port == defaultPort {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		return scheme + "://" + host, nil
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// LogAccount writes the resolved account at debug level. The password is
// masked unless exmail.debugpassword is set.
func (c *Config) LogAccount(l *log.Logger, a *Account) {
	pwd := "<password>"
	if c.DebugPassword {
		pwd = a.Options.Password
	}
	l.Debugf("Server:\t%s", a.Options.Server)
	l.Debugf("Username:\t%s", a.Options.Username)
	l.Debugf("Password:\t%s", pwd)
	l.Debugf("Mailbox:\t%s", a.Options.Mailbox)
	l.Debugf("Options:\t%s", a.describeOptions())
	if a.Options.ReadTimeout > 0 {
		l.Debugf("Read timeout:\t%d ms", a.Options.ReadTimeout.Milliseconds())
	}
	if a.Options.ConnectTimeout > 0 {
		l.Debugf("Connection timeout:\t%d ms", a.Options.ConnectTimeout.Milliseconds())
	}
}

func (a *Account) describeOptions() string {
	var b strings.Builder
	if a.Limit > 0 {
		fmt.Fprintf(&b, "Message Limit = %d", a.Limit)
	} else {
		b.WriteString("Unlimited Messages")
	}
	if a.Unfiltered {
		b.WriteString("; Unfiltered")
	} else {
		b.WriteString("; Filtered to Unread")
	}
	if a.Delete {
		b.WriteString("; Delete Messages on Delete")
	} else {
		b.WriteString("; Mark as Read on Delete")
	}
	return b.String()
}
