/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/Azure/go-ntlmssp"
	"golang.org/x/net/publicsuffix"

	"github.com/JB-SelfCompany/exmail/internal/storage/types"
)

// deadlineConn sets a fresh read deadline before every Read, so the timeout
// bounds the wait for each chunk rather than the whole response.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// credentialsTransport attaches Basic credentials to requests for one
// host:port. The ntlmssp.Negotiator below it turns them into NTLM when the
// server asks for it.
type credentialsTransport struct {
	scope    string
	username string
	password string
	next     http.RoundTripper
}

func (t *credentialsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if hostPort(req.URL) != t.scope || req.Header.Get("Authorization") != "" {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return t.next.RoundTrip(req)
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// httpClient returns the connection's HTTP client, creating it on first use.
func (c *Connection) httpClient() (*http.Client, error) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	serverURL, err := url.Parse(c.opts.Server)
	if err != nil {
		return nil, fmt.Errorf("url.Parse: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookiejar.New: %w", err)
	}

	dialer := &net.Dialer{}
	if c.opts.ConnectTimeout > 0 {
		dialer.Timeout = c.opts.ConnectTimeout
	}
	if c.opts.LocalAddress != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: c.opts.LocalAddress}
	}
	readTimeout := c.opts.ReadTimeout

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if readTimeout > 0 {
			return &deadlineConn{Conn: conn, timeout: readTimeout}, nil
		}
		return conn, nil
	}

	c.client = &http.Client{
		Jar: jar,
		Transport: &credentialsTransport{
			scope:    hostPort(serverURL),
			username: c.opts.Username,
			password: c.opts.Password,
			next:     ntlmssp.Negotiator{RoundTripper: transport},
		},
		// The sign-on form answers with a redirect; its status is what counts.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return c.client, nil
}

// do issues one request. The caller must close the response with drain.
func (c *Connection) do(ctx context.Context, method, target string, body io.Reader, header http.Header) (*http.Response, error) {
	client, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("http.NewRequest: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client.Do: %w", err)
	}
	c.log.Debugf("%s %s: %d", method, target, resp.StatusCode)
	return resp, nil
}

// davRequest sends an XML body with the common WebDAV headers.
func (c *Connection) davRequest(ctx context.Context, method, target string, body []byte, extra map[string]string) (*http.Response, error) {
	header := http.Header{}
	header.Set("Content-Type", xmlContentType)
	header.Set("Brief", "t")
	for k, v := range extra {
		header.Set(k, v)
	}
	return c.do(ctx, method, target, bytes.NewReader(body), header)
}

// drain reads the rest of a response body and closes it so the underlying
// connection returns to the pool. Errors are ignored.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	buf := make([]byte, types.ChunkSize)
	_, _ = io.CopyBuffer(io.Discard, resp.Body, buf)
	_ = resp.Body.Close()
}
