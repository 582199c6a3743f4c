// Package exchangetest provides an in-process Exchange WebDAV server for
// tests. It implements just enough of the OWA sign-on and the mailbox verbs
// used by exmail to exercise the client end to end.
package exchangetest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// SignOnPaths are the forms sign-on endpoints the server accepts.
var SignOnPaths = []string{"/exchweb/bin/auth/owaauth.dll", "/owa/auth/owaauth.dll"}

const sessionCookie = "sessionid"

// Message is one message in the fake inbox.
type Message struct {
	Name     string
	Data     []byte
	Read     bool
	Received time.Time
}

// Sent is a message submitted through the submission URI.
type Sent struct {
	Draft string
	Data  []byte
}

// Request records an authorized request that reached the mailbox logic.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Server is a fake Exchange server. Its zero value is not usable; create
// one with NewServer.
type Server struct {
	*httptest.Server

	mailbox  string
	username string
	password string

	mu        sync.Mutex
	formsOnly bool
	session   string
	signOn    string
	hits      int
	messages  []*Message
	drafts    map[string][]byte
	sent      []Sent
	requests  []Request
	failures  map[string]int
	truncate  map[string]bool

	delay       atomic.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewServer starts a server for one mailbox and one set of credentials.
func NewServer(mailbox, username, password string) *Server {
	s := &Server{
		mailbox:  mailbox,
		username: username,
		password: password,
		drafts:   make(map[string][]byte),
		failures: make(map[string]int),
		truncate: make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// SetFormsOnly makes the server refuse the OPTIONS credential check so clients
// must use the sign-on form.
func (s *Server) SetFormsOnly(formsOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formsOnly = formsOnly
}

// Fail makes every authorized request with method answer status. A status
// of zero clears the failure.
func (s *Server) Fail(method string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, method)
		return
	}
	s.failures[method] = status
}

// MailboxURL returns the mailbox root collection.
func (s *Server) MailboxURL() string {
	return s.URL + "/exchange/" + s.mailbox
}

// InboxURL returns the inbox collection.
func (s *Server) InboxURL() string {
	return s.MailboxURL() + "/Inbox"
}

// AddMessage appends an unread message and returns its URL.
func (s *Server) AddMessage(name string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, &Message{
		Name:     name,
		Data:     data,
		Received: time.Date(2024, 1, 1, 0, 0, len(s.messages), 0, time.UTC),
	})
	return s.InboxURL() + "/" + name
}

// Messages returns a copy of the inbox.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// SentMessages returns the submitted messages in order.
func (s *Server) SentMessages() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Drafts returns the names of drafts not yet submitted.
func (s *Server) Drafts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.drafts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Requests returns the authorized requests seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsFor returns the authorized requests with the given method.
func (s *Server) RequestsFor(method string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Hits returns the number of HTTP requests received, authorized or not.
func (s *Server) Hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

// SignOnPath returns the sign-on endpoint last used, or "".
func (s *Server) SignOnPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signOn
}

// SetDelay holds every request for d before it is handled. Requests are
// counted as in flight while they wait.
func (s *Server) SetDelay(d time.Duration) {
	s.delay.Store(d)
}

// MaxInFlight returns the largest number of requests seen in flight at the
// same time.
func (s *Server) MaxInFlight() int {
	return int(s.maxInFlight.Load())
}

// Truncate makes GET of the named message announce the full length, send
// half of the body and drop the connection.
func (s *Server) Truncate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncate[name] = true
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.inFlight.Inc()
	defer s.inFlight.Dec()
	for {
		max := s.maxInFlight.Load()
		if n <= max || s.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	if d := s.delay.Load(); d > 0 {
		time.Sleep(d)
	}

	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++

	if r.Method == http.MethodPost && isSignOnPath(r.URL.Path) {
		s.handleSignOn(w, r, body)
		return
	}
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="exchange"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	if status, ok := s.failures[r.Method]; ok {
		http.Error(w, http.StatusText(status), status)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("DAV", "1, 2")
		w.WriteHeader(http.StatusOK)
	case "PROPFIND":
		s.handlePropfind(w, r)
	case "SEARCH":
		s.handleSearch(w, r, body)
	case "BDELETE":
		s.handleBatch(w, r, body, func(i int) { s.messages[i] = nil })
	case "BPROPPATCH":
		s.handleBatch(w, r, body, func(i int) { s.messages[i].Read = true })
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodPut:
		s.handlePut(w, r, body)
	case "MOVE":
		s.handleMove(w, r)
	case http.MethodDelete:
		delete(s.drafts, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func isSignOnPath(path string) bool {
	for _, p := range SignOnPaths {
		if p == path {
			return true
		}
	}
	return false
}

func (s *Server) authorized(r *http.Request) bool {
	if c, err := r.Cookie(sessionCookie); err == nil && s.session != "" && c.Value == s.session {
		return true
	}
	if s.formsOnly {
		return false
	}
	user, pass, ok := r.BasicAuth()
	return ok && user == s.username && pass == s.password
}

func (s *Server) handleSignOn(w http.ResponseWriter, r *http.Request, body []byte) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.signOn = r.URL.Path
	if form.Get("username") != s.username || form.Get("password") != s.password || form.Get("flags") != "0" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	s.session = strconv.FormatInt(time.Now().UnixNano(), 36)
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: s.session, Path: "/"})
	w.Header().Set("Location", form.Get("destination"))
	w.WriteHeader(http.StatusFound)
}

func (s *Server) handlePropfind(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/exchange/"+s.mailbox || r.Header.Get("Depth") != "0" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?><a:multistatus xmlns:a="DAV:" xmlns:d="urn:schemas:httpmail:">`)
	buf.WriteString(`<a:response><a:href>`)
	xml.EscapeText(&buf, []byte(s.MailboxURL()))
	buf.WriteString(`</a:href><a:propstat><a:status>HTTP/1.1 200 OK</a:status><a:prop><d:inbox>`)
	xml.EscapeText(&buf, []byte(s.InboxURL()))
	buf.WriteString(`</d:inbox></a:prop></a:propstat></a:response></a:multistatus>`)
	writeMultistatus(w, buf.Bytes())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, body []byte) {
	if r.URL.Path != "/exchange/"+s.mailbox+"/Inbox" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var search struct {
		SQL string `xml:"DAV: sql"`
	}
	if err := xml.Unmarshal(body, &search); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	unreadOnly := strings.Contains(search.SQL, `"urn:schemas:httpmail:read" = False`)
	rows := -1
	if rng := r.Header.Get("Range"); rng != "" {
		last, err := strconv.Atoi(strings.TrimPrefix(rng, "rows=0-"))
		if err != nil {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		rows = last + 1
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?><a:multistatus xmlns:a="DAV:" xmlns:d="urn:schemas:httpmail:">`)
	count := 0
	for _, m := range s.messages {
		if m == nil || (unreadOnly && m.Read) {
			continue
		}
		if rows >= 0 && count >= rows {
			break
		}
		count++
		read := "0"
		if m.Read {
			read = "1"
		}
		buf.WriteString(`<a:response><a:href>`)
		xml.EscapeText(&buf, []byte(s.InboxURL()+"/"+m.Name))
		fmt.Fprintf(&buf, `</a:href><a:propstat><a:status>HTTP/1.1 200 OK</a:status><a:prop>`+
			`<a:getcontentlength>%d</a:getcontentlength><d:read>%s</d:read><d:datereceived>%s</d:datereceived>`+
			`</a:prop></a:propstat></a:response>`, len(m.Data), read, m.Received.Format(time.RFC3339))
	}
	buf.WriteString(`</a:multistatus>`)
	writeMultistatus(w, buf.Bytes())
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, body []byte, apply func(i int)) {
	if r.URL.Path != "/exchange/"+s.mailbox+"/Inbox/" || r.Header.Get("If-Match") != "*" {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	hrefs, err := targetHrefs(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for _, href := range hrefs {
		for i, m := range s.messages {
			if m != nil && m.Name == href {
				apply(i)
			}
		}
	}
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m != nil {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	writeMultistatus(w, []byte(`<?xml version="1.0"?><a:multistatus xmlns:a="DAV:"/>`))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	prefix := "/exchange/" + s.mailbox + "/Inbox/"
	if !strings.HasPrefix(r.URL.Path, prefix) || r.Header.Get("Translate") != "F" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, prefix)
	for _, m := range s.messages {
		if m.Name == name {
			w.Header().Set("Content-Type", "message/rfc822")
			w.Header().Set("Content-Length", strconv.Itoa(len(m.Data)))
			w.WriteHeader(http.StatusOK)
			if s.truncate[name] {
				w.Write(m.Data[:len(m.Data)/2])
				w.(http.Flusher).Flush()
				if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
					conn.Close()
				}
				return
			}
			w.Write(m.Data)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, body []byte) {
	if !strings.HasPrefix(r.URL.Path, "/exchange/"+s.mailbox+"/Drafts/") {
		w.WriteHeader(http.StatusConflict)
		return
	}
	s.drafts[r.URL.Path] = body
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	data, ok := s.drafts[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Header.Get("Destination") != s.MailboxURL()+"/##DavMailSubmissionURI##/" {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	delete(s.drafts, r.URL.Path)
	s.sent = append(s.sent, Sent{Draft: r.URL.Path, Data: data})
	w.WriteHeader(http.StatusCreated)
}

func writeMultistatus(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusMultiStatus)
	w.Write(body)
}

// targetHrefs extracts the DAV:href values of a BDELETE or BPROPPATCH body.
func targetHrefs(body []byte) ([]string, error) {
	var doc struct {
		Target struct {
			Hrefs []string `xml:"DAV: href"`
		} `xml:"DAV: target"`
	}
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc.Target.Hrefs, nil
}
