package imapserver

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/atomic"

	"github.com/JB-SelfCompany/exmail/internal/config"
	"github.com/JB-SelfCompany/exmail/internal/exchange"
	"github.com/JB-SelfCompany/exmail/internal/exchange/exchangetest"
	"github.com/JB-SelfCompany/exmail/internal/logging"
	"github.com/JB-SelfCompany/exmail/internal/storage/filestore"
	"github.com/JB-SelfCompany/exmail/internal/storage/sqlite3"
)

const (
	testMailbox  = "jdoe"
	testUsername = "CORP\\jdoe"
	testPassword = "secret"
)

type testEnv struct {
	exchange *exchangetest.Server
	server   *IMAPServer
	spool    *filestore.Spool
}

// setupTestIMAP starts a fake Exchange server and an IMAP server in front
// of it.
func setupTestIMAP(t *testing.T, opts ...func(*Backend)) *testEnv {
	t.Helper()
	srv := exchangetest.NewServer(testMailbox, testUsername, testPassword)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	storage, err := sqlite3.NewSQLite3StorageStorage(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	spool, err := filestore.NewSpool(filepath.Join(dir, "spool"))
	if err != nil {
		t.Fatalf("Failed to create spool: %v", err)
	}

	logger := logging.Discard()
	backend := &Backend{
		Log: logger,
		Config: &config.Config{
			Host:    srv.URL,
			Mailbox: testMailbox,
			Limit:   -1,
			Version: "2003",
			Drafts:  "Drafts",
		},
		Storage:   storage,
		Spool:     spool,
		Transfers: logging.NewTransferLogger(logger, 0, 0),
	}
	for _, opt := range opts {
		opt(backend)
	}
	s, err := NewIMAPServer(backend, "127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("NewIMAPServer: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &testEnv{exchange: srv, server: s, spool: spool}
}

func (e *testEnv) dial(t *testing.T, username string) *client.Client {
	t.Helper()
	c, err := client.Dial(e.server.Addr().String())
	if err != nil {
		t.Fatalf("client.Dial: %v", err)
	}
	t.Cleanup(func() { c.Logout() })
	if err := c.Login(username, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return c
}

func testMessage(subject, body string) []byte {
	return []byte(fmt.Sprintf("From: sender@example.com\r\n"+
		"To: jdoe@example.com\r\n"+
		"Subject: %s\r\n"+
		"Date: Mon, 01 Jan 2024 12:00:00 +0000\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n%s\r\n", subject, body))
}

func fetchAll(t *testing.T, c *client.Client, uid bool, set string, items ...imap.FetchItem) []*imap.Message {
	t.Helper()
	seqSet, err := imap.ParseSeqSet(set)
	if err != nil {
		t.Fatalf("ParseSeqSet: %v", err)
	}
	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		if uid {
			done <- c.UidFetch(seqSet, items, ch)
		} else {
			done <- c.Fetch(seqSet, items, ch)
		}
	}()
	var msgs []*imap.Message
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	if err := <-done; err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	return msgs
}

func store(t *testing.T, c *client.Client, set string, flags ...interface{}) {
	t.Helper()
	seqSet, err := imap.ParseSeqSet(set)
	if err != nil {
		t.Fatalf("ParseSeqSet: %v", err)
	}
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.Store(seqSet, item, flags, nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
}

func TestLoginAndSelect(t *testing.T) {
	env := setupTestIMAP(t)
	env.exchange.AddMessage("one.EML", testMessage("one", "first"))
	env.exchange.AddMessage("two.EML", testMessage("two", "second"))

	c := env.dial(t, testUsername)
	status, err := c.Select("INBOX", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if status.Messages != 2 {
		t.Fatalf("Messages = %d, want 2", status.Messages)
	}
	if status.UidNext != 3 {
		t.Fatalf("UidNext = %d, want 3", status.UidNext)
	}
	if status.UidValidity == 0 {
		t.Fatal("UidValidity is zero")
	}
	if status.UnseenSeqNum != 1 {
		t.Fatalf("UnseenSeqNum = %d, want 1", status.UnseenSeqNum)
	}
}

func TestLoginBadPassword(t *testing.T) {
	env := setupTestIMAP(t)
	c, err := client.Dial(env.server.Addr().String())
	if err != nil {
		t.Fatalf("client.Dial: %v", err)
	}
	defer c.Logout()
	if err := c.Login(testUsername, "wrong"); err == nil {
		t.Fatal("Login succeeded with a bad password")
	}
}

// closeTracker counts Close calls on the clients it hands out.
type closeTracker struct {
	exchange.Client
	closed *atomic.Int32
}

func (c closeTracker) Close() error {
	c.closed.Inc()
	return c.Client.Close()
}

func TestLoginFailureClosesClient(t *testing.T) {
	closed := atomic.NewInt32(0)
	env := setupTestIMAP(t, func(b *Backend) {
		b.NewClient = func(opts exchange.Options) (exchange.Client, error) {
			c, err := exchange.NewClient(opts)
			if err != nil {
				return nil, err
			}
			return closeTracker{Client: c, closed: closed}, nil
		}
	})

	c, err := client.Dial(env.server.Addr().String())
	if err != nil {
		t.Fatalf("client.Dial: %v", err)
	}
	defer c.Logout()
	if err := c.Login(testUsername, "wrong"); err == nil {
		t.Fatal("Login succeeded with a bad password")
	}
	if n := closed.Load(); n != 1 {
		t.Fatalf("client closed %d times after failed login, want 1", n)
	}
}

func TestOnlyInbox(t *testing.T) {
	env := setupTestIMAP(t)
	c := env.dial(t, testUsername)

	ch := make(chan *imap.MailboxInfo, 4)
	if err := c.List("", "*", ch); err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for info := range ch {
		names = append(names, info.Name)
	}
	if len(names) != 1 || names[0] != "INBOX" {
		t.Fatalf("List = %v, want [INBOX]", names)
	}

	if _, err := c.Select("Sent", false); err == nil {
		t.Fatal("Select of a missing mailbox succeeded")
	}
	if err := c.Create("Archive"); err == nil {
		t.Fatal("Create succeeded")
	}
	if err := c.Append("INBOX", nil, time.Now(), strings.NewReader(string(testMessage("x", "y")))); err == nil {
		t.Fatal("Append succeeded")
	}
}

func TestFetchIsCachedPerSession(t *testing.T) {
	env := setupTestIMAP(t)
	env.exchange.AddMessage("one.EML", testMessage("hello there", "first body"))

	c := env.dial(t, testUsername)
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatalf("Select: %v", err)
	}

	section, _ := imap.ParseBodySectionName("BODY.PEEK[]")
	msgs := fetchAll(t, c, false, "1", imap.FetchEnvelope, section.FetchItem())
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Envelope == nil || msgs[0].Envelope.Subject != "hello there" {
		t.Fatalf("Envelope = %+v", msgs[0].Envelope)
	}
	body, err := io.ReadAll(msgs[0].GetBody(section))
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "first body") {
		t.Fatalf("body = %q", body)
	}

	fetchAll(t, c, false, "1", imap.FetchBodyStructure)
	if gets := len(env.exchange.RequestsFor("GET")); gets != 1 {
		t.Fatalf("GET requests = %d, want 1", gets)
	}
	if env.spool.Len() != 1 {
		t.Fatalf("spool holds %d files, want 1", env.spool.Len())
	}
	if n := len(env.exchange.RequestsFor("BPROPPATCH")); n != 0 {
		t.Fatalf("peek marked the message read (%d BPROPPATCH)", n)
	}

	if err := c.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.spool.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if env.spool.Len() != 0 {
		t.Fatalf("spool holds %d files after logout", env.spool.Len())
	}
}

func TestFetchFailureReturnsNo(t *testing.T) {
	env := setupTestIMAP(t)
	env.exchange.AddMessage("one.EML", testMessage("one", "first"))

	c := env.dial(t, testUsername)
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatalf("Select: %v", err)
	}
	env.exchange.Fail("GET", http.StatusServiceUnavailable)

	seqSet, _ := imap.ParseSeqSet("1")
	section, _ := imap.ParseBodySectionName("BODY.PEEK[]")
	ch := make(chan *imap.Message, 1)
	err := c.Fetch(seqSet, []imap.FetchItem{section.FetchItem()}, ch)
	if err == nil {
		t.Fatal("Fetch succeeded while the server fails GET")
	}
	if n := len(ch); n != 0 {
		t.Fatalf("got %d messages, want none", n)
	}

	// The session is still usable once the server recovers.
	env.exchange.Fail("GET", 0)
	if msgs := fetchAll(t, c, false, "1", section.FetchItem()); len(msgs) != 1 {
		t.Fatalf("got %d messages after recovery, want 1", len(msgs))
	}
}

func TestBodyFetchMarksRead(t *testing.T) {
	env := setupTestIMAP(t)
	env.exchange.AddMessage("one.EML", testMessage("one", "first"))

	c := env.dial(t, testUsername)
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatalf("Select: %v", err)
	}
	section, _ := imap.ParseBodySectionName("BODY[]")
	msgs := fetchAll(t, c, false, "1", section.FetchItem(), imap.FetchFlags)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !hasFlag(msgs[0].Flags, imap.SeenFlag) {
		t.Fatalf("flags = %v, want \\Seen", msgs[0].Flags)
	}
	if !env.exchange.Messages()[0].Read {
		t.Fatal("message not marked read on the server")
	}
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func TestUIDsStableAcrossSessions(t *testing.T) {
	env := setupTestIMAP(t)
	env.exchange.AddMessage("one.EML", testMessage("one", "first"))
	env.exchange.AddMessage("two.EML", testMessage("two", "second"))

	uids := func() []uint32 {
		c := env.dial(t, testUsername)
		defer c.Logout()
		if _, err := c.Select("INBOX", true); err != nil {
			t.Fatalf("Select: %v", err)
		}
		var out []uint32
		for _, msg := range fetchAll(t, c, false, "1:*", imap.FetchUid) {
			out = append(out, msg.Uid)
		}
		return out
	}

	first := uids()
	env.exchange.AddMessage("three.EML", testMessage("three", "third"))
	second := uids()

	if len(first) != 2 || len(second) != 3 {
		t.Fatalf("UIDs = %v then %v", first, second)
	}
	if first[0] != second[0] || first[1] != second[1] {
		t.Fatalf("UIDs changed between sessions: %v then %v", first, second)
	}
	if second[2] != 3 {
		t.Fatalf("new message UID = %d, want 3", second[2])
	}
}

func TestStoreSeenMarksRead(t *testing.T) {
	env := setupTestIMAP(t)
	env.exchange.AddMessage("one.EML", testMessage("one", "first"))
	env.exchange.AddMessage("two.EML", testMessage("two", "second"))

	c := env.dial(t, testUsername)
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatalf("Select: %v", err)
	}
	store(t, c, "2", imap.SeenFlag)

	msgs := env.exchange.Messages()
	if msgs[0].Read || !msgs[1].Read {
		t.Fatalf("read state = %v, %v; want false, true", msgs[0].Read, msgs[1].Read)
	}

	// A second STORE of an already seen message stays local.
	before := len(env.exchange.RequestsFor("BPROPPATCH"))
	store(t, c, "2", imap.SeenFlag)
	if after := len(env.exchange.RequestsFor("BPROPPATCH")); after != before {
		t.Fatalf("BPROPPATCH requests went from %d to %d", before, after)
	}
}

func TestExpungeMarksReadByDefault(t *testing.T) {
	env := setupTestIMAP(t)
	env.exchange.AddMessage("one.EML", testMessage("one", "first"))
	env.exchange.AddMessage("two.EML", testMessage("two", "second"))

	c := env.dial(t, testUsername)
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatalf("Select: %v", err)
	}
	store(t, c, "1", imap.DeletedFlag)
	if len(env.exchange.RequestsFor("BPROPPATCH")) != 0 {
		t.Fatal("\\Deleted reached the server before EXPUNGE")
	}

	expunged := make(chan uint32, 4)
	if err := c.Expunge(expunged); err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	var seqs []uint32
	for seq := range expunged {
		seqs = append(seqs, seq)
	}
	if len(seqs) != 1 || seqs[0] != 1 {
		t.Fatalf("expunged %v, want [1]", seqs)
	}

	msgs := env.exchange.Messages()
	if len(msgs) != 2 {
		t.Fatalf("server holds %d messages, want 2", len(msgs))
	}
	if !msgs[0].Read || msgs[1].Read {
		t.Fatalf("read state = %v, %v; want true, false", msgs[0].Read, msgs[1].Read)
	}
	if len(env.exchange.RequestsFor("BDELETE")) != 0 {
		t.Fatal("EXPUNGE deleted messages without the delete option")
	}
}

func TestExpungeDeletesWithOption(t *testing.T) {
	env := setupTestIMAP(t)
	env.exchange.AddMessage("one.EML", testMessage("one", "first"))
	env.exchange.AddMessage("two.EML", testMessage("two", "second"))

	c := env.dial(t, testUsername+":"+testMailbox+"[delete=true]")
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatalf("Select: %v", err)
	}
	store(t, c, "1:2", imap.DeletedFlag)
	if err := c.Expunge(nil); err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if n := len(env.exchange.Messages()); n != 0 {
		t.Fatalf("server holds %d messages, want 0", n)
	}
	if n := len(env.exchange.RequestsFor("BDELETE")); n != 1 {
		t.Fatalf("BDELETE requests = %d, want 1", n)
	}
	status, err := c.Status("INBOX", []imap.StatusItem{imap.StatusMessages})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Messages != 0 {
		t.Fatalf("Messages = %d, want 0", status.Messages)
	}
}

func TestSearch(t *testing.T) {
	env := setupTestIMAP(t)
	env.exchange.AddMessage("one.EML", testMessage("quarterly report", "numbers"))
	env.exchange.AddMessage("two.EML", testMessage("lunch", "sandwiches"))

	c := env.dial(t, testUsername)
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatalf("Select: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Subject", "lunch")
	uids, err := c.UidSearch(criteria)
	if err != nil {
		t.Fatalf("UidSearch: %v", err)
	}
	if len(uids) != 1 || uids[0] != 2 {
		t.Fatalf("UidSearch = %v, want [2]", uids)
	}

	// Flag-only searches do not fetch content.
	gets := len(env.exchange.RequestsFor("GET"))
	criteria = imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	seqs, err := c.Search(criteria)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(seqs) != 2 {
		t.Fatalf("Search = %v, want two unseen", seqs)
	}
	if after := len(env.exchange.RequestsFor("GET")); after != gets {
		t.Fatalf("flag search issued %d GET requests", after-gets)
	}
}

func TestNoopReportsNewMessages(t *testing.T) {
	env := setupTestIMAP(t)
	env.exchange.AddMessage("one.EML", testMessage("one", "first"))

	c := env.dial(t, testUsername)
	if _, err := c.Select("INBOX", false); err != nil {
		t.Fatalf("Select: %v", err)
	}
	env.exchange.AddMessage("two.EML", testMessage("two", "second"))
	if err := c.Noop(); err != nil {
		t.Fatalf("Noop: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.Mailbox().Messages != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := c.Mailbox().Messages; got != 2 {
		t.Fatalf("Messages after NOOP = %d, want 2", got)
	}
}

func TestContains(t *testing.T) {
	tests := []struct {
		set  string
		id   uint32
		max  uint32
		want bool
	}{
		{"1:3", 2, 5, true},
		{"1:3", 4, 5, false},
		{"*", 5, 5, true},
		{"*", 4, 5, false},
		{"3:*", 4, 5, true},
		{"*:3", 4, 5, true},
		{"2,4", 3, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.set, func(t *testing.T) {
			seqSet, err := imap.ParseSeqSet(tt.set)
			if err != nil {
				t.Fatalf("ParseSeqSet: %v", err)
			}
			if got := contains(seqSet, tt.id, tt.max); got != tt.want {
				t.Fatalf("contains(%s, %d) = %v, want %v", tt.set, tt.id, got, tt.want)
			}
		})
	}
}

func TestNeedsContent(t *testing.T) {
	flags := imap.NewSearchCriteria()
	flags.WithFlags = []string{imap.SeenFlag}
	if needsContent(flags) {
		t.Fatal("flag criteria need content")
	}

	header := imap.NewSearchCriteria()
	header.Header.Add("From", "x")
	nested := imap.NewSearchCriteria()
	nested.Not = []*imap.SearchCriteria{header}
	if !needsContent(nested) {
		t.Fatal("nested header criteria do not need content")
	}
}
