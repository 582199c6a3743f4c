package e2e

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// TestConnectionInterruption fails a fetch mid-session and checks the
// session survives it.
func TestConnectionInterruption(t *testing.T) {
	node := setupTestNode(t)
	data := generateTestMail(64*1024, "Interrupted")
	node.Exchange.AddMessage("one.EML", data)

	p := node.pop3(t)
	defer p.Quit()

	node.Exchange.Fail(http.MethodGet, http.StatusServiceUnavailable)
	if _, err := p.RetrRaw(1); err == nil {
		t.Fatalf("Expected RETR to fail while Exchange is failing")
	}
	entries, _ := os.ReadDir(node.Config.Bridge.Spool)
	if len(entries) != 0 {
		t.Errorf("Failed fetch left %d spool files", len(entries))
	}

	node.Exchange.Fail(http.MethodGet, 0)
	raw, err := p.RetrRaw(1)
	if err != nil {
		t.Fatalf("RETR after recovery failed: %v", err)
	}
	if !strings.Contains(raw.String(), "Subject: Interrupted") {
		t.Errorf("Unexpected message after recovery")
	}
}

// TestExchangeUnavailableAtLogin checks that every protocol reports a
// failed listing or sign-on as a login failure.
func TestExchangeUnavailableAtLogin(t *testing.T) {
	node := setupTestNode(t)
	node.Exchange.Fail("SEARCH", http.StatusServiceUnavailable)

	c, err := client.Dial(node.Service.IMAPAddr().String())
	if err != nil {
		t.Fatalf("IMAP dial failed: %v", err)
	}
	defer c.Logout()
	if err := c.Login(testUsername, testPassword); err != nil {
		t.Fatalf("IMAP login failed: %v", err)
	}
	if _, err := c.Select("INBOX", false); err == nil {
		t.Errorf("Expected SELECT to fail while SEARCH is failing")
	}

	sc, err := smtp.Dial(node.Service.SMTPAddr().String())
	if err != nil {
		t.Fatalf("SMTP dial failed: %v", err)
	}
	defer sc.Close()
	// Sign-on does not search, so SMTP still authenticates.
	if err := sc.Auth(sasl.NewPlainClient("", testUsername, testPassword)); err != nil {
		t.Errorf("SMTP auth failed: %v", err)
	}

	node.Exchange.Close()
	sc2, err := smtp.Dial(node.Service.SMTPAddr().String())
	if err != nil {
		t.Fatalf("SMTP dial failed: %v", err)
	}
	defer sc2.Close()
	err = sc2.Auth(sasl.NewPlainClient("", testUsername, testPassword))
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 454 {
		t.Errorf("Expected 454 with Exchange down, got %v", err)
	}
}

// TestUIDsSurviveRestart restarts the bridge and checks that UIDVALIDITY
// and message UIDs are unchanged.
func TestUIDsSurviveRestart(t *testing.T) {
	node := setupTestNode(t)
	node.Exchange.AddMessage("one.EML", generateTestMail(1024, "one"))
	node.Exchange.AddMessage("two.EML", generateTestMail(1024, "two"))

	before, validity := imapUIDs(t, node)
	node.restart(t)
	node.Exchange.AddMessage("three.EML", generateTestMail(1024, "three"))
	after, validityAfter := imapUIDs(t, node)

	if validity != validityAfter {
		t.Errorf("UIDVALIDITY changed across restart: %d -> %d", validity, validityAfter)
	}
	if len(after) != 3 {
		t.Fatalf("Expected 3 messages after restart, got %d", len(after))
	}
	for i, uid := range before {
		if after[i] != uid {
			t.Errorf("UID of message %d changed: %d -> %d", i+1, uid, after[i])
		}
	}
	if after[2] != 3 {
		t.Errorf("New message got UID %d, want 3", after[2])
	}
}

func imapUIDs(t *testing.T, node *TestNode) ([]uint32, uint32) {
	t.Helper()
	c := node.imap(t)
	defer c.Logout()
	status, err := c.Select("INBOX", true)
	if err != nil {
		t.Fatalf("SELECT failed: %v", err)
	}
	if status.Messages == 0 {
		return nil, status.UidValidity
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(1, status.Messages)
	messages := make(chan *imap.Message, status.Messages)
	if err := c.Fetch(seqset, []imap.FetchItem{imap.FetchUid}, messages); err != nil {
		t.Fatalf("FETCH failed: %v", err)
	}
	var uids []uint32
	for msg := range messages {
		uids = append(uids, msg.Uid)
	}
	return uids, status.UidValidity
}

// TestOrphanedFileCleanup leaves a spool file behind and checks the next
// start removes it.
func TestOrphanedFileCleanup(t *testing.T) {
	node := setupTestNode(t)
	orphan := filepath.Join(node.Config.Bridge.Spool, "exmail-orphan.eml")
	other := filepath.Join(node.Config.Bridge.Spool, "notes.txt")
	if err := os.WriteFile(orphan, []byte("stale"), 0600); err != nil {
		t.Fatalf("Failed to write orphan: %v", err)
	}
	if err := os.WriteFile(other, []byte("keep"), 0600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	node.restart(t)

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("Orphaned spool file was not removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Errorf("Unrelated file was removed: %v", err)
	}
}

// TestPOP3DeleteVisibleInIMAP checks that a message removed over POP3 is
// marked read on Exchange and drops out of the unread-only IMAP view.
func TestPOP3DeleteVisibleInIMAP(t *testing.T) {
	node := setupTestNode(t)
	node.Exchange.AddMessage("one.EML", generateTestMail(1024, "one"))
	node.Exchange.AddMessage("two.EML", generateTestMail(1024, "two"))

	p := node.pop3(t)
	if err := p.Dele(1); err != nil {
		t.Fatalf("DELE failed: %v", err)
	}
	if err := p.Quit(); err != nil {
		t.Fatalf("QUIT failed: %v", err)
	}

	uids, _ := imapUIDs(t, node)
	if len(uids) != 1 || uids[0] != 2 {
		t.Errorf("IMAP view after POP3 delete = %v, want [2]", uids)
	}
	msgs := node.Exchange.Messages()
	if len(msgs) != 2 || !msgs[0].Read {
		t.Errorf("Expected first message marked read and kept")
	}
}
