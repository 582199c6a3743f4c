package e2e

import (
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/knadh/go-pop3"

	"github.com/JB-SelfCompany/exmail/internal/bridge"
	"github.com/JB-SelfCompany/exmail/internal/config"
	"github.com/JB-SelfCompany/exmail/internal/exchange/exchangetest"
	"github.com/JB-SelfCompany/exmail/internal/logging"
)

const (
	testMailbox  = "jdoe"
	testUsername = "CORP\\jdoe"
	testPassword = "secret"
)

// TestNode is a running bridge in front of a fake Exchange server.
type TestNode struct {
	Exchange *exchangetest.Server
	Service  *bridge.Service
	Config   *config.Config
}

func setupTestNode(t testing.TB) *TestNode {
	t.Helper()
	srv := exchangetest.NewServer(testMailbox, testUsername, testPassword)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := &config.Config{
		Host:    srv.URL,
		Mailbox: testMailbox,
		Limit:   -1,
		Version: "2003",
		Drafts:  "Drafts",
		Bridge: config.Bridge{
			IMAP:     "127.0.0.1:0",
			POP3:     "127.0.0.1:0",
			SMTP:     "127.0.0.1:0",
			Database: filepath.Join(dir, "exmail.db"),
			Spool:    filepath.Join(dir, "spool"),
			Poll:     time.Minute,
		},
	}
	service := bridge.NewService(cfg, logging.Discard())
	if err := service.Start(); err != nil {
		t.Fatalf("Failed to start bridge: %v", err)
	}
	t.Cleanup(func() {
		if service.IsRunning() {
			service.Stop()
		}
	})
	return &TestNode{Exchange: srv, Service: service, Config: cfg}
}

// restart stops the bridge and starts it again on new ports with the same
// database and spool.
func (n *TestNode) restart(t testing.TB) {
	t.Helper()
	if err := n.Service.Stop(); err != nil {
		t.Fatalf("Failed to stop bridge: %v", err)
	}
	if err := n.Service.Start(); err != nil {
		t.Fatalf("Failed to restart bridge: %v", err)
	}
}

func (n *TestNode) imap(t testing.TB) *client.Client {
	t.Helper()
	c, err := client.Dial(n.Service.IMAPAddr().String())
	if err != nil {
		t.Fatalf("IMAP dial failed: %v", err)
	}
	if err := c.Login(testUsername, testPassword); err != nil {
		c.Logout()
		t.Fatalf("IMAP login failed: %v", err)
	}
	return c
}

func (n *TestNode) pop3(t testing.TB) *pop3.Conn {
	t.Helper()
	host, port, err := net.SplitHostPort(n.Service.POP3Addr().String())
	if err != nil {
		t.Fatalf("Bad POP3 address: %v", err)
	}
	p, _ := strconv.Atoi(port)
	c, err := pop3.New(pop3.Opt{Host: host, Port: p, DialTimeout: 5 * time.Second}).NewConn()
	if err != nil {
		t.Fatalf("POP3 dial failed: %v", err)
	}
	if err := c.Auth(testUsername, testPassword); err != nil {
		c.Quit()
		t.Fatalf("POP3 login failed: %v", err)
	}
	return c
}

func (n *TestNode) smtp(t testing.TB) *smtp.Client {
	t.Helper()
	c, err := smtp.Dial(n.Service.SMTPAddr().String())
	if err != nil {
		t.Fatalf("SMTP dial failed: %v", err)
	}
	if err := c.Auth(sasl.NewPlainClient("", testUsername, testPassword)); err != nil {
		c.Close()
		t.Fatalf("SMTP auth failed: %v", err)
	}
	return c
}
