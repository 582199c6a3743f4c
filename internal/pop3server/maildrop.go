package pop3server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"

	"github.com/JB-SelfCompany/exmail/internal/config"
	"github.com/JB-SelfCompany/exmail/internal/exchange"
	"github.com/JB-SelfCompany/exmail/internal/storage/filestore"
)

var (
	errNoSuchMessage  = errors.New("no such message")
	errMessageDeleted = errors.New("message already deleted")
)

type dropMessage struct {
	info    exchange.MessageInfo
	uid     uint32
	deleted bool
	cached  *filestore.CachedMessage
}

// Maildrop is the snapshot of the inbox taken when a POP3 session
// authenticates. Message numbers are 1-based indexes into it and stay
// valid for the whole session.
type Maildrop struct {
	backend  *Backend
	account  *config.Account
	client   exchange.Client
	messages []*dropMessage
}

func (d *Maildrop) load(ctx context.Context) error {
	infos, err := d.client.ListMessageInfo(ctx, d.account.Unfiltered, d.account.Limit)
	if err != nil {
		return err
	}
	hrefs := make([]string, len(infos))
	for i, info := range infos {
		hrefs[i] = info.URL
	}
	rows, err := d.backend.Storage.MessageUIDs(d.account.Key(), hrefs)
	if err != nil {
		return fmt.Errorf("Storage.MessageUIDs: %w", err)
	}
	d.messages = make([]*dropMessage, len(infos))
	for i, info := range infos {
		d.messages[i] = &dropMessage{info: info, uid: rows[i].UID}
	}
	return nil
}

func (d *Maildrop) message(n int) (*dropMessage, error) {
	if n < 1 || n > len(d.messages) {
		return nil, errNoSuchMessage
	}
	m := d.messages[n-1]
	if m.deleted {
		return nil, errMessageDeleted
	}
	return m, nil
}

// Stat returns the number and total size of messages not marked deleted.
func (d *Maildrop) Stat() (count int, size int64) {
	for _, m := range d.messages {
		if !m.deleted {
			count++
			size += m.info.Size
		}
	}
	return count, size
}

// Size returns the size of message n.
func (d *Maildrop) Size(n int) (int64, error) {
	m, err := d.message(n)
	if err != nil {
		return 0, err
	}
	return m.info.Size, nil
}

// UID returns the unique id of message n, stable across sessions.
func (d *Maildrop) UID(n int) (string, error) {
	m, err := d.message(n)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(m.uid), 10), nil
}

// Len returns the number of messages in the snapshot, deleted or not.
func (d *Maildrop) Len() int {
	return len(d.messages)
}

// Open returns a reader over the content of message n, fetching it on
// first use.
func (d *Maildrop) Open(ctx context.Context, n int) (io.Reader, error) {
	m, err := d.message(n)
	if err != nil {
		return nil, err
	}
	if m.cached == nil {
		if m.cached, err = d.client.Fetch(ctx, m.info.URL); err != nil {
			return nil, err
		}
	}
	return m.cached.NewReader(), nil
}

// Top writes the header and the first lines of the body of message n.
func (d *Maildrop) Top(ctx context.Context, n, lines int, w io.Writer) error {
	r, err := d.Open(ctx, n)
	if err != nil {
		return err
	}
	tr := textproto.NewReader(bufio.NewReader(r))
	inBody := false
	for written := 0; !inBody || written < lines; {
		line, err := tr.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, line+"\r\n"); err != nil {
			return err
		}
		if inBody {
			written++
		} else if line == "" {
			inBody = true
		}
	}
	return nil
}

// Delete marks message n deleted. Nothing reaches the server before Commit.
func (d *Maildrop) Delete(n int) error {
	m, err := d.message(n)
	if err != nil {
		return err
	}
	m.deleted = true
	return nil
}

// Reset unmarks every deleted message.
func (d *Maildrop) Reset() {
	for _, m := range d.messages {
		m.deleted = false
	}
}

// Commit applies the deletions of the session in one batch: messages are
// deleted when the account deletes on delete and marked read otherwise.
func (d *Maildrop) Commit(ctx context.Context) (int, error) {
	var urls []string
	for _, m := range d.messages {
		if m.deleted {
			urls = append(urls, m.info.URL)
		}
	}
	if len(urls) == 0 {
		return 0, nil
	}
	if d.account.Delete {
		if err := d.client.Delete(ctx, urls); err != nil {
			return 0, err
		}
		if err := d.backend.Storage.MessageForget(d.account.Key(), urls); err != nil {
			d.backend.Log.Warnf("Failed to forget deleted messages: %v", err)
		}
		return len(urls), nil
	}
	if err := d.client.MarkRead(ctx, urls); err != nil {
		return 0, err
	}
	return len(urls), nil
}

// Close releases fetched content and the Exchange connection.
func (d *Maildrop) Close() error {
	for _, m := range d.messages {
		if m.cached != nil {
			_ = m.cached.Close()
			m.cached = nil
		}
	}
	return d.client.Close()
}
