/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/backendutil"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/JB-SelfCompany/exmail/internal/exchange"
	"github.com/JB-SelfCompany/exmail/internal/storage/filestore"
)

var errReadOnlyMailbox = errors.New("messages can't be added to INBOX")

var permanentFlags = []string{imap.SeenFlag, imap.DeletedFlag}

type mailMessage struct {
	info  exchange.MessageInfo
	uid   uint32
	flags []string
}

func (m *mailMessage) has(flag string) bool {
	for _, f := range m.flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Mailbox is a snapshot of the Exchange inbox. Messages listed later are
// appended by Poll and Check; messages are only removed by Expunge.
type Mailbox struct {
	user        *User
	name        string
	uidValidity uint32

	mu       sync.Mutex
	loaded   bool
	messages []*mailMessage
	uidNext  uint32
}

func (mbox *Mailbox) list() ([]*mailMessage, uint32, error) {
	u := mbox.user
	infos, err := u.client.ListMessageInfo(u.ctx, u.account.Unfiltered, u.account.Limit)
	if err != nil {
		return nil, 0, err
	}
	hrefs := make([]string, len(infos))
	for i, info := range infos {
		hrefs[i] = info.URL
	}
	key := u.account.Key()
	rows, err := u.backend.Storage.MessageUIDs(key, hrefs)
	if err != nil {
		return nil, 0, fmt.Errorf("Storage.MessageUIDs: %w", err)
	}
	next, err := u.backend.Storage.AccountNextUID(key)
	if err != nil {
		return nil, 0, fmt.Errorf("Storage.AccountNextUID: %w", err)
	}

	messages := make([]*mailMessage, len(infos))
	for i, info := range infos {
		m := &mailMessage{info: info, uid: rows[i].UID, flags: []string{}}
		if info.Read {
			m.flags = append(m.flags, imap.SeenFlag)
		}
		messages[i] = m
	}
	// UIDs must ascend with sequence numbers.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].uid < messages[j].uid
	})
	return messages, next, nil
}

func (mbox *Mailbox) load() error {
	messages, next, err := mbox.list()
	if err != nil {
		return err
	}
	mbox.mu.Lock()
	defer mbox.mu.Unlock()
	mbox.messages, mbox.uidNext, mbox.loaded = messages, next, true
	return nil
}

func (mbox *Mailbox) ensureLoaded() error {
	mbox.mu.Lock()
	loaded := mbox.loaded
	mbox.mu.Unlock()
	if loaded {
		return nil
	}
	return mbox.load()
}

// refresh appends newly listed messages to the snapshot and returns the
// message count before and after.
func (mbox *Mailbox) refresh() (before, after int, err error) {
	messages, next, err := mbox.list()
	if err != nil {
		return 0, 0, err
	}
	mbox.mu.Lock()
	defer mbox.mu.Unlock()
	before = len(mbox.messages)
	known := make(map[string]struct{}, before)
	var maxUID uint32
	for _, m := range mbox.messages {
		known[m.info.URL] = struct{}{}
		if m.uid > maxUID {
			maxUID = m.uid
		}
	}
	for _, m := range messages {
		if _, ok := known[m.info.URL]; ok || m.uid <= maxUID {
			continue
		}
		mbox.messages = append(mbox.messages, m)
	}
	mbox.uidNext, mbox.loaded = next, true
	return before, len(mbox.messages), nil
}

// snapshot returns the current messages. Sequence numbers are index + 1.
func (mbox *Mailbox) snapshot() []*mailMessage {
	mbox.mu.Lock()
	defer mbox.mu.Unlock()
	return append([]*mailMessage(nil), mbox.messages...)
}

// contains reports whether id is in seqSet, resolving "*" to max.
func contains(seqSet *imap.SeqSet, id, max uint32) bool {
	for _, seq := range seqSet.Set {
		start, stop := seq.Start, seq.Stop
		if start == 0 {
			start = max
		}
		if stop == 0 {
			stop = max
		}
		if start > stop {
			start, stop = stop, start
		}
		if start <= id && id <= stop {
			return true
		}
	}
	return false
}

func selected(messages []*mailMessage, uid bool, seqSet *imap.SeqSet) map[int]bool {
	if len(messages) == 0 {
		return nil
	}
	var max uint32
	if uid {
		max = messages[len(messages)-1].uid
	} else {
		max = uint32(len(messages))
	}
	set := make(map[int]bool)
	for i, m := range messages {
		id := uint32(i + 1)
		if uid {
			id = m.uid
		}
		if contains(seqSet, id, max) {
			set[i] = true
		}
	}
	return set
}

func (mbox *Mailbox) Name() string {
	return mbox.name
}

func (mbox *Mailbox) Info() (*imap.MailboxInfo, error) {
	info := &imap.MailboxInfo{
		Attributes: []string{imap.NoInferiorsAttr},
		Delimiter:  "/",
		Name:       mbox.name,
	}
	return info, nil
}

func (mbox *Mailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	if err := mbox.ensureLoaded(); err != nil {
		return nil, err
	}
	status := imap.NewMailboxStatus(mbox.name, items)
	status.PermanentFlags = permanentFlags
	status.Flags = []string{imap.SeenFlag, imap.AnsweredFlag, imap.FlaggedFlag, imap.DeletedFlag}

	mbox.mu.Lock()
	defer mbox.mu.Unlock()
	for _, name := range items {
		switch name {
		case imap.StatusMessages:
			status.Messages = uint32(len(mbox.messages))

		case imap.StatusUidNext:
			status.UidNext = mbox.uidNext

		case imap.StatusUidValidity:
			status.UidValidity = mbox.uidValidity

		case imap.StatusRecent:
			status.Recent = 0

		case imap.StatusUnseen:
			for i, m := range mbox.messages {
				if !m.has(imap.SeenFlag) {
					status.Unseen++
					if status.UnseenSeqNum == 0 {
						status.UnseenSeqNum = uint32(i + 1)
					}
				}
			}
		}
	}
	return status, nil
}

func (mbox *Mailbox) SetSubscribed(subscribed bool) error {
	return nil
}

// Check picks up messages that arrived since the mailbox was selected.
func (mbox *Mailbox) Check() error {
	return mbox.Poll()
}

// Poll refreshes the snapshot and tells the clients that selected this
// mailbox about new messages.
func (mbox *Mailbox) Poll() error {
	before, after, err := mbox.refresh()
	if err != nil {
		return err
	}
	if after > before && mbox.user.backend.notify != nil {
		mbox.user.backend.notify.NotifyExists(mbox, after)
	}
	return nil
}

// open returns the header and a reader over the body of a spooled message.
func open(cm *filestore.CachedMessage) (textproto.Header, io.Reader, error) {
	body := bufio.NewReader(cm.NewReader())
	hdr, err := textproto.ReadHeader(body)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("textproto.ReadHeader: %w", err)
	}
	return hdr, body, nil
}

func (mbox *Mailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	messages := mbox.snapshot()
	set := selected(messages, uid, seqSet)
	for i, m := range messages {
		if !set[i] {
			continue
		}
		fetched, err := mbox.fetchMessage(uint32(i+1), m, items)
		if err != nil {
			mbox.user.backend.Log.Warnf("Failed to fetch message %d: %v", m.uid, err)
			return fmt.Errorf("fetch message %d: %w", m.uid, err)
		}
		ch <- fetched
	}
	return nil
}

func (mbox *Mailbox) fetchMessage(seqNum uint32, m *mailMessage, items []imap.FetchItem) (*imap.Message, error) {
	fetched := imap.NewMessage(seqNum, items)
	fetched.Uid = m.uid

	var cm *filestore.CachedMessage
	spooled := func() (*filestore.CachedMessage, error) {
		if cm != nil {
			return cm, nil
		}
		var err error
		cm, err = mbox.user.fetch(m.info.URL)
		return cm, err
	}

	for _, item := range items {
		switch item {
		case imap.FetchEnvelope:
			cm, err := spooled()
			if err != nil {
				return nil, err
			}
			hdr, _, err := open(cm)
			if err != nil {
				return nil, err
			}
			if fetched.Envelope, err = backendutil.FetchEnvelope(hdr); err != nil {
				return nil, fmt.Errorf("backendutil.FetchEnvelope: %w", err)
			}

		case imap.FetchBody, imap.FetchBodyStructure:
			cm, err := spooled()
			if err != nil {
				return nil, err
			}
			hdr, body, err := open(cm)
			if err != nil {
				return nil, err
			}
			if fetched.BodyStructure, err = backendutil.FetchBodyStructure(hdr, body, item == imap.FetchBodyStructure); err != nil {
				return nil, fmt.Errorf("backendutil.FetchBodyStructure: %w", err)
			}

		case imap.FetchFlags:
			// Filled in below, after a body fetch may have set \Seen.

		case imap.FetchInternalDate:
			fetched.InternalDate = m.info.Received

		case imap.FetchRFC822Size:
			if m.info.Size > 0 {
				fetched.Size = uint32(m.info.Size)
				break
			}
			cm, err := spooled()
			if err != nil {
				return nil, err
			}
			fetched.Size = uint32(cm.Size())

		case imap.FetchUid:

		default:
			section, err := imap.ParseBodySectionName(item)
			if err != nil {
				continue
			}
			cm, err := spooled()
			if err != nil {
				return nil, err
			}
			hdr, body, err := open(cm)
			if err != nil {
				return nil, err
			}
			l, err := backendutil.FetchBodySection(hdr, body, section)
			if err != nil {
				continue
			}
			fetched.Body[section] = l
			if !section.Peek {
				mbox.markSeen(m)
			}
		}
	}
	for _, item := range items {
		if item == imap.FetchFlags {
			mbox.mu.Lock()
			fetched.Flags = append([]string{}, m.flags...)
			mbox.mu.Unlock()
		}
	}
	return fetched, nil
}

// markSeen marks a message read on the server after its body was fetched.
func (mbox *Mailbox) markSeen(m *mailMessage) {
	mbox.mu.Lock()
	seen := m.has(imap.SeenFlag)
	mbox.mu.Unlock()
	if seen {
		return
	}
	u := mbox.user
	if err := u.client.MarkRead(u.ctx, []string{m.info.URL}); err != nil {
		u.backend.Log.Warnf("Failed to mark message %d read: %v", m.uid, err)
		return
	}
	mbox.mu.Lock()
	m.flags = backendutil.UpdateFlags(m.flags, imap.AddFlags, []string{imap.SeenFlag})
	mbox.mu.Unlock()
}

// needsContent reports whether matching c requires the message itself.
func needsContent(c *imap.SearchCriteria) bool {
	if !c.SentBefore.IsZero() || !c.SentSince.IsZero() ||
		len(c.Header) > 0 || len(c.Body) > 0 || len(c.Text) > 0 ||
		c.Larger > 0 || c.Smaller > 0 {
		return true
	}
	for _, not := range c.Not {
		if needsContent(not) {
			return true
		}
	}
	for _, or := range c.Or {
		if needsContent(or[0]) || needsContent(or[1]) {
			return true
		}
	}
	return false
}

func (mbox *Mailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	messages := mbox.snapshot()
	content := needsContent(criteria)

	var ids []uint32
	for i, m := range messages {
		seqNum := uint32(i + 1)

		var e *message.Entity
		var err error
		if content {
			cm, err := mbox.user.fetch(m.info.URL)
			if err != nil {
				return nil, err
			}
			e, err = message.Read(cm.NewReader())
			if err != nil && !message.IsUnknownCharset(err) {
				return nil, fmt.Errorf("message.Read: %w", err)
			}
		} else {
			e, err = message.New(message.Header{}, strings.NewReader(""))
			if err != nil {
				return nil, fmt.Errorf("message.New: %w", err)
			}
		}

		mbox.mu.Lock()
		flags := append([]string{}, m.flags...)
		mbox.mu.Unlock()

		ok, err := backendutil.Match(e, seqNum, m.uid, m.info.Received, flags, criteria)
		if err != nil || !ok {
			continue
		}
		if uid {
			ids = append(ids, m.uid)
		} else {
			ids = append(ids, seqNum)
		}
	}
	return ids, nil
}

func (mbox *Mailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	return errReadOnlyMailbox
}

// UpdateMessagesFlags applies flag changes locally. Adding \Seen also marks
// the messages read on the server, in one batch.
func (mbox *Mailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, op imap.FlagsOp, flags []string) error {
	messages := mbox.snapshot()
	set := selected(messages, uid, seqSet)

	addsSeen := op != imap.RemoveFlags
	if addsSeen {
		addsSeen = false
		for _, f := range flags {
			if f == imap.SeenFlag {
				addsSeen = true
			}
		}
	}

	var unread []string
	mbox.mu.Lock()
	for i, m := range messages {
		if set[i] && addsSeen && !m.has(imap.SeenFlag) {
			unread = append(unread, m.info.URL)
		}
	}
	mbox.mu.Unlock()

	if len(unread) > 0 {
		u := mbox.user
		if err := u.client.MarkRead(u.ctx, unread); err != nil {
			return err
		}
	}

	mbox.mu.Lock()
	defer mbox.mu.Unlock()
	for i, m := range messages {
		if set[i] {
			m.flags = backendutil.UpdateFlags(m.flags, op, flags)
		}
	}
	return nil
}

func (mbox *Mailbox) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	return fmt.Errorf("can't copy into %s: %w", destName, errReadOnlyHierarchy)
}

// Expunge removes messages flagged \Deleted. They are deleted on the server
// when the account deletes on delete and marked read otherwise.
func (mbox *Mailbox) Expunge() error {
	messages := mbox.snapshot()
	var urls []string
	mbox.mu.Lock()
	for _, m := range messages {
		if m.has(imap.DeletedFlag) {
			urls = append(urls, m.info.URL)
		}
	}
	mbox.mu.Unlock()
	if len(urls) == 0 {
		return nil
	}

	u := mbox.user
	if u.account.Delete {
		if err := u.client.Delete(u.ctx, urls); err != nil {
			return err
		}
		if err := u.backend.Storage.MessageForget(u.account.Key(), urls); err != nil {
			u.backend.Log.Warnf("Failed to forget deleted messages: %v", err)
		}
	} else if err := u.client.MarkRead(u.ctx, urls); err != nil {
		return err
	}
	u.forget(urls)

	mbox.mu.Lock()
	defer mbox.mu.Unlock()
	kept := mbox.messages[:0]
	for _, m := range mbox.messages {
		if !m.has(imap.DeletedFlag) {
			kept = append(kept, m)
		}
	}
	mbox.messages = kept
	return nil
}
