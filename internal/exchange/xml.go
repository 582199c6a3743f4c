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
	_ "embed"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html/charset"
)

const (
	davNamespace      = "DAV:"
	httpmailNamespace = "urn:schemas:httpmail:"
	xmlContentType    = `text/xml; charset="UTF-8"`
)

var (
	//go:embed queries/get-unread-messages.sql
	unreadMessagesSQL string

	//go:embed queries/get-all-messages.sql
	allMessagesSQL string
)

// Request bodies that never change are encoded once per process.
var (
	findInboxBody = sync.OnceValues(func() ([]byte, error) {
		return encodeBody(&node{name: "D:propfind", children: []*node{
			{name: "D:prop", children: []*node{{name: "h:inbox"}}},
		}})
	})
	unreadSearchBody = sync.OnceValues(func() ([]byte, error) {
		return searchBody(unreadMessagesSQL)
	})
	allSearchBody = sync.OnceValues(func() ([]byte, error) {
		return searchBody(allMessagesSQL)
	})
)

// node is an element of a request body. Names carry the D: (DAV) or h:
// (httpmail) prefix declared on the root element.
type node struct {
	name     string
	text     string
	children []*node
}

func (n *node) encode(enc *xml.Encoder, attrs []xml.Attr) error {
	start := xml.StartElement{Name: xml.Name{Local: n.name}, Attr: attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if n.text != "" {
		if err := enc.EncodeToken(xml.CharData(n.text)); err != nil {
			return err
		}
	}
	for _, child := range n.children {
		if err := child.encode(enc, nil); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func encodeBody(root *node) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	enc := xml.NewEncoder(&buf)
	err := root.encode(enc, []xml.Attr{
		{Name: xml.Name{Local: "xmlns:D"}, Value: davNamespace},
		{Name: xml.Name{Local: "xmlns:h"}, Value: httpmailNamespace},
	})
	if err != nil {
		return nil, fmt.Errorf("xml.Encoder.EncodeToken: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("xml.Encoder.Flush: %w", err)
	}
	return buf.Bytes(), nil
}

func searchBody(sql string) ([]byte, error) {
	return encodeBody(&node{name: "D:searchrequest", children: []*node{
		{name: "D:sql", text: sql},
	}})
}

func targetNode(urls []string) *node {
	target := &node{name: "D:target"}
	for _, u := range urls {
		target.children = append(target.children, &node{name: "D:href", text: basename(u)})
	}
	return target
}

func deleteBody(urls []string) ([]byte, error) {
	return encodeBody(&node{name: "D:delete", children: []*node{targetNode(urls)}})
}

func markReadBody(urls []string) ([]byte, error) {
	return encodeBody(&node{name: "D:propertyupdate", children: []*node{
		targetNode(urls),
		{name: "D:set", children: []*node{
			{name: "D:prop", children: []*node{{name: "h:read", text: "1"}}},
		}},
	}})
}

func basename(url string) string {
	return url[strings.LastIndex(url, "/")+1:]
}

// scan streams an XML document and calls fn with the namespace, local name
// and text content of every element as it closes. Text is reset whenever
// an element opens, so only the trailing text of mixed content is seen.
// Scanning stops early when fn returns false.
func scan(r io.Reader, fn func(space, local, text string) bool) error {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel

	var content strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("xml.Decoder.Token: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			content.Reset()
		case xml.CharData:
			content.Write(t)
		case xml.EndElement:
			if t.Name.Space != davNamespace && t.Name.Space != httpmailNamespace {
				continue
			}
			if !fn(t.Name.Space, t.Name.Local, content.String()) {
				return nil
			}
		}
	}
}

// parseInbox returns the first httpmail:inbox value, or "" if none.
func parseInbox(r io.Reader) (string, error) {
	var inbox string
	err := scan(r, func(space, local, text string) bool {
		if space == httpmailNamespace && local == "inbox" {
			inbox = text
			return false
		}
		return true
	})
	return inbox, err
}

// MessageInfo describes one message of a search result.
type MessageInfo struct {
	URL      string
	Size     int64
	Read     bool
	Received time.Time
}

// parseSearch returns one entry per DAV:href in document order. Properties
// that follow an href are attributed to it.
func parseSearch(r io.Reader) ([]MessageInfo, error) {
	messages := []MessageInfo{}
	err := scan(r, func(space, local, text string) bool {
		if space == davNamespace && local == "href" {
			messages = append(messages, MessageInfo{URL: text})
			return true
		}
		if len(messages) == 0 {
			return true
		}
		last := &messages[len(messages)-1]
		switch {
		case space == davNamespace && local == "getcontentlength":
			if n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64); err == nil {
				last.Size = n
			}
		case space == httpmailNamespace && local == "read":
			last.Read = strings.TrimSpace(text) == "1"
		case space == httpmailNamespace && local == "datereceived":
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(text)); err == nil {
				last.Received = t
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}
