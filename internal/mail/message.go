// Package mail answers labor-law questions received by email. One
// adapter serves the three mail backends (generic IMAP/SMTP provider,
// docker-mailserver, ProtonMail Bridge); they differ only in transport
// parameters and in the wording of the prompt and reply.
package mail

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// maxBodySize bounds the text extracted from one message. The prompt
// builder truncates further to the model's input budget.
const maxBodySize = 32 * 1024

// maxRawMessageSize bounds how much of an IMAP literal is buffered.
const maxRawMessageSize = 5 * 1024 * 1024

// Message is an incoming email reduced to what the bot needs.
type Message struct {
	UID uint32

	// MessageID is the Message-ID without angle brackets.
	MessageID string
	// From is the decoded From header as sent ("Name <addr>").
	From        string
	FromAddress string
	// ReplyTo is the bare Reply-To address, if any.
	ReplyTo       string
	Subject       string
	Date          time.Time
	References    []string
	AutoSubmitted string

	// Body is the first text/plain part, or the text of the first
	// text/html part when the message has no plain part.
	Body string
}

// ReplyAddress is where an answer goes: Reply-To when set, From
// otherwise.
func (m *Message) ReplyAddress() string {
	if m.ReplyTo != "" {
		return m.ReplyTo
	}
	return m.FromAddress
}

// ParseMessage parses a raw RFC 5322 message. Unknown charsets are not
// fatal; the affected text is kept undecoded.
func ParseMessage(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}

	h := mr.Header
	msg := &Message{
		AutoSubmitted: strings.TrimSpace(h.Get("Auto-Submitted")),
	}
	msg.MessageID, _ = h.MessageID()
	if msg.MessageID == "" {
		msg.MessageID = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}
	if msg.From, err = h.Text("From"); err != nil {
		msg.From = h.Get("From")
	}
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.FromAddress = addrs[0].Address
	} else {
		msg.FromAddress = extractAddress(msg.From)
	}
	if addrs, err := h.AddressList("Reply-To"); err == nil && len(addrs) > 0 {
		msg.ReplyTo = addrs[0].Address
	}
	if msg.Subject, err = h.Subject(); err != nil {
		msg.Subject = h.Get("Subject")
	}
	msg.Date, _ = h.Date()
	if refs, err := h.MsgIDList("References"); err == nil {
		msg.References = refs
	}

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return msg, fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}
		ih, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := ih.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}

		switch {
		case contentType == "text/plain":
			body, err := readLimited(part.Body)
			if err != nil {
				return msg, fmt.Errorf("read text/plain part: %w", err)
			}
			msg.Body = strings.TrimSpace(body)
			return msg, nil
		case contentType == "text/html" && htmlBody == "":
			if htmlBody, err = readLimited(part.Body); err != nil {
				return msg, fmt.Errorf("read text/html part: %w", err)
			}
		}
	}

	if htmlBody != "" {
		msg.Body = htmlToText(htmlBody)
	}
	return msg, nil
}

func readLimited(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBodySize))
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(b), ""), nil
}

// extractAddress extracts the bare email address from a string that
// may be in "Name <addr>" or just "addr" format.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, ">") {
		if start := strings.LastIndexByte(s, '<'); start >= 0 {
			return s[start+1 : len(s)-1]
		}
	}
	return s
}
