package mail

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
)

// ReplyOptions describes an answer to one incoming message.
type ReplyOptions struct {
	From    string
	To      string
	Subject string
	// Body is the formatted reply. With Markdown set it is rendered to
	// an HTML alternative; otherwise the message is plain text only.
	Body     string
	Markdown bool

	// InReplyTo and References thread the reply under the question.
	InReplyTo  string
	References []string

	// Date defaults to now.
	Date time.Time
}

// ReplyOptionsFor threads a reply to msg.
func ReplyOptionsFor(msg *Message, from, subject, body string) ReplyOptions {
	opts := ReplyOptions{
		From:    from,
		To:      msg.ReplyAddress(),
		Subject: subject,
		Body:    body,
	}
	if msg.MessageID != "" {
		opts.InReplyTo = msg.MessageID
		opts.References = append(append([]string(nil), msg.References...), msg.MessageID)
	}
	return opts
}

// ComposeReply builds a complete RFC 5322 reply. Every reply carries
// "Auto-Submitted: auto-replied" so other robots do not answer it.
func ComposeReply(opts ReplyOptions) ([]byte, error) {
	var h mail.Header

	date := opts.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(opts.Subject)

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", opts.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})
	to, err := mail.ParseAddress(opts.To)
	if err != nil {
		return nil, fmt.Errorf("parse to address %q: %w", opts.To, err)
	}
	h.SetAddressList("To", []*mail.Address{to})

	if opts.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{opts.InReplyTo})
	}
	if len(opts.References) > 0 {
		h.SetMsgIDList("References", opts.References)
	}
	h.Set("Auto-Submitted", "auto-replied")

	var buf bytes.Buffer
	if !opts.Markdown {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create mail writer: %w", err)
		}
		if _, err := io.WriteString(w, opts.Body); err != nil {
			return nil, fmt.Errorf("write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close mail writer: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	htmlContent, err := markdownToHTML(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("render markdown to HTML: %w", err)
	}
	parts := []struct{ contentType, content string }{
		{"text/plain; charset=utf-8", markdownToPlain(opts.Body)},
		{"text/html; charset=utf-8", htmlContent},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.Set("Content-Type", p.contentType)
		pw, err := tw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(pw, p.content); err != nil {
			return nil, fmt.Errorf("write %s part: %w", p.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", p.contentType, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Replies keep their line structure (signature lines, greeting).
var markdown = goldmark.New(goldmark.WithRendererOptions(html.WithHardWraps()))

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

var (
	mdBold    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdLink    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// markdownToPlain strips the markup answers and the formatter use.
// Single asterisks are kept: the model writes them in enumerations.
func markdownToPlain(md string) string {
	s := mdLink.ReplaceAllString(md, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
