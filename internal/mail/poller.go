package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/colonylab/codetravail-bot/internal/config"
	"github.com/colonylab/codetravail-bot/internal/generate"
	"github.com/colonylab/codetravail-bot/internal/metrics"
	"github.com/colonylab/codetravail-bot/internal/reply"
)

// Answerer produces the answer text for a question. It reports failures
// inside the returned text.
type Answerer interface {
	Answer(ctx context.Context, question string) string
}

// Status is the result of handling one email.
type Status string

const (
	StatusReplied Status = "replied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// SkipReason says why an email was deliberately not answered.
type SkipReason string

const (
	SkipAlreadyProcessed SkipReason = "already_processed"
	SkipEmptyBody        SkipReason = "empty_body"
	SkipShortBody        SkipReason = "short_body"
	SkipAutoReply        SkipReason = "auto_reply"
	SkipOwnAddress       SkipReason = "own_address"
	SkipNoSender         SkipReason = "no_sender"
)

// autoReplyKeywords mark subjects of automated mail.
var autoReplyKeywords = []string{"auto-reply", "automatic", "noreply", "no-reply"}

// bounceSenders are local parts of delivery-status senders.
var bounceSenders = []string{"mailer-daemon", "postmaster"}

// Outcome is the result of processing one email.
type Outcome struct {
	UID    uint32
	Status Status
	Reason SkipReason
	Err    error
}

// CycleStats aggregates the outcomes of one poll cycle.
type CycleStats struct {
	Listed  int
	Replied int
	Skipped int
	Failed  int
}

func (s *CycleStats) add(o Outcome) {
	switch o.Status {
	case StatusReplied:
		s.Replied++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
}

// PollerConfig wires a Poller.
type PollerConfig struct {
	Connect   Connector
	Sender    Sender
	Store     ProcessedStore
	Answerer  Answerer
	Formatter reply.Formatter

	// Address is the bot's own address: the reply sender and a sender
	// that is never answered.
	Address string
	// Markdown sends an HTML alternative rendered from the reply.
	Markdown bool
	// MarkSeen flags answered messages \Seen and \Answered.
	MarkSeen      bool
	MinBodyLength int

	Interval     time.Duration
	ErrorBackoff time.Duration

	Logger *slog.Logger
}

// FromConfig fills the transport and behaviour settings of a
// PollerConfig from the email configuration. Store and Answerer are left
// to the caller.
func FromConfig(cfg config.EmailConfig, logger *slog.Logger) PollerConfig {
	return PollerConfig{
		Connect: IMAPConnector(IMAPConfig{
			Server:   cfg.IMAP,
			Username: cfg.Address,
			Password: cfg.Password,
			Mailbox:  cfg.Mailbox,
		}, logger),
		Sender: &SMTPSender{
			Server:   cfg.SMTP,
			Username: cfg.Address,
			Password: cfg.Password,
		},
		Formatter: reply.Formatter{
			Signature:  cfg.Signature,
			Disclaimer: cfg.Disclaimer,
			Style:      ReplyStyle(cfg.Profile),
		},
		Address:       cfg.Address,
		Markdown:      ReplyStyle(cfg.Profile) == reply.StyleStandard,
		MarkSeen:      cfg.MarkSeen,
		MinBodyLength: cfg.MinBodyLength,
		Interval:      time.Duration(cfg.CheckIntervalSec) * time.Second,
		ErrorBackoff:  time.Duration(cfg.ErrorBackoffSec) * time.Second,
		Logger:        logger,
	}
}

// ReplyStyle maps a transport profile to its reply layout.
func ReplyStyle(profile string) reply.Style {
	if profile == config.ProfileProtonMail {
		return reply.StyleProton
	}
	return reply.StyleStandard
}

// Poller answers unread emails, one cycle at a time.
type Poller struct {
	cfg    PollerConfig
	logger *slog.Logger
}

// NewPoller returns a Poller. Interval and ErrorBackoff default to 30s
// and 60s.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 60 * time.Second
	}
	return &Poller{cfg: cfg, logger: cfg.Logger.With("component", "mail")}
}

// Run polls until ctx is cancelled. A cycle that cannot connect waits
// the normal interval; any other cycle failure, panics included, waits
// the longer error backoff.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("mail poller started",
		"address", p.cfg.Address,
		"interval", p.cfg.Interval,
		"mark_seen", p.cfg.MarkSeen,
	)
	for ctx.Err() == nil {
		wait := p.cfg.Interval
		stats, err := p.safeCycle(ctx)

		var te *TransportError
		switch {
		case err == nil:
			if stats.Listed > 0 {
				p.logger.Info("poll cycle complete",
					"listed", stats.Listed,
					"replied", stats.Replied,
					"skipped", stats.Skipped,
					"failed", stats.Failed,
				)
			}
		case errors.As(err, &te) && te.Op == OpConnect:
			p.logger.Error("mail server unreachable", "error", err, "retry_in", wait)
		default:
			wait = p.cfg.ErrorBackoff
			p.logger.Error("poll cycle failed", "error", err, "retry_in", wait)
		}

		if !sleepCtx(ctx, wait) {
			break
		}
	}
	p.logger.Info("mail poller stopped")
	return nil
}

func (p *Poller) safeCycle(ctx context.Context) (stats CycleStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll cycle panic: %v", r)
		}
	}()
	return p.Cycle(ctx)
}

// Cycle connects, processes every unread email and logs out. Failures
// of single emails are counted in the stats, not returned.
func (p *Poller) Cycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	start := time.Now()

	mb, err := p.cfg.Connect(ctx)
	if err != nil {
		metrics.RecordPollCycle("connect_error", time.Since(start))
		return stats, transportErr(OpConnect, err)
	}
	defer func() {
		if err := mb.Close(); err != nil {
			p.logger.Debug("mailbox close failed", "error", err)
		}
	}()

	uids, err := mb.Unseen(ctx)
	if err != nil {
		metrics.RecordPollCycle("error", time.Since(start))
		return stats, transportErr(OpList, err)
	}
	stats.Listed = len(uids)
	if len(uids) > 0 {
		p.logger.Debug("unread messages", "count", len(uids))
	}

	for _, uid := range uids {
		// An interrupt stops the cycle between emails, never inside one.
		if ctx.Err() != nil {
			break
		}
		o := p.processOne(context.WithoutCancel(ctx), mb, uid)
		stats.add(o)
		metrics.RecordEmail(string(o.Status), string(o.Reason))
	}

	metrics.RecordPollCycle("ok", time.Since(start))
	return stats, nil
}

func (p *Poller) processOne(ctx context.Context, mb Mailbox, uid uint32) Outcome {
	requestID := uuid.NewString()
	ctx = generate.WithRequestID(ctx, requestID)
	logger := p.logger.With("uid", uid, "request_id", requestID)

	failed := func(err error) Outcome {
		logger.Error("email processing failed", "error", err)
		return Outcome{UID: uid, Status: StatusFailed, Err: err}
	}
	skipped := func(reason SkipReason, subject string) Outcome {
		logger.Debug("email skipped", "reason", reason, "subject", subject)
		return Outcome{UID: uid, Status: StatusSkipped, Reason: reason}
	}

	msg, err := mb.Fetch(ctx, uid)
	if err != nil {
		return failed(transportErr(OpFetch, err))
	}

	fp := Fingerprint(msg.MessageID, msg.Subject, msg.From)
	seen, err := p.cfg.Store.Seen(ctx, fp)
	if err != nil {
		return failed(fmt.Errorf("check processed: %w", err))
	}
	if seen {
		// A previous flag update may have failed; retry it so the
		// message stops being listed.
		if p.cfg.MarkSeen {
			if err := mb.MarkAnswered(ctx, uid); err != nil {
				logger.Debug("re-flag failed", "error", transportErr(OpFlag, err))
			}
		}
		return skipped(SkipAlreadyProcessed, msg.Subject)
	}

	switch {
	case msg.Body == "":
		return skipped(SkipEmptyBody, msg.Subject)
	case utf8.RuneCountInString(msg.Body) < p.cfg.MinBodyLength:
		return skipped(SkipShortBody, msg.Subject)
	case isAutoReply(msg):
		return skipped(SkipAutoReply, msg.Subject)
	case p.cfg.Address != "" && strings.EqualFold(msg.FromAddress, p.cfg.Address):
		return skipped(SkipOwnAddress, msg.Subject)
	case msg.ReplyAddress() == "":
		return skipped(SkipNoSender, msg.Subject)
	}

	to := msg.ReplyAddress()
	logger.Info("processing email", "from", msg.From, "subject", msg.Subject)

	answer := p.cfg.Answerer.Answer(ctx, msg.Body)
	body := p.cfg.Formatter.Format(msg.Body, answer)

	opts := ReplyOptionsFor(msg, p.cfg.Address, reply.Subject(msg.Subject), body)
	opts.Markdown = p.cfg.Markdown
	raw, err := ComposeReply(opts)
	if err != nil {
		return failed(fmt.Errorf("compose reply: %w", err))
	}
	if err := p.cfg.Sender.Send(ctx, p.cfg.Address, []string{to}, raw); err != nil {
		return failed(transportErr(OpSend, err))
	}

	if err := p.cfg.Store.Commit(ctx, fp); err != nil {
		logger.Error("reply sent but not recorded as processed", "error", err)
	}
	if p.cfg.MarkSeen {
		if err := mb.MarkAnswered(ctx, uid); err != nil {
			logger.Warn("reply sent but message not flagged", "error", transportErr(OpFlag, err))
		}
	}
	logger.Info("reply sent", "to", to, "subject", opts.Subject)
	return Outcome{UID: uid, Status: StatusReplied}
}

// isAutoReply reports whether msg comes from an automated sender.
func isAutoReply(msg *Message) bool {
	subject := strings.ToLower(msg.Subject)
	for _, kw := range autoReplyKeywords {
		if strings.Contains(subject, kw) {
			return true
		}
	}
	if msg.AutoSubmitted != "" && !strings.EqualFold(msg.AutoSubmitted, "no") {
		return true
	}
	local, _, _ := strings.Cut(strings.ToLower(msg.FromAddress), "@")
	for _, s := range bounceSenders {
		if local == s {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
