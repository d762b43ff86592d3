package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/colonylab/codetravail-bot/internal/config"
)

// Mailbox is one authenticated session on the inbox being watched.
type Mailbox interface {
	// Unseen returns the UIDs of unread messages in server order.
	Unseen(ctx context.Context) ([]uint32, error)
	// Fetch returns the parsed message without setting \Seen.
	Fetch(ctx context.Context, uid uint32) (*Message, error)
	// MarkAnswered sets \Seen and \Answered.
	MarkAnswered(ctx context.Context, uid uint32) error
	// Close logs out.
	Close() error
}

// Connector opens a new mailbox session for one poll cycle.
type Connector func(ctx context.Context) (Mailbox, error)

// IMAPConfig holds the IMAP connection settings for one account.
type IMAPConfig struct {
	Server   config.ServerConfig
	Username string
	Password string
	// Mailbox is the folder to watch; empty means INBOX.
	Mailbox string
}

// IMAPMailbox is a go-imap/v2 session. Calls are serialized.
type IMAPMailbox struct {
	folder string
	logger *slog.Logger

	mu       sync.Mutex
	client   *imapclient.Client
	selected bool
}

// IMAPConnector returns a Connector that dials cfg for each cycle.
func IMAPConnector(cfg IMAPConfig, logger *slog.Logger) Connector {
	return func(ctx context.Context) (Mailbox, error) {
		return DialIMAP(ctx, cfg, logger)
	}
}

// DialIMAP connects with the configured security mode and logs in.
func DialIMAP(ctx context.Context, cfg IMAPConfig, logger *slog.Logger) (*IMAPMailbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         cfg.Server.Host,
			InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		},
	}

	logger.Debug("connecting to IMAP server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"security", cfg.Server.Security,
	)

	var (
		client *imapclient.Client
		err    error
	)
	switch cfg.Server.Security {
	case config.SecurityTLS:
		client, err = imapclient.DialTLS(addr, opts)
	case config.SecuritySTARTTLS:
		client, err = imapclient.DialStartTLS(addr, opts)
	case config.SecurityPlain:
		client, err = imapclient.DialInsecure(addr, opts)
	default:
		return nil, fmt.Errorf("unknown IMAP security %q", cfg.Server.Security)
	}
	if err != nil {
		return nil, fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	// The dial itself ignores ctx; abort the login if ctx ends.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("login as %s: %w", cfg.Username, err)
	}

	folder := cfg.Mailbox
	if folder == "" {
		folder = "INBOX"
	}
	logger.Debug("IMAP connected", "host", cfg.Server.Host, "user", cfg.Username)
	return &IMAPMailbox{folder: folder, logger: logger, client: client}, nil
}

// selectLocked selects the watched folder once per session. Caller must
// hold m.mu.
func (m *IMAPMailbox) selectLocked() error {
	if m.selected {
		return nil
	}
	if _, err := m.client.Select(m.folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", m.folder, err)
	}
	m.selected = true
	return nil
}

func (m *IMAPMailbox) Unseen(ctx context.Context) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.selectLocked(); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := m.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen in %s: %w", m.folder, err)
	}

	uids := data.AllUIDs()
	result := make([]uint32, len(uids))
	for i, uid := range uids {
		result[i] = uint32(uid)
	}
	return result, nil
}

func (m *IMAPMailbox) Fetch(ctx context.Context, uid uint32) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.selectLocked(); err != nil {
		return nil, err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))
	fetchCmd := m.client.Fetch(uidSet, &imap.FetchOptions{
		UID: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true}, // \Seen is set only once the reply is sent.
		},
	})

	item := fetchCmd.Next()
	if item == nil {
		_ = fetchCmd.Close()
		return nil, fmt.Errorf("message UID %d not found in %s", uid, m.folder)
	}

	var raw []byte
	for {
		data := item.Next()
		if data == nil {
			break
		}
		body, ok := data.(imapclient.FetchItemDataBodySection)
		if !ok || body.Literal == nil {
			continue
		}
		// The literal must be consumed before the next item.
		var readErr error
		raw, readErr = io.ReadAll(io.LimitReader(body.Literal, maxRawMessageSize))
		_, _ = io.Copy(io.Discard, body.Literal)
		if readErr != nil {
			m.logger.Debug("error reading body literal", "uid", uid, "error", readErr)
			raw = nil
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch UID %d: %w", uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("fetch UID %d: empty body section", uid)
	}

	msg, err := ParseMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("parse UID %d: %w", uid, err)
	}
	msg.UID = uid
	return msg, nil
}

func (m *IMAPMailbox) MarkAnswered(ctx context.Context, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.selectLocked(); err != nil {
		return err
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))
	storeFlags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen, imap.FlagAnswered},
	}
	if err := m.client.Store(uidSet, storeFlags, nil).Close(); err != nil {
		return fmt.Errorf("flag UID %d answered: %w", uid, err)
	}
	return nil
}

// Close logs out and closes the connection.
func (m *IMAPMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	if err := m.client.Logout().Wait(); err != nil {
		m.logger.Debug("IMAP logout failed", "error", err)
	}
	err := m.client.Close()
	m.client = nil
	return err
}
