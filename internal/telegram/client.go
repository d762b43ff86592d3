package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/colonylab/codetravail-bot/internal/httpkit"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// APIError is a request the Bot API answered with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Client calls the Bot API. The token is part of every request URL, so
// errors returned by Client have it replaced with "<token>".
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient returns a client for the bot identified by token. The HTTP
// client must allow requests longer than the long-poll timeout.
func NewClient(apiURL, token string, hc *http.Client, logger *slog.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if hc == nil {
		hc = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(apiURL, "/"),
		token:   token,
		http:    hc,
		logger:  logger,
	}
}

// GetMe returns the bot account. It is the cheapest way to check the
// token.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUpdates long-polls for updates with an id of at least offset,
// waiting up to timeout on the server side.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	req := getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends text to chatID. replyTo quotes an earlier message
// when non-zero.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text, parseMode string, replyTo int64) (*Message, error) {
	req := sendMessageRequest{
		ChatID:           chatID,
		Text:             text,
		ParseMode:        parseMode,
		ReplyToMessageID: replyTo,
	}
	var m Message
	if err := c.call(ctx, "sendMessage", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SendChatAction shows a status such as "typing" for a few seconds.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	var ok bool
	return c.call(ctx, "sendChatAction", sendChatActionRequest{ChatID: chatID, Action: action}, &ok)
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	url := c.baseURL + "/bot" + c.token + "/" + method
	httpMethod := http.MethodGet
	if in != nil {
		httpMethod = http.MethodPost
	}

	var resp apiResponse[json.RawMessage]
	err := httpkit.DoJSON(ctx, c.http, httpMethod, url, nil, in, &resp)

	var se *httpkit.StatusError
	if errors.As(err, &se) {
		// Failed calls still carry the JSON envelope.
		if json.Unmarshal([]byte(se.Body), &resp) == nil && resp.Description != "" {
			return &APIError{Method: method, Code: se.Code, Description: resp.Description}
		}
	}
	if err != nil {
		return c.redact(fmt.Errorf("telegram %s: %w", method, err))
	}
	if !resp.OK {
		return &APIError{Method: method, Code: resp.ErrorCode, Description: resp.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) redact(err error) error {
	if c.token == "" || !strings.Contains(err.Error(), c.token) {
		return err
	}
	return &redactedError{err: err, token: c.token}
}

type redactedError struct {
	err   error
	token string
}

func (e *redactedError) Error() string {
	return strings.ReplaceAll(e.err.Error(), e.token, "<token>")
}

func (e *redactedError) Unwrap() error { return e.err }
