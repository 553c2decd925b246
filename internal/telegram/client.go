// Package telegram is the outbound messaging boundary: one bot, one
// sendMessage call, Markdown parse mode.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rektwatch/rektwatch/internal/metrics"
)

const (
	defaultBaseURL = "https://api.telegram.org"

	// Bot API global ceiling is ~30 messages per second.
	sendRate  = 30
	sendBurst = 30

	// A send never blocks an ingest shard longer than this.
	sendTimeout = 10 * time.Second
)

// ErrRecipientBlocked means the recipient deleted or blocked the bot
// (HTTP 403 class). Callers should stop messaging them.
var ErrRecipientBlocked = errors.New("recipient blocked the bot")

// Client is a minimal Bot API client. Safe for concurrent use.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
	reg     *metrics.Registry
}

// New builds a client. baseURL is overridable for tests; empty means
// the public API.
func New(token, baseURL string, log zerolog.Logger, reg *metrics.Registry) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		token:   token,
		baseURL: baseURL,
		http:    &http.Client{Timeout: sendTimeout},
		limiter: rate.NewLimiter(sendRate, sendBurst),
		log:     log.With().Str("component", "telegram").Logger(),
		reg:     reg,
	}
}

// Send delivers one Markdown message. recipient is a chat id rendered
// as decimal digits or an @channel handle.
func (c *Client) Send(ctx context.Context, recipient, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                recipient,
		Text:                  text,
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: encode payload: %w", err)
	}

	env, status, err := c.call(ctx, "sendMessage", payload)
	if err != nil {
		return err
	}
	if env.OK {
		return nil
	}
	if status == http.StatusForbidden || env.ErrorCode == http.StatusForbidden {
		return fmt.Errorf("telegram: send to %s: %s: %w", recipient, env.Description, ErrRecipientBlocked)
	}
	return fmt.Errorf("telegram: send to %s: status %d: %s", recipient, status, env.Description)
}

// Me returns the bot's username, useful as a startup credential check.
func (c *Client) Me(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	env, status, err := c.call(ctx, "getMe", nil)
	if err != nil {
		return "", err
	}
	if !env.OK {
		return "", fmt.Errorf("telegram: getMe: status %d: %s", status, env.Description)
	}
	var me struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(env.Result, &me); err != nil {
		return "", fmt.Errorf("telegram: decode getMe: %w", err)
	}
	return me.Username, nil
}

func (c *Client) call(ctx context.Context, method string, payload []byte) (*apiResponse, int, error) {
	url := c.baseURL + "/bot" + c.token + "/" + method

	var body *bytes.Reader
	if payload == nil {
		body = bytes.NewReader(nil)
	} else {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, 0, fmt.Errorf("telegram: build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	return &env, resp.StatusCode, nil
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}
