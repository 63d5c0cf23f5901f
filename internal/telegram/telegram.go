// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram implements a Telegram Bot API client.
//
// The client exposes the raw API surface through [Client.Call] and typed
// helpers for the handful of methods the engine itself needs. Calls that
// hit rate limiting are retried, honoring the retry_after hint from the
// API.
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
	"unicode"
	"unicode/utf8"

	"go.astrophena.name/base/request"
	"go.astrophena.name/base/version"
)

const (
	tgAPI      = "https://api.telegram.org"
	retryLimit = 5 // N attempts when rate limited

	// MaxMessageLen is the longest text Telegram accepts in a single
	// sendMessage call, in runes.
	MaxMessageLen = 4096
)

// Client calls the Telegram Bot API on behalf of a single bot.
type Client struct {
	token    string
	httpc    *http.Client
	scrubber *strings.Replacer
	slog     *slog.Logger
	sleep    func(context.Context, time.Duration) bool
}

// Config configures a [Client].
type Config struct {
	Token      string
	HTTPClient *http.Client
	Scrubber   *strings.Replacer
	Logger     *slog.Logger
}

// New returns a client for the bot identified by cfg.Token.
func New(cfg Config) *Client {
	c := &Client{
		token:    cfg.Token,
		httpc:    cfg.HTTPClient,
		scrubber: cfg.Scrubber,
		slog:     cfg.Logger,
	}
	if c.httpc == nil {
		c.httpc = request.DefaultClient
	}
	if c.slog == nil {
		c.slog = slog.Default()
	}
	c.sleep = sleep
	return c
}

// Token returns the bot token this client was created with.
func (c *Client) Token() string { return c.token }

// Error is a non-OK response from the Bot API.
type Error struct {
	Method      string
	Code        int
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("telegram: %s: %s (%d)", e.Method, e.Description, e.Code)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Call invokes a Bot API method with the given arguments and returns
// the raw result. Rate limited calls are retried up to a few times.
func (c *Client) Call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	var lastErr error
	for range retryLimit {
		res, err := c.call(ctx, method, args)
		if err == nil {
			return res, nil
		}
		lastErr = err

		retryable, wait := rateLimited(err)
		if !retryable {
			break
		}

		c.slog.Warn("telegram rate limited, waiting",
			slog.String("method", method),
			slog.Duration("wait", wait),
		)
		if !c.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	res, err := request.Make[apiResponse](ctx, request.Params{
		Method: http.MethodPost,
		URL:    tgAPI + "/bot" + c.token + "/" + method,
		Body:   args,
		Headers: map[string]string{
			"User-Agent": version.UserAgent(),
		},
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, &Error{Method: method, Code: res.ErrorCode, Description: res.Description}
	}
	return res.Result, nil
}

func rateLimited(err error) (bool, time.Duration) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}

	var res apiResponse
	if err := json.Unmarshal(statusErr.Body, &res); err != nil {
		return false, 0
	}
	return true, time.Duration(res.Parameters.RetryAfter) * time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// GetMe returns basic information about the bot.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	res, err := c.Call(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(res, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetWebhook points the bot's webhook at url. The secret, if not empty,
// is echoed back by Telegram in the X-Telegram-Bot-Api-Secret-Token
// header of each delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	args := map[string]string{"url": url}
	if secret != "" {
		args["secret_token"] = secret
	}
	_, err := c.Call(ctx, "setWebhook", args)
	return err
}

// DeleteWebhook removes the bot's webhook.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := c.Call(ctx, "deleteWebhook", nil)
	return err
}

// SendMessage sends text to a chat, splitting it into multiple messages
// when it exceeds [MaxMessageLen]. It returns the last sent message.
func (c *Client) SendMessage(ctx context.Context, chatID any, text string) (*Message, error) {
	var last *Message
	for _, chunk := range SplitMessage(text) {
		res, err := c.Call(ctx, "sendMessage", map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		})
		if err != nil {
			return nil, err
		}
		var m Message
		if err := json.Unmarshal(res, &m); err != nil {
			return nil, err
		}
		last = &m
	}
	return last, nil
}

// AnswerCallbackQuery acknowledges a callback query so the client stops
// showing the progress indicator.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id string) error {
	_, err := c.Call(ctx, "answerCallbackQuery", map[string]string{"callback_query_id": id})
	return err
}

// SplitMessage splits text into chunks of at most [MaxMessageLen] runes,
// preferring to break at newlines, then at whitespace.
func SplitMessage(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= MaxMessageLen {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= MaxMessageLen {
			chunks = append(chunks, text)
			break
		}

		var (
			lastNewline    = -1
			lastWhitespace = -1
			byteCap        = len(text)
			runeCount      int
		)

		for i, r := range text {
			if runeCount == MaxMessageLen {
				byteCap = i
				break
			}
			runeCount++

			if r == '\n' {
				lastNewline = i
				continue
			}
			if unicode.IsSpace(r) {
				lastWhitespace = i
			}
		}

		splitAt := byteCap
		switch {
		case lastNewline > 0:
			splitAt = lastNewline
		case lastWhitespace > 0:
			splitAt = lastWhitespace
		}

		chunk := strings.TrimSpace(text[:splitAt])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(text[splitAt:])
	}

	return chunks
}
