// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.astrophena.name/botcraft/internal/command"
	"go.astrophena.name/botcraft/internal/sandbox"
	"go.astrophena.name/botcraft/internal/telegram"
)

// CapturedCall is a chat API call recorded during a test run.
type CapturedCall struct {
	Method string         `json:"method"`
	Args   map[string]any `json:"args"`
}

// captureTransport records calls instead of delivering them.
type captureTransport struct {
	mu    sync.Mutex
	calls []CapturedCall
}

func (t *captureTransport) Call(_ context.Context, method string, args any) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, _ := args.(map[string]any)
	t.calls = append(t.calls, CapturedCall{Method: method, Args: m})
	return json.RawMessage(fmt.Sprintf(`{"message_id": %d}`, len(t.calls))), nil
}

// TestRun executes a command against a synthetic message without
// touching the chat platform: every outgoing call is captured and
// returned. Data stores and the Python bridge are live.
func (e *Engine) TestRun(ctx context.Context, def *command.Definition, text string, chatID, userID int64) ([]CapturedCall, error) {
	sess, err := e.Session(ctx, def.BotToken)
	if err != nil {
		return nil, err
	}

	upd := &telegram.Update{
		Message: &telegram.Message{
			ID:   1,
			From: &telegram.User{ID: userID, FirstName: "Test"},
			Chat: telegram.Chat{ID: chatID, Type: "private"},
			Text: text,
		},
	}

	inv := sandbox.Invocation{
		BotName:   sess.Name(),
		ChatID:    chatID,
		MessageID: 1,
		From:      upd.Message.From,
		Text:      text,
		Args:      def.Args(text),
		Update:    upd,
		Test:      true,
	}

	capture := &captureTransport{}
	caps := e.capabilities(sess, capture, inv)
	// Blocking for an answer makes no sense without a user on the other
	// end.
	caps.Ask = func(context.Context, string) (string, error) {
		return "", fmt.Errorf("ask is not available in test runs")
	}

	script := e.transform.Transform(def.Code)
	err = e.executor.Execute(ctx, def.DisplayName(), script.Source, sandbox.Env(caps).StringDict())
	return capture.calls, err
}
