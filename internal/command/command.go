// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package command defines command definitions and pattern matching.
package command

import (
	"context"
	"strings"
	"time"
)

// Definition is a single bot command: a text pattern bound to a script.
type Definition struct {
	ID       string `json:"id"`
	BotToken string `json:"bot_token"`
	Name     string `json:"name"`
	// Pattern is one or more comma-separated patterns. A message matches a
	// pattern when it equals it exactly or starts with it followed by a
	// single space (the command-with-arguments form).
	Pattern string `json:"pattern"`
	// Code is the Starlark source executed when the command matches.
	Code string `json:"code"`
	// AnswerHandler, if non-empty, is the Starlark source executed on the
	// next message from the same user after Code ran, when WaitForAnswer
	// is set.
	AnswerHandler string    `json:"answer_handler,omitempty"`
	WaitForAnswer bool      `json:"wait_for_answer"`
	IsActive      bool      `json:"is_active"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DisplayName returns a human-readable name for the definition: its
// name if set, otherwise its first pattern.
func (d *Definition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	if p := d.Patterns(); len(p) > 0 {
		return p[0]
	}
	return d.ID
}

// Patterns returns the individual patterns of the definition, trimmed.
func (d *Definition) Patterns() []string {
	parts := strings.Split(d.Pattern, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Matches reports whether text matches one of the definition's patterns.
func (d *Definition) Matches(text string) bool {
	for _, p := range d.Patterns() {
		if text == p || strings.HasPrefix(text, p+" ") {
			return true
		}
	}
	return false
}

// Args returns the part of text following the matched pattern, or an
// empty string for an exact match.
func (d *Definition) Args(text string) string {
	for _, p := range d.Patterns() {
		if text == p {
			return ""
		}
		if strings.HasPrefix(text, p+" ") {
			return strings.TrimPrefix(text, p+" ")
		}
	}
	return ""
}

// Match returns the first active command in cmds whose pattern matches
// text, or nil if none does. Commands are tried in the order given, which
// is the stored (creation) order; the first match wins.
func Match(cmds []Definition, text string) *Definition {
	for i := range cmds {
		cmd := &cmds[i]
		if !cmd.IsActive {
			continue
		}
		if cmd.Matches(text) {
			return cmd
		}
	}
	return nil
}

// Bot is a registered bot record.
type Bot struct {
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the command store collaborator: it owns persistence of bot and
// command records. The engine only reads consistent snapshots from it and
// is told separately when to drop its caches.
type Store interface {
	ListActiveCommands(ctx context.Context, botToken string) ([]Definition, error)
	GetCommand(ctx context.Context, id string) (*Definition, error)
	ListActiveBots(ctx context.Context) ([]Bot, error)
	GetBot(ctx context.Context, token string) (*Bot, error)
}
