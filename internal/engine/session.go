// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"go.astrophena.name/botcraft/internal/command"
	"go.astrophena.name/botcraft/internal/telegram"
)

// Session is the live state of one bot: its API client, its identity
// and its cached command list.
type Session struct {
	Token  string
	Client *telegram.Client
	Bot    *telegram.User // getMe identity

	mu       sync.Mutex
	commands []command.Definition
	loaded   bool

	store command.Store
}

// Commands returns the bot's active commands in match order, loading
// them on first use.
func (s *Session) Commands(ctx context.Context) ([]command.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.commands, nil
	}
	cmds, err := s.store.ListActiveCommands(ctx, s.Token)
	if err != nil {
		return nil, err
	}
	s.commands = cmds
	s.loaded = true
	return cmds, nil
}

// Invalidate drops the cached command list so the next dispatch reloads
// it.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
	s.loaded = false
}

// Name returns the bot's username, or a scrubbed token when the
// identity is not known yet.
func (s *Session) Name() string {
	if s.Bot != nil && s.Bot.Username != "" {
		return "@" + s.Bot.Username
	}
	if i := strings.IndexByte(s.Token, ':'); i > 0 {
		return "bot" + s.Token[:i]
	}
	return "bot"
}

// Session returns the live session for token, creating it on first use.
// The bot must be registered and active.
func (e *Engine) Session(ctx context.Context, token string) (*Session, error) {
	e.sessMu.Lock()
	if s, ok := e.sessions[token]; ok {
		e.sessMu.Unlock()
		return s, nil
	}
	e.sessMu.Unlock()

	bot, err := e.store.GetBot(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("unknown bot: %w", err)
	}
	if !bot.IsActive {
		return nil, fmt.Errorf("bot %s is inactive", bot.Name)
	}

	client := telegram.New(telegram.Config{
		Token:      token,
		HTTPClient: e.httpc,
		Scrubber:   strings.NewReplacer(token, "[EXPUNGED]"),
		Logger:     e.slog,
	})
	me, err := client.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("getMe: %w", err)
	}

	s := &Session{
		Token:  token,
		Client: client,
		Bot:    me,
		store:  e.store,
	}

	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	if existing, ok := e.sessions[token]; ok {
		return existing, nil
	}
	e.sessions[token] = s
	return s, nil
}

// InitAll brings up a session for every active bot and registers its
// webhook. Individual bot failures are logged, not fatal: one revoked
// token must not keep the rest of the fleet down.
func (e *Engine) InitAll(ctx context.Context) error {
	bots, err := e.store.ListActiveBots(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, bot := range bots {
		g.Go(func() error {
			if err := e.initBot(ctx, bot.Token); err != nil {
				e.slog.Error("bot init failed", slog.String("bot", bot.Name), slog.Any("err", err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) initBot(ctx context.Context, token string) error {
	s, err := e.Session(ctx, token)
	if err != nil {
		return err
	}
	if e.host == "" {
		return nil
	}
	url := e.host + "/webhook/" + token
	if err := s.Client.SetWebhook(ctx, url, e.webhookSecret); err != nil {
		return fmt.Errorf("setWebhook: %w", err)
	}
	e.slog.Info("webhook registered", slog.String("bot", s.Name()))
	return nil
}

// RegisterBot stores a new bot, brings up its session and registers its
// webhook.
func (e *Engine) RegisterBot(ctx context.Context, token, name string) (*command.Bot, error) {
	bot, err := e.store.CreateBot(ctx, token, name)
	if err != nil {
		return nil, err
	}
	if err := e.initBot(ctx, token); err != nil {
		// Roll back so a bad token can be retried.
		e.dropSession(token)
		if derr := e.store.DeleteBot(ctx, token); derr != nil {
			e.slog.Error("rollback failed", slog.Any("err", derr))
		}
		return nil, err
	}
	return bot, nil
}

// RemoveBot deletes the bot's webhook, drops its session and removes it
// from the store together with its commands.
func (e *Engine) RemoveBot(ctx context.Context, token string) error {
	if s, err := e.Session(ctx, token); err == nil {
		if err := s.Client.DeleteWebhook(ctx); err != nil {
			e.slog.Warn("deleteWebhook failed", slog.String("bot", s.Name()), slog.Any("err", err))
		}
	}
	e.dropSession(token)
	return e.store.DeleteBot(ctx, token)
}

// InvalidateCommands drops the cached command list of a bot after its
// commands changed.
func (e *Engine) InvalidateCommands(token string) {
	e.sessMu.Lock()
	s, ok := e.sessions[token]
	e.sessMu.Unlock()
	if ok {
		s.Invalidate()
	}
}

func (e *Engine) dropSession(token string) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	delete(e.sessions, token)
}
