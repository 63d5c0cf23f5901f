// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package engine dispatches incoming chat updates to command scripts.
//
// The engine owns the bot sessions, the pending answer table and the
// script execution pipeline: match the update against the bot's command
// list, rewrite the script (see
// [go.astrophena.name/botcraft/internal/transform]), and run it in the
// sandbox with the capabilities of the current chat.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/base/syncx"
	"go.astrophena.name/base/web"

	"go.astrophena.name/botcraft/internal/command"
	"go.astrophena.name/botcraft/internal/pybridge"
	"go.astrophena.name/botcraft/internal/sandbox"
	"go.astrophena.name/botcraft/internal/store"
	"go.astrophena.name/botcraft/internal/telegram"
	"go.astrophena.name/botcraft/internal/transform"
)

// Config configures an [Engine].
type Config struct {
	Store      *store.Store
	Python     *pybridge.Runner
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Host is the public base URL webhooks are registered under; empty
	// skips webhook registration.
	Host string
	// WebhookSecret, when set, must match the secret token header of
	// each webhook delivery.
	WebhookSecret string

	ScriptTimeout time.Duration
	AskTimeout    time.Duration
	DataTTL       time.Duration

	// BaseContext is the context asynchronous dispatches run under;
	// canceling it cancels every running script. Defaults to
	// [context.Background].
	BaseContext context.Context
}

// Engine dispatches updates to command scripts.
type Engine struct {
	store  *store.Store
	python *pybridge.Runner
	httpc  *http.Client
	slog   *slog.Logger

	host          string
	webhookSecret string
	askTimeout    time.Duration
	dataTTL       time.Duration

	executor  *sandbox.Executor
	transform transform.Cache
	pending   *pendingTable

	sessMu   sync.Mutex
	sessions map[string]*Session

	dataCache syncx.Map[string, *dataCacheEntry]

	ctx context.Context
	wg  sync.WaitGroup
}

// New returns a new engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	askTimeout := cfg.AskTimeout
	if askTimeout == 0 {
		askTimeout = time.Minute
	}
	dataTTL := cfg.DataTTL
	if dataTTL == 0 {
		dataTTL = 10 * time.Minute
	}
	ctx := cfg.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	e := &Engine{
		store:         cfg.Store,
		python:        cfg.Python,
		httpc:         cfg.HTTPClient,
		slog:          logger,
		host:          cfg.Host,
		webhookSecret: cfg.WebhookSecret,
		askTimeout:    askTimeout,
		dataTTL:       dataTTL,
		executor: &sandbox.Executor{
			Timeout: cfg.ScriptTimeout,
			Logger:  logger,
		},
		pending:  newPendingTable(),
		sessions: make(map[string]*Session),
		ctx:      ctx,
	}
	go e.sweepLoop()
	return e
}

// sweepLoop periodically evicts expired data cache entries until the
// base context is canceled.
func (e *Engine) sweepLoop() {
	t := time.NewTicker(e.dataTTL)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			e.sweepDataCache(time.Now())
		}
	}
}

// sweepDataCache drops data cache entries that have not been touched
// within the TTL. Reads evict their own key when they find it stale;
// the sweep catches keys that are never read again.
func (e *Engine) sweepDataCache(now time.Time) {
	e.dataCache.Range(func(key string, entry *dataCacheEntry) bool {
		if now.Sub(entry.lastAccessed) > e.dataTTL {
			e.dataCache.Delete(key)
		}
		return true
	})
}

// Wait blocks until every in-flight dispatch has finished. Called on
// shutdown after the HTTP server stops accepting deliveries.
func (e *Engine) Wait() { e.wg.Wait() }

var okResponse = map[string]string{"status": "ok"}

// HandleWebhook handles a webhook delivery. It always responds 200 so
// the chat platform does not retry deliveries the engine has already
// taken ownership of; the update is dispatched on its own goroutine.
func (e *Engine) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	if e.webhookSecret != "" && r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != e.webhookSecret {
		e.slog.Warn("webhook delivery with bad secret dropped")
		web.RespondJSON(w, okResponse)
		return
	}

	var upd telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		e.slog.Warn("webhook delivery with malformed body dropped", slog.Any("err", err))
		web.RespondJSON(w, okResponse)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Dispatch(e.ctx, token, &upd); err != nil {
			e.slog.Error("dispatch failed", slog.Int64("update_id", upd.ID), slog.Any("err", err))
		}
	}()

	web.RespondJSON(w, okResponse)
}

// Dispatch routes a single update. Exposed for tests; the webhook
// handler calls it asynchronously.
func (e *Engine) Dispatch(ctx context.Context, token string, upd *telegram.Update) error {
	sess, err := e.Session(ctx, token)
	if err != nil {
		return err
	}

	var (
		chatID, messageID, userID int64
		from                      *telegram.User
		text                      string
	)
	switch {
	case upd.CallbackQuery != nil:
		cq := upd.CallbackQuery
		// Stop the client-side progress indicator right away.
		if err := sess.Client.AnswerCallbackQuery(ctx, cq.ID); err != nil {
			e.slog.Warn("answerCallbackQuery failed", slog.Any("err", err))
		}
		from = cq.From
		if cq.Message != nil {
			chatID = cq.Message.Chat.ID
			messageID = cq.Message.ID
		}
		text = cq.Data
	default:
		msg := upd.Msg()
		if msg == nil {
			return nil // nothing routable
		}
		chatID = msg.Chat.ID
		messageID = msg.ID
		from = msg.From
		text = msg.Content()
	}
	if from != nil {
		userID = from.ID
	}

	// An occupied answer slot consumes the message before any routing.
	key := pendingKey{token: token, userID: userID}
	if p, ok := e.pending.consume(key); ok {
		switch p.kind {
		case pendingAsk:
			p.ch <- answerResult{text: text}
			return nil
		case pendingHandler:
			inv := sandbox.Invocation{
				BotName:   sess.Name(),
				ChatID:    chatID,
				MessageID: messageID,
				From:      from,
				Text:      text,
				Answer:    text,
				Update:    upd,
			}
			return e.runScript(ctx, sess, p.cmd, p.cmd.AnswerHandler, inv)
		}
	}

	if code, ok := strings.CutPrefix(text, "/python "); ok {
		return e.runInlinePython(ctx, sess, chatID, code)
	}

	cmds, err := sess.Commands(ctx)
	if err != nil {
		return err
	}
	def := command.Match(cmds, text)
	if def == nil {
		if _, err := sess.Client.SendMessage(ctx, chatID, "I don't know that command."); err != nil {
			e.slog.Warn("send failed", slog.Any("err", err))
		}
		return &RoutingError{BotName: sess.Name(), Text: text}
	}

	inv := sandbox.Invocation{
		BotName:   sess.Name(),
		ChatID:    chatID,
		MessageID: messageID,
		From:      from,
		Text:      text,
		Args:      def.Args(text),
		Update:    upd,
	}
	if err := e.runScript(ctx, sess, def, def.Code, inv); err != nil {
		return err
	}

	if def.WaitForAnswer && def.AnswerHandler != "" {
		e.pending.registerHandler(key, def, chatID, e.askTimeout)
	}
	return nil
}

// runScript transforms and executes code with the capabilities of the
// current chat, reporting failures back to the chat.
func (e *Engine) runScript(ctx context.Context, sess *Session, def *command.Definition, code string, inv sandbox.Invocation) error {
	script := e.transform.Transform(code)
	caps := e.capabilities(sess, sess.Client, inv)
	err := e.executor.Execute(ctx, def.DisplayName(), script.Source, sandbox.Env(caps).StringDict())
	if err != nil {
		e.reportError(ctx, sess, inv.ChatID, def, err)
	}
	return err
}

func (e *Engine) capabilities(sess *Session, transport sandbox.Transport, inv sandbox.Invocation) *sandbox.Capabilities {
	key := pendingKey{token: sess.Token, userID: 0}
	if inv.From != nil {
		key.userID = inv.From.ID
	}
	return &sandbox.Capabilities{
		Invocation: inv,
		Transport:  transport,
		Ask: func(ctx context.Context, question string) (string, error) {
			return e.ask(ctx, transport, key, inv.ChatID, question)
		},
		RunPython: func(ctx context.Context, code string, input any) (any, error) {
			return e.python.Run(ctx, code, input)
		},
		UserData: &dataStore{e: e, dk: store.DataKey{Scope: "user", BotToken: sess.Token, UserID: key.userID}},
		BotData:  &dataStore{e: e, dk: store.DataKey{Scope: "bot", BotToken: sess.Token}},
	}
}

// ask occupies the user's answer slot, delivers the question and blocks
// until the next message from the user, displacement, timeout or
// cancellation.
func (e *Engine) ask(ctx context.Context, transport sandbox.Transport, key pendingKey, chatID int64, question string) (string, error) {
	ch := e.pending.registerAsk(key, chatID)

	if question != "" {
		if _, err := transport.Call(ctx, "sendMessage", map[string]any{
			"chat_id": chatID,
			"text":    question,
		}); err != nil {
			e.pending.cancel(key, ch)
			return "", err
		}
	}

	t := time.NewTimer(e.askTimeout)
	defer t.Stop()
	select {
	case res := <-ch:
		return res.text, res.err
	case <-t.C:
		e.pending.cancel(key, ch)
		return "", ErrAnswerTimeout
	case <-ctx.Done():
		e.pending.cancel(key, ch)
		return "", ctx.Err()
	}
}

// runInlinePython handles the built-in /python command.
func (e *Engine) runInlinePython(ctx context.Context, sess *Session, chatID int64, code string) error {
	res, err := e.python.Run(ctx, code, nil)
	if err != nil {
		var pyErr *pybridge.Error
		if errors.As(err, &pyErr) {
			_, serr := sess.Client.SendMessage(ctx, chatID, fmt.Sprintf("%s: %s", pyErr.Type, pyErr.Message))
			return serr
		}
		if _, serr := sess.Client.SendMessage(ctx, chatID, err.Error()); serr != nil {
			return serr
		}
		return err
	}

	out := "done"
	if res != nil {
		raw, err := json.Marshal(res)
		if err == nil {
			out = string(raw)
		} else {
			out = fmt.Sprintf("%v", res)
		}
	}
	_, err = sess.Client.SendMessage(ctx, chatID, out)
	return err
}

// reportError tells the chat why the command failed. Script authors are
// the bot owners, so backtraces go to the chat like the errors do.
func (e *Engine) reportError(ctx context.Context, sess *Session, chatID int64, def *command.Definition, err error) {
	var (
		timeoutErr *sandbox.TimeoutError
		scriptErr  *sandbox.ScriptError
		text       string
	)
	switch {
	case errors.As(err, &timeoutErr):
		text = fmt.Sprintf("Command %s took longer than %v and was stopped.", def.DisplayName(), timeoutErr.After)
	case errors.As(err, &scriptErr):
		text = fmt.Sprintf("Command %s failed: %v", def.DisplayName(), scriptErr.Err)
		if scriptErr.Backtrace != "" {
			text += "\n\n" + scriptErr.Backtrace
		}
	default:
		text = fmt.Sprintf("Command %s failed: %v", def.DisplayName(), err)
	}

	if _, serr := sess.Client.SendMessage(ctx, chatID, text); serr != nil {
		e.slog.Warn("error report failed", slog.String("command", def.DisplayName()), slog.Any("err", serr))
	}
}

// EnvDoc renders the Markdown documentation of the script environment.
func (e *Engine) EnvDoc() string {
	caps := &sandbox.Capabilities{}
	return sandbox.Env(caps).Markdown()
}
