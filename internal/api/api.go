// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package api implements the management API: bot registration, command
// CRUD, test runs and Python library installs.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"go.astrophena.name/base/web"

	"go.astrophena.name/botcraft/internal/command"
	"go.astrophena.name/botcraft/internal/engine"
	"go.astrophena.name/botcraft/internal/pybridge"
	"go.astrophena.name/botcraft/internal/store"
)

// Handler serves the management API.
type Handler struct {
	Engine *engine.Engine
	Store  *store.Store
	Python *pybridge.Runner
	Logger *slog.Logger

	// AdminToken is the bearer token every request must carry.
	AdminToken string
}

// Router builds the API router. It is mounted under /api/.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.auth)

	r.Get("/status", h.status)
	r.Get("/environment", h.environment)

	r.Route("/bots", func(r chi.Router) {
		r.Get("/", h.listBots)
		r.Post("/", h.createBot)
		r.Route("/{token}", func(r chi.Router) {
			r.Delete("/", h.deleteBot)
			r.Post("/reload", h.reloadBot)
			r.Get("/commands", h.listCommands)
			r.Post("/commands", h.createCommand)
		})
	})

	r.Route("/commands/{id}", func(r chi.Router) {
		r.Get("/", h.getCommand)
		r.Put("/", h.updateCommand)
		r.Delete("/", h.deleteCommand)
		r.Post("/toggle", h.toggleCommand)
		r.Post("/test", h.testCommand)
	})

	r.Post("/python/install", h.installPython)

	return r
}

func (h *Handler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminToken)) != 1 {
			web.RespondJSONError(w, r, web.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		err = web.ErrNotFound
	}
	web.RespondJSONError(w, r, err)
}

func decode[T any](r *http.Request) (*T, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", web.ErrBadRequest, err)
	}
	return &v, nil
}

// Status and docs.

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	bots, err := h.Store.ListActiveBots(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	web.RespondJSON(w, map[string]any{
		"bots":             len(bots),
		"python_available": h.Python.Available(),
	})
}

func (h *Handler) environment(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	fmt.Fprint(w, h.Engine.EnvDoc())
}

// Bots.

func (h *Handler) listBots(w http.ResponseWriter, r *http.Request) {
	bots, err := h.Store.ListActiveBots(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if bots == nil {
		bots = []command.Bot{}
	}
	web.RespondJSON(w, bots)
}

func (h *Handler) createBot(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		Token string `json:"token"`
		Name  string `json:"name"`
	}](r)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if req.Token == "" {
		h.respondErr(w, r, fmt.Errorf("%w: token is required", web.ErrBadRequest))
		return
	}

	bot, err := h.Engine.RegisterBot(r.Context(), req.Token, req.Name)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	web.RespondJSON(w, bot)
}

func (h *Handler) deleteBot(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.RemoveBot(r.Context(), chi.URLParam(r, "token")); err != nil {
		h.respondErr(w, r, err)
		return
	}
	web.RespondJSON(w, okResponse)
}

func (h *Handler) reloadBot(w http.ResponseWriter, r *http.Request) {
	h.Engine.InvalidateCommands(chi.URLParam(r, "token"))
	web.RespondJSON(w, okResponse)
}

var okResponse = map[string]string{"status": "ok"}

// Commands.

func (h *Handler) listCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := h.Store.ListCommands(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if cmds == nil {
		cmds = []command.Definition{}
	}
	web.RespondJSON(w, cmds)
}

func (h *Handler) createCommand(w http.ResponseWriter, r *http.Request) {
	def, err := decode[command.Definition](r)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	def.BotToken = chi.URLParam(r, "token")
	if def.Pattern == "" || def.Code == "" {
		h.respondErr(w, r, fmt.Errorf("%w: pattern and code are required", web.ErrBadRequest))
		return
	}
	def.IsActive = true

	if _, err := h.Store.GetBot(r.Context(), def.BotToken); err != nil {
		h.respondErr(w, r, err)
		return
	}
	if err := h.Store.CreateCommand(r.Context(), def); err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.Engine.InvalidateCommands(def.BotToken)
	web.RespondJSON(w, def)
}

func (h *Handler) getCommand(w http.ResponseWriter, r *http.Request) {
	def, err := h.Store.GetCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	web.RespondJSON(w, def)
}

func (h *Handler) updateCommand(w http.ResponseWriter, r *http.Request) {
	cur, err := h.Store.GetCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	req, err := decode[command.Definition](r)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	req.ID = cur.ID
	req.BotToken = cur.BotToken
	req.CreatedAt = cur.CreatedAt

	if err := h.Store.UpdateCommand(r.Context(), req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.Engine.InvalidateCommands(cur.BotToken)
	web.RespondJSON(w, req)
}

func (h *Handler) deleteCommand(w http.ResponseWriter, r *http.Request) {
	def, err := h.Store.GetCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if err := h.Store.DeleteCommand(r.Context(), def.ID); err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.Engine.InvalidateCommands(def.BotToken)
	web.RespondJSON(w, okResponse)
}

func (h *Handler) toggleCommand(w http.ResponseWriter, r *http.Request) {
	def, err := h.Store.GetCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	def.IsActive = !def.IsActive
	if err := h.Store.UpdateCommand(r.Context(), def); err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.Engine.InvalidateCommands(def.BotToken)
	web.RespondJSON(w, def)
}

func (h *Handler) testCommand(w http.ResponseWriter, r *http.Request) {
	def, err := h.Store.GetCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	req, err := decode[struct {
		Text   string `json:"text"`
		ChatID int64  `json:"chat_id"`
		UserID int64  `json:"user_id"`
	}](r)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	calls, runErr := h.Engine.TestRun(r.Context(), def, req.Text, req.ChatID, req.UserID)
	if calls == nil {
		calls = []engine.CapturedCall{}
	}
	res := map[string]any{"calls": calls}
	if runErr != nil {
		res["error"] = runErr.Error()
	}
	web.RespondJSON(w, res)
}

// Python.

func (h *Handler) installPython(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		Library string `json:"library"`
	}](r)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if req.Library == "" {
		h.respondErr(w, r, fmt.Errorf("%w: library is required", web.ErrBadRequest))
		return
	}
	if err := h.Python.Install(r.Context(), req.Library); err != nil {
		h.respondErr(w, r, err)
		return
	}
	web.RespondJSON(w, okResponse)
}
