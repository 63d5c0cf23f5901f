// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"go.astrophena.name/base/cli"
	"go.astrophena.name/base/syncx"
	"go.astrophena.name/base/web"

	"go.astrophena.name/botcraft/internal/api"
	"go.astrophena.name/botcraft/internal/config"
	"go.astrophena.name/botcraft/internal/engine"
	"go.astrophena.name/botcraft/internal/pybridge"
	"go.astrophena.name/botcraft/internal/store"
)

func main() { cli.Main(new(app)) }

type app struct {
	init syncx.Lazy[error] // main initialization

	// initialized by doInit
	cfg    *config.Config
	db     *store.Store
	eng    *engine.Engine
	httpc  *http.Client
	mux    *http.ServeMux
	python *pybridge.Runner
	slog   *slog.Logger
	srv    *web.Server

	// configuration, read-only after initialization
	configPath string
	prod       bool
	stderr     io.Writer

	// for tests
	noServerStart bool
	ready         func() // see web.Server.Ready
}

func (a *app) Flags(fs *flag.FlagSet) {
	fs.StringVar(&a.configPath, "config", "botcraft.yaml", "Path to the configuration file.")
	fs.BoolVar(&a.prod, "prod", false, "Run in production mode (JSON logs, webhook registration).")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)
	a.stderr = env.Stderr

	// A .env file in the working directory feeds the BOTCRAFT_*
	// overrides; missing is fine.
	godotenv.Load()

	if err := a.init.Get(func() error {
		return a.doInit(ctx)
	}); err != nil {
		return err
	}

	// Used in tests.
	if a.noServerStart {
		return nil
	}

	if err := a.eng.InitAll(ctx); err != nil {
		return err
	}

	err := a.srv.ListenAndServe(ctx)
	// Let in-flight dispatches finish before tearing down.
	a.eng.Wait()
	return err
}

func (a *app) doInit(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.stderr == nil {
		a.stderr = os.Stderr
	}
	a.slog = a.newLogger()
	slog.SetDefault(a.slog)

	if a.httpc == nil {
		a.httpc = &http.Client{Timeout: 60 * time.Second}
	}

	a.db, err = store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}

	a.python = &pybridge.Runner{
		Python:  cfg.Python.Interpreter,
		Pip:     cfg.Python.Pip,
		Timeout: cfg.Python.Timeout,
	}

	host := cfg.Host
	if !a.prod {
		// Development runs poll nothing and register nothing.
		host = ""
	}
	a.eng = engine.New(engine.Config{
		Store:         a.db,
		Python:        a.python,
		HTTPClient:    a.httpc,
		Logger:        a.slog,
		Host:          host,
		WebhookSecret: cfg.WebhookSecret,
		ScriptTimeout: cfg.ScriptTimeout,
		AskTimeout:    cfg.AskTimeout,
		DataTTL:       cfg.DataTTL,
		BaseContext:   ctx,
	})

	a.initRoutes()
	a.srv = &web.Server{
		Addr:  cfg.Addr,
		Mux:   a.mux,
		Ready: a.ready,
	}

	return nil
}

func (a *app) initRoutes() {
	a.mux = http.NewServeMux()

	a.mux.HandleFunc("POST /webhook/{token}", a.eng.HandleWebhook)

	h := &api.Handler{
		Engine:     a.eng,
		Store:      a.db,
		Python:     a.python,
		Logger:     a.slog,
		AdminToken: a.cfg.AdminToken,
	}
	a.mux.Handle("/api/", http.StripPrefix("/api", h.Router()))

	web.Health(a.mux)
}

func (a *app) newLogger() *slog.Logger {
	var w io.Writer = a.stderr
	if a.cfg.Log.File != "" {
		w = io.MultiWriter(a.stderr, &lumberjack.Logger{
			Filename:   a.cfg.Log.File,
			MaxSize:    cmp.Or(a.cfg.Log.MaxSizeMB, 100),
			MaxBackups: a.cfg.Log.MaxBackups,
			Compress:   true,
		})
	}

	// Never log bot tokens. The webhook path contains them.
	scrub := func(groups []string, attr slog.Attr) slog.Attr {
		if a.cfg.AdminToken != "" && attr.Value.Kind() == slog.KindString {
			if s := attr.Value.String(); strings.Contains(s, a.cfg.AdminToken) {
				attr.Value = slog.StringValue(strings.ReplaceAll(s, a.cfg.AdminToken, "[EXPUNGED]"))
			}
		}
		return attr
	}

	opts := &slog.HandlerOptions{ReplaceAttr: scrub}
	if a.prod {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
