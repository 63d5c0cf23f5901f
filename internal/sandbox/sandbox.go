// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package sandbox executes command scripts in a Starlark interpreter.
//
// A script can only reach the outside world through the capabilities it
// is given (see [Capabilities]): the chat transport, the answer prompt,
// the Python bridge and the data stores. This is a capability boundary,
// not a security one: scripts are trusted not to be malicious, the
// sandbox exists to keep their effects enumerable and cancelable.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.astrophena.name/botcraft/internal/transform"

	"go.starlark.net/starlark"
)

// DefaultTimeout caps script execution when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ScriptError is a script that failed: a syntax error, an uncaught
// Starlark error or a failed capability call.
type ScriptError struct {
	Err       error
	Backtrace string // Starlark backtrace, if any
}

func (e *ScriptError) Error() string { return e.Err.Error() }
func (e *ScriptError) Unwrap() error { return e.Err }

// TimeoutError is a script that was canceled for exceeding its time
// budget.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("script exceeded time budget of %v", e.After)
}

// Executor runs scripts.
type Executor struct {
	// Timeout caps a single execution. If zero, [DefaultTimeout] applies.
	Timeout time.Duration
	// Logger receives script print output. If nil, [slog.Default] is used.
	Logger *slog.Logger
}

const contextKey = "context"

// Context returns the context of this execution. Capability
// implementations use it to stay cancelable while blocked.
func Context(thread *starlark.Thread) context.Context {
	ctx, ok := thread.Local(contextKey).(context.Context)
	if !ok {
		return context.Background()
	}
	return ctx
}

// Execute runs an already transformed script under the given globals.
// The script is canceled when ctx is done or the time budget runs out,
// whichever comes first.
func (e *Executor) Execute(ctx context.Context, name, src string, env starlark.StringDict) error {
	timeout := e.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info("script print", slog.String("script", name), slog.String("msg", msg))
		},
	}
	thread.SetLocal(contextKey, ctx)

	// Interrupt the interpreter loop when the context goes away. Blocked
	// capability calls observe ctx themselves; this handles pure
	// computation in between.
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	_, err := starlark.ExecFileOptions(transform.FileOptions, thread, name+".star", src, env)
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{After: timeout}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return &ScriptError{Err: err, Backtrace: evalErr.Backtrace()}
	}
	return &ScriptError{Err: err}
}
