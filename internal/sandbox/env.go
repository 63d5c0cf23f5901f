// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.astrophena.name/botcraft/internal/pybridge"
	"go.astrophena.name/botcraft/internal/starconv"
	"go.astrophena.name/botcraft/internal/telegram"

	starlarkjson "go.starlark.net/lib/json"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxWait caps a single wait call so a script cannot park itself for
// longer than any sensible time budget.
const maxWait = 5 * time.Minute

// Transport sends chat API calls on behalf of a script.
// [go.astrophena.name/botcraft/internal/telegram.Client] implements it.
type Transport interface {
	Call(ctx context.Context, method string, args any) (json.RawMessage, error)
}

// DataStore is persistent key-value data scoped to a user or a bot.
type DataStore interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, val any) error
	Delete(ctx context.Context, key string) error
	Increment(ctx context.Context, key string, by int64) (int64, error)
	All(ctx context.Context) (map[string]any, error)
	Clear(ctx context.Context) error
}

// Invocation describes the update a script runs for.
type Invocation struct {
	BotName   string
	ChatID    int64
	MessageID int64
	From      *telegram.User
	Text      string // full message text
	Args      string // text with the matched pattern stripped
	Answer    string // the answer, when this is an answer handler run
	Update    *telegram.Update
	Test      bool // synthetic test invocation
}

// Capabilities is the closed set of effects a script may have.
type Capabilities struct {
	Invocation Invocation
	Transport  Transport
	// Ask delivers a question to the chat and blocks until the user
	// replies, the context is canceled or the wait times out.
	Ask func(ctx context.Context, question string) (string, error)
	// RunPython executes a Python snippet and returns its decoded result.
	RunPython func(ctx context.Context, code string, input any) (any, error)
	UserData  DataStore
	BotData   DataStore
}

// Environment is a collection of documented members of the script
// environment.
type Environment []Member

// Member defines a documented script environment member.
type Member struct {
	// Name is the name of the member.
	Name string
	// Doc is the documentation string for the member.
	Doc string
	// Value is the Starlark value. If Members is not nil, this should be nil,
	// as the value will be a module constructed from the members.
	Value starlark.Value
	// Members is a list of sub-members, used if this member is a module.
	Members []Member
}

// StringDict converts the Environment into a [starlark.StringDict] that
// can be used as the global environment of a script.
func (d Environment) StringDict() starlark.StringDict {
	dict := make(starlark.StringDict)
	for _, m := range d {
		var val starlark.Value
		if len(m.Members) > 0 {
			// This member is a module.
			val = &starlarkstruct.Module{
				Name:    m.Name,
				Members: Environment(m.Members).StringDict(),
			}
		} else {
			val = m.Value
		}
		dict[m.Name] = val
	}
	return dict
}

// Markdown generates a Markdown documentation string for the script
// environment.
func (d Environment) Markdown() string {
	var b strings.Builder
	b.WriteString("# Script Environment\n\n")
	b.WriteString("These built-in functions, values and modules are available to command scripts.\n\n")
	d.render(&b, 2, "")
	return strings.TrimSpace(b.String()) + "\n"
}

func (d Environment) render(b *strings.Builder, level int, prefix string) {
	for _, m := range d {
		b.WriteString(strings.Repeat("#", level))
		b.WriteString(" `")
		b.WriteString(prefix + m.Name)

		if _, ok := m.Value.(*starlark.Builtin); ok {
			b.WriteString("()")
		}
		b.WriteString("`\n\n")

		b.WriteString(strings.TrimSpace(m.Doc))
		b.WriteString("\n\n")

		if len(m.Members) > 0 {
			Environment(m.Members).render(b, level+1, prefix+m.Name+".")
		}
	}
}

// Env builds the documented environment for a single execution.
func Env(caps *Capabilities) Environment {
	bot := &botValue{caps: caps}
	user := &dataValue{name: "User", store: caps.UserData}

	var msg *telegram.Message
	if caps.Invocation.Update != nil {
		msg = caps.Invocation.Update.Msg()
	}
	message, err := starconv.To(msg)
	if err != nil {
		message = starlark.None
	}
	from, err := starconv.To(caps.Invocation.From)
	if err != nil {
		from = starlark.None
	}

	return Environment{
		{
			Name:  "API",
			Doc:   "Alias for `bot`.",
			Value: bot,
		},
		{
			Name:  "Api",
			Doc:   "Alias for `bot`.",
			Value: bot,
		},
		{
			Name:  "Bot",
			Doc:   "Alias for `bot`.",
			Value: bot,
		},
		{
			Name:  "BotData",
			Doc:   "Persistent key-value data shared by all users of the bot. Same methods as `User`.",
			Value: &dataValue{name: "BotData", store: caps.BotData},
		},
		{
			Name:  "User",
			Doc:   "Persistent key-value data of the current user: getData, saveData, deleteData, increment, getAllData, clearAll.",
			Value: user,
		},
		{
			Name:  "answer",
			Doc:   "The user's reply, when the script runs as an answer handler; empty otherwise.",
			Value: starlark.String(caps.Invocation.Answer),
		},
		{
			Name:  "args",
			Doc:   "The message text with the matched command pattern stripped.",
			Value: starlark.String(caps.Invocation.Args),
		},
		{
			Name: "ask",
			Doc: "Sends a question to the chat and waits for the user's reply, which is returned as a string. " +
				"Only one question can be pending per user; a newer one displaces the older.",
			Value: starlark.NewBuiltin("ask", caps.starlarkAsk),
		},
		{
			Name:  "await",
			Doc:   "Wraps a function so the call checks for cancellation. Inserted automatically around calls that may suspend.",
			Value: starlark.NewBuiltin("await", starlarkAwait),
		},
		{
			Name:  "bot",
			Doc:   "The chat API. Any API method can be called; chat_id is filled in from the current chat when omitted.",
			Value: bot,
		},
		{
			Name: "debug",
			Doc:  "A module containing debugging utilities.",
			Members: []Member{
				{
					Name:  "stack",
					Doc:   "Returns a string describing the current call stack.",
					Value: starlark.NewBuiltin("debug.stack", starlarkDebugStack),
				},
				{
					Name:  "go_stack",
					Doc:   "Returns a string describing the Go call stack.",
					Value: starlark.NewBuiltin("debug.go_stack", starlarkDebugGoStack),
				},
			},
		},
		{
			Name:  "delay",
			Doc:   "Alias for `wait`.",
			Value: starlark.NewBuiltin("delay", starlarkWait),
		},
		{
			Name:  "executePython",
			Doc:   "Alias for `runPython`.",
			Value: starlark.NewBuiltin("executePython", caps.starlarkRunPython),
		},
		{
			Name:  "fail",
			Doc:   "Terminates execution with a specified error message.",
			Value: starlark.NewBuiltin("fail", starlarkFail),
		},
		{
			Name:  "getChatId",
			Doc:   "Returns the ID of the current chat.",
			Value: starlark.NewBuiltin("getChatId", caps.starlarkGetChatID),
		},
		{
			Name:  "getMessage",
			Doc:   "Returns the incoming message as a dict.",
			Value: starlark.NewBuiltin("getMessage", constBuiltin("getMessage", message)),
		},
		{
			Name:  "getUser",
			Doc:   "Returns the sender of the incoming message as a dict.",
			Value: starlark.NewBuiltin("getUser", constBuiltin("getUser", from)),
		},
		{
			Name:  "json",
			Doc:   "A module for JSON encoding and decoding. See https://pkg.go.dev/go.starlark.net/lib/json#Module.",
			Value: starlarkjson.Module,
		},
		{
			Name:  "message",
			Doc:   "The incoming message as a dict.",
			Value: message,
		},
		{
			Name:  "module",
			Doc:   "Instantiates a module struct with the name from the specified keyword arguments.",
			Value: starlark.NewBuiltin("module", starlarkstruct.MakeModule),
		},
		{
			Name: "runPython",
			Doc: "Executes a Python snippet in a subprocess and returns a struct with fields " +
				"success, result, error, type and traceback. The optional input value is available " +
				"to the snippet as the `input` variable; the value bound to `result` comes back.",
			Value: starlark.NewBuiltin("runPython", caps.starlarkRunPython),
		},
		{
			Name:  "sleep",
			Doc:   "Alias for `wait`.",
			Value: starlark.NewBuiltin("sleep", starlarkWait),
		},
		{
			Name:  "struct",
			Doc:   "Instantiates an immutable struct from the specified keyword arguments.",
			Value: starlark.NewBuiltin("struct", starlarkstruct.Make),
		},
		{
			Name:  "time",
			Doc:   "A module for time-related functions. See https://pkg.go.dev/go.starlark.net/lib/time#Module.",
			Value: starlarktime.Module,
		},
		{
			Name:  "user",
			Doc:   "The sender of the incoming message as a dict.",
			Value: from,
		},
		{
			Name:  "wait",
			Doc:   "Pauses the script for the given number of seconds (capped at five minutes).",
			Value: starlark.NewBuiltin("wait", starlarkWait),
		},
		{
			Name:  "waitForAnswer",
			Doc:   "Alias for `ask`.",
			Value: starlark.NewBuiltin("waitForAnswer", caps.starlarkAsk),
		},
	}
}

func constBuiltin(name string, val starlark.Value) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) > 0 || len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected arguments", name)
		}
		return val, nil
	}
}

// await Starlark function.
func starlarkAwait(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) != 1 || len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: want exactly one positional argument", b.Name())
	}
	fn, ok := args[0].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: %s is not callable", b.Name(), args[0].Type())
	}
	return starlark.NewBuiltin("await", func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		ctx := Context(thread)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := starlark.Call(thread, fn, args, kwargs)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return v, nil
	}), nil
}

// wait Starlark function.
func starlarkWait(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seconds float64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "seconds", &seconds); err != nil {
		return nil, err
	}
	if seconds < 0 {
		return nil, fmt.Errorf("%s: negative duration", b.Name())
	}

	d := time.Duration(seconds * float64(time.Second))
	if d > maxWait {
		d = maxWait
	}

	ctx := Context(thread)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return starlark.None, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ask Starlark function.
func (caps *Capabilities) starlarkAsk(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var question string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "question?", &question); err != nil {
		return nil, err
	}
	if caps.Ask == nil {
		return nil, fmt.Errorf("%s: not available here", b.Name())
	}
	answer, err := caps.Ask(Context(thread), question)
	if err != nil {
		return nil, err
	}
	return starlark.String(answer), nil
}

// runPython Starlark function.
func (caps *Capabilities) starlarkRunPython(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		code  string
		input starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "code", &code, "input?", &input); err != nil {
		return nil, err
	}
	if caps.RunPython == nil {
		return nil, fmt.Errorf("%s: not available here", b.Name())
	}

	goInput, err := starconv.From(input)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}

	res, err := caps.RunPython(Context(thread), code, goInput)
	if err != nil {
		// Python exceptions come back as an inspectable struct, so
		// scripts can branch on failure without try/except.
		var pyErr *pybridge.Error
		if errors.As(err, &pyErr) {
			return pythonResult(starlark.StringDict{
				"success":   starlark.False,
				"error":     starlark.String(pyErr.Message),
				"type":      starlark.String(pyErr.Type),
				"traceback": starlark.String(pyErr.Traceback),
			}), nil
		}
		return nil, err
	}

	val, err := starconv.To(res)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", b.Name(), err)
	}
	return pythonResult(starlark.StringDict{
		"success": starlark.True,
		"result":  val,
	}), nil
}

func pythonResult(fields starlark.StringDict) starlark.Value {
	for _, name := range []string{"result", "error", "type", "traceback"} {
		if _, ok := fields[name]; !ok {
			fields[name] = starlark.None
		}
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, fields)
}

// getChatId Starlark function.
func (caps *Capabilities) starlarkGetChatID(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 || len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected arguments", b.Name())
	}
	return starlark.MakeInt64(caps.Invocation.ChatID), nil
}

// fail Starlark function.
func starlarkFail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var errStr string
	if err := starlark.UnpackArgs(
		b.Name(),
		args, kwargs,
		"err", &errStr,
	); err != nil {
		return nil, err
	}
	return nil, errors.New(errStr)
}

// debug.stack Starlark function.
func starlarkDebugStack(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 || len(kwargs) > 0 {
		return nil, errors.New("unexpected arguments")
	}
	return starlark.String(thread.CallStack().String()), nil
}

// debug.go_stack Starlark function.
func starlarkDebugGoStack(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 || len(kwargs) > 0 {
		return nil, errors.New("unexpected arguments")
	}
	return starlark.String(string(debug.Stack())), nil
}
