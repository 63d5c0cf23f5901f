// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package pybridge executes Python snippets in a subprocess.
//
// Each snippet is wrapped into a harness that captures the value bound
// to the result variable (or the last printed line) and reports the
// outcome as a single JSON object on stdout:
//
//	{"success": true, "result": ...}
//	{"success": false, "error": "...", "type": "...", "traceback": "..."}
//
// The subprocess gets the optional input value as JSON on stdin and is
// killed when it outlives the configured timeout.
package pybridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.astrophena.name/base/syncx"
)

// DefaultTimeout caps script execution when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// installTimeout caps pip installs, which legitimately take longer than
// script runs.
const installTimeout = 5 * time.Minute

// ErrNoInterpreter is returned when no Python interpreter can be found
// in PATH and none was configured.
var ErrNoInterpreter = errors.New("pybridge: no python interpreter found")

// Error is a Python exception propagated from the subprocess.
type Error struct {
	Type      string // exception class name, e.g. ZeroDivisionError
	Message   string
	Traceback string
}

func (e *Error) Error() string {
	return fmt.Sprintf("python: %s: %s", e.Type, e.Message)
}

// Runner runs Python snippets.
type Runner struct {
	// Python is the interpreter to use. If empty, python3 and python are
	// tried in order.
	Python string
	// Pip is the pip executable for [Runner.Install]. If empty, pip3 and
	// pip are tried in order.
	Pip string
	// Timeout caps a single run. If zero, [DefaultTimeout] applies.
	Timeout time.Duration

	interp syncx.Lazy[string]
}

// Available reports whether an interpreter can be found.
func (r *Runner) Available() bool { return r.interpreter() != "" }

func (r *Runner) interpreter() string {
	return r.interp.Get(func() string {
		candidates := []string{"python3", "python"}
		if r.Python != "" {
			candidates = []string{r.Python}
		}
		for _, c := range candidates {
			if path, err := exec.LookPath(c); err == nil {
				return path
			}
		}
		return ""
	})
}

// Run executes code and returns the decoded result value. The input
// value, if not nil, is available to the snippet as the input variable.
func (r *Runner) Run(ctx context.Context, code string, input any) (any, error) {
	interp := r.interpreter()
	if interp == "" {
		return nil, ErrNoInterpreter
	}

	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script, err := os.CreateTemp("", "pybridge-*.py")
	if err != nil {
		return nil, err
	}
	defer os.Remove(script.Name())

	if _, err := script.WriteString(Wrap(code)); err != nil {
		script.Close()
		return nil, err
	}
	if err := script.Close(); err != nil {
		return nil, err
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("pybridge: encoding input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, interp, script.Name())
	cmd.Stdin = bytes.NewReader(inputJSON)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	killGroupOnCancel(cmd)

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("pybridge: execution timed out after %v", timeout)
	}

	res, ok := ParseResult(stdout.Bytes())
	if !ok {
		if runErr != nil {
			return nil, fmt.Errorf("pybridge: %v: %s", runErr, strings.TrimSpace(stderr.String()))
		}
		// The harness always prints a result line; if it is missing the
		// interpreter produced something unexpected. Fall back to raw
		// stdout so the caller still sees it.
		return strings.TrimSpace(stdout.String()), nil
	}

	if !res.Success {
		return nil, &Error{Type: res.Type, Message: res.ErrMessage, Traceback: res.Traceback}
	}
	return res.Result, nil
}

var libNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Install installs a library with pip.
func (r *Runner) Install(ctx context.Context, name string) error {
	if !libNameRe.MatchString(name) {
		return fmt.Errorf("pybridge: invalid library name %q", name)
	}

	candidates := []string{"pip3", "pip"}
	if r.Pip != "" {
		candidates = []string{r.Pip}
	}
	var pip string
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			pip = path
			break
		}
	}
	if pip == "" {
		return errors.New("pybridge: pip not found")
	}

	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, pip, "install", "--no-input", name)
	cmd.Stdout = &out
	cmd.Stderr = &out
	killGroupOnCancel(cmd)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pybridge: pip install %s: %v: %s", name, err, strings.TrimSpace(out.String()))
	}
	return nil
}

// killGroupOnCancel puts cmd in its own process group and kills the
// whole group when the context is canceled. Without it only the direct
// child dies on timeout: anything it spawned survives and keeps the
// stdout pipe open, leaving Wait blocked long past the deadline.
func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
}

// Wrap builds the harness script around user code.
func Wrap(code string) string {
	var sb strings.Builder
	sb.WriteString(`import json
import sys
import traceback

input = json.load(sys.stdin)

try:
`)
	for line := range strings.Lines(code) {
		sb.WriteString("    ")
		sb.WriteString(line)
	}
	if !strings.HasSuffix(code, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString(`    print(json.dumps({"success": True, "result": locals().get("result")}, default=str))
except Exception as e:
    print(json.dumps({
        "success": False,
        "error": str(e),
        "type": type(e).__name__,
        "traceback": traceback.format_exc(),
    }))
`)
	return sb.String()
}

// Result is the decoded harness output.
type Result struct {
	Success    bool   `json:"success"`
	Result     any    `json:"result"`
	ErrMessage string `json:"error"`
	Type       string `json:"type"`
	Traceback  string `json:"traceback"`
}

// ParseResult extracts the harness result from subprocess stdout. User
// code may print freely, so the result is the last line that decodes as
// a harness object.
func ParseResult(stdout []byte) (Result, bool) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if _, ok := probe["success"]; !ok {
			continue
		}
		var res Result
		if err := json.Unmarshal(line, &res); err != nil {
			continue
		}
		return res, true
	}
	return Result{}, false
}
