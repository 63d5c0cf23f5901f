// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package pybridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.astrophena.name/base/testutil"
)

func TestWrap(t *testing.T) {
	t.Parallel()

	got := Wrap("x = 1\nresult = x + 1")

	for _, want := range []string{
		"import json",
		"input = json.load(sys.stdin)",
		"    x = 1\n    result = x + 1\n",
		`locals().get("result")`,
		"except Exception as e:",
		"traceback.format_exc()",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("wrapped script does not contain %q:\n%s", want, got)
		}
	}
}

func TestParseResult(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		stdout string
		want   Result
		wantOK bool
	}{
		"success": {
			stdout: `{"success": true, "result": 4}`,
			want:   Result{Success: true, Result: float64(4)},
			wantOK: true,
		},
		"failure": {
			stdout: `{"success": false, "error": "division by zero", "type": "ZeroDivisionError"}`,
			want:   Result{ErrMessage: "division by zero", Type: "ZeroDivisionError"},
			wantOK: true,
		},
		"user prints before result": {
			stdout: "hello\nworld\n{\"success\": true, \"result\": \"ok\"}",
			want:   Result{Success: true, Result: "ok"},
			wantOK: true,
		},
		"json-looking print is skipped": {
			stdout: "{\"foo\": 1}\n{\"success\": true, \"result\": null}",
			want:   Result{Success: true},
			wantOK: true,
		},
		"no result line": {
			stdout: "just some output",
			wantOK: false,
		},
		"empty": {
			stdout: "",
			wantOK: false,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := ParseResult([]byte(tc.stdout))
			testutil.AssertEqual(t, ok, tc.wantOK)
			if ok {
				testutil.AssertEqual(t, got, tc.want)
			}
		})
	}
}

func TestInstallRejectsBadNames(t *testing.T) {
	t.Parallel()

	r := &Runner{}
	for _, name := range []string{
		"",
		"requests; rm -rf /",
		"foo bar",
		"-rf",
		"../evil",
	} {
		if err := r.Install(context.Background(), name); err == nil {
			t.Errorf("Install(%q): want error, got nil", name)
		}
	}
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		if _, err := exec.LookPath("python"); err != nil {
			t.Skip("no python interpreter in PATH")
		}
	}
}

func TestRun(t *testing.T) {
	t.Parallel()
	requirePython(t)

	r := &Runner{}
	res, err := r.Run(context.Background(), "result = 2 + 2", nil)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, res, float64(4))
}

func TestRunInput(t *testing.T) {
	t.Parallel()
	requirePython(t)

	r := &Runner{}
	res, err := r.Run(context.Background(), "result = input[\"n\"] * 2", map[string]any{"n": float64(21)})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, res, float64(42))
}

func TestRunException(t *testing.T) {
	t.Parallel()
	requirePython(t)

	r := &Runner{}
	_, err := r.Run(context.Background(), "result = 1 / 0", nil)
	if err == nil {
		t.Fatal("want error, got nil")
	}

	var pyErr *Error
	if !errors.As(err, &pyErr) {
		t.Fatalf("want *Error, got %T: %v", err, err)
	}
	testutil.AssertEqual(t, pyErr.Type, "ZeroDivisionError")
	if pyErr.Traceback == "" {
		t.Error("want a traceback, got none")
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	requirePython(t)

	r := &Runner{Timeout: 200 * time.Millisecond}
	start := time.Now()
	_, err := r.Run(context.Background(), "import time\ntime.sleep(30)", nil)
	if err == nil {
		t.Fatal("want timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("subprocess was not killed promptly, took %v", elapsed)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("want timeout error, got: %v", err)
	}
}

func TestRunTimeoutKillsSpawnedProcesses(t *testing.T) {
	t.Parallel()
	requirePython(t)

	// The snippet spawns a long-lived shell and then blocks. On timeout
	// the whole process group must die: the shell must not survive as an
	// orphan, and Run must not stay blocked on the stdout pipe the shell
	// inherited.
	pidFile := filepath.Join(t.TempDir(), "pid")
	code := fmt.Sprintf("import subprocess, time\nsubprocess.Popen([\"/bin/sh\", \"-c\", \"echo $$ > %s; sleep 60\"])\ntime.sleep(60)", pidFile)

	r := &Runner{Timeout: time.Second}
	start := time.Now()
	_, err := r.Run(context.Background(), code, nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("want timeout error, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Run stayed blocked for %v after the timeout", elapsed)
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("spawned process never started: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for syscall.Kill(pid, 0) == nil {
		if time.Now().After(deadline) {
			t.Fatalf("process %d is still alive after the timeout", pid)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRunUserPrints(t *testing.T) {
	t.Parallel()
	requirePython(t)

	r := &Runner{}
	res, err := r.Run(context.Background(), "print(\"debugging\")\nresult = \"done\"", nil)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, res, "done")
}
