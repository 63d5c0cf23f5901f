// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package command

import (
	"testing"

	"go.astrophena.name/base/testutil"
)

func TestMatches(t *testing.T) {
	t.Parallel()

	def := &Definition{Pattern: "/start, hello", IsActive: true}

	cases := map[string]struct {
		text string
		want bool
	}{
		"exact first pattern":       {"/start", true},
		"exact second pattern":      {"hello", true},
		"prefix with space":         {"/start now", true},
		"prefix without space":      {"/startnow", false},
		"substring elsewhere":       {"say /start", false},
		"second pattern with args":  {"hello world", true},
		"case sensitive":            {"Hello", false},
		"empty text":                {"", false},
		"pattern with extra commas": {"/start", true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			testutil.AssertEqual(t, def.Matches(tc.text), tc.want)
		})
	}
}

func TestArgs(t *testing.T) {
	t.Parallel()

	def := &Definition{Pattern: "/echo", IsActive: true}

	testutil.AssertEqual(t, def.Args("/echo"), "")
	testutil.AssertEqual(t, def.Args("/echo hello world"), "hello world")
	testutil.AssertEqual(t, def.Args("unrelated"), "")
}

func TestMatchOrder(t *testing.T) {
	t.Parallel()

	cmds := []Definition{
		{ID: "a", Pattern: "/go", IsActive: true},
		{ID: "b", Pattern: "/go", IsActive: true},
		{ID: "c", Pattern: "/stop", IsActive: true},
	}

	got := Match(cmds, "/go")
	if got == nil {
		t.Fatal("want a match, got none")
	}
	testutil.AssertEqual(t, got.ID, "a")
}

func TestMatchSkipsInactive(t *testing.T) {
	t.Parallel()

	cmds := []Definition{
		{ID: "a", Pattern: "/go", IsActive: false},
		{ID: "b", Pattern: "/go", IsActive: true},
	}

	got := Match(cmds, "/go")
	if got == nil {
		t.Fatal("want a match, got none")
	}
	testutil.AssertEqual(t, got.ID, "b")
}

func TestMatchNone(t *testing.T) {
	t.Parallel()

	cmds := []Definition{
		{ID: "a", Pattern: "/go", IsActive: true},
	}
	if got := Match(cmds, "/nope"); got != nil {
		t.Fatalf("want no match, got %q", got.ID)
	}
	if got := Match(nil, "/go"); got != nil {
		t.Fatalf("want no match on empty list, got %q", got.ID)
	}
}

func TestPatterns(t *testing.T) {
	t.Parallel()

	def := &Definition{Pattern: " /a ,, /b,  "}
	testutil.AssertEqual(t, def.Patterns(), []string{"/a", "/b"})
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	testutil.AssertEqual(t, (&Definition{Name: "greet", Pattern: "/hi"}).DisplayName(), "greet")
	testutil.AssertEqual(t, (&Definition{Pattern: "/hi, hello"}).DisplayName(), "/hi")
	testutil.AssertEqual(t, (&Definition{ID: "xyz"}).DisplayName(), "xyz")
}
