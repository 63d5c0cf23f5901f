// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package transform

import (
	"testing"

	"go.astrophena.name/base/testutil"
)

func TestStructural(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		src  string
		want string
	}{
		"bare suspending call": {
			src:  `wait(5)`,
			want: `await(wait)(5)`,
		},
		"transport method": {
			src:  `bot.sendMessage("hi")`,
			want: `await(bot.sendMessage)("hi")`,
		},
		"data method": {
			src:  `User.getData("count")`,
			want: `await(User.getData)("count")`,
		},
		"receiver alias": {
			src:  `API.sendPhoto("id")`,
			want: `await(API.sendPhoto)("id")`,
		},
		"unknown function untouched": {
			src:  `foo(5)`,
			want: `foo(5)`,
		},
		"unknown receiver untouched": {
			src:  `robot.sendMessage("hi")`,
			want: `robot.sendMessage("hi")`,
		},
		"unknown method untouched": {
			src:  `bot.frobnicate("hi")`,
			want: `bot.frobnicate("hi")`,
		},
		"string literal untouched": {
			src:  `print("wait(5)")`,
			want: `print("wait(5)")`,
		},
		"nested in expression": {
			src:  `x = len(runPython("1+1"))`,
			want: `x = len(await(runPython)("1+1"))`,
		},
		"multiple per line": {
			src:  `bot.send(ask("a"))`,
			want: `await(bot.send)(await(ask)("a"))`,
		},
		"multiline": {
			src:  "wait(1)\nanswer = ask(\"what?\")\nbot.reply(answer)\n",
			want: "await(wait)(1)\nanswer = await(ask)(\"what?\")\nawait(bot.reply)(answer)\n",
		},
		"inside function body": {
			src:  "def f():\n    sleep(2)\nf()\n",
			want: "def f():\n    await(sleep)(2)\nf()\n",
		},
		"already gateway form": {
			src:  `await(wait)(5)`,
			want: `await(wait)(5)`,
		},
		"cyrillic before call": {
			src:  `x = {"ключ": 1}; wait(1)`,
			want: `x = {"ключ": 1}; await(wait)(1)`,
		},
		"cyrillic between nested calls": {
			src:  `User.saveData("имя", ask("как тебя зовут?"))`,
			want: `await(User.saveData)("имя", await(ask)("как тебя зовут?"))`,
		},
		"emoji before call": {
			src:  `x = "🚀🚀"; bot.sendMessage(x)`,
			want: `x = "🚀🚀"; await(bot.sendMessage)(x)`,
		},
		"explicit await wrap": {
			src:  `await(wait(5))`,
			want: `await(wait(5))`,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := Transform(tc.src)
			if !got.Structural {
				t.Fatal("want structural transform, got fallback")
			}
			testutil.AssertEqual(t, got.Source, tc.want)
		})
	}
}

func TestStructuralIdempotent(t *testing.T) {
	t.Parallel()

	src := "wait(1)\nbot.sendMessage(\"привет\")\nBotData.increment(\"runs\")\n"
	once := Transform(src)
	twice := Transform(once.Source)
	testutil.AssertEqual(t, twice.Source, once.Source)
}

func TestFallback(t *testing.T) {
	t.Parallel()

	// Unparseable scripts still get their suspending calls marked; the
	// syntax error itself is left for the executor to report.
	cases := map[string]struct {
		src  string
		want string
	}{
		"bare call": {
			src:  "def broken(:\nwait(5)\n",
			want: "def broken(:\nawait(wait)(5)\n",
		},
		"member call": {
			src:  "def broken(:\nbot.sendMessage(\"hi\")\n",
			want: "def broken(:\nawait(bot.sendMessage)(\"hi\")\n",
		},
		"data receiver longest match": {
			src:  "def broken(:\nBotData.getData(\"k\")\n",
			want: "def broken(:\nawait(BotData.getData)(\"k\")\n",
		},
		"already marked": {
			src:  "def broken(:\nawait(wait)(5)\n",
			want: "def broken(:\nawait(wait)(5)\n",
		},
		"unknown name untouched": {
			src:  "def broken(:\nfoo(5)\n",
			want: "def broken(:\nfoo(5)\n",
		},
		"dotted receiver untouched": {
			src:  "def broken(:\nfoo.sleep(3)\n",
			want: "def broken(:\nfoo.sleep(3)\n",
		},
		"chained receiver untouched": {
			src:  "def broken(:\nx.bot.send(\"hi\")\nx.User.getData(\"k\")\n",
			want: "def broken(:\nx.bot.send(\"hi\")\nx.User.getData(\"k\")\n",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := Transform(tc.src)
			if got.Structural {
				t.Fatal("want fallback transform, got structural")
			}
			testutil.AssertEqual(t, got.Source, tc.want)
		})
	}
}

func TestFallbackIdempotent(t *testing.T) {
	t.Parallel()

	src := "def broken(:\nwait(1)\nbot.send(\"x\")\nUser.saveData(\"k\", 1)\n"
	once := textual(src)
	twice := textual(once)
	testutil.AssertEqual(t, twice, once)
}

func TestFallbackSpacing(t *testing.T) {
	t.Parallel()

	// Whitespace between the name and the opening paren collapses into
	// the canonical gateway form.
	got := textual("def broken(:\nwait  (5)\n")
	testutil.AssertEqual(t, got, "def broken(:\nawait(wait)(5)\n")
}

func TestCache(t *testing.T) {
	t.Parallel()

	var c Cache
	src := `bot.sendMessage("hi")`
	first := c.Transform(src)
	second := c.Transform(src)
	testutil.AssertEqual(t, first, second)
	testutil.AssertEqual(t, first.Source, `await(bot.sendMessage)("hi")`)
}
