// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package transform rewrites command scripts so that calls to suspending
// capabilities go through the await gateway.
//
// Scripts are authored without explicit suspend points. Before execution
// the engine rewrites every call to a known suspending capability,
//
//	bot.sendMessage("hi")
//
// into the gateway form
//
//	await(bot.sendMessage)("hi")
//
// which is still valid Starlark: await takes the capability and returns a
// wrapper that checks the invocation for cancellation around the call.
//
// The preferred path parses the script and splices the gateway around the
// callee of every matching call expression, preserving line numbers. When
// parsing fails the textual fallback applies the same rewrite with regular
// expressions; it is less precise (it can over-match inside string
// literals) but never fails. Both paths are idempotent: an already marked
// call is left alone.
package transform

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"go.astrophena.name/base/syncx"

	"go.starlark.net/syntax"
)

// FileOptions are the Starlark dialect options used for command scripts,
// both here and by the executor. Command scripts are imperative snippets,
// so the restrictions meant for Bazel-style config files are lifted.
var FileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Script is a transformed command script.
type Script struct {
	// Source is the rewritten script source.
	Source string
	// Structural reports whether the structural rewrite succeeded. When
	// false, the textual fallback produced Source.
	Structural bool
}

// Suspending capability names. A call is marked when its callee is a bare
// identifier from suspendingGlobals, or a member access whose receiver and
// member name appear in the tables below.
var (
	suspendingGlobals = set(
		"wait", "delay", "sleep",
		"ask", "waitForAnswer",
		"runPython", "executePython",
	)

	dataReceivers = set("User", "Bot", "BotData")
	dataMethods   = set(
		"getData", "saveData", "deleteData",
		"increment", "getAllData", "clearAll",
	)

	transportReceivers = set("bot", "Bot", "api", "Api", "API")
	transportMethods   = set(
		"send", "reply",
		"sendMessage", "sendPhoto", "sendDocument", "sendVideo", "sendAudio",
		"sendVoice", "sendLocation", "sendContact", "sendSticker", "sendVenue",
		"sendPoll", "sendDice", "sendChatAction", "sendMediaGroup", "sendInvoice",
		"forwardMessage", "copyMessage", "editMessageText", "editMessageCaption",
		"editMessageMedia", "editMessageReplyMarkup", "deleteMessage",
		"deleteMessages", "getChat", "getChatAdministrators", "getChatMemberCount",
		"getChatMember", "banChatMember", "unbanChatMember", "restrictChatMember",
		"promoteChatMember", "setChatPermissions", "exportChatInviteLink",
		"createChatInviteLink", "editChatInviteLink", "revokeChatInviteLink",
		"setChatPhoto", "deleteChatPhoto", "setChatTitle", "setChatDescription",
		"pinChatMessage", "unpinChatMessage", "unpinAllChatMessages", "leaveChat",
		"getFile", "getMe", "getUserProfilePhotos", "answerCallbackQuery",
		"answerInlineQuery", "setMyCommands", "getMyCommands", "deleteMyCommands",
		"call",
	)
)

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Transform rewrites src, marking suspending capability calls. It never
// fails: if src cannot be parsed, the textual fallback is used and any
// syntax error is left for the executor to report.
func Transform(src string) Script {
	if out, err := structural(src); err == nil {
		return Script{Source: out, Structural: true}
	}
	return Script{Source: textual(src)}
}

// Structural path.

func structural(src string) (string, error) {
	f, err := FileOptions.Parse("script.star", src, 0)
	if err != nil {
		return "", err
	}

	type edit struct {
		off  int
		text string
	}
	var edits []edit

	offsets := lineOffsets(src)
	// Col counts runes, not bytes, so multi-byte characters earlier on
	// the line have to be stepped over to find the byte offset.
	pos := func(p syntax.Position) int {
		off := offsets[p.Line-1]
		for col := int32(1); col < p.Col; col++ {
			_, size := utf8.DecodeRuneInString(src[off:])
			off += size
		}
		return off
	}

	syntax.Walk(f, func(n syntax.Node) bool {
		call, ok := n.(*syntax.CallExpr)
		if !ok {
			return true
		}
		// An explicit await(...) call: whatever is inside is already
		// behind the gateway, leave the subtree alone.
		if isAwaitIdent(call.Fn) {
			return false
		}
		if alreadyMarked(call) || !shouldSuspend(call.Fn) {
			return true
		}
		start, end := call.Fn.Span()
		edits = append(edits, edit{pos(start), "await("}, edit{pos(end), ")"})
		return true
	})

	if len(edits) == 0 {
		return src, nil
	}

	// Apply insertions back to front so earlier offsets stay valid.
	sort.Slice(edits, func(i, j int) bool { return edits[i].off > edits[j].off })
	out := src
	for _, e := range edits {
		out = out[:e.off] + e.text + out[e.off:]
	}
	return out, nil
}

// alreadyMarked reports whether call is the gateway form await(fn)(...).
func alreadyMarked(call *syntax.CallExpr) bool {
	inner, ok := call.Fn.(*syntax.CallExpr)
	return ok && isAwaitIdent(inner.Fn)
}

func isAwaitIdent(e syntax.Expr) bool {
	id, ok := e.(*syntax.Ident)
	return ok && id.Name == "await"
}

func shouldSuspend(fn syntax.Expr) bool {
	switch fn := fn.(type) {
	case *syntax.Ident:
		return suspendingGlobals[fn.Name]
	case *syntax.DotExpr:
		recv, ok := fn.X.(*syntax.Ident)
		if !ok {
			return false
		}
		if dataReceivers[recv.Name] && dataMethods[fn.Name.Name] {
			return true
		}
		return transportReceivers[recv.Name] && transportMethods[fn.Name.Name]
	}
	return false
}

func lineOffsets(src string) []int {
	offsets := []int{0}
	for i, r := range src {
		if r == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// Textual fallback.
//
// The optional await( prefix group detects calls that are already behind
// the gateway (either form) and leaves them untouched, which keeps the
// fallback idempotent.
var (
	bareCallRe = regexp.MustCompile(
		`(await\()?\b(` + alternatives(suspendingGlobals) + `)\s*\(`)
	memberCallRe = regexp.MustCompile(
		`(await\()?\b(` + alternatives(transportReceivers) + `)\.(` + alternatives(transportMethods) + `)\s*\(`)
	dataCallRe = regexp.MustCompile(
		`(await\()?\b(` + alternatives(dataReceivers) + `)\.(` + alternatives(dataMethods) + `)\s*\(`)
)

func alternatives(m map[string]bool) string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, regexp.QuoteMeta(n))
	}
	// Longest first, so e.g. BotData wins over Bot.
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return strings.Join(names, "|")
}

func textual(src string) string {
	src = replaceCalls(src, dataCallRe, true)
	src = replaceCalls(src, memberCallRe, true)
	src = replaceCalls(src, bareCallRe, false)
	return src
}

func replaceCalls(src string, re *regexp.Regexp, member bool) string {
	var sb strings.Builder
	last := 0
	for _, m := range re.FindAllStringSubmatchIndex(src, -1) {
		// m[2] >= 0: the await( prefix group matched, the call is
		// already behind the gateway.
		if m[2] >= 0 {
			continue
		}
		// A dotted receiver like foo.sleep(...) is a method on some
		// other object, not the capability.
		if m[0] > 0 && src[m[0]-1] == '.' {
			continue
		}
		sb.WriteString(src[last:m[0]])
		if member {
			sb.WriteString("await(" + src[m[4]:m[5]] + "." + src[m[6]:m[7]] + ")(")
		} else {
			sb.WriteString("await(" + src[m[4]:m[5]] + ")(")
		}
		last = m[1]
	}
	sb.WriteString(src[last:])
	return sb.String()
}

// Cache memoizes transforms by source hash. The zero value is ready to use.
type Cache struct {
	m syncx.Map[string, Script]
}

// Transform returns the cached transform of src, computing it on first use.
func (c *Cache) Transform(src string) Script {
	key := fmt.Sprintf("%x", sha256.Sum256([]byte(src)))
	if s, ok := c.m.Load(key); ok {
		return s
	}
	s := Transform(src)
	c.m.Store(key, s)
	return s
}
