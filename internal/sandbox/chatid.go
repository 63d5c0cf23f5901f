// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package sandbox

import (
	"strings"

	"go.starlark.net/starlark"
)

// PlausibleChatID reports whether v looks like a chat reference rather
// than message content. Telegram chat IDs are large integers (group and
// channel IDs are large and negative), so small integers are treated as
// content. Strings qualify when they are a whole decimal number or a
// public @username.
func PlausibleChatID(v starlark.Value) bool {
	switch v := v.(type) {
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return true // does not fit in int64, certainly not content
		}
		if i < 0 {
			i = -i
		}
		return i >= 10000
	case starlark.String:
		s := string(v)
		if strings.HasPrefix(s, "@") {
			return len(s) > 1
		}
		s = strings.TrimPrefix(s, "-")
		if s == "" {
			return false
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}
	return false
}
