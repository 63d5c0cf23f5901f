// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package sandbox

import (
	"testing"

	"go.astrophena.name/base/testutil"

	"go.starlark.net/starlark"
)

func TestPlausibleChatID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		val  starlark.Value
		want bool
	}{
		{starlark.MakeInt(123456789), true},
		{starlark.MakeInt(10000), true},
		{starlark.MakeInt(9999), false},
		{starlark.MakeInt(5), false},
		{starlark.MakeInt(0), false},
		{starlark.MakeInt64(-1001234567890), true},
		{starlark.MakeInt(-5), false},
		{starlark.String("123456789"), true},
		{starlark.String("-1001234567890"), true},
		{starlark.String("@somechannel"), true},
		{starlark.String("@"), false},
		{starlark.String("hello"), false},
		{starlark.String("12abc"), false},
		{starlark.String(""), false},
		{starlark.String("-"), false},
		{starlark.Float(12345), false},
		{starlark.None, false},
	}
	for _, tc := range cases {
		if got := PlausibleChatID(tc.val); got != tc.want {
			t.Errorf("PlausibleChatID(%s) = %v, want %v", tc.val.String(), got, tc.want)
		}
	}

	testutil.AssertEqual(t, PlausibleChatID(starlark.True), false)
}
