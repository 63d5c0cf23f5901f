// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package engine

import (
	"errors"
	"fmt"
)

// RoutingError is an update for which no active command matched.
type RoutingError struct {
	BotName string
	Text    string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no command of %s matches %q", e.BotName, e.Text)
}

// Answer wait outcomes.
var (
	// ErrAnswerDisplaced is returned to a waiting script when a newer
	// question takes over the user's pending answer slot.
	ErrAnswerDisplaced = errors.New("engine: answer wait displaced by a newer question")
	// ErrAnswerTimeout is returned to a waiting script when the user does
	// not reply in time.
	ErrAnswerTimeout = errors.New("engine: timed out waiting for an answer")
)
