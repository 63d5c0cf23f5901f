// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package engine

import (
	"sync"
	"time"

	"go.astrophena.name/botcraft/internal/command"
)

// pendingKey identifies the single answer slot a user has per bot.
type pendingKey struct {
	token  string
	userID int64
}

// pendingKind says what consumes the next message from the user.
type pendingKind int

const (
	// pendingAsk: a running script is blocked in ask and wants the text
	// on its channel.
	pendingAsk pendingKind = iota
	// pendingHandler: a script finished asking for an answer handler to
	// be run on the next message.
	pendingHandler
)

type answerResult struct {
	text string
	err  error
}

// pendingAnswer is an occupied answer slot.
type pendingAnswer struct {
	kind   pendingKind
	ch     chan answerResult   // pendingAsk; buffered, exactly one send
	cmd    *command.Definition // pendingHandler
	chatID int64
	timer  *time.Timer // pendingHandler expiry
}

// pendingTable tracks answer slots. Registration and consumption are
// atomic: the slot owner is whoever removes the entry from the map, so
// each waiter sees exactly one outcome.
type pendingTable struct {
	mu sync.Mutex
	m  map[pendingKey]*pendingAnswer
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[pendingKey]*pendingAnswer)}
}

// registerAsk occupies the slot for a blocked script. An existing
// occupant is rejected first: a blocked script gets
// [ErrAnswerDisplaced], a stored handler is dropped.
func (t *pendingTable) registerAsk(key pendingKey, chatID int64) chan answerResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.displaceLocked(key)
	ch := make(chan answerResult, 1)
	t.m[key] = &pendingAnswer{kind: pendingAsk, ch: ch, chatID: chatID}
	return ch
}

// registerHandler occupies the slot with a stored answer handler that
// expires after ttl.
func (t *pendingTable) registerHandler(key pendingKey, cmd *command.Definition, chatID int64, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.displaceLocked(key)
	p := &pendingAnswer{kind: pendingHandler, cmd: cmd, chatID: chatID}
	p.timer = time.AfterFunc(ttl, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.m[key] == p {
			delete(t.m, key)
		}
	})
	t.m[key] = p
}

func (t *pendingTable) displaceLocked(key pendingKey) {
	old, ok := t.m[key]
	if !ok {
		return
	}
	delete(t.m, key)
	switch old.kind {
	case pendingAsk:
		old.ch <- answerResult{err: ErrAnswerDisplaced}
	case pendingHandler:
		old.timer.Stop()
	}
}

// consume removes and returns the slot occupant, if any.
func (t *pendingTable) consume(key pendingKey) (*pendingAnswer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.m[key]
	if !ok {
		return nil, false
	}
	delete(t.m, key)
	if p.kind == pendingHandler {
		p.timer.Stop()
	}
	return p, true
}

// cancel removes the slot only if ch still occupies it. Used by a
// waiter that gives up (timeout or cancellation) to avoid consuming an
// answer meant for a successor.
func (t *pendingTable) cancel(key pendingKey, ch chan answerResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.m[key]; ok && p.ch == ch {
		delete(t.m, key)
	}
}
