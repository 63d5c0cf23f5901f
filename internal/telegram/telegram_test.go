// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/base/testutil"
	"go.astrophena.name/base/web"
)

const testToken = "123:test"

func TestCall(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST api.telegram.org/{token}/{method}", func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, strings.TrimPrefix(r.PathValue("token"), "bot"), testToken)
		testutil.AssertEqual(t, r.PathValue("method"), "sendMessage")
		web.RespondJSON(w, map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 7},
		})
	})

	c := New(Config{Token: testToken, HTTPClient: testutil.MockHTTPClient(mux)})
	res, err := c.Call(context.Background(), "sendMessage", map[string]any{"chat_id": 1, "text": "hi"})
	if err != nil {
		t.Fatal(err)
	}

	var msg Message
	if err := json.Unmarshal(res, &msg); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, msg.ID, int64(7))
}

func TestCallAPIError(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST api.telegram.org/{token}/{method}", func(w http.ResponseWriter, r *http.Request) {
		web.RespondJSON(w, map[string]any{
			"ok":          false,
			"error_code":  400,
			"description": "Bad Request: chat not found",
		})
	})

	c := New(Config{Token: testToken, HTTPClient: testutil.MockHTTPClient(mux)})
	_, err := c.Call(context.Background(), "sendMessage", nil)
	if err == nil {
		t.Fatal("want error, got nil")
	}
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("want *Error, got %T", err)
	}
	testutil.AssertEqual(t, apiErr.Code, 400)
	testutil.AssertEqual(t, apiErr.Method, "sendMessage")
}

func TestCallRetriesRateLimit(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		tries int
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST api.telegram.org/{token}/{method}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		tries++
		if tries < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"ok":         false,
				"parameters": map[string]any{"retry_after": 1},
			})
			return
		}
		web.RespondJSON(w, map[string]any{"ok": true, "result": true})
	})

	c := New(Config{Token: testToken, HTTPClient: testutil.MockHTTPClient(mux)})
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return true
	}

	if _, err := c.Call(context.Background(), "sendMessage", nil); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tries, 3)
	testutil.AssertEqual(t, slept, []time.Duration{time.Second, time.Second})
}

func TestGetMe(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST api.telegram.org/{token}/{method}", func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, r.PathValue("method"), "getMe")
		web.RespondJSON(w, map[string]any{
			"ok": true,
			"result": map[string]any{
				"id":       int64(42),
				"is_bot":   true,
				"username": "test_bot",
			},
		})
	})

	c := New(Config{Token: testToken, HTTPClient: testutil.MockHTTPClient(mux)})
	me, err := c.GetMe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, me.ID, int64(42))
	testutil.AssertEqual(t, me.Username, "test_bot")
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	testutil.AssertEqual(t, SplitMessage(""), []string(nil))
	testutil.AssertEqual(t, SplitMessage("short"), []string{"short"})

	long := strings.Repeat("word ", 2000) // ~10000 runes
	chunks := SplitMessage(long)
	if len(chunks) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if n := len([]rune(chunk)); n > MaxMessageLen {
			t.Fatalf("chunk %d has %d runes, want at most %d", i, n, MaxMessageLen)
		}
	}
}

func TestUpdateMsg(t *testing.T) {
	t.Parallel()

	m := &Message{ID: 1, Text: "hi"}
	testutil.AssertEqual(t, (&Update{Message: m}).Msg(), m)
	testutil.AssertEqual(t, (&Update{EditedMessage: m}).Msg(), m)
	testutil.AssertEqual(t, (&Update{CallbackQuery: &CallbackQuery{Message: m}}).Msg(), m)
	if got := (&Update{}).Msg(); got != nil {
		t.Fatalf("want nil, got %+v", got)
	}
}

func TestMessageContent(t *testing.T) {
	t.Parallel()

	testutil.AssertEqual(t, (&Message{Text: "t"}).Content(), "t")
	testutil.AssertEqual(t, (&Message{Caption: "c"}).Content(), "c")
	testutil.AssertEqual(t, (&Message{Text: "t", Caption: "c"}).Content(), "t")
}
