package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		Severity:  SeverityCritical,
		Component: "settlement",
		Subject:   "pool 42 format mismatch",
		Fields:    map[string]string{"pool_id": "42", "predicted_outcome": "Over 2.5 goals"},
		Time:      time.Now(),
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, "CRITICAL") || !strings.Contains(text, "pool_id: 42") {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Subject: "x"}); err == nil {
		t.Fatal("ok=false should fail")
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Notification) error {
	c.calls++
	return c.err
}

func TestThrottledDropsRepeats(t *testing.T) {
	inner := &countingNotifier{}
	throttled := NewThrottled(inner, 30*time.Minute)
	now := time.Date(2025, 11, 2, 12, 0, 0, 0, time.UTC)
	throttled.now = func() time.Time { return now }

	note := Notification{Component: "monitor", Subject: "cycle overdue"}
	_ = throttled.Notify(context.Background(), note)
	_ = throttled.Notify(context.Background(), note)
	if inner.calls != 1 {
		t.Fatalf("repeat within cooldown should be dropped, calls=%d", inner.calls)
	}

	_ = throttled.Notify(context.Background(), Notification{Component: "monitor", Subject: "other"})
	if inner.calls != 2 {
		t.Fatalf("different subject should pass, calls=%d", inner.calls)
	}

	now = now.Add(31 * time.Minute)
	_ = throttled.Notify(context.Background(), note)
	if inner.calls != 3 {
		t.Fatalf("alert after cooldown should pass, calls=%d", inner.calls)
	}
}

func TestThrottledRetriesFailedDelivery(t *testing.T) {
	inner := &countingNotifier{err: errors.New("down")}
	throttled := NewThrottled(inner, time.Hour)
	note := Notification{Component: "settlement", Subject: "s"}
	if err := throttled.Notify(context.Background(), note); err == nil {
		t.Fatal("expected delivery error")
	}
	inner.err = nil
	if err := throttled.Notify(context.Background(), note); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Fatalf("failed delivery must not start the cooldown, calls=%d", inner.calls)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
