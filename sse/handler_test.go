package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/tagflow/bus"
	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/journal"
	"github.com/petal-labs/tagflow/sse"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func entry(flowID string, i int, level core.LogLevel, nodeID string) core.LogEntry {
	return core.LogEntry{
		FlowID:    flowID,
		NodeID:    nodeID,
		Timestamp: base.Add(time.Duration(i) * time.Second),
		Level:     level,
		Message:   "message " + string(rune('a'+i)),
	}
}

// fakeSource returns its entries newest first, like the journal.
type fakeSource struct {
	entries []core.LogEntry
}

func (s fakeSource) Logs(_ context.Context, _ string, q journal.LogQuery) (journal.LogPage, error) {
	var out []core.LogEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < q.Limit; i-- {
		out = append(out, s.entries[i])
	}
	return journal.LogPage{Entries: out, Total: len(s.entries), Limit: q.Limit}, nil
}

type stream struct {
	t      *testing.T
	cancel context.CancelFunc
	resp   *http.Response
	lines  *bufio.Scanner
}

func setupTestServer(t *testing.T, cfg sse.Config) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /flows/{id}/logs/stream", sse.NewLogHandler(cfg))
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func open(t *testing.T, url string) *stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	s := &stream{t: t, cancel: cancel, resp: resp, lines: bufio.NewScanner(resp.Body)}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return s
}

// next returns the next event's decoded entry, or "ping" for a
// heartbeat comment.
func (s *stream) next() (core.LogEntry, string) {
	s.t.Helper()
	var e core.LogEntry
	for s.lines.Scan() {
		line := s.lines.Text()
		switch {
		case line == ": ping":
			return e, "ping"
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
				s.t.Fatalf("decode %q: %v", line, err)
			}
			return e, "log"
		}
	}
	s.t.Fatalf("stream ended: %v", s.lines.Err())
	return e, ""
}

// waitSubscribed blocks until the handler has subscribed to flowID.
func waitSubscribed(t *testing.T, b *bus.MemBus, flowID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount(flowID) < n {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLogHandler_Live(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()
	ts := setupTestServer(t, sse.Config{Bus: b})

	s := open(t, ts.URL+"/flows/f1/logs/stream")
	if ct := s.resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	waitSubscribed(t, b, "f1", 1)

	b.Publish(entry("other", 0, core.LevelInfo, ""))
	b.Publish(entry("f1", 1, core.LevelInfo, "n1"))
	b.Publish(entry("f1", 2, core.LevelError, "n2"))

	for _, want := range []string{"message b", "message c"} {
		e, kind := s.next()
		if kind != "log" || e.Message != want || e.FlowID != "f1" {
			t.Fatalf("got %s %+v, want %q", kind, e, want)
		}
	}
}

func TestLogHandler_Filters(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()
	ts := setupTestServer(t, sse.Config{Bus: b})

	s := open(t, ts.URL+"/flows/f1/logs/stream?log_level=warn&node_id=n1")
	waitSubscribed(t, b, "f1", 1)

	b.Publish(entry("f1", 0, core.LevelError, "n2"))
	b.Publish(entry("f1", 1, core.LevelInfo, "n1"))
	b.Publish(entry("f1", 2, core.LevelWarn, "n1"))

	e, _ := s.next()
	if e.Message != "message c" {
		t.Fatalf("first delivered entry = %+v", e)
	}
}

func TestLogHandler_ReplayThenLive(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()
	stored := []core.LogEntry{
		entry("f1", 0, core.LevelInfo, ""),
		entry("f1", 1, core.LevelInfo, ""),
		entry("f1", 2, core.LevelInfo, ""),
	}
	ts := setupTestServer(t, sse.Config{Bus: b, Source: fakeSource{entries: stored}})

	s := open(t, ts.URL+"/flows/f1/logs/stream?replay=2")
	for _, want := range []string{"message b", "message c"} {
		if e, _ := s.next(); e.Message != want {
			t.Fatalf("replayed %q, want %q", e.Message, want)
		}
	}
	waitSubscribed(t, b, "f1", 1)

	// A live copy of a replayed entry is delivered once.
	b.Publish(stored[2])
	b.Publish(entry("f1", 3, core.LevelInfo, ""))
	if e, _ := s.next(); e.Message != "message d" {
		t.Fatalf("live entry = %q, want message d", e.Message)
	}
}

func TestLogHandler_Heartbeat(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()
	ts := setupTestServer(t, sse.Config{Bus: b, Heartbeat: 20 * time.Millisecond})

	s := open(t, ts.URL+"/flows/f1/logs/stream")
	if _, kind := s.next(); kind != "ping" {
		t.Fatalf("expected heartbeat, got %s", kind)
	}
}

func TestLogHandler_ClientDisconnectUnsubscribes(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()
	ts := setupTestServer(t, sse.Config{Bus: b})

	s := open(t, ts.URL+"/flows/f1/logs/stream")
	waitSubscribed(t, b, "f1", 1)
	s.cancel()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount("f1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLogHandler_BadRequests(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()
	ts := setupTestServer(t, sse.Config{
		Bus:       b,
		Authorize: func(token, _ string) bool { return token == "secret" },
	})

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "?token=nope", http.StatusUnauthorized},
		{"bad level", "?token=secret&log_level=loud", http.StatusBadRequest},
		{"bad replay", "?token=secret&replay=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/flows/f1/logs/stream" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
