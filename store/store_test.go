package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(SQLiteConfig{DSN: filepath.Join(t.TempDir(), "tagflow.sqlite")})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
}

func TestKV(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
		}
		for _, k := range []string{"flows/b", "flows/a", "flows/a/pin/n1", "other"} {
			if err := s.Put(ctx, k, []byte(k)); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.Put(ctx, "flows/a", []byte("v2")); err != nil {
			t.Fatal(err)
		}
		v, err := s.Get(ctx, "flows/a")
		if err != nil || string(v) != "v2" {
			t.Errorf("Get(flows/a) = %q, %v", v, err)
		}

		list, err := s.List(ctx, "flows/")
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 3 || list[0].Key != "flows/a" || list[2].Key != "flows/b" {
			t.Errorf("List = %+v", list)
		}

		n, err := s.DeletePrefix(ctx, "flows/a/")
		if err != nil || n != 1 {
			t.Errorf("DeletePrefix = %d, %v", n, err)
		}
		if err := s.Delete(ctx, "other"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, "other"); !errors.Is(err, ErrNotFound) {
			t.Error("deleted key still present")
		}
	})
}

func TestLog(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 6; i++ {
			level := "info"
			if i%2 == 1 {
				level = "warn"
			}
			_, err := s.Append(ctx, LogRecord{
				Stream: "logs/f1",
				At:     base.Add(time.Duration(i) * time.Hour),
				Labels: map[string]string{"level": level, "node_id": "n1"},
				Data:   []byte{byte('0' + i)},
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		s.Append(ctx, LogRecord{Stream: "logs/f2", At: base, Data: []byte("x")})

		all, err := s.Range(ctx, "logs/f1", RangeQuery{})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 6 || string(all[0].Data) != "5" || string(all[5].Data) != "0" {
			t.Errorf("Range newest-first = %d records, first %q", len(all), all[0].Data)
		}
		if all[0].Seq <= all[1].Seq {
			t.Error("sequence numbers do not increase")
		}

		page, _ := s.Range(ctx, "logs/f1", RangeQuery{Limit: 2, Offset: 2})
		if len(page) != 2 || string(page[0].Data) != "3" {
			t.Errorf("page = %+v", page)
		}
		offsetOnly, _ := s.Range(ctx, "logs/f1", RangeQuery{Offset: 4})
		if len(offsetOnly) != 2 {
			t.Errorf("offset-only page = %d records", len(offsetOnly))
		}

		warn, _ := s.Range(ctx, "logs/f1", RangeQuery{Labels: map[string]string{"level": "warn"}, Ascending: true})
		if len(warn) != 3 || string(warn[0].Data) != "1" {
			t.Errorf("label filter = %+v", warn)
		}
		n, _ := s.Count(ctx, "logs/f1", RangeQuery{Since: base.Add(4 * time.Hour)})
		if n != 2 {
			t.Errorf("Count(since) = %d, want 2", n)
		}

		pruned, err := s.PruneBefore(ctx, "logs/f1", base.Add(3*time.Hour))
		if err != nil || pruned != 3 {
			t.Errorf("PruneBefore = %d, %v", pruned, err)
		}
		streams, _ := s.Streams(ctx, "logs/")
		if len(streams) != 2 {
			t.Errorf("Streams = %v", streams)
		}
		if n, _ := s.DeleteStream(ctx, "logs/f2"); n != 1 {
			t.Errorf("DeleteStream = %d", n)
		}
		if rest, _ := s.Range(ctx, "logs/f1", RangeQuery{}); len(rest) != 3 {
			t.Errorf("remaining = %d, want 3", len(rest))
		}
	})
}
