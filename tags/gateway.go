package tags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/tagflow/core"
)

// LiveTolerance is the freshness window applied when maxAgeMs is 0.
const LiveTolerance = time.Second

// systemHistoryLimit caps the samples kept per system tag.
const systemHistoryLimit = 600

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Provider Provider
	Now      func() time.Time
	Logger   *slog.Logger
}

// Gateway fronts a Provider. Values read or written through it are cached
// per tag; requests to one connection are serialized while distinct
// connections proceed concurrently.
type Gateway struct {
	provider Provider
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.RWMutex
	cache  map[string]core.Value
	system map[string][]core.Value

	connMu    sync.Mutex
	connLocks map[string]*sync.Mutex
}

// NewGateway creates a gateway. A nil Provider gets an empty MemProvider.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Provider == nil {
		cfg.Provider = NewMemProvider(MemProviderConfig{})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		provider:  cfg.Provider,
		now:       cfg.Now,
		logger:    cfg.Logger,
		cache:     make(map[string]core.Value),
		system:    make(map[string][]core.Value),
		connLocks: make(map[string]*sync.Mutex),
	}
}

// Provider returns the underlying tag subsystem.
func (g *Gateway) Provider() Provider {
	return g.provider
}

func (g *Gateway) lockConn(connID string) func() {
	g.connMu.Lock()
	l, ok := g.connLocks[connID]
	if !ok {
		l = &sync.Mutex{}
		g.connLocks[connID] = l
	}
	g.connMu.Unlock()
	l.Lock()
	return l.Unlock
}

func cacheKey(connID, path string) string {
	return connID + "\x00" + path
}

func (g *Gateway) fresh(v core.Value, maxAgeMs int64) bool {
	if maxAgeMs < 0 {
		return true
	}
	if v.Timestamp.IsZero() {
		return false
	}
	window := LiveTolerance
	if maxAgeMs > 0 {
		window = time.Duration(maxAgeMs) * time.Millisecond
	}
	return !v.Timestamp.Before(g.now().Add(-window))
}

// Get returns the value of ref. maxAgeMs -1 accepts a sample of any age
// and falls back to the cache when the provider cannot answer, 0
// requires a sample no older than LiveTolerance, and a positive value
// requires a sample no older than that many milliseconds. A value that
// fails the freshness rule is returned together with a TAG_STALE error;
// an unknown tag yields TAG_UNAVAILABLE.
func (g *Gateway) Get(ctx context.Context, ref core.TagRef, maxAgeMs int64) (core.Value, error) {
	if ref.Source == core.SourceSystem {
		v, ok := g.SystemTag(ref.Path)
		if !ok {
			return core.Value{}, core.Errorf(core.CodeTagUnavailable, "system tag %q is not published", ref.Path)
		}
		return v, nil
	}

	connID := connectionOf(ref)
	key := cacheKey(connID, ref.Path)
	g.mu.RLock()
	cached, ok := g.cache[key]
	g.mu.RUnlock()
	if ok && maxAgeMs >= 0 && g.fresh(cached, maxAgeMs) {
		return cached, nil
	}

	unlock := g.lockConn(connID)
	values, err := g.provider.Read(ctx, connID, []string{ref.Path})
	unlock()
	if err != nil {
		if ok && maxAgeMs < 0 {
			return cached, nil
		}
		if ok {
			return cached, core.Errorf(core.CodeTagStale, "tag %q: read failed, serving cached value", ref.Path).WithCause(err)
		}
		return core.Value{}, core.Errorf(core.CodeTagUnavailable, "tag %q: %v", ref.Path, err).WithCause(err)
	}
	v, found := values[ref.Path]
	if !found {
		if ok && maxAgeMs < 0 {
			return cached, nil
		}
		if ok {
			return cached, core.Errorf(core.CodeTagStale, "tag %q is no longer reported", ref.Path)
		}
		return core.Value{}, core.Errorf(core.CodeTagUnavailable, "tag %q is unknown", ref.Path)
	}
	g.remember(key, v)
	if !g.fresh(v, maxAgeMs) {
		return v, core.Errorf(core.CodeTagStale, "tag %q last updated %s", ref.Path, v.Timestamp.Format(time.RFC3339Nano)).
			WithDetail("maxAgeMs", maxAgeMs)
	}
	return v, nil
}

func (g *Gateway) remember(key string, v core.Value) {
	g.mu.Lock()
	if prev, ok := g.cache[key]; !ok || !v.Timestamp.Before(prev.Timestamp) {
		g.cache[key] = v
	}
	g.mu.Unlock()
}

// Write submits v to the provider and updates the cache. A rejected write
// returns WriteRejected and a TAG_WRITE_REJECTED error.
func (g *Gateway) Write(ctx context.Context, ref core.TagRef, v core.Value, historize bool) (core.WriteOutcome, error) {
	if ref.Source == core.SourceSystem {
		return core.WriteRejected, core.Errorf(core.CodeTagWriteRejected, "system tag %q is read-only", ref.Path)
	}
	if ref.Path == "" {
		return core.WriteRejected, core.Errorf(core.CodeTagWriteRejected, "tag path is empty")
	}
	if v.Timestamp.IsZero() {
		v = v.At(g.now())
	}
	connID := connectionOf(ref)
	unlock := g.lockConn(connID)
	err := g.provider.Write(ctx, connID, ref.Path, v, historize)
	unlock()
	if err != nil {
		return core.WriteRejected, core.Errorf(core.CodeTagWriteRejected, "write %q: %v", ref.Path, err).WithCause(err)
	}
	g.remember(cacheKey(connID, ref.Path), v)
	return core.WriteAccepted, nil
}

// History returns samples of ref within window, oldest first. Windows
// use Go duration syntax plus a "d" day suffix ("15m", "1h", "7d").
func (g *Gateway) History(ctx context.Context, ref core.TagRef, window string) ([]core.Value, error) {
	d, err := ParseWindow(window)
	if err != nil {
		return nil, err
	}
	since := g.now().Add(-d)
	if ref.Source == core.SourceSystem {
		g.mu.RLock()
		defer g.mu.RUnlock()
		var out []core.Value
		for _, v := range g.system[ref.Path] {
			if !v.Timestamp.Before(since) {
				out = append(out, v)
			}
		}
		return out, nil
	}
	connID := connectionOf(ref)
	unlock := g.lockConn(connID)
	defer unlock()
	samples, err := g.provider.History(ctx, connID, ref.Path, since)
	if err != nil {
		return nil, core.Errorf(core.CodeTagUnavailable, "history %q: %v", ref.Path, err).WithCause(err)
	}
	return samples, nil
}

// ParseWindow parses a history window.
func ParseWindow(window string) (time.Duration, error) {
	w := strings.TrimSpace(window)
	if w == "" {
		return 0, fmt.Errorf("tags: empty history window")
	}
	if days, ok := strings.CutSuffix(w, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("tags: invalid history window %q", window)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(w)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("tags: invalid history window %q", window)
	}
	return d, nil
}

// Subscribe delivers changes to refs to fn. The cache is updated before
// fn runs. The returned function cancels every underlying subscription.
func (g *Gateway) Subscribe(ctx context.Context, refs []core.TagRef, fn func(ref core.TagRef, v core.Value)) (func(), error) {
	byConn := make(map[string][]string)
	byKey := make(map[string]core.TagRef)
	for _, ref := range refs {
		if ref.Source == core.SourceSystem {
			continue
		}
		connID := connectionOf(ref)
		key := cacheKey(connID, ref.Path)
		if _, dup := byKey[key]; dup {
			continue
		}
		byKey[key] = ref
		byConn[connID] = append(byConn[connID], ref.Path)
	}

	var cancels []func()
	cancelAll := func() {
		for _, c := range cancels {
			c()
		}
	}
	conns := make([]string, 0, len(byConn))
	for c := range byConn {
		conns = append(conns, c)
	}
	sort.Strings(conns)
	for _, connID := range conns {
		cancel, err := g.provider.Subscribe(ctx, connID, byConn[connID], func(conn, path string, v core.Value) {
			key := cacheKey(conn, path)
			g.remember(key, v)
			if ref, ok := byKey[key]; ok {
				fn(ref, v)
			}
		})
		if err != nil {
			cancelAll()
			return nil, fmt.Errorf("tags: subscribe %s: %w", connID, err)
		}
		cancels = append(cancels, cancel)
	}
	return cancelAll, nil
}

// SetSystemTag publishes a process-local read-only tag such as
// flow.<id>.scan_duration_ms.
func (g *Gateway) SetSystemTag(name string, v core.Value) {
	if v.Timestamp.IsZero() {
		v = v.At(g.now())
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	h := append(g.system[name], v)
	if len(h) > systemHistoryLimit {
		h = h[len(h)-systemHistoryLimit:]
	}
	g.system[name] = h
}

// SystemTag returns the latest value of a system tag.
func (g *Gateway) SystemTag(name string) (core.Value, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h := g.system[name]
	if len(h) == 0 {
		return core.Value{}, false
	}
	return h[len(h)-1], true
}

// ClearSystemTags removes every system tag whose name starts with prefix.
func (g *Gateway) ClearSystemTags(prefix string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name := range g.system {
		if strings.HasPrefix(name, prefix) {
			delete(g.system, name)
		}
	}
}

// Connections lists the provider's connections.
func (g *Gateway) Connections(ctx context.Context) ([]Connection, error) {
	return g.provider.Connections(ctx)
}

// Tags lists the tags of one connection.
func (g *Gateway) Tags(ctx context.Context, connID string) ([]TagInfo, error) {
	return g.provider.Tags(ctx, connID)
}

// InternalTags lists the internal tags with their current values.
func (g *Gateway) InternalTags(ctx context.Context) ([]TagInfo, error) {
	return g.provider.Tags(ctx, InternalConnection)
}

// InternalTagsSnapshot returns the current internal and system tag
// values keyed by path. System tags are keyed by their full name.
func (g *Gateway) InternalTagsSnapshot(ctx context.Context) (map[string]core.Value, error) {
	infos, err := g.InternalTags(ctx)
	if err != nil && !errors.Is(err, ErrUnknownConnection) {
		return nil, err
	}
	paths := make([]string, len(infos))
	for i, info := range infos {
		paths[i] = info.Path
	}
	out := make(map[string]core.Value, len(paths))
	if len(paths) > 0 {
		unlock := g.lockConn(InternalConnection)
		values, err := g.provider.Read(ctx, InternalConnection, paths)
		unlock()
		if err != nil {
			return nil, err
		}
		for p, v := range values {
			out[p] = v
		}
	}
	g.mu.RLock()
	for name, h := range g.system {
		if len(h) > 0 {
			out[name] = h[len(h)-1]
		}
	}
	g.mu.RUnlock()
	return out, nil
}
