package tags

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/tagflow/core"
)

// MemProviderConfig configures a MemProvider.
type MemProviderConfig struct {
	// HistoryLimit caps the samples kept per tag. Zero means 1000.
	HistoryLimit int
}

// MemProvider is an in-process tag subsystem. It backs tests, the run
// command and deployments without a tag backend.
type MemProvider struct {
	mu      sync.RWMutex
	conns   map[string]*memConn
	subs    map[int]*memSub
	nextSub int
	limit   int
}

type memConn struct {
	info     Connection
	values   map[string]core.Value
	history  map[string][]core.Value
	readOnly map[string]bool
}

type memSub struct {
	connID string
	paths  map[string]bool
	fn     ChangeFunc
}

var _ Provider = (*MemProvider)(nil)

// NewMemProvider creates a provider serving the internal connection plus
// conns.
func NewMemProvider(cfg MemProviderConfig, conns ...Connection) *MemProvider {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	p := &MemProvider{
		conns: make(map[string]*memConn),
		subs:  make(map[int]*memSub),
		limit: cfg.HistoryLimit,
	}
	p.addConn(Connection{ID: InternalConnection, Name: "Internal", Protocol: "internal", Connected: true})
	for _, c := range conns {
		p.addConn(c)
	}
	return p
}

func (p *MemProvider) addConn(c Connection) {
	p.conns[c.ID] = &memConn{
		info:     c,
		values:   make(map[string]core.Value),
		history:  make(map[string][]core.Value),
		readOnly: make(map[string]bool),
	}
}

// Set stores a value as if the driver had observed it. Subscribers are
// notified and the sample is historized.
func (p *MemProvider) Set(connID, path string, v core.Value) error {
	return p.store(connID, path, v, true, false)
}

// SetReadOnly marks path as refusing writes.
func (p *MemProvider) SetReadOnly(connID, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[connID]; ok {
		c.readOnly[path] = true
	}
}

func (p *MemProvider) Connections(context.Context) ([]Connection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *MemProvider) Tags(_ context.Context, connID string) ([]TagInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	out := make([]TagInfo, 0, len(c.values))
	for path, v := range c.values {
		out = append(out, TagInfo{Path: path, DataType: v.Type})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (p *MemProvider) Read(_ context.Context, connID string, paths []string) (map[string]core.Value, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	out := make(map[string]core.Value, len(paths))
	for _, path := range paths {
		if v, ok := c.values[path]; ok {
			out[path] = v
		}
	}
	return out, nil
}

func (p *MemProvider) Write(_ context.Context, connID, path string, v core.Value, historize bool) error {
	return p.store(connID, path, v, historize, true)
}

func (p *MemProvider) store(connID, path string, v core.Value, historize, checkWritable bool) error {
	p.mu.Lock()
	c, ok := p.conns[connID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if checkWritable && c.readOnly[path] {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReadOnly, path)
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	c.values[path] = v
	if historize {
		h := append(c.history[path], v)
		if len(h) > p.limit {
			h = h[len(h)-p.limit:]
		}
		c.history[path] = h
	}
	var notify []ChangeFunc
	for _, s := range p.subs {
		if s.connID == connID && s.paths[path] {
			notify = append(notify, s.fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range notify {
		fn(connID, path, v)
	}
	return nil
}

func (p *MemProvider) History(_ context.Context, connID, path string, since time.Time) ([]core.Value, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	var out []core.Value
	for _, v := range c.history[path] {
		if !v.Timestamp.Before(since) {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (p *MemProvider) Subscribe(_ context.Context, connID string, paths []string, fn ChangeFunc) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[connID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	set := make(map[string]bool, len(paths))
	for _, path := range paths {
		set[path] = true
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = &memSub{connID: connID, paths: set, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}, nil
}

func (p *MemProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = make(map[int]*memSub)
	return nil
}
