package tags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/petal-labs/tagflow/core"
)

// RedisConfig configures a RedisProvider.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "tagflow".
	Prefix string
	// HistoryRetention bounds the history kept per tag. Defaults to 7 days.
	HistoryRetention time.Duration
	Logger           *slog.Logger
}

// RedisProvider keeps tags in Redis, the layout shared with the driver
// services:
//
//	{prefix}:conns              hash   connection id -> Connection JSON
//	{prefix}:tags:{conn}        set    tag paths
//	{prefix}:tag:{conn}:{path}  string current value JSON
//	{prefix}:hist:{conn}:{path} zset   value JSON scored by unix ms
//	{prefix}:chg:{conn}         pubsub change notifications
type RedisProvider struct {
	rdb       *goredis.Client
	prefix    string
	retention time.Duration
	logger    *slog.Logger
	ownClient bool

	mu   sync.Mutex
	subs map[*goredis.PubSub]struct{}
}

var _ Provider = (*RedisProvider)(nil)

// NewRedisProvider dials Redis and verifies the connection.
func NewRedisProvider(ctx context.Context, cfg RedisConfig) (*RedisProvider, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("tags: redis ping %s: %w", cfg.Addr, err)
	}
	p := NewRedisProviderFromClient(rdb, cfg)
	p.ownClient = true
	return p, nil
}

// NewRedisProviderFromClient wraps an existing client. Close does not
// close rdb.
func NewRedisProviderFromClient(rdb *goredis.Client, cfg RedisConfig) *RedisProvider {
	if cfg.Prefix == "" {
		cfg.Prefix = "tagflow"
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 7 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisProvider{
		rdb:       rdb,
		prefix:    cfg.Prefix,
		retention: cfg.HistoryRetention,
		logger:    cfg.Logger,
		subs:      make(map[*goredis.PubSub]struct{}),
	}
}

func (p *RedisProvider) connsKey() string { return p.prefix + ":conns" }
func (p *RedisProvider) tagsKey(conn string) string { return p.prefix + ":tags:" + conn }
func (p *RedisProvider) valueKey(conn, path string) string {
	return p.prefix + ":tag:" + conn + ":" + path
}
func (p *RedisProvider) histKey(conn, path string) string {
	return p.prefix + ":hist:" + conn + ":" + path
}
func (p *RedisProvider) changeChannel(conn string) string { return p.prefix + ":chg:" + conn }

// RegisterConnection records a connection so it appears in Connections.
func (p *RedisProvider) RegisterConnection(ctx context.Context, c Connection) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return p.rdb.HSet(ctx, p.connsKey(), c.ID, data).Err()
}

func (p *RedisProvider) Connections(ctx context.Context) ([]Connection, error) {
	raw, err := p.rdb.HGetAll(ctx, p.connsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("tags: list connections: %w", err)
	}
	out := []Connection{{ID: InternalConnection, Name: "Internal", Protocol: "internal", Connected: true}}
	for id, data := range raw {
		if id == InternalConnection {
			continue
		}
		var c Connection
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			p.logger.Warn("tags: skipping malformed connection", "id", id, "error", err)
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *RedisProvider) Tags(ctx context.Context, connID string) ([]TagInfo, error) {
	paths, err := p.rdb.SMembers(ctx, p.tagsKey(connID)).Result()
	if err != nil {
		return nil, fmt.Errorf("tags: list %s: %w", connID, err)
	}
	sort.Strings(paths)
	values, err := p.Read(ctx, connID, paths)
	if err != nil {
		return nil, err
	}
	out := make([]TagInfo, 0, len(paths))
	for _, path := range paths {
		out = append(out, TagInfo{Path: path, DataType: values[path].Type})
	}
	return out, nil
}

func (p *RedisProvider) Read(ctx context.Context, connID string, paths []string) (map[string]core.Value, error) {
	out := make(map[string]core.Value, len(paths))
	if len(paths) == 0 {
		return out, nil
	}
	keys := make([]string, len(paths))
	for i, path := range paths {
		keys[i] = p.valueKey(connID, path)
	}
	raw, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("tags: read %s: %w", connID, err)
	}
	for i, r := range raw {
		s, ok := r.(string)
		if !ok {
			continue
		}
		var v core.Value
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			p.logger.Warn("tags: skipping malformed value", "conn", connID, "path", paths[i], "error", err)
			continue
		}
		out[paths[i]] = v
	}
	return out, nil
}

func (p *RedisProvider) Write(ctx context.Context, connID, path string, v core.Value, historize bool) error {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	change, err := json.Marshal(redisChange{Path: path, Value: v})
	if err != nil {
		return err
	}
	ms := v.Timestamp.UnixMilli()
	_, err = p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, p.valueKey(connID, path), data, 0)
		pipe.SAdd(ctx, p.tagsKey(connID), path)
		if historize {
			hk := p.histKey(connID, path)
			pipe.ZAdd(ctx, hk, goredis.Z{Score: float64(ms), Member: data})
			cutoff := ms - p.retention.Milliseconds()
			pipe.ZRemRangeByScore(ctx, hk, "-inf", "("+strconv.FormatInt(cutoff, 10))
		}
		pipe.Publish(ctx, p.changeChannel(connID), change)
		return nil
	})
	if err != nil {
		return fmt.Errorf("tags: write %s/%s: %w", connID, path, err)
	}
	return nil
}

func (p *RedisProvider) History(ctx context.Context, connID, path string, since time.Time) ([]core.Value, error) {
	raw, err := p.rdb.ZRangeByScore(ctx, p.histKey(connID, path), &goredis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("tags: history %s/%s: %w", connID, path, err)
	}
	out := make([]core.Value, 0, len(raw))
	for _, s := range raw {
		var v core.Value
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			continue
		}
		if v.Timestamp.Before(since) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

type redisChange struct {
	Path  string     `json:"path"`
	Value core.Value `json:"value"`
}

func (p *RedisProvider) Subscribe(ctx context.Context, connID string, paths []string, fn ChangeFunc) (func(), error) {
	ps := p.rdb.Subscribe(ctx, p.changeChannel(connID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("tags: subscribe %s: %w", connID, err)
	}
	want := make(map[string]bool, len(paths))
	for _, path := range paths {
		want[path] = true
	}

	p.mu.Lock()
	p.subs[ps] = struct{}{}
	p.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			var ch redisChange
			if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
				p.logger.Warn("tags: malformed change notification", "conn", connID, "error", err)
				continue
			}
			if want[ch.Path] {
				fn(connID, ch.Path, ch.Value)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ps)
			p.mu.Unlock()
			if err := ps.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
				p.logger.Warn("tags: closing subscription", "conn", connID, "error", err)
			}
		})
	}, nil
}

func (p *RedisProvider) Close() error {
	p.mu.Lock()
	for ps := range p.subs {
		_ = ps.Close()
	}
	p.subs = make(map[*goredis.PubSub]struct{})
	p.mu.Unlock()
	if p.ownClient {
		return p.rdb.Close()
	}
	return nil
}
