// Package tags is the tag gateway: a cache with freshness rules over a
// tag Provider, write-through updates, history windows, change
// subscriptions and the process-local system tags that carry session
// metrics.
package tags

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/tagflow/core"
)

// InternalConnection is the connection id that holds internal tags.
const InternalConnection = "internal"

// ErrUnknownConnection is returned by providers for connection ids they
// do not serve.
var ErrUnknownConnection = errors.New("tags: unknown connection")

// ErrReadOnly is returned when writing a tag the provider refuses.
var ErrReadOnly = errors.New("tags: tag is read-only")

// Connection describes one driver connection.
type Connection struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	Connected bool   `json:"connected"`
}

// TagInfo describes a browsable tag.
type TagInfo struct {
	Path     string         `json:"path"`
	DataType core.ValueType `json:"dataType"`
}

// ChangeFunc receives a tag change.
type ChangeFunc func(connID, path string, v core.Value)

// Provider is the tag subsystem the gateway consumes. Implementations
// must be safe for concurrent use.
type Provider interface {
	Connections(ctx context.Context) ([]Connection, error)
	Tags(ctx context.Context, connID string) ([]TagInfo, error)
	// Read returns the current values of paths. Unknown paths are
	// omitted from the result.
	Read(ctx context.Context, connID string, paths []string) (map[string]core.Value, error)
	Write(ctx context.Context, connID, path string, v core.Value, historize bool) error
	// History returns samples at or after since in timestamp order.
	History(ctx context.Context, connID, path string, since time.Time) ([]core.Value, error)
	// Subscribe calls fn for every change to one of paths until the
	// returned cancel function is called.
	Subscribe(ctx context.Context, connID string, paths []string, fn ChangeFunc) (func(), error)
	Close() error
}

func connectionOf(ref core.TagRef) string {
	switch ref.Source {
	case "", core.SourceInternal:
		return InternalConnection
	}
	if ref.ConnectionID != "" {
		return ref.ConnectionID
	}
	return ref.Source
}
