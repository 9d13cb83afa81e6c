package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
)

// Sentinel errors for flow operations.
var (
	ErrFlowExists   = errors.New("flow already exists")
	ErrFlowNotFound = errors.New("flow not found")
)

const flowPrefix = "flows/"

func flowKey(id string) string { return flowPrefix + id }
func versionKey(id string) string { return flowPrefix + id + "/version" }
func pinPrefix(id string) string { return flowPrefix + id + "/pin/" }
func statePrefix(id string) string { return flowPrefix + id + "/state/" }
func pinKey(id, nodeID string) string { return pinPrefix(id) + nodeID }
func stateKey(flowID, k string) string { return statePrefix(flowID) + k }

// FlowRepo stores flow documents, their plan versions and pinned data.
type FlowRepo struct {
	kv       KV
	now      func() time.Time
	defaults graph.FlowDefaults

	mu sync.Mutex
}

// NewFlowRepo creates a repository over kv. New flows receive defaults
// for unset settings.
func NewFlowRepo(kv KV, defaults graph.FlowDefaults, now func() time.Time) *FlowRepo {
	if now == nil {
		now = time.Now
	}
	return &FlowRepo{kv: kv, now: now, defaults: defaults}
}

// List returns every flow sorted by id.
func (r *FlowRepo) List(ctx context.Context) ([]graph.Flow, error) {
	entries, err := r.kv.List(ctx, flowPrefix)
	if err != nil {
		return nil, persistence(err)
	}
	var out []graph.Flow
	for _, e := range entries {
		id := strings.TrimPrefix(e.Key, flowPrefix)
		if strings.Contains(id, "/") {
			continue
		}
		f, err := r.decode(ctx, id, e.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Get returns the flow with id, with its pin data attached.
func (r *FlowRepo) Get(ctx context.Context, id string) (graph.Flow, error) {
	data, err := r.kv.Get(ctx, flowKey(id))
	if errors.Is(err, ErrNotFound) {
		return graph.Flow{}, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	if err != nil {
		return graph.Flow{}, persistence(err)
	}
	return r.decode(ctx, id, data)
}

func (r *FlowRepo) decode(ctx context.Context, id string, data []byte) (graph.Flow, error) {
	var f graph.Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return graph.Flow{}, fmt.Errorf("decode flow %s: %w", id, err)
	}
	pins, err := r.Pins(ctx, id)
	if err != nil {
		return graph.Flow{}, err
	}
	f.Definition.PinData = pins
	if v, err := r.Version(ctx, id); err == nil {
		f.Version = v
	}
	return f, nil
}

// Create stores a new flow. An empty id is assigned a UUID.
func (r *FlowRepo) Create(ctx context.Context, f graph.Flow) (graph.Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if _, err := r.kv.Get(ctx, flowKey(f.ID)); err == nil {
		return graph.Flow{}, fmt.Errorf("%w: %s", ErrFlowExists, f.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return graph.Flow{}, persistence(err)
	}
	f.ApplyDefaults(r.defaults)
	if err := f.ValidateSettings(); err != nil {
		return graph.Flow{}, err
	}
	now := r.now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	f.Version = 1
	if err := r.put(ctx, f); err != nil {
		return graph.Flow{}, err
	}
	if err := r.putVersion(ctx, f.ID, 1); err != nil {
		return graph.Flow{}, err
	}
	return f, nil
}

// Update replaces a flow document. The plan version is bumped when the
// nodes or edges change. Pin data in f replaces the stored pins.
func (r *FlowRepo) Update(ctx context.Context, f graph.Flow) (graph.Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.Get(ctx, f.ID)
	if err != nil {
		return graph.Flow{}, err
	}
	f.ApplyDefaults(r.defaults)
	if err := f.ValidateSettings(); err != nil {
		return graph.Flow{}, err
	}
	f.CreatedAt = prev.CreatedAt
	f.UpdatedAt = r.now().UTC()
	f.Version = prev.Version
	changed, err := definitionChanged(prev.Definition, f.Definition)
	if err != nil {
		return graph.Flow{}, err
	}
	if changed {
		f.Version++
		if err := r.putVersion(ctx, f.ID, f.Version); err != nil {
			return graph.Flow{}, err
		}
	}
	if err := r.put(ctx, f); err != nil {
		return graph.Flow{}, err
	}
	return f, nil
}

// Mutate loads a flow, applies fn and stores the result through Update.
func (r *FlowRepo) Mutate(ctx context.Context, id string, fn func(*graph.Flow) error) (graph.Flow, error) {
	f, err := r.Get(ctx, id)
	if err != nil {
		return graph.Flow{}, err
	}
	if err := fn(&f); err != nil {
		return graph.Flow{}, err
	}
	return r.Update(ctx, f)
}

func definitionChanged(a, b graph.Definition) (bool, error) {
	a.PinData, b.PinData = nil, nil
	ja, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(ja, jb), nil
}

func (r *FlowRepo) put(ctx context.Context, f graph.Flow) error {
	pins := f.Definition.PinData
	f.Definition.PinData = nil
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", f.ID, err)
	}
	if err := r.kv.Put(ctx, flowKey(f.ID), data); err != nil {
		return persistence(err)
	}
	if _, err := r.kv.DeletePrefix(ctx, pinPrefix(f.ID)); err != nil {
		return persistence(err)
	}
	for nodeID, v := range pins {
		if err := r.SetPin(ctx, f.ID, nodeID, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *FlowRepo) putVersion(ctx context.Context, id string, v int64) error {
	if err := r.kv.Put(ctx, versionKey(id), []byte(strconv.FormatInt(v, 10))); err != nil {
		return persistence(err)
	}
	return nil
}

// Version returns the plan version of a flow.
func (r *FlowRepo) Version(ctx context.Context, id string) (int64, error) {
	data, err := r.kv.Get(ctx, versionKey(id))
	if errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	if err != nil {
		return 0, persistence(err)
	}
	return strconv.ParseInt(string(data), 10, 64)
}

// Delete removes a flow with its pins, state and version.
func (r *FlowRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.kv.Get(ctx, flowKey(id)); errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	if _, err := r.kv.DeletePrefix(ctx, flowKey(id)+"/"); err != nil {
		return persistence(err)
	}
	if err := r.kv.Delete(ctx, flowKey(id)); err != nil {
		return persistence(err)
	}
	return nil
}

// SetPin pins a node's output.
func (r *FlowRepo) SetPin(ctx context.Context, flowID, nodeID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode pin %s/%s: %w", flowID, nodeID, err)
	}
	if err := r.kv.Put(ctx, pinKey(flowID, nodeID), data); err != nil {
		return persistence(err)
	}
	return nil
}

// DeletePin removes a node's pin.
func (r *FlowRepo) DeletePin(ctx context.Context, flowID, nodeID string) error {
	if err := r.kv.Delete(ctx, pinKey(flowID, nodeID)); err != nil {
		return persistence(err)
	}
	return nil
}

// Pins returns the pinned outputs of a flow keyed by node id.
func (r *FlowRepo) Pins(ctx context.Context, flowID string) (map[string]any, error) {
	entries, err := r.kv.List(ctx, pinPrefix(flowID))
	if err != nil {
		return nil, persistence(err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		var v any
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, fmt.Errorf("decode pin %s: %w", e.Key, err)
		}
		out[strings.TrimPrefix(e.Key, pinPrefix(flowID))] = v
	}
	return out, nil
}

func persistence(err error) error {
	return core.Errorf(core.CodePersistence, "%v", err).WithCause(err)
}
