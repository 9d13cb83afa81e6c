package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// FlowState is the $flow.state of one flow. Access is serialized; every
// mutation is written through to the KV store.
type FlowState struct {
	kv     KV
	flowID string

	mu sync.Mutex
}

// NewFlowState returns the state store of flowID.
func NewFlowState(kv KV, flowID string) *FlowState {
	return &FlowState{kv: kv, flowID: flowID}
}

// Get returns the value stored under key.
func (s *FlowState) Get(key string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.kv.Get(context.Background(), stateKey(s.flowID, key))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, persistence(err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("decode state %s: %w", key, err)
	}
	return v, true, nil
}

// All returns every state entry.
func (s *FlowState) All() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := statePrefix(s.flowID)
	entries, err := s.kv.List(context.Background(), prefix)
	if err != nil {
		return nil, persistence(err)
	}
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		var v any
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, fmt.Errorf("decode state %s: %w", e.Key, err)
		}
		out[strings.TrimPrefix(e.Key, prefix)] = v
	}
	return out, nil
}

// Set stores value under key. A nil value deletes the key.
func (s *FlowState) Set(key string, value any) error {
	if key == "" {
		return errors.New("state key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := stateKey(s.flowID, key)
	if value == nil {
		if err := s.kv.Delete(context.Background(), k); err != nil {
			return persistence(err)
		}
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", key, err)
	}
	if err := s.kv.Put(context.Background(), k, data); err != nil {
		return persistence(err)
	}
	return nil
}
