package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petal-labs/tagflow/core"
	"github.com/petal-labs/tagflow/graph"
)

func newTestRepo(t *testing.T) *FlowRepo {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewFlowRepo(NewMemoryStore(), graph.FlowDefaults{ScanRateMs: 1000, LogsRetentionDays: 30}, func() time.Time { return now })
}

func sampleFlow() graph.Flow {
	return graph.Flow{
		Name: "mixer",
		Definition: graph.Definition{
			Nodes:   []graph.NodeDef{{ID: "a", Kind: "tag-input", Properties: map[string]any{"tagId": "A"}}},
			PinData: map[string]any{"a": 42.0},
		},
	}
}

func TestFlowRepoLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleFlow())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" || created.Version != 1 || created.ScanRateMs != 1000 || created.LogsRetentionDays != 30 {
		t.Errorf("created = %+v", created)
	}

	got, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Definition.PinData["a"] != 42.0 {
		t.Errorf("pins = %v", got.Definition.PinData)
	}

	// settings-only change keeps the version
	got.ScanRateMs = 500
	updated, err := repo.Update(ctx, got)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 1 {
		t.Errorf("version after settings change = %d, want 1", updated.Version)
	}

	// pin changes keep the version too
	if err := repo.SetPin(ctx, created.ID, "a", 7.0); err != nil {
		t.Fatal(err)
	}
	if v, _ := repo.Version(ctx, created.ID); v != 1 {
		t.Errorf("version after pin = %d", v)
	}

	updated.Definition.Nodes = append(updated.Definition.Nodes, graph.NodeDef{ID: "b", Kind: "constant"})
	updated, err = repo.Update(ctx, updated)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 {
		t.Errorf("version after definition change = %d, want 2", updated.Version)
	}

	list, err := repo.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %d flows, %v", len(list), err)
	}

	state := NewFlowState(repo.kv, created.ID)
	state.Set("count", 3)
	if err := repo.Delete(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Get(ctx, created.ID); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("Get after delete err = %v", err)
	}
	if all, _ := state.All(); len(all) != 0 {
		t.Errorf("state survived delete: %v", all)
	}
	if err := repo.Delete(ctx, created.ID); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestFlowRepoValidation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	f := sampleFlow()
	f.LogsRetentionDays = 400
	if _, err := repo.Create(ctx, f); !core.HasCode(err, core.CodeInvalidSettings) {
		t.Errorf("retention 400 err = %v", err)
	}

	f = sampleFlow()
	f.TestMode, f.Deployed = true, true
	if _, err := repo.Create(ctx, f); !errors.Is(err, graph.ErrTestModeDeployed) {
		t.Errorf("test+deployed err = %v", err)
	}

	f = sampleFlow()
	f.ID = "fixed"
	if _, err := repo.Create(ctx, f); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Create(ctx, f); !errors.Is(err, ErrFlowExists) {
		t.Errorf("duplicate create err = %v", err)
	}
}

func TestFlowState(t *testing.T) {
	kv := NewMemoryStore()
	a := NewFlowState(kv, "a")
	b := NewFlowState(kv, "b")

	if err := a.Set("total", 5.0); err != nil {
		t.Fatal(err)
	}
	a.Set("obj", map[string]any{"x": 1.0})
	b.Set("total", 99.0)

	v, ok, err := a.Get("total")
	if err != nil || !ok || v != 5.0 {
		t.Errorf("Get(total) = %v, %v, %v", v, ok, err)
	}
	all, _ := a.All()
	if len(all) != 2 {
		t.Errorf("All() = %v", all)
	}
	a.Set("total", nil)
	if _, ok, _ := a.Get("total"); ok {
		t.Error("nil Set did not delete")
	}
	if v, _, _ := b.Get("total"); v != 99.0 {
		t.Error("flows share state")
	}
}
