package server

import (
	"context"
	"log/slog"

	"github.com/petal-labs/tagflow/graph"
	"github.com/petal-labs/tagflow/session"
	"github.com/petal-labs/tagflow/store"
)

// ClearTestModeOnExit returns a session stop hook that drops the test
// flags of flows whose test session expired.
func ClearTestModeOnExit(flows *store.FlowRepo, logger *slog.Logger) func(session.Info, session.StopReason) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(info session.Info, reason session.StopReason) {
		if reason != session.StopAutoExit {
			return
		}
		_, err := flows.Mutate(context.Background(), info.FlowID, func(f *graph.Flow) error {
			f.TestMode = false
			return nil
		})
		if err != nil {
			logger.Warn("server: clearing test mode after auto-exit failed", "flow_id", info.FlowID, "error", err)
			return
		}
		logger.Info("server: test session expired", "flow_id", info.FlowID, "session_id", info.SessionID)
	}
}

// ResumeDeployed restores sessions after a restart. Test sessions do not
// survive a restart, so stale test flags are cleared; deployed
// continuous flows start again. It returns the number of sessions
// started.
func ResumeDeployed(ctx context.Context, flows *store.FlowRepo, sessions *session.Manager, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	list, err := flows.List(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, f := range list {
		if f.TestMode {
			if _, err := flows.Mutate(ctx, f.ID, func(f *graph.Flow) error {
				f.TestMode = false
				return nil
			}); err != nil {
				logger.Warn("server: clearing stale test mode failed", "flow_id", f.ID, "error", err)
			}
			continue
		}
		if !f.Deployed || f.ExecutionMode != graph.ModeContinuous {
			continue
		}
		if _, err := sessions.Start(ctx, f, session.StartOptions{}); err != nil {
			logger.Error("server: resuming session failed", "flow_id", f.ID, "error", err)
			continue
		}
		started++
	}
	logger.Info("server: resumed deployed flows", "sessions", started)
	return started, nil
}
