package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/tagflow/runtime"
)

// MetricsHandler translates evaluator events into OpenTelemetry metrics.
// It records counters and histograms for node evaluations, failures,
// cycle durations and write outcomes.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	cycles         metric.Int64Counter
	cycleDuration  metric.Float64Histogram
	writes         metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("tagflow.node.executions",
		metric.WithDescription("Number of node evaluations"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("tagflow.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("tagflow.node.duration",
		metric.WithDescription("Duration of node evaluation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	cycles, err := meter.Int64Counter("tagflow.cycles",
		metric.WithDescription("Number of finished cycles by status"),
	)
	if err != nil {
		return nil, err
	}

	cycleDur, err := meter.Float64Histogram("tagflow.cycle.duration",
		metric.WithDescription("Duration of a cycle in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	writes, err := meter.Int64Counter("tagflow.writes",
		metric.WithDescription("Number of tag writes by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeFailures:   nodeFail,
		nodeDuration:   nodeDur,
		cycles:         cycles,
		cycleDuration:  cycleDur,
		writes:         writes,
	}, nil
}

// Handle processes an event and records the matching metrics. It has
// the runtime.EventHandler signature.
func (h *MetricsHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventNodeFinished:
		h.handleNodeFinished(e)
	case runtime.EventNodeFailed:
		h.handleNodeFailed(e)
	case runtime.EventCycleFinished:
		h.handleCycleFinished(e)
	case runtime.EventWriteEmitted, runtime.EventWriteSuppressed:
		h.handleWrite(e)
	}
}

func nodeAttrs(e runtime.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("flow_id", e.FlowID),
		attribute.String("node_kind", e.NodeKind),
		attribute.String("node_id", e.NodeID),
	)
}

func (h *MetricsHandler) handleNodeFinished(e runtime.Event) {
	ctx := context.Background()
	attrs := nodeAttrs(e)
	h.nodeExecutions.Add(ctx, 1, attrs)
	h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

func (h *MetricsHandler) handleNodeFailed(e runtime.Event) {
	h.nodeFailures.Add(context.Background(), 1, nodeAttrs(e))
}

func (h *MetricsHandler) handleCycleFinished(e runtime.Event) {
	ctx := context.Background()
	h.cycles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow_id", e.FlowID),
		attribute.String("status", payloadString(e, "status")),
	))
	h.cycleDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("flow_id", e.FlowID),
	))
}

func (h *MetricsHandler) handleWrite(e runtime.Event) {
	h.writes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("flow_id", e.FlowID),
		attribute.String("outcome", payloadString(e, "outcome")),
	))
}

func payloadString(e runtime.Event, key string) string {
	s, _ := e.Payload[key].(string)
	return s
}
