// Package otel provides OpenTelemetry integration for evaluator events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/tagflow/runtime"
)

// TracingHandler translates evaluator events into OpenTelemetry spans.
// Each cycle becomes a root span and each evaluated node a child span.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	cycleSpans map[string]trace.Span      // executionID -> span
	cycleCtxs  map[string]context.Context // executionID -> context (for child spans)
	nodeSpans  map[string]trace.Span      // executionID:nodeID -> span
}

// NewTracingHandler creates a TracingHandler that starts spans on tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		cycleSpans: make(map[string]trace.Span),
		cycleCtxs:  make(map[string]context.Context),
		nodeSpans:  make(map[string]trace.Span),
	}
}

// Handle processes an event and creates or ends spans accordingly. It
// has the runtime.EventHandler signature.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventCycleStarted:
		h.handleCycleStarted(e)
	case runtime.EventNodeStarted:
		h.handleNodeStarted(e)
	case runtime.EventNodeFinished:
		h.endNode(e, codes.Ok, "")
	case runtime.EventNodeFailed:
		h.handleNodeFailed(e)
	case runtime.EventNodeSkipped, runtime.EventNodePinned, runtime.EventWriteEmitted, runtime.EventWriteSuppressed:
		h.handleCycleEvent(e)
	case runtime.EventCycleFinished:
		h.handleCycleFinished(e)
	}
}

func (h *TracingHandler) handleCycleStarted(e runtime.Event) {
	kind := payloadString(e, "kind")
	ctx, span := h.tracer.Start(context.Background(), "cycle:"+e.FlowID,
		trace.WithAttributes(
			attribute.String("tagflow.flow_id", e.FlowID),
			attribute.String("tagflow.execution_id", e.ExecutionID),
			attribute.String("tagflow.kind", kind),
		),
		trace.WithTimestamp(e.Time),
	)
	if start := payloadString(e, "start_node"); start != "" {
		span.SetAttributes(attribute.String("tagflow.start_node", start))
	}

	h.mu.Lock()
	h.cycleSpans[e.ExecutionID] = span
	h.cycleCtxs[e.ExecutionID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeStarted(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.cycleCtxs[e.ExecutionID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("tagflow.execution_id", e.ExecutionID),
			attribute.String("tagflow.node_id", e.NodeID),
			attribute.String("tagflow.node_kind", e.NodeKind),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[e.ExecutionID+":"+e.NodeID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) takeNode(e runtime.Event) (trace.Span, bool) {
	key := e.ExecutionID + ":" + e.NodeID
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	return span, ok
}

func (h *TracingHandler) endNode(e runtime.Event, code codes.Code, msg string) {
	span, ok := h.takeNode(e)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("tagflow.duration", e.Elapsed.String()))
	span.SetStatus(code, msg)
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleNodeFailed(e runtime.Event) {
	span, ok := h.takeNode(e)
	if !ok {
		return
	}
	errMsg := payloadString(e, "error")
	if errMsg == "" {
		errMsg = "unknown error"
	}
	span.SetAttributes(attribute.String("tagflow.error_code", payloadString(e, "code")))
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

// handleCycleEvent records skips, pins and writes as events on the
// cycle span.
func (h *TracingHandler) handleCycleEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.cycleSpans[e.ExecutionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("tagflow.event_kind", e.Kind.String())}
	if e.NodeID != "" {
		attrs = append(attrs, attribute.String("tagflow.node_id", e.NodeID))
	}
	for _, key := range []string{"reason", "path", "outcome"} {
		if s := payloadString(e, key); s != "" {
			attrs = append(attrs, attribute.String("tagflow."+key, s))
		}
	}
	span.AddEvent(e.Kind.String(), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleCycleFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.cycleSpans[e.ExecutionID]
	if ok {
		delete(h.cycleSpans, e.ExecutionID)
		delete(h.cycleCtxs, e.ExecutionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	status := payloadString(e, "status")
	span.SetAttributes(
		attribute.String("tagflow.duration", e.Elapsed.String()),
		attribute.String("tagflow.status", status),
	)
	if n, ok := e.Payload["writes"].(int); ok {
		span.SetAttributes(attribute.Int("tagflow.writes", n))
	}
	if status == "failed" {
		span.SetStatus(codes.Error, "cycle failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext of the open node span for
// executionID and nodeID, or an empty SpanContext.
func (h *TracingHandler) ActiveSpanContext(executionID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodeSpans[executionID+":"+nodeID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveCycleSpanContext returns the SpanContext of the open cycle span
// for executionID, or an empty SpanContext.
func (h *TracingHandler) ActiveCycleSpanContext(executionID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.cycleSpans[executionID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
