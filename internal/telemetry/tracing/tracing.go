// Package tracing provides a lightweight adaptive-sampling tracer used to
// stamp trace/span ids onto outbound completion attempts (spec.md §9.1).
package tracing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                    time.Time
}

// Tracer starts spans, adaptively sampling based on a caller-supplied policy.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) Noop() bool                            { return true }
func (noopSpan) End()                                     {}
func (noopSpan) SetAttribute(key string, value any)       {}
func (noopSpan) Context() SpanContext                     { return SpanContext{} }
func (noopSpan) IsEnded() bool                            { return true }

// NewTracer returns a tracer that samples every span when enabled, none
// otherwise.
func NewTracer(enabled bool) Tracer {
	if !enabled {
		return noopTracer{}
	}
	return fixedTracer{}
}

// NewAdaptiveTracer samples at the percentage returned by percentFn each
// time a fresh trace would start (no parent in context). A nil percentFn
// disables tracing entirely.
func NewAdaptiveTracer(percentFn func() float64) Tracer {
	if percentFn == nil {
		return noopTracer{}
	}
	return &adaptiveTracer{policyFn: percentFn}
}

type fixedTracer struct{}

func (fixedTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return startSpan(ctx)
}
func (fixedTracer) Noop() bool { return false }

type adaptiveTracer struct{ policyFn func() float64 }

func (a *adaptiveTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := SpanFromContext(ctx)
	if parent.ctx.TraceID == "" {
		pct := a.policyFn()
		if pct <= 0 || rand.Float64()*100 > pct {
			return ctx, noopSpan{}
		}
	}
	return startSpan(ctx)
}
func (a *adaptiveTracer) Noop() bool { return false }

func startSpan(ctx context.Context) (context.Context, Span) {
	parent := SpanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	sp := &span{ctx: SpanContext{
		TraceID:      traceID,
		SpanID:       uuid.NewString(),
		ParentSpanID: parent.ctx.SpanID,
		Start:        time.Now(),
	}, attrs: make(map[string]any)}
	return context.WithValue(ctx, spanKey{}, sp), sp
}

type span struct {
	ctx   SpanContext
	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

func (s *span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ctx.End = time.Now()
		s.ended = true
	}
}
func (s *span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}
func (s *span) Context() SpanContext { return s.ctx }
func (s *span) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type spanKey struct{}

// SpanFromContext returns the active span, or a zero-value placeholder.
func SpanFromContext(ctx context.Context) *span {
	if ctx == nil {
		return &span{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*span); ok {
		return sp
	}
	return &span{}
}

// ExtractIDs returns the active trace/span ids, empty if none is active.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sp := SpanFromContext(ctx)
	return sp.ctx.TraceID, sp.ctx.SpanID
}
