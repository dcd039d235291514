// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrRunID       = "modelchain.run_id"
	AttrWorkflowID  = "modelchain.workflow_id"
	AttrStepID      = "modelchain.step_id"
	AttrStepKind    = "modelchain.step_kind"
	AttrStatus      = "modelchain.status"
	AttrCorrelation = "modelchain.correlation_id"
)

// Span wraps an OpenTelemetry span with execution helpers. A nil Span is
// safe to use.
type Span struct {
	span trace.Span
}

// StartExecution opens the root span of one execution.
func StartExecution(ctx context.Context, tracer trace.Tracer, runID, workflowID string) (context.Context, *Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.String(AttrWorkflowID, workflowID),
	}
	if id := FromContext(ctx); id != "" {
		attrs = append(attrs, attribute.String(AttrCorrelation, id.String()))
	}
	ctx, span := tracer.Start(ctx, "execution "+workflowID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, &Span{span: span}
}

// StartStep opens a child span for one step.
func StartStep(ctx context.Context, tracer trace.Tracer, stepID, kind string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, "step "+stepID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrStepID, stepID),
			attribute.String(AttrStepKind, kind),
		),
	)
	return ctx, &Span{span: span}
}

// SetAttributes adds attributes. Unsupported value types are formatted
// with %v.
func (s *Span) SetAttributes(attrs map[string]any) {
	if s == nil || s.span == nil {
		return
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, toAttribute(k, v))
	}
	s.span.SetAttributes(kv...)
}

// RecordError marks the span failed.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// SetOK marks the span successful.
func (s *Span) SetOK() {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetStatus(codes.Ok, "")
}

// End closes the span.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}

// TraceID returns the span's trace id, or "" when it is not recording.
func (s *Span) TraceID() string {
	if s == nil || s.span == nil || !s.span.SpanContext().IsValid() {
		return ""
	}
	return s.span.SpanContext().TraceID().String()
}

func toAttribute(k string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(k, val)
	case int:
		return attribute.Int(k, val)
	case int64:
		return attribute.Int64(k, val)
	case float64:
		return attribute.Float64(k, val)
	case bool:
		return attribute.Bool(k, val)
	default:
		return attribute.String(k, fmt.Sprintf("%v", val))
	}
}
