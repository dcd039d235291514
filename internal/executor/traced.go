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

package executor

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/modelchain/internal/tracing"
	"github.com/tombee/modelchain/pkg/workflow"
)

// Traced wraps next so every step call runs inside a span that is a child
// of the execution span carried by ctx.
func Traced(next workflow.StepExecutor, tracer trace.Tracer) workflow.StepExecutor {
	return workflow.StepExecutorFunc(func(ctx context.Context, req workflow.StepRequest) (workflow.StepOutput, error) {
		ctx, span := tracing.StartStep(ctx, tracer, req.Step.ID, string(req.Step.Kind()))
		defer span.End()

		out, err := next.Execute(ctx, req)
		switch {
		case err != nil:
			span.RecordError(err)
		case out.Failed():
			span.RecordError(errors.New(out.Error))
		default:
			span.SetAttributes(map[string]any{"files": len(out.Files)})
			span.SetOK()
		}
		return out, err
	})
}
