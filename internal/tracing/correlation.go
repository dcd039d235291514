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

// Package tracing carries correlation ids through request contexts so log
// lines and outbound provider calls for one execution can be joined, and
// records OpenTelemetry spans for executions and their steps.
package tracing

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationID identifies one inbound request and everything it triggers.
type CorrelationID string

type correlationKey struct{}

const (
	// HeaderCorrelationID is read from inbound and written to outbound requests.
	HeaderCorrelationID = "X-Correlation-ID"
	// HeaderRequestID is accepted on inbound requests as an alias.
	HeaderRequestID = "X-Request-ID"
)

// NewCorrelationID returns a random UUID-formatted id.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

func (c CorrelationID) String() string { return string(c) }

// IsValid reports whether the id parses as a UUID.
func (c CorrelationID) IsValid() bool {
	if len(c) != 36 {
		return false
	}
	_, err := uuid.Parse(string(c))
	return err == nil
}

// ToContext stores id on ctx.
func ToContext(ctx context.Context, id CorrelationID) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// FromContext returns the id stored on ctx, or "" when there is none.
func FromContext(ctx context.Context) CorrelationID {
	id, _ := ctx.Value(correlationKey{}).(CorrelationID)
	return id
}

// InjectIntoRequest copies the context's id onto an outbound request.
func InjectIntoRequest(ctx context.Context, req *http.Request) {
	if id := FromContext(ctx); id != "" {
		req.Header.Set(HeaderCorrelationID, id.String())
	}
}

// Middleware adopts a valid inbound correlation id or mints a new one,
// stores it on the request context and echoes it in the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := CorrelationID(r.Header.Get(HeaderCorrelationID))
		if id == "" {
			id = CorrelationID(r.Header.Get(HeaderRequestID))
		}
		if !id.IsValid() {
			id = NewCorrelationID()
		}

		w.Header().Set(HeaderCorrelationID, id.String())
		next.ServeHTTP(w, r.WithContext(ToContext(r.Context(), id)))
	})
}
