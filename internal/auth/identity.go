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

package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// HeaderClientID carries a stable anonymous client identifier.
const HeaderClientID = "X-Client-ID"

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{8,128}$`)

// Identity is the caller of a request.
type Identity struct {
	// UserID is set for authenticated callers.
	UserID string

	// Anonymous callers are keyed by Key for the trial marker.
	Anonymous bool
	Key       string

	// IP is the anonymous caller's address. The trial is also claimed
	// under it so a fresh client id does not earn another trial.
	IP string
}

// TrialKey returns the primary key under which the anonymous trial is
// recorded.
func (i Identity) TrialKey() string {
	return "anon:" + i.Key
}

// TrialKeys returns every key the anonymous trial is claimed under.
func (i Identity) TrialKeys() []string {
	keys := []string{i.TrialKey()}
	if i.IP != "" && i.Key != "ip:"+i.IP {
		keys = append(keys, "anon:ip:"+i.IP)
	}
	return keys
}

func (i Identity) String() string {
	if i.Anonymous {
		return i.TrialKey()
	}
	return "user:" + i.UserID
}

// Authenticator resolves request identities.
type Authenticator struct {
	JWT JWTConfig

	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
}

// Identify returns the caller's identity. A presented bearer token must be
// valid; an absent token yields an anonymous identity.
func (a *Authenticator) Identify(r *http.Request) (Identity, error) {
	if token, ok := bearerToken(r); ok {
		if !a.JWT.Enabled() {
			return Identity{}, fmt.Errorf("bearer tokens are not accepted by this server")
		}
		claims, err := ValidateJWT(token, a.JWT)
		if err != nil {
			return Identity{}, err
		}
		return Identity{UserID: claims.User()}, nil
	}

	ip := a.clientIP(r)
	if id := r.Header.Get(HeaderClientID); clientIDPattern.MatchString(id) {
		return Identity{Anonymous: true, Key: "client:" + id, IP: ip}, nil
	}
	return Identity{Anonymous: true, Key: "ip:" + ip, IP: ip}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func (a *Authenticator) clientIP(r *http.Request) string {
	if a.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type identityKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored on ctx.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Middleware identifies every request. Invalid bearer tokens are rejected
// with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Identify(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="modelchain"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid credentials"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
