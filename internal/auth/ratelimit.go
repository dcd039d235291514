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
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a per-key limiter.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
}

// RateLimiter keeps one token bucket per key.
type RateLimiter struct {
	config RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter. A disabled limiter allows everything.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	return &RateLimiter{
		config:  cfg,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || !rl.config.Enabled {
		return true
	}

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.limiter.Allow()
}

// Cleanup drops buckets not used within maxAge.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// RunCleanup calls Cleanup every interval until stop is closed.
func (rl *RateLimiter) RunCleanup(stop <-chan struct{}, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.Cleanup(maxAge)
		}
	}
}

// ParseRateLimit parses "N/period" where period is second, minute, hour or
// day (or s, m, h, d). Burst equals N.
func ParseRateLimit(s string) (float64, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("rate limit is empty")
	}

	countStr, period, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid rate limit format %q: expected N/period", s)
	}

	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid count in rate limit %q: %w", s, err)
	}
	if count <= 0 {
		return 0, 0, fmt.Errorf("rate limit count must be positive, got %d", count)
	}

	var window time.Duration
	switch strings.ToLower(strings.TrimSpace(period)) {
	case "second", "s":
		window = time.Second
	case "minute", "m":
		window = time.Minute
	case "hour", "h":
		window = time.Hour
	case "day", "d":
		window = 24 * time.Hour
	default:
		return 0, 0, fmt.Errorf("invalid period %q in rate limit", period)
	}

	return float64(count) / window.Seconds(), count, nil
}
