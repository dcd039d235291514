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

package permissions

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkPolicy_CheckHost(t *testing.T) {
	tests := []struct {
		name      string
		policy    *NetworkPolicy
		host      string
		errorType string
	}{
		{name: "nil policy allows everything", policy: nil, host: "127.0.0.1"},
		{name: "public host allowed by default", policy: &NetworkPolicy{}, host: "api.example.com:443"},
		{name: "metadata blocked", policy: &NetworkPolicy{}, host: "169.254.169.254", errorType: "network.blocked"},
		{name: "metadata blocked even with private allowed", policy: &NetworkPolicy{AllowPrivateNetworks: true}, host: "metadata.google.internal", errorType: "network.blocked"},
		{name: "loopback blocked", policy: &NetworkPolicy{}, host: "127.0.0.1:8080", errorType: "network.blocked"},
		{name: "localhost blocked", policy: &NetworkPolicy{}, host: "localhost:9000", errorType: "network.blocked"},
		{name: "loopback allowed when private allowed", policy: &NetworkPolicy{AllowPrivateNetworks: true}, host: "127.0.0.1:8080"},
		{name: "ipv6 loopback blocked", policy: &NetworkPolicy{}, host: "[::1]:8080", errorType: "network.blocked"},
		{name: "wildcard allow matches nested subdomain", policy: &NetworkPolicy{AllowedHosts: []string{"*.example.com"}}, host: "a.b.example.com"},
		{name: "host outside allow list", policy: &NetworkPolicy{AllowedHosts: []string{"api.example.com"}}, host: "evil.com", errorType: "network.host_denied"},
		{name: "custom block", policy: &NetworkPolicy{BlockedHosts: []string{"*.internal.corp"}}, host: "db.internal.corp", errorType: "network.blocked"},
		{name: "case insensitive exact match", policy: &NetworkPolicy{AllowedHosts: []string{"API.example.com"}}, host: "api.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.CheckHost(context.Background(), tt.host)
			if tt.errorType == "" {
				assert.NoError(t, err)
				return
			}
			var permErr *PermissionError
			require.True(t, errors.As(err, &permErr), "expected PermissionError, got %v", err)
			assert.Equal(t, tt.errorType, permErr.Type)
		})
	}
}

type fakeResolver map[string][]net.IPAddr

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestNetworkPolicy_ResolvedAddressBlocked(t *testing.T) {
	policy := &NetworkPolicy{Resolver: fakeResolver{
		"rebind.example.com": {{IP: net.ParseIP("10.1.2.3")}},
		"ok.example.com":     {{IP: net.ParseIP("93.184.216.34")}},
	}}

	err := policy.CheckHost(context.Background(), "rebind.example.com")
	assert.Error(t, err)

	assert.NoError(t, policy.CheckHost(context.Background(), "ok.example.com"))
	assert.NoError(t, policy.CheckHost(context.Background(), "unresolvable.example.com"))
}

func TestStripPort(t *testing.T) {
	tests := map[string]string{
		"example.com:8080": "example.com",
		"example.com":      "example.com",
		"[::1]:443":        "::1",
		"2001:db8::1":      "2001:db8::1",
		"10.0.0.1:22":      "10.0.0.1",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripPort(in), in)
	}
}
