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

// Package permissions holds the outbound host policy applied to Generic-HTTP
// steps, whose URLs come from user-authored workflow definitions.
package permissions

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// MetadataHosts are cloud metadata endpoints. They are always blocked.
var MetadataHosts = []string{
	"169.254.169.254/32",
	"169.254.169.253/32",
	"metadata.google.internal",
}

// PrivateRanges are loopback and private networks, blocked unless the
// policy allows private networks.
var PrivateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"localhost",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// NetworkPolicy decides which hosts Generic-HTTP steps may call.
type NetworkPolicy struct {
	// AllowedHosts restricts calls to matching hosts. Empty allows any host
	// that is not blocked. Supports exact names, "*.example.com", IPs and CIDRs.
	AllowedHosts []string

	// BlockedHosts are denied in addition to the built-in lists.
	BlockedHosts []string

	// AllowPrivateNetworks lifts the PrivateRanges block. Metadata endpoints
	// stay blocked.
	AllowPrivateNetworks bool

	// Resolver, when set, is used to check that a hostname does not resolve
	// into a blocked range.
	Resolver Resolver
}

func (p *NetworkPolicy) blocked() []string {
	out := append([]string{}, MetadataHosts...)
	if !p.AllowPrivateNetworks {
		out = append(out, PrivateRanges...)
	}
	return append(out, p.BlockedHosts...)
}

// CheckHost implements httpclient.HostChecker. host may carry a port.
func (p *NetworkPolicy) CheckHost(ctx context.Context, host string) error {
	if p == nil {
		return nil
	}
	hostname := stripPort(host)
	blocked := p.blocked()

	for _, pattern := range blocked {
		if matchesHostPattern(hostname, pattern) {
			return &PermissionError{Type: "network.blocked", Resource: host, Message: "host is in blocked list"}
		}
	}

	if len(p.AllowedHosts) > 0 {
		allowed := false
		for _, pattern := range p.AllowedHosts {
			if matchesHostPattern(hostname, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &PermissionError{
				Type:     "network.host_denied",
				Resource: host,
				Allowed:  p.AllowedHosts,
				Message:  "host not in allowed patterns",
			}
		}
	}

	if p.Resolver != nil && net.ParseIP(hostname) == nil {
		return p.checkResolved(ctx, host, hostname, blocked)
	}
	return nil
}

// checkResolved guards against names that point into blocked ranges.
func (p *NetworkPolicy) checkResolved(ctx context.Context, host, hostname string, blocked []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	addrs, err := p.Resolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		// unresolvable hosts fail later at dial time with a clearer error
		return nil
	}
	for _, addr := range addrs {
		for _, pattern := range blocked {
			if strings.Contains(pattern, "/") && matchesCIDR(addr.IP.String(), pattern) {
				return &PermissionError{Type: "network.blocked", Resource: host, Message: "host resolves to a blocked address"}
			}
		}
	}
	return nil
}

// matchesHostPattern supports exact names, "*" wildcards, IPs and CIDRs.
func matchesHostPattern(hostname, pattern string) bool {
	if strings.Contains(pattern, "/") {
		return matchesCIDR(hostname, pattern)
	}
	if strings.Contains(pattern, "*") {
		// *.example.com -> **.example.com so nested subdomains match
		matched, err := doublestar.Match(strings.ReplaceAll(pattern, "*", "**"), hostname)
		return err == nil && matched
	}
	return strings.EqualFold(hostname, pattern)
}

func matchesCIDR(hostname, cidr string) bool {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ipNet.Contains(ip)
}

// stripPort removes a port, handling bracketed and bare IPv6 addresses.
func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if idx := strings.LastIndex(host, "]"); idx != -1 {
			return host[1:idx]
		}
	}
	if strings.Count(host, ":") > 1 {
		return host
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
