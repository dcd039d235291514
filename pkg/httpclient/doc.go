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

// Package httpclient builds the outbound HTTP clients used by model
// providers and Generic-HTTP steps.
//
// Every client shares the same layering:
//
//	retry (idempotent methods only)
//	  -> host policy (optional)
//	    -> logging (sanitized URL, User-Agent, correlation id)
//	      -> http.Transport (TLS 1.2 floor, pooled connections)
//
// Example:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "modelchain/" + version
//	client, err := httpclient.New(cfg)
package httpclient
