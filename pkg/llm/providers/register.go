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

package providers

import (
	"net/http"

	"github.com/tombee/modelchain/pkg/llm"
)

// RegisterAll registers the hosted provider factories on r. All providers
// share client. Factories are only instantiated by r.Activate.
func RegisterAll(r *llm.Registry, client *http.Client) {
	r.RegisterFactory("openai", func(c llm.Credentials) (llm.Provider, error) {
		return NewOpenAIProvider(c, client)
	})
	r.RegisterFactory("anthropic", func(c llm.Credentials) (llm.Provider, error) {
		return NewAnthropicProvider(c, client)
	})
	r.RegisterFactory("elevenlabs", func(c llm.Credentials) (llm.Provider, error) {
		return NewElevenLabsProvider(c, client)
	})
}
