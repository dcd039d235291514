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

package config

import (
	"net"

	"github.com/tombee/modelchain/internal/permissions"
	"github.com/tombee/modelchain/pkg/llm"
	"github.com/tombee/modelchain/pkg/llm/providers"
)

// Credentials returns the activation credentials for each hosted provider.
// Providers without a key are included with an empty key so activation
// reports them as missing rather than unknown.
func (p ProvidersConfig) Credentials() map[string]llm.Credentials {
	return map[string]llm.Credentials{
		"openai": {
			APIKey:  p.OpenAI.APIKey,
			BaseURL: p.OpenAI.BaseURL,
			Options: nonEmpty(map[string]string{
				providers.OptChatModel:  p.OpenAI.ChatModel,
				providers.OptImageModel: p.OpenAI.ImageModel,
				providers.OptSTTModel:   p.OpenAI.STTModel,
				providers.OptTTSModel:   p.OpenAI.TTSModel,
				providers.OptTTSVoice:   p.OpenAI.TTSVoice,
			}),
		},
		"anthropic": {
			APIKey:  p.Anthropic.APIKey,
			BaseURL: p.Anthropic.BaseURL,
		},
		"elevenlabs": {
			APIKey:  p.ElevenLabs.APIKey,
			BaseURL: p.ElevenLabs.BaseURL,
			Options: nonEmpty(map[string]string{providers.OptVoiceID: p.ElevenLabs.VoiceID}),
		},
	}
}

// ReplicateCredentials returns the marketplace token.
func (p ProvidersConfig) ReplicateCredentials() (llm.Credentials, providers.ReplicateOptions) {
	return llm.Credentials{APIKey: p.Replicate.APIToken, BaseURL: p.Replicate.BaseURL},
		providers.ReplicateOptions{PollInterval: p.Replicate.PollInterval, MaxPolls: p.Replicate.MaxPolls}
}

// Policy returns the outbound network policy for generic HTTP steps.
func (h HTTPStepsConfig) Policy() *permissions.NetworkPolicy {
	return &permissions.NetworkPolicy{
		AllowedHosts:         h.AllowedHosts,
		BlockedHosts:         h.BlockedHosts,
		AllowPrivateNetworks: h.AllowPrivateNetworks,
		Resolver:             net.DefaultResolver,
	}
}

func nonEmpty(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
