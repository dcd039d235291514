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

package catalog

import "github.com/tombee/modelchain/pkg/workflow"

// builtIn returns the models available without a catalog file. Costs are
// in credits.
func builtIn() []Entry {
	return []Entry{
		// Hosted text
		{ID: "gpt-4o-mini", Category: workflow.MediaText, Provider: "openai", CostPerUse: 1},
		{ID: "gpt-4o", Category: workflow.MediaText, Provider: "openai", CostPerUse: 5},
		{ID: "claude-3-5-haiku-latest", Category: workflow.MediaText, Provider: "anthropic", CostPerUse: 2},
		{ID: "claude-3-5-sonnet-latest", Category: workflow.MediaText, Provider: "anthropic", CostPerUse: 6},
		{ID: "document-summarizer", Category: workflow.MediaDocument, Provider: "openai", CostPerUse: 2, Endpoint: "gpt-4o-mini"},

		// Hosted image
		{ID: "dall-e-3", Category: workflow.MediaImage, Provider: "openai", CostPerUse: 8},

		// Hosted audio
		{ID: "whisper-1", Category: workflow.MediaAudio, Provider: "openai", CostPerUse: 3, Operation: OpTranscribe},
		{ID: "tts-1", Category: workflow.MediaAudio, Provider: "openai", CostPerUse: 3, Operation: OpSpeech},
		{ID: "eleven-multilingual-v2", Category: workflow.MediaAudio, Provider: "elevenlabs", CostPerUse: 6, Operation: OpPremiumSpeech, Endpoint: "eleven_multilingual_v2"},

		// Marketplace
		{ID: "black-forest-labs/flux-schnell", Category: workflow.MediaImage, Provider: "replicate", CostPerUse: 4, IsMarketplace: true},
		{ID: "stability-ai/sdxl", Category: workflow.MediaImage, Provider: "replicate", CostPerUse: 5, IsMarketplace: true},
		{ID: "nightmareai/real-esrgan", Category: workflow.MediaImage, Provider: "replicate", CostPerUse: 3, IsMarketplace: true},
		{ID: "openai/whisper", Category: workflow.MediaText, Provider: "replicate", CostPerUse: 3, IsMarketplace: true},
		{ID: "suno-ai/bark", Category: workflow.MediaAudio, Provider: "replicate", CostPerUse: 5, IsMarketplace: true},
		{ID: "minimax/video-01", Category: workflow.MediaVideo, Provider: "replicate", CostPerUse: 20, IsMarketplace: true},
		{ID: "meta/meta-llama-3-8b-instruct", Category: workflow.MediaText, Provider: "replicate", CostPerUse: 1, IsMarketplace: true},
	}
}
