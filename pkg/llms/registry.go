// Copyright 2025 Kadir Pekel
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

package llms

import (
	"context"
	"fmt"

	"github.com/medwatch-ai/fdagent/pkg/config"
)

// New builds the Caller named by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (Caller, error) {
	switch cfg.Provider {
	case "openai", "openrouter":
		return NewOpenAIProvider(cfg)
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "gemini":
		return NewGeminiProvider(cfg)
	case "ollama":
		return NewOllamaProvider(cfg)
	case "bedrock":
		return NewBedrockProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// NewGuard builds the Caller for the guardrail pass. It reuses the main
// provider configuration with GuardModel substituted; when GuardModel is
// empty the main model doubles as the guard.
func NewGuard(ctx context.Context, cfg config.LLMConfig) (Caller, error) {
	if cfg.GuardModel != "" {
		cfg.Model = cfg.GuardModel
	}
	return New(ctx, cfg)
}
