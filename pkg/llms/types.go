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

// Package llms abstracts chat-completion providers behind a single
// Caller contract. Provider selection is a configuration key; the
// agent never sees provider-specific types.
package llms

import (
	"context"
	"fmt"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID set on tool messages carrying a result.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a provider-requested tool invocation.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolDefinition describes a callable tool to the provider.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is the token accounting of one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is a single completion request.
type Request struct {
	Messages []Message
	Tools    []ToolDefinition

	// Schema, when set, constrains the output to a JSON document
	// matching the given JSON Schema (provider support varies; all
	// providers at minimum receive the schema as an instruction).
	Schema map[string]any

	// MaxTokens and Temperature override the provider defaults when
	// non-zero.
	MaxTokens   int
	Temperature float64
}

// Response is the provider's reply.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Caller is the single internal LLM contract.
type Caller interface {
	// Model returns the configured model identifier, used for cost
	// attribution.
	Model() string

	// Complete performs one chat completion.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Error wraps provider failures (unavailable, malformed output) so
// the controller can apply its one-retry-then-fallback policy.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
