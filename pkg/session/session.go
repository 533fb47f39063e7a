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

// Package session persists conversation history, resolver context, and
// usage totals across turns. The SQL store supports sqlite and
// postgres; an in-process cache fronts it.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/medwatch-ai/fdagent/pkg/resolver"
	"github.com/medwatch-ai/fdagent/pkg/tools"
	"github.com/medwatch-ai/fdagent/pkg/usage"
)

// ErrSessionNotFound marks a lookup for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// ErrTurnInProgress rejects a concurrent turn on the same session.
var ErrTurnInProgress = errors.New("a turn is already running on this session")

// Message is one entry of a session's history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// ToolCalls set on assistant messages that dispatched tools.
	ToolCalls []tools.CallRecord `json:"tool_calls,omitempty"`

	// ToolResultOf names the tool a tool-role message answers.
	ToolResultOf string `json:"tool_result_of,omitempty"`
}

// Session is the persisted conversation state.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Messages []Message        `json:"messages"`
	Context  resolver.Context `json:"resolver_context"`
	Usage    usage.Stats      `json:"usage"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	CostUSD      float64   `json:"cost_usd"`
}

// Store is the persistence contract. Append is atomic per turn: the
// whole message batch and the context update land together or not at
// all. The new context merges field-wise into the stored one.
type Store interface {
	Create(ctx context.Context) (*Session, error)
	Load(ctx context.Context, id string) (*Session, error)
	Append(ctx context.Context, id string, messages []Message, rc resolver.Context, stats usage.Stats) error

	// UpdateUsage replaces the stored usage snapshot without touching
	// messages or context. Cap extensions persist through it.
	UpdateUsage(ctx context.Context, id string, stats usage.Stats) error

	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Summary, error)
	Close() error
}
