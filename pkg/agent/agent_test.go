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

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medwatch-ai/fdagent/pkg/config"
	"github.com/medwatch-ai/fdagent/pkg/llms"
	"github.com/medwatch-ai/fdagent/pkg/observability"
	"github.com/medwatch-ai/fdagent/pkg/openfda"
	"github.com/medwatch-ai/fdagent/pkg/params"
	"github.com/medwatch-ai/fdagent/pkg/resolver"
	"github.com/medwatch-ai/fdagent/pkg/session"
	"github.com/medwatch-ai/fdagent/pkg/tools"
	"github.com/medwatch-ai/fdagent/pkg/usage"
)

// scriptCaller replays canned responses in order and records every
// request it saw. An exhausted script fails the call.
type scriptCaller struct {
	mu        sync.Mutex
	responses []llms.Response
	requests  []llms.Request
}

func (c *scriptCaller) Model() string { return "gpt-4o-mini" }

func (c *scriptCaller) Complete(_ context.Context, req llms.Request) (*llms.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return nil, &llms.Error{Provider: "script", Err: errors.New("script exhausted")}
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return &resp, nil
}

// plannerRequests counts the schema-constrained calls, which only the
// planner issues.
func (c *scriptCaller) plannerRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, req := range c.requests {
		if req.Schema != nil {
			n++
		}
	}
	return n
}

// failCaller rejects every completion, driving the fallback paths.
type failCaller struct{}

func (failCaller) Model() string { return "gpt-4o-mini" }

func (failCaller) Complete(context.Context, llms.Request) (*llms.Response, error) {
	return nil, &llms.Error{Provider: "fail", Err: errors.New("unavailable")}
}

// memStore is an in-memory session store for controller tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	appends  int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*session.Session)}
}

func (s *memStore) Create(context.Context) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &session.Session{ID: fmt.Sprintf("sess-%d", len(s.sessions)+1)}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *memStore) Load(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

func (s *memStore) Append(_ context.Context, id string, messages []session.Message, rc resolver.Context, stats usage.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	sess.Messages = append(sess.Messages, messages...)
	sess.Context.Merge(&rc)
	sess.Usage = stats
	s.appends++
	return nil
}

func (s *memStore) UpdateUsage(_ context.Context, id string, stats usage.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	sess.Usage = stats
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *memStore) List(context.Context) ([]session.Summary, error) { return nil, nil }

func (s *memStore) Close() error { return nil }

const onePage = `{"meta":{"last_updated":"2026-08-01","results":{"skip":0,"limit":10,"total":1}},"results":[{"device_name":"Infusion Pump","product_code":"FRN"}]}`

const emptyPage = `{"meta":{"last_updated":"2026-08-01","results":{"skip":0,"limit":10,"total":0}},"results":[]}`

func testRegistry(t *testing.T, body string) *tools.Registry {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	client := openfda.NewClient(config.OpenFDAConfig{BaseURL: server.URL, TimeoutSeconds: 5})

	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterSearchTools(registry, client))
	require.NoError(t, tools.RegisterAggregateTools(registry, client))
	return registry
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.SetDefaults()
	return cfg
}

func newTestAgent(t *testing.T, caller llms.Caller, store session.Store, body string) *Agent {
	t.Helper()
	extractor, err := params.NewExtractor(failCaller{}, nil)
	require.NoError(t, err)
	return New(testConfig(), caller, nil, extractor, nil, testRegistry(t, body), store, nil, nil)
}

func planResponse(strategy, tool string, args string) llms.Response {
	return llms.Response{
		Content: fmt.Sprintf(`{"strategy":%q,"endpoint":"classification","calls":[{"tool":%q,"args":%s}]}`, strategy, tool, args),
		Usage:   llms.Usage{InputTokens: 100, OutputTokens: 20},
	}
}

func TestAskHappyPath(t *testing.T) {
	caller := &scriptCaller{responses: []llms.Response{
		planResponse("category", "search_classifications", `{"device_name":"infusion pump"}`),
		{Content: "One class II infusion pump matches.", Usage: llms.Usage{InputTokens: 200, OutputTokens: 50}},
	}}
	store := newMemStore()
	agent := newTestAgent(t, caller, store, onePage)

	answer, err := agent.Ask(context.Background(), "", "What infusion pumps are classified?")
	require.NoError(t, err)

	assert.Contains(t, answer.Text, "One class II infusion pump matches.")
	assert.Contains(t, answer.Text, "Sources:")
	assert.Contains(t, answer.Text, "search_classifications")

	require.Len(t, answer.Provenance, 1)
	assert.Equal(t, "search_classifications", answer.Provenance[0].Tool)
	assert.Equal(t, "classification", answer.Provenance[0].Endpoint)
	assert.Equal(t, 1, answer.Provenance[0].ResultCount)
	assert.Equal(t, "2026-08-01", answer.Provenance[0].LastUpdated)

	// Planner plus answer usage, and the extraction estimate.
	assert.GreaterOrEqual(t, answer.Usage.LLMCalls, int64(2))
	assert.Greater(t, answer.Usage.CostUSD, 0.0)

	sess, err := store.Load(context.Background(), answer.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "user", sess.Messages[0].Role)
	assert.Equal(t, "assistant", sess.Messages[1].Role)
	assert.Len(t, sess.Messages[1].ToolCalls, 1)
}

func TestPlannerInvocationBudget(t *testing.T) {
	// Every iteration comes back empty with no extractable filters, so
	// the assessor keeps asking for a re-plan. The budget stops it at
	// three planner invocations.
	caller := &scriptCaller{responses: []llms.Response{
		planResponse("broad", "search_classifications", `{}`),
		planResponse("broad", "search_classifications", `{}`),
		planResponse("broad", "search_classifications", `{}`),
		{Content: "No records were found."},
	}}
	agent := newTestAgent(t, caller, newMemStore(), emptyPage)

	answer, err := agent.Ask(context.Background(), "", "show me devices")
	require.NoError(t, err)
	assert.Equal(t, 3, caller.plannerRequests())
	assert.Len(t, answer.Provenance, 3)
}

func TestClarificationShortCircuits(t *testing.T) {
	caller := &scriptCaller{responses: []llms.Response{
		{Content: `{"strategy":"broad","clarification":"Which manufacturer do you mean?"}`},
	}}
	store := newMemStore()
	agent := newTestAgent(t, caller, store, emptyPage)

	answer, err := agent.Ask(context.Background(), "", "tell me about their recalls")
	require.NoError(t, err)
	assert.Equal(t, "Which manufacturer do you mean?", answer.Text)
	assert.Empty(t, answer.Provenance)
	assert.Equal(t, 1, store.appends)
}

func TestFallbackPlanAndAnswer(t *testing.T) {
	// Planner and answer models both unavailable: the agent still
	// produces an answer from the hint-based fallback plan and the
	// deterministic summary.
	store := newMemStore()
	agent := newTestAgent(t, failCaller{}, store, onePage)

	answer, err := agent.Ask(context.Background(), "", "infusion pumps")
	require.NoError(t, err)
	assert.Contains(t, answer.Text, "Found 1 matching records")
	require.Len(t, answer.Provenance, 1)
	assert.Equal(t, "classification", answer.Provenance[0].Endpoint)
	assert.Equal(t, 1, store.appends)
}

func TestUsageCapRefusesBeforeAnyLLMCall(t *testing.T) {
	caller := &scriptCaller{}
	store := newMemStore()
	sess, err := store.Create(context.Background())
	require.NoError(t, err)
	sess.Usage = usage.Stats{CostUSD: 2.00}

	agent := newTestAgent(t, caller, store, emptyPage)
	_, err = agent.Ask(context.Background(), sess.ID, "anything")
	require.ErrorIs(t, err, usage.ErrUsageCapExceeded)
	assert.Empty(t, caller.requests)
	assert.Zero(t, store.appends)
}

func TestExtendCapPersistsAcrossTurns(t *testing.T) {
	store := newMemStore()
	sess, err := store.Create(context.Background())
	require.NoError(t, err)
	sess.Usage = usage.Stats{CostUSD: 2.00}

	cfg := testConfig()
	cfg.Usage.OperatorPassphrase = "open-sesame"
	caller := &scriptCaller{responses: []llms.Response{
		planResponse("category", "search_classifications", `{"device_name":"infusion pump"}`),
		{Content: "One class II infusion pump matches."},
	}}
	extractor, err := params.NewExtractor(failCaller{}, nil)
	require.NoError(t, err)
	agent := New(cfg, caller, nil, extractor, nil, testRegistry(t, onePage), store, nil, nil)

	// Over the soft cap: the turn is refused.
	_, err = agent.Ask(context.Background(), sess.ID, "anything")
	require.ErrorIs(t, err, usage.ErrUsageCapExceeded)

	require.ErrorIs(t, agent.ExtendCap(context.Background(), sess.ID, "wrong"), usage.ErrBadPassphrase)
	require.NoError(t, agent.ExtendCap(context.Background(), sess.ID, "open-sesame"))

	// The extension was persisted, so the next turn on the same
	// session runs under the hard cap.
	answer, err := agent.Ask(context.Background(), sess.ID, "What infusion pumps are classified?")
	require.NoError(t, err)
	assert.Contains(t, answer.Text, "infusion pump")

	reloaded, err := store.Load(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Usage.CapExtended)
	assert.Greater(t, reloaded.Usage.CostUSD, 2.00)
}

func TestConcurrentTurnRejected(t *testing.T) {
	store := newMemStore()
	sess, err := store.Create(context.Background())
	require.NoError(t, err)

	agent := newTestAgent(t, &scriptCaller{}, store, emptyPage)
	require.NoError(t, agent.turns.Acquire(sess.ID))
	defer agent.turns.Release(sess.ID)

	_, err = agent.Ask(context.Background(), sess.ID, "anything")
	assert.ErrorIs(t, err, session.ErrTurnInProgress)
}

func TestCancelledTurnPersistsNothing(t *testing.T) {
	caller := &scriptCaller{responses: []llms.Response{
		planResponse("broad", "search_classifications", `{"device_name":"pump"}`),
	}}
	store := newMemStore()
	agent := newTestAgent(t, caller, store, onePage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := agent.Ask(ctx, "", "infusion pumps")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.appends)
}

func TestUnknownSessionRejected(t *testing.T) {
	agent := newTestAgent(t, &scriptCaller{}, newMemStore(), emptyPage)
	_, err := agent.Ask(context.Background(), "nope", "anything")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestDossierFanOut(t *testing.T) {
	registry := testRegistry(t, emptyPage)
	disp := &dispatcher{
		registry: registry,
		metrics:  observability.NewNopMetrics(),
		logger:   slog.Default(),
		emit:     func(Event) {},
	}
	st := &state{extracted: params.Parameters{ProductCode: "FRN", DeviceName: "infusion pump"}}

	disp.dispatchDossier(context.Background(), st, &plan{Strategy: string(StrategySafetyDossier)})

	// Three parallel probes, then the related-device follow-up because
	// everything came back empty.
	require.Len(t, st.toolCalls, 4)
	names := make(map[string]int)
	for _, call := range st.toolCalls {
		names[call.ToolName]++
	}
	assert.Equal(t, 1, names["search_recalls"])
	assert.Equal(t, 1, names["search_events"])
	assert.Equal(t, 2, names["search_classifications"])

	last := st.toolCalls[3]
	assert.Equal(t, "search_classifications", last.ToolName)
	assert.Equal(t, "infusion pump", last.Args["device_name"])
}

func TestEnrichSkipsRecalls(t *testing.T) {
	disp := &dispatcher{}
	st := &state{context: resolver.Context{
		Devices: &resolver.ResolvedEntities{ProductCodes: []string{"FRN"}},
	}}

	search := plannedCall{Tool: "search_events", Args: map[string]any{}}
	disp.enrich(st, &search)
	assert.Equal(t, "FRN", search.Args["product_code"])

	recalls := plannedCall{Tool: "search_recalls", Args: map[string]any{}}
	disp.enrich(st, &recalls)
	assert.Nil(t, recalls.Args["product_code"])
}

func TestFallbackPlanDropsProductCodeForRecalls(t *testing.T) {
	st := &state{extracted: params.Parameters{ProductCode: "FRN", DeviceName: "pump"}}
	pl, err := fallbackPlan(st, []string{"enforcement"})
	require.NoError(t, err)
	require.Len(t, pl.Calls, 1)
	assert.Equal(t, "search_recalls", pl.Calls[0].Tool)
	assert.NotContains(t, pl.Calls[0].Args, "product_code")
	assert.Equal(t, "pump", pl.Calls[0].Args["device_name"])
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}
