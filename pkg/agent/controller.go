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
	"strings"
	"time"

	"github.com/medwatch-ai/fdagent/pkg/assess"
	"github.com/medwatch-ai/fdagent/pkg/config"
	"github.com/medwatch-ai/fdagent/pkg/llms"
	"github.com/medwatch-ai/fdagent/pkg/observability"
	"github.com/medwatch-ai/fdagent/pkg/params"
	"github.com/medwatch-ai/fdagent/pkg/rag"
	"github.com/medwatch-ai/fdagent/pkg/session"
	"github.com/medwatch-ai/fdagent/pkg/tools"
	"github.com/medwatch-ai/fdagent/pkg/usage"
)

// ErrTurnTimeout marks a turn that exceeded its deadline. Nothing is
// persisted for such turns.
var ErrTurnTimeout = errors.New("turn deadline exceeded")

// Agent composes the planner, the tool dispatcher, the assessor, and
// the guardrail into the per-turn state machine.
type Agent struct {
	cfg       config.Config
	llm       llms.Caller
	guardrail *assess.Guardrail
	extractor *params.Extractor
	retriever *rag.Retriever
	registry  *tools.Registry
	store     session.Store
	turns     *session.TurnGuard
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New assembles an agent from its collaborators.
func New(cfg config.Config, llm llms.Caller, guardrail *assess.Guardrail, extractor *params.Extractor,
	retriever *rag.Retriever, registry *tools.Registry, store session.Store,
	metrics *observability.Metrics, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	if guardrail == nil {
		// A nil-caller guardrail passes drafts through unchanged.
		guardrail = assess.NewGuardrail(nil, logger)
	}
	return &Agent{
		cfg:       cfg,
		llm:       llm,
		guardrail: guardrail,
		extractor: extractor,
		retriever: retriever,
		registry:  registry,
		store:     store,
		turns:     session.NewTurnGuard(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Ask runs one turn without streaming.
func (a *Agent) Ask(ctx context.Context, sessionID, question string) (*Answer, error) {
	return a.AskStream(ctx, sessionID, question, func(Event) {})
}

// AskStream runs one turn, emitting events as it progresses. Turns on
// the same session are strictly serialized; a concurrent turn is
// rejected with session.ErrTurnInProgress.
func (a *Agent) AskStream(ctx context.Context, sessionID, question string, emit func(Event)) (*Answer, error) {
	sess, err := a.loadOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := a.turns.Acquire(sess.ID); err != nil {
		return nil, err
	}
	defer a.turns.Release(sess.ID)

	meter := usage.NewMeter(a.cfg.Usage, sess.Usage)
	if err := meter.CheckCap(); err != nil {
		a.metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	before := sess.Usage

	deadline := time.Duration(a.cfg.Turn.DeadlineSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	emit(Event{Type: EventStart, Timestamp: time.Now().UTC()})
	answer, err := a.runTurn(ctx, sess, question, meter, emit)
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("%w after %s", ErrTurnTimeout, deadline)
			outcome = "timeout"
		case errors.Is(err, context.Canceled):
			outcome = "cancelled"
		}
		a.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
		emit(Event{Type: EventError, Timestamp: time.Now().UTC(), Message: err.Error()})
		return nil, err
	}

	answer.SessionID = sess.ID
	after := meter.Snapshot()
	answer.Usage = UsageReport{
		InputTokens:  after.InputTokens - before.InputTokens,
		OutputTokens: after.OutputTokens - before.OutputTokens,
		LLMCalls:     after.LLMCalls - before.LLMCalls,
		CostUSD:      after.CostUSD - before.CostUSD,
	}
	a.metrics.TurnsTotal.WithLabelValues("ok").Inc()
	emit(Event{Type: EventComplete, Timestamp: time.Now().UTC(), Answer: answer})
	return answer, nil
}

// ExtendCap raises a session's spending cap with the operator
// passphrase. The extension is persisted so later turns see the
// raised cap.
func (a *Agent) ExtendCap(ctx context.Context, sessionID, passphrase string) error {
	sess, err := a.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	meter := usage.NewMeter(a.cfg.Usage, sess.Usage)
	if err := meter.Extend(passphrase); err != nil {
		return err
	}
	return a.store.UpdateUsage(ctx, sessionID, meter.Snapshot())
}

func (a *Agent) loadOrCreate(ctx context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return a.store.Create(ctx)
	}
	return a.store.Load(ctx, sessionID)
}

// runTurn drives the state machine to a final answer.
func (a *Agent) runTurn(ctx context.Context, sess *session.Session, question string, meter *usage.Meter, emit func(Event)) (*Answer, error) {
	st := &state{
		question: question,
		history:  sess.Messages,
		context:  sess.Context,
	}

	st.extracted = a.extract(ctx, question, meter, emit)

	hints, hits := a.retrieve(ctx, question)
	for i, hit := range hits {
		if i >= 3 {
			break
		}
		st.docs = append(st.docs, hit.Chunk.Text)
	}

	pln := newPlanner(a.llm, a.registry, a.logger)
	disp := &dispatcher{registry: a.registry, metrics: a.metrics, logger: a.logger, emit: emit}
	maxRetries := 2
	if a.cfg.Retry.Max != nil {
		maxRetries = *a.cfg.Retry.Max
	}

	for {
		emit(Event{Type: EventThinking, Timestamp: time.Now().UTC(), Message: "planning"})
		currentPlan, used, err := pln.plan(ctx, st, hints)
		if err != nil {
			return nil, err
		}
		meter.Record(a.llm.Model(), used)
		a.metrics.LLMCalls.WithLabelValues("planner").Inc()

		if currentPlan.Clarification != "" {
			return a.finishClarification(ctx, sess, st, meter, currentPlan.Clarification)
		}
		st.strategy = Strategy(currentPlan.Strategy)
		st.endpoint = currentPlan.Endpoint

		disp.dispatch(ctx, st, currentPlan)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		verdict := assess.Check(assess.Input{
			Question:       question,
			Extracted:      st.extracted,
			ResultCount:    resultCount(st.toolCalls),
			ToolsSucceeded: anySucceeded(st.toolCalls),
		})
		if verdict.Sufficient || st.retries >= maxRetries {
			if !verdict.Sufficient {
				a.logger.Warn("retry budget exhausted, answering anyway", "reason", verdict.Reason)
			}
			break
		}
		st.retries++
		st.assessorNotes = append(st.assessorNotes, verdict.Reason)
		a.metrics.PlannerRetries.Inc()
		a.logger.Debug("re-planning", "reason", verdict.Reason, "retry", st.retries)
	}

	emit(Event{Type: EventThinking, Timestamp: time.Now().UTC(), Message: "drafting answer"})
	draft := a.draft(ctx, st, meter)

	final, guardUsage := a.guardrail.Review(ctx, draft, st.toolCalls, &st.context)
	meter.Record(guardModel(a.cfg), guardUsage)
	a.metrics.LLMCalls.WithLabelValues("guardrail").Inc()
	if final != draft {
		a.metrics.GuardrailRewrites.Inc()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	answer := &Answer{
		Text:       withProvenanceBlock(final, st.toolCalls),
		Structured: structuredPayloads(st.toolCalls),
		Provenance: provenance(st.toolCalls),
	}
	if err := a.persist(ctx, sess, st, meter, answer.Text); err != nil {
		return nil, err
	}
	return answer, nil
}

// extract runs the two-phase extraction, re-extracting once with the
// endpoint's field list when confidence is low. Extraction failures
// degrade to empty parameters; the planner can still work from the
// raw question.
func (a *Agent) extract(ctx context.Context, question string, meter *usage.Meter, emit func(Event)) params.Parameters {
	emit(Event{Type: EventThinking, Timestamp: time.Now().UTC(), Message: "extracting parameters"})

	// The extractor reports no usage of its own; charge an estimate so
	// the cap still sees extraction traffic.
	meter.Record(a.llm.Model(), llms.Usage{InputTokens: usage.EstimateTokens(a.llm.Model(), question)})

	extracted, err := a.extractor.Extract(ctx, question, nil)
	a.metrics.LLMCalls.WithLabelValues("extractor").Inc()
	if err != nil {
		a.logger.Warn("parameter extraction failed", "error", err)
		return params.Parameters{}
	}

	if low := extracted.LowConfidenceFields(); len(low) > 0 && a.retriever != nil {
		if hints := a.retriever.Hints(question); len(hints) > 0 {
			fields := a.retriever.FieldsFor(hints[0])
			again, err := a.extractor.Extract(ctx, question, fields)
			a.metrics.LLMCalls.WithLabelValues("extractor").Inc()
			if err == nil {
				return *again
			}
		}
	}
	return *extracted
}

func (a *Agent) retrieve(ctx context.Context, question string) ([]string, []rag.Hit) {
	if a.retriever == nil {
		return nil, nil
	}
	start := time.Now()
	hints := a.retriever.Hints(question)
	hits, err := a.retriever.Search(ctx, question)
	a.metrics.RetrieverLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		a.logger.Warn("retrieval failed", "error", err)
	}
	return hints, hits
}

const answerSystemPrompt = `You answer questions about FDA device data from tool outputs only.
Write a direct prose answer first. When records are available, follow with a compact list of
the key records, at most 10 rows. Never invent values that are not in the tool outputs.`

// draft produces the answer text. After one retry a deterministic
// summary of the tool outputs stands in for the model.
func (a *Agent) draft(ctx context.Context, st *state, meter *usage.Meter) string {
	input := answerInput(st)
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := a.llm.Complete(ctx, llms.Request{
			Messages: []llms.Message{
				{Role: llms.RoleSystem, Content: answerSystemPrompt},
				{Role: llms.RoleUser, Content: input},
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return fallbackAnswer(st)
			}
			a.logger.Warn("answer drafting failed", "attempt", attempt+1, "error", err)
			continue
		}
		meter.Record(a.llm.Model(), resp.Usage)
		a.metrics.LLMCalls.WithLabelValues("answer").Inc()
		if text := strings.TrimSpace(resp.Content); text != "" {
			return text
		}
	}
	return fallbackAnswer(st)
}

func (a *Agent) finishClarification(ctx context.Context, sess *session.Session, st *state, meter *usage.Meter, clarification string) (*Answer, error) {
	answer := &Answer{Text: clarification}
	if err := a.persist(ctx, sess, st, meter, clarification); err != nil {
		return nil, err
	}
	return answer, nil
}

// persist appends the turn atomically. A cancelled or expired turn
// persists nothing.
func (a *Agent) persist(ctx context.Context, sess *session.Session, st *state, meter *usage.Meter, finalText string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	now := time.Now().UTC()
	messages := []session.Message{
		{Role: "user", Content: st.question, Timestamp: now},
		{Role: "assistant", Content: finalText, Timestamp: now, ToolCalls: st.toolCalls},
	}
	return a.store.Append(ctx, sess.ID, messages, st.context, meter.Snapshot())
}

func guardModel(cfg config.Config) string {
	if cfg.LLM.GuardModel != "" {
		return cfg.LLM.GuardModel
	}
	return cfg.LLM.Model
}

// answerInput renders the evidence the answer model writes from.
func answerInput(st *state) string {
	var b strings.Builder
	fmt.Fprintf(&b, "QUESTION: %s\n\nTOOL OUTPUTS:\n", st.question)
	for _, call := range st.toolCalls {
		if call.Error != "" {
			fmt.Fprintf(&b, "- %s failed: %s\n", call.ToolName, call.Error)
			continue
		}
		if call.Result == nil {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s): %d total records\n", call.ToolName, call.Result.Endpoint, call.Result.Meta.Total)
		for i, rec := range call.Result.Results {
			if i >= 10 {
				break
			}
			fmt.Fprintf(&b, "  %v\n", rec)
		}
		if call.Result.Structured != nil {
			fmt.Fprintf(&b, "  structured: %+v\n", call.Result.Structured)
		}
	}
	if !st.context.Empty() {
		fmt.Fprintf(&b, "\nRESOLVED ENTITIES: %+v\n", st.context)
	}
	return b.String()
}

// fallbackAnswer summarizes the tool outputs when the answer model is
// unavailable.
func fallbackAnswer(st *state) string {
	total := resultCount(st.toolCalls)
	if total == 0 {
		return "No matching records were found for this question."
	}
	var parts []string
	for _, call := range st.toolCalls {
		if call.Result != nil && call.Result.Endpoint != "" {
			parts = append(parts, fmt.Sprintf("%s: %d records", call.Result.Endpoint, call.Result.Meta.Total))
		}
	}
	return fmt.Sprintf("Found %d matching records (%s). The answer service is temporarily degraded; raw counts are shown.",
		total, strings.Join(parts, ", "))
}

// withProvenanceBlock appends the sources block every answer carries.
func withProvenanceBlock(text string, calls []tools.CallRecord) string {
	if len(calls) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nSources:\n")
	for _, entry := range provenance(calls) {
		if entry.Error != "" {
			fmt.Fprintf(&b, "- %s failed: %s\n", entry.Tool, entry.Error)
			continue
		}
		line := fmt.Sprintf("- %s", entry.Tool)
		if entry.QueryExpression != "" {
			line += fmt.Sprintf(" [%s]", entry.QueryExpression)
		}
		line += fmt.Sprintf(": %d records", entry.ResultCount)
		if entry.LastUpdated != "" {
			line += fmt.Sprintf(", dataset updated %s", entry.LastUpdated)
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func structuredPayloads(calls []tools.CallRecord) []tools.Structured {
	var out []tools.Structured
	for _, call := range calls {
		if call.Result != nil && call.Result.Structured != nil {
			out = append(out, call.Result.Structured)
		}
	}
	return out
}
