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
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/medwatch-ai/fdagent/pkg/observability"
	"github.com/medwatch-ai/fdagent/pkg/resolver"
	"github.com/medwatch-ai/fdagent/pkg/tools"
)

// dispatcher executes a plan's tool calls. Resolver calls run first
// and serially because later calls consume their output; the remaining
// calls fan out concurrently. Tool errors are captured per call, never
// raised, so one failed endpoint cannot sink the whole iteration.
type dispatcher struct {
	registry *tools.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
	emit     func(Event)
}

func (d *dispatcher) dispatch(ctx context.Context, st *state, pl *plan) {
	if Strategy(pl.Strategy) == StrategySafetyDossier {
		d.dispatchDossier(ctx, st, pl)
		return
	}

	var resolverCalls, searchCalls []plannedCall
	for _, call := range pl.Calls {
		if strings.HasPrefix(call.Tool, "resolve_") {
			resolverCalls = append(resolverCalls, call)
		} else {
			searchCalls = append(searchCalls, call)
		}
	}

	for _, call := range resolverCalls {
		record := d.execute(ctx, call)
		d.mergeStructured(st, record)
		st.toolCalls = append(st.toolCalls, record)
	}

	// Resolved product codes feed search calls that arrived without a
	// device identifier.
	for i := range searchCalls {
		d.enrich(st, &searchCalls[i])
	}

	records := d.executeParallel(ctx, searchCalls)
	st.toolCalls = append(st.toolCalls, records...)
}

// dispatchDossier runs the safety-dossier fan-out: recalls, adverse
// events, and classification in parallel, then a classification
// follow-up for related devices when every direct probe came back
// empty.
func (d *dispatcher) dispatchDossier(ctx context.Context, st *state, pl *plan) {
	code := st.extracted.ProductCode
	deviceName := st.extracted.DeviceName
	if code == "" && st.context.Devices != nil && len(st.context.Devices.ProductCodes) > 0 {
		code = st.context.Devices.ProductCodes[0]
	}

	calls := []plannedCall{
		{Tool: "search_recalls", Args: map[string]any{"device_name": deviceName}},
		{Tool: "search_events", Args: map[string]any{"product_code": code, "device_name": deviceName}},
		{Tool: "search_classifications", Args: map[string]any{"product_code": code}},
	}
	records := d.executeParallel(ctx, calls)
	st.toolCalls = append(st.toolCalls, records...)

	if resultCount(records) == 0 && deviceName != "" {
		followUp := plannedCall{
			Tool: "search_classifications",
			Args: map[string]any{"device_name": deviceName},
		}
		record := d.execute(ctx, followUp)
		st.toolCalls = append(st.toolCalls, record)
	}
}

func (d *dispatcher) executeParallel(ctx context.Context, calls []plannedCall) []tools.CallRecord {
	records := make([]tools.CallRecord, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call plannedCall) {
			defer wg.Done()
			records[i] = d.execute(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return records
}

// execute runs one tool call and records its outcome.
func (d *dispatcher) execute(ctx context.Context, call plannedCall) tools.CallRecord {
	record := tools.CallRecord{
		ToolName:  call.Tool,
		Args:      call.Args,
		StartedAt: time.Now().UTC(),
	}
	d.emit(Event{Type: EventToolCall, Timestamp: record.StartedAt, Tool: call.Tool})

	tool, ok := d.registry.Get(call.Tool)
	if !ok {
		record.Error = "unknown tool " + call.Tool
		return record
	}

	result, err := tool.Execute(ctx, call.Args)
	completed := time.Now().UTC()
	record.CompletedAt = &completed
	d.metrics.ToolCalls.WithLabelValues(call.Tool).Inc()
	d.metrics.ToolLatency.WithLabelValues(call.Tool).Observe(completed.Sub(record.StartedAt).Seconds())
	if err != nil {
		d.metrics.ToolErrors.WithLabelValues(call.Tool).Inc()
		d.logger.Warn("tool call failed", "tool", call.Tool, "error", err)
		record.Error = err.Error()
	} else {
		record.Result = result
	}
	d.emit(Event{Type: EventToolResult, Timestamp: completed, Tool: call.Tool})
	return record
}

// mergeStructured folds a resolver result into the shared context.
func (d *dispatcher) mergeStructured(st *state, record tools.CallRecord) {
	if record.Result == nil || record.Result.Structured == nil {
		return
	}
	switch payload := record.Result.Structured.(type) {
	case *resolver.ResolvedEntities:
		st.context.Merge(&resolver.Context{Devices: payload})
	case *resolver.ManufacturerGroups:
		st.context.Merge(&resolver.Context{Manufacturers: payload.Manufacturers})
	case *resolver.LocationContext:
		st.context.Merge(&resolver.Context{Location: payload})
	}
}

// enrich injects a resolved product code into a search call that has
// no device identifier of its own. Recalls are excluded: the
// enforcement dataset has no product-code field.
func (d *dispatcher) enrich(st *state, call *plannedCall) {
	if call.Tool == "search_recalls" || st.context.Devices == nil || len(st.context.Devices.ProductCodes) == 0 {
		return
	}
	if call.Args == nil {
		call.Args = make(map[string]any)
	}
	if call.Args["product_code"] != nil || call.Args["device_name"] != nil {
		return
	}
	call.Args["product_code"] = st.context.Devices.ProductCodes[0]
}
