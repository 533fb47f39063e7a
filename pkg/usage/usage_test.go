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

package usage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medwatch-ai/fdagent/pkg/config"
	"github.com/medwatch-ai/fdagent/pkg/llms"
)

func testConfig() config.UsageConfig {
	return config.UsageConfig{
		SoftCapUSD:         1.50,
		HardCapUSD:         25.00,
		OperatorPassphrase: "open-sesame",
	}
}

func TestPriceForLongestPrefix(t *testing.T) {
	assert.Equal(t, pricing["gpt-4o-mini"], priceFor("gpt-4o-mini-2024-07-18"))
	assert.Equal(t, pricing["gpt-4o"], priceFor("gpt-4o-2024-08-06"))
	assert.Equal(t, pricing["gpt-4o"], priceFor("openai/gpt-4o"))
	assert.Equal(t, defaultPrice, priceFor("some-unknown-model"))
}

func TestCostUSD(t *testing.T) {
	cost := CostUSD("gpt-4o", llms.Usage{InputTokens: 1_000_000, OutputTokens: 100_000})
	assert.InDelta(t, 2.50+1.00, cost, 1e-9)

	// Local models are free.
	assert.Zero(t, CostUSD("llama3.1", llms.Usage{InputTokens: 1_000_000}))
}

func TestMeterAccumulation(t *testing.T) {
	m := NewMeter(testConfig(), Stats{})
	m.Record("gpt-4o", llms.Usage{InputTokens: 100, OutputTokens: 50})
	m.Record("gpt-4o", llms.Usage{InputTokens: 200, OutputTokens: 25})

	s := m.Snapshot()
	assert.Equal(t, int64(300), s.InputTokens)
	assert.Equal(t, int64(75), s.OutputTokens)
	assert.Equal(t, int64(2), s.LLMCalls)
	assert.Greater(t, s.CostUSD, 0.0)
}

func TestMeterSeedsFromPriorStats(t *testing.T) {
	m := NewMeter(testConfig(), Stats{InputTokens: 10, CostUSD: 1.49})
	require.NoError(t, m.CheckCap())

	// A tiny spend pushes the lifetime total over the soft cap.
	m.Record("gpt-4o", llms.Usage{InputTokens: 10_000})
	err := m.CheckCap()
	require.ErrorIs(t, err, ErrUsageCapExceeded)
	assert.Contains(t, err.Error(), "$1.50")
}

func TestExtendRaisesCap(t *testing.T) {
	m := NewMeter(testConfig(), Stats{CostUSD: 2.00})
	require.ErrorIs(t, m.CheckCap(), ErrUsageCapExceeded)

	require.ErrorIs(t, m.Extend("wrong"), ErrBadPassphrase)
	require.ErrorIs(t, m.CheckCap(), ErrUsageCapExceeded)

	require.NoError(t, m.Extend("open-sesame"))
	assert.NoError(t, m.CheckCap())
}

func TestExtendSurvivesSnapshotRoundTrip(t *testing.T) {
	m := NewMeter(testConfig(), Stats{CostUSD: 2.00})
	require.NoError(t, m.Extend("open-sesame"))

	snap := m.Snapshot()
	assert.True(t, snap.CapExtended)

	// A meter rebuilt from the snapshot keeps the hard cap.
	rebuilt := NewMeter(testConfig(), snap)
	assert.NoError(t, rebuilt.CheckCap())
}

func TestExtendDisabledWithoutPassphrase(t *testing.T) {
	cfg := testConfig()
	cfg.OperatorPassphrase = ""
	m := NewMeter(cfg, Stats{})
	assert.ErrorIs(t, m.Extend(""), ErrBadPassphrase)
}

func TestMeterConcurrentRecord(t *testing.T) {
	m := NewMeter(testConfig(), Stats{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Record("gpt-4o-mini", llms.Usage{InputTokens: 10, OutputTokens: 5})
		}()
	}
	wg.Wait()
	s := m.Snapshot()
	assert.Equal(t, int64(500), s.InputTokens)
	assert.Equal(t, int64(250), s.OutputTokens)
	assert.Equal(t, int64(50), s.LLMCalls)
}

func TestEstimateTokens(t *testing.T) {
	n := EstimateTokens("gpt-4o", "How many Class II recalls of infusion pumps were initiated in 2024?")
	assert.Greater(t, n, 5)
	assert.Less(t, n, 40)

	// Unknown models fall back to a default encoding.
	assert.Greater(t, EstimateTokens("mystery-model", "hello world"), 0)
}
