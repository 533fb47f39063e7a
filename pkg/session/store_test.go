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

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medwatch-ai/fdagent/pkg/resolver"
	"github.com/medwatch-ai/fdagent/pkg/tools"
	"github.com/medwatch-ai/fdagent/pkg/usage"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore(":memory:", "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateLoadRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	loaded, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Empty(t, loaded.Messages)
	assert.True(t, loaded.Context.Empty())
}

func TestLoadUnknownSession(t *testing.T) {
	store := testStore(t)
	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendPersistsTurn(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)

	rc := resolver.Context{
		Devices: &resolver.ResolvedEntities{
			Query:        "surgical mask",
			ProductCodes: []string{"FXX", "MSH"},
			Confidence:   0.9,
		},
	}
	messages := []Message{
		{Role: "user", Content: "recalls of surgical masks"},
		{
			Role:    "assistant",
			Content: "Found 3 recalls.",
			ToolCalls: []tools.CallRecord{{
				ToolName: "search_recalls",
				Result: &tools.Result{
					Endpoint:        "enforcement",
					QueryExpression: `product_description:"surgical mask"`,
				},
			}},
		},
	}
	require.NoError(t, store.Append(ctx, sess.ID, messages, rc, usage.Stats{CostUSD: 0.02, LLMCalls: 2}))

	loaded, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "user", loaded.Messages[0].Role)
	require.Len(t, loaded.Messages[1].ToolCalls, 1)
	assert.Equal(t, "enforcement", loaded.Messages[1].ToolCalls[0].Result.Endpoint)
	require.NotNil(t, loaded.Context.Devices)
	assert.Equal(t, []string{"FXX", "MSH"}, loaded.Context.Devices.ProductCodes)
	assert.InDelta(t, 0.02, loaded.Usage.CostUSD, 1e-9)
}

func TestAppendMergesContextFieldWise(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)

	first := resolver.Context{
		Devices: &resolver.ResolvedEntities{Query: "mask", ProductCodes: []string{"FXX"}},
		Manufacturers: []resolver.Manufacturer{
			{CanonicalName: "3M Company", DeviceCount: 4},
		},
	}
	require.NoError(t, store.Append(ctx, sess.ID, []Message{{Role: "user", Content: "masks"}}, first, usage.Stats{}))

	// A later device resolution replaces devices but leaves
	// manufacturers untouched.
	second := resolver.Context{
		Devices: &resolver.ResolvedEntities{Query: "pacemaker", ProductCodes: []string{"DXY"}},
	}
	require.NoError(t, store.Append(ctx, sess.ID, []Message{{Role: "user", Content: "pacemakers"}}, second, usage.Stats{}))

	loaded, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "pacemaker", loaded.Context.Devices.Query)
	require.Len(t, loaded.Context.Manufacturers, 1)
	assert.Equal(t, "3M Company", loaded.Context.Manufacturers[0].CanonicalName)
}

func TestAppendUnknownSession(t *testing.T) {
	store := testStore(t)
	err := store.Append(context.Background(), "nope", []Message{{Role: "user", Content: "x"}}, resolver.Context{}, usage.Stats{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateUsagePersistsSnapshot(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, store.UpdateUsage(ctx, sess.ID, usage.Stats{CostUSD: 2.00, CapExtended: true}))

	loaded, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.00, loaded.Usage.CostUSD, 1e-9)
	assert.True(t, loaded.Usage.CapExtended)
	assert.Empty(t, loaded.Messages)
}

func TestUpdateUsageUnknownSession(t *testing.T) {
	store := testStore(t)
	err := store.UpdateUsage(context.Background(), "nope", usage.Stats{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListMostRecentFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx)
	require.NoError(t, err)
	b, err := store.Create(ctx)
	require.NoError(t, err)

	// Touch a after b was created so a becomes the most recent.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.Append(ctx, a.ID, []Message{{Role: "user", Content: "hi"}}, resolver.Context{}, usage.Stats{CostUSD: 0.01}))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, 1, list[0].MessageCount)
	assert.InDelta(t, 0.01, list[0].CostUSD, 1e-9)
	assert.Equal(t, b.ID, list[1].ID)
	assert.Zero(t, list[1].MessageCount)
}

func TestDelete(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, sess.ID))

	_, err = store.Load(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, store.Delete(ctx, sess.ID), ErrSessionNotFound)
}

func TestCachedStoreServesFromCache(t *testing.T) {
	store := testStore(t)
	cached := NewCachedStore(store, 4)
	ctx := context.Background()

	sess, err := cached.Create(ctx)
	require.NoError(t, err)

	first, err := cached.Load(ctx, sess.ID)
	require.NoError(t, err)
	second, err := cached.Load(ctx, sess.ID)
	require.NoError(t, err)
	// Same pointer: the second load never hit the database.
	assert.Same(t, first, second)
}

func TestCachedStoreInvalidatesOnAppend(t *testing.T) {
	store := testStore(t)
	cached := NewCachedStore(store, 4)
	ctx := context.Background()

	sess, err := cached.Create(ctx)
	require.NoError(t, err)
	_, err = cached.Load(ctx, sess.ID)
	require.NoError(t, err)

	require.NoError(t, cached.Append(ctx, sess.ID, []Message{{Role: "user", Content: "hi"}}, resolver.Context{}, usage.Stats{}))

	reloaded, err := cached.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Messages, 1)
}

func TestCachedStoreInvalidatesOnUpdateUsage(t *testing.T) {
	store := testStore(t)
	cached := NewCachedStore(store, 4)
	ctx := context.Background()

	sess, err := cached.Create(ctx)
	require.NoError(t, err)
	_, err = cached.Load(ctx, sess.ID)
	require.NoError(t, err)

	require.NoError(t, cached.UpdateUsage(ctx, sess.ID, usage.Stats{CapExtended: true}))

	reloaded, err := cached.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Usage.CapExtended)
}

func TestCachedStoreEvictsOldest(t *testing.T) {
	store := testStore(t)
	cached := NewCachedStore(store, 2)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := cached.Create(ctx)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	cached.mu.Lock()
	defer cached.mu.Unlock()
	assert.Len(t, cached.items, 2)
	_, oldest := cached.items[ids[0]]
	assert.False(t, oldest)
}

func TestTurnGuardSerializesTurns(t *testing.T) {
	guard := NewTurnGuard()
	require.NoError(t, guard.Acquire("s1"))
	assert.ErrorIs(t, guard.Acquire("s1"), ErrTurnInProgress)
	// Other sessions are unaffected.
	require.NoError(t, guard.Acquire("s2"))

	guard.Release("s1")
	assert.NoError(t, guard.Acquire("s1"))
}
