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
	"container/list"
	"context"
	"sync"

	"github.com/medwatch-ai/fdagent/pkg/resolver"
	"github.com/medwatch-ai/fdagent/pkg/usage"
)

// CachedStore fronts a Store with an LRU cache of loaded sessions.
// Writes go through to the backing store and refresh the cache from
// its committed state, so reads observe the last committed turn.
type CachedStore struct {
	store Store
	size  int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List
}

type cacheEntry struct {
	id      string
	session *Session
}

// NewCachedStore wraps store with a cache of the given capacity.
func NewCachedStore(store Store, size int) *CachedStore {
	if size <= 0 {
		size = 128
	}
	return &CachedStore{
		store: store,
		size:  size,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (c *CachedStore) Create(ctx context.Context) (*Session, error) {
	sess, err := c.store.Create(ctx)
	if err != nil {
		return nil, err
	}
	c.put(sess)
	return sess, nil
}

func (c *CachedStore) Load(ctx context.Context, id string) (*Session, error) {
	if sess, ok := c.get(id); ok {
		return sess, nil
	}
	sess, err := c.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(sess)
	return sess, nil
}

func (c *CachedStore) Append(ctx context.Context, id string, messages []Message, rc resolver.Context, stats usage.Stats) error {
	if err := c.store.Append(ctx, id, messages, rc, stats); err != nil {
		return err
	}
	// Drop the cached copy; the next Load reads the committed state.
	c.evict(id)
	return nil
}

func (c *CachedStore) UpdateUsage(ctx context.Context, id string, stats usage.Stats) error {
	if err := c.store.UpdateUsage(ctx, id, stats); err != nil {
		return err
	}
	c.evict(id)
	return nil
}

func (c *CachedStore) Delete(ctx context.Context, id string) error {
	c.evict(id)
	return c.store.Delete(ctx, id)
}

func (c *CachedStore) List(ctx context.Context) ([]Summary, error) {
	return c.store.List(ctx)
}

func (c *CachedStore) Close() error { return c.store.Close() }

func (c *CachedStore) get(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).session, true
}

func (c *CachedStore) put(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[sess.ID]; ok {
		el.Value.(*cacheEntry).session = sess
		c.order.MoveToFront(el)
		return
	}
	c.items[sess.ID] = c.order.PushFront(&cacheEntry{id: sess.ID, session: sess})
	for len(c.items) > c.size {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).id)
	}
}

func (c *CachedStore) evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.order.Remove(el)
		delete(c.items, id)
	}
}

// Compile-time interface check
var _ Store = (*CachedStore)(nil)

// TurnGuard serializes turns per session: a second turn on the same
// session is rejected, not queued.
type TurnGuard struct {
	mu     sync.Mutex
	active map[string]bool
}

// NewTurnGuard builds an empty guard.
func NewTurnGuard() *TurnGuard {
	return &TurnGuard{active: make(map[string]bool)}
}

// Acquire claims the session for one turn. Returns ErrTurnInProgress
// when another turn holds it.
func (g *TurnGuard) Acquire(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[id] {
		return ErrTurnInProgress
	}
	g.active[id] = true
	return nil
}

// Release frees the session after END or cancellation.
func (g *TurnGuard) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, id)
}
