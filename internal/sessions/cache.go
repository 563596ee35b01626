// Package sessions tracks the lifecycle of portal executions: queries enter
// the cache on their first executor event, are updated in place by later
// events, and move to an append-only history when their portal is dropped.
package sessions

import (
	"iter"
	"sync"

	"github.com/mrzor/pg-query-tracer/internal/bpf"
	"github.com/mrzor/pg-query-tracer/internal/model"
)

// Finalizer receives each query as it is finalized into history.
type Finalizer interface {
	QueryFinalized(q *model.Query)
}

// Cache is the portal session cache.
//
// The event pump mutates it from a single goroutine; the mutex only guards
// the read accessors exposed to presentation layers, which may run
// concurrently with the pump.
type Cache struct {
	mu      sync.RWMutex
	meta    model.Metadata
	open    map[model.SessionKey]*model.Query
	history []*model.Query

	// pendingTeardown holds the single key currently between PortalDrop
	// enter and return. PortalDrop pairs nest on one backend connection,
	// so one slot suffices; interleaved teardowns of two sessions would
	// overwrite it (an inherited limitation, pinned by a test).
	pendingTeardown *model.SessionKey

	finalizers []Finalizer
}

// NewCache creates an empty session cache. Finalizers are invoked, in
// order, for every query that reaches history.
func NewCache(meta model.Metadata, finalizers ...Finalizer) *Cache {
	return &Cache{
		meta:       meta,
		open:       make(map[model.SessionKey]*model.Query),
		finalizers: finalizers,
	}
}

// HandleExecutorStart opens a session for an unseen key, or merges the
// event into the existing one. A known key here means the same portal
// re-entered execution, e.g. a repeated fetch on a cursor.
func (c *Cache) HandleExecutorStart(ev *bpf.PortalEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q, ok := c.open[ev.Key]; ok {
		q.UpdateFromEvent(c.meta, ev)
		return
	}
	c.open[ev.Key] = model.NewQueryFromEvent(c.meta, ev)
}

// HandleExecutorFinish merges the event into its open session. An unknown
// key means the start event was lost; the step is dropped.
func (c *Cache) HandleExecutorFinish(ev *bpf.PortalEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q, ok := c.open[ev.Key]; ok {
		q.UpdateFromEvent(c.meta, ev)
	}
}

// HandlePortalDropEnter merges the event (this is typically where the final
// instrumentation snapshot arrives) and remembers the key for the matching
// return probe. The portal is only finalized once PortalDrop returns.
func (c *Cache) HandlePortalDropEnter(ev *bpf.PortalEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q, ok := c.open[ev.Key]; ok {
		q.UpdateFromEvent(c.meta, ev)
	}
	key := ev.Key
	c.pendingTeardown = &key
}

// HandlePortalDropReturn finalizes the pending session: it leaves the open
// map and is appended to history. A return with no pending key, or whose
// key is no longer open, only clears the pending slot.
func (c *Cache) HandlePortalDropReturn() {
	c.mu.Lock()
	var finalized *model.Query
	if c.pendingTeardown != nil {
		if q, ok := c.open[*c.pendingTeardown]; ok {
			delete(c.open, *c.pendingTeardown)
			c.history = append(c.history, q)
			finalized = q
		}
		c.pendingTeardown = nil
	}
	c.mu.Unlock()

	if finalized != nil {
		for _, f := range c.finalizers {
			f.QueryFinalized(finalized)
		}
	}
}

// HandlePlanNode attaches a plan node report to its open session's tree.
// Reports for unknown keys are dropped.
func (c *Cache) HandlePlanNode(ev *bpf.PlanNodeEvent, frames iter.Seq[model.Frame]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q, ok := c.open[ev.Key]; ok {
		q.AddNodeFromEvent(c.meta, ev, frames)
	}
}

// Open returns a snapshot of the currently open sessions.
func (c *Cache) Open() map[model.SessionKey]*model.Query {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(map[model.SessionKey]*model.Query, len(c.open))
	for k, q := range c.open {
		snapshot[k] = q
	}
	return snapshot
}

// History returns a snapshot of the finalized queries, in teardown order.
func (c *Cache) History() []*model.Query {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := make([]*model.Query, len(c.history))
	copy(history, c.history)
	return history
}
