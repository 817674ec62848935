// Package store provides in-memory billing.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/allowance-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	clients   map[billing.ClientID]billing.Client
	tasks     map[billing.TaskID]billing.Task
	entries   map[billing.EntryID]billing.TimeEntry
	movements map[billing.ClientID][]billing.Movement
}

func NewMemory() *Memory {
	return &Memory{
		clients:   make(map[billing.ClientID]billing.Client),
		tasks:     make(map[billing.TaskID]billing.Task),
		entries:   make(map[billing.EntryID]billing.TimeEntry),
		movements: make(map[billing.ClientID][]billing.Movement),
	}
}

// locked implements billing.Store over a Memory whose mutex is held by the
// caller.
type locked struct {
	m *Memory
}

func (m *Memory) read(fn func(locked) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(locked{m})
}

func (m *Memory) write(fn func(locked) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(locked{m})
}

// =============================================================================
// CLIENTS
// =============================================================================

func (v locked) GetClient(_ context.Context, id billing.ClientID) (*billing.Client, error) {
	c, ok := v.m.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", id, billing.ErrClientNotFound)
	}
	return &c, nil
}

func (v locked) ListClients(_ context.Context) ([]billing.Client, error) {
	out := make([]billing.Client, 0, len(v.m.clients))
	for _, c := range v.m.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (v locked) CreateClient(_ context.Context, c billing.Client) error {
	if _, ok := v.m.clients[c.ID]; ok {
		return fmt.Errorf("client %s: %w", c.ID, billing.ErrAlreadyExists)
	}
	c.Version = 1
	v.m.clients[c.ID] = c
	return nil
}

func (v locked) UpdateClient(_ context.Context, c *billing.Client) error {
	cur, ok := v.m.clients[c.ID]
	if !ok {
		return fmt.Errorf("client %s: %w", c.ID, billing.ErrClientNotFound)
	}
	if cur.Version != c.Version {
		return fmt.Errorf("client %s version %d != %d: %w", c.ID, c.Version, cur.Version, billing.ErrConcurrentModification)
	}
	c.Version++
	v.m.clients[c.ID] = *c
	return nil
}

// =============================================================================
// TASKS
// =============================================================================

func (v locked) CreateTask(_ context.Context, t billing.Task) error {
	if _, ok := v.m.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, billing.ErrAlreadyExists)
	}
	v.m.tasks[t.ID] = t
	return nil
}

func (v locked) GetTask(_ context.Context, id billing.TaskID) (*billing.Task, error) {
	t, ok := v.m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, billing.ErrTaskNotFound)
	}
	return &t, nil
}

// =============================================================================
// ENTRIES
// =============================================================================

func (v locked) CreateEntry(_ context.Context, e billing.TimeEntry) error {
	if _, ok := v.m.entries[e.ID]; ok {
		return fmt.Errorf("entry %s: %w", e.ID, billing.ErrAlreadyExists)
	}
	v.m.entries[e.ID] = e
	return nil
}

func (v locked) GetEntry(_ context.Context, id billing.EntryID) (*billing.TimeEntry, error) {
	e, ok := v.m.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, billing.ErrEntryNotFound)
	}
	return &e, nil
}

func (v locked) UpdateEntry(_ context.Context, e billing.TimeEntry) error {
	if _, ok := v.m.entries[e.ID]; !ok {
		return fmt.Errorf("entry %s: %w", e.ID, billing.ErrEntryNotFound)
	}
	v.m.entries[e.ID] = e
	return nil
}

func (v locked) DeleteEntry(_ context.Context, id billing.EntryID) error {
	if _, ok := v.m.entries[id]; !ok {
		return fmt.Errorf("entry %s: %w", id, billing.ErrEntryNotFound)
	}
	delete(v.m.entries, id)
	return nil
}

func (v locked) ListEntriesByClient(_ context.Context, clientID billing.ClientID) ([]billing.TimeEntry, error) {
	var out []billing.TimeEntry
	for _, e := range v.m.entries {
		if e.ClientID == clientID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func (v locked) AppendMovement(_ context.Context, mv billing.Movement) error {
	v.m.movements[mv.ClientID] = append(v.m.movements[mv.ClientID], mv)
	return nil
}

func (v locked) ListMovements(_ context.Context, clientID billing.ClientID) ([]billing.Movement, error) {
	return append([]billing.Movement(nil), v.m.movements[clientID]...), nil
}

// =============================================================================
// billing.Store on Memory - each call takes the lock
// =============================================================================

func (m *Memory) GetClient(ctx context.Context, id billing.ClientID) (c *billing.Client, err error) {
	err = m.read(func(v locked) error { c, err = v.GetClient(ctx, id); return err })
	return c, err
}

func (m *Memory) ListClients(ctx context.Context) (cs []billing.Client, err error) {
	err = m.read(func(v locked) error { cs, err = v.ListClients(ctx); return err })
	return cs, err
}

func (m *Memory) CreateClient(ctx context.Context, c billing.Client) error {
	return m.write(func(v locked) error { return v.CreateClient(ctx, c) })
}

func (m *Memory) UpdateClient(ctx context.Context, c *billing.Client) error {
	return m.write(func(v locked) error { return v.UpdateClient(ctx, c) })
}

func (m *Memory) CreateTask(ctx context.Context, t billing.Task) error {
	return m.write(func(v locked) error { return v.CreateTask(ctx, t) })
}

func (m *Memory) GetTask(ctx context.Context, id billing.TaskID) (t *billing.Task, err error) {
	err = m.read(func(v locked) error { t, err = v.GetTask(ctx, id); return err })
	return t, err
}

func (m *Memory) CreateEntry(ctx context.Context, e billing.TimeEntry) error {
	return m.write(func(v locked) error { return v.CreateEntry(ctx, e) })
}

func (m *Memory) GetEntry(ctx context.Context, id billing.EntryID) (e *billing.TimeEntry, err error) {
	err = m.read(func(v locked) error { e, err = v.GetEntry(ctx, id); return err })
	return e, err
}

func (m *Memory) UpdateEntry(ctx context.Context, e billing.TimeEntry) error {
	return m.write(func(v locked) error { return v.UpdateEntry(ctx, e) })
}

func (m *Memory) DeleteEntry(ctx context.Context, id billing.EntryID) error {
	return m.write(func(v locked) error { return v.DeleteEntry(ctx, id) })
}

func (m *Memory) ListEntriesByClient(ctx context.Context, clientID billing.ClientID) (es []billing.TimeEntry, err error) {
	err = m.read(func(v locked) error { es, err = v.ListEntriesByClient(ctx, clientID); return err })
	return es, err
}

func (m *Memory) AppendMovement(ctx context.Context, mv billing.Movement) error {
	return m.write(func(v locked) error { return v.AppendMovement(ctx, mv) })
}

func (m *Memory) ListMovements(ctx context.Context, clientID billing.ClientID) (ms []billing.Movement, err error) {
	err = m.read(func(v locked) error { ms, err = v.ListMovements(ctx, clientID); return err })
	return ms, err
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized by the store mutex.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(locked{m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	clients   map[billing.ClientID]billing.Client
	tasks     map[billing.TaskID]billing.Task
	entries   map[billing.EntryID]billing.TimeEntry
	movements map[billing.ClientID][]billing.Movement
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		clients:   make(map[billing.ClientID]billing.Client, len(m.clients)),
		tasks:     make(map[billing.TaskID]billing.Task, len(m.tasks)),
		entries:   make(map[billing.EntryID]billing.TimeEntry, len(m.entries)),
		movements: make(map[billing.ClientID][]billing.Movement, len(m.movements)),
	}
	for k, v := range m.clients {
		s.clients[k] = v
	}
	for k, v := range m.tasks {
		s.tasks[k] = v
	}
	for k, v := range m.entries {
		s.entries[k] = v
	}
	for k, v := range m.movements {
		s.movements[k] = append([]billing.Movement(nil), v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.clients = s.clients
	m.tasks = s.tasks
	m.entries = s.entries
	m.movements = s.movements
}

var _ billing.TxStore = (*Memory)(nil)
