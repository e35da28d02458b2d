// Package store provides an in-memory generic.DocStore.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/school-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a transactional document store held in process memory.
// Transactions take the write lock for their whole duration, so they are
// serializable and never conflict; version preconditions on batches are
// still honoured.
type Memory struct {
	mu   sync.RWMutex
	docs map[generic.Collection]map[string]record
}

type record struct {
	data    []byte
	version int64
}

type docKey struct {
	col generic.Collection
	id  string
}

var _ generic.DocStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{docs: make(map[generic.Collection]map[string]record)}
}

// Get decodes a committed document into dst.
func (m *Memory) Get(ctx context.Context, col generic.Collection, id string, dst any) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(col, id, dst)
}

func (m *Memory) getLocked(col generic.Collection, id string, dst any) (bool, error) {
	r, ok := m.docs[col][id]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(r.data, dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", col, id, err)
	}
	return true, nil
}

// Find returns committed documents matching q.
func (m *Memory) Find(ctx context.Context, col generic.Collection, q generic.Query) ([]generic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(col, q)
}

func (m *Memory) findLocked(col generic.Collection, q generic.Query) ([]generic.Document, error) {
	docs := make([]generic.Document, 0, len(m.docs[col]))
	for id, r := range m.docs[col] {
		data := make([]byte, len(r.data))
		copy(data, r.data)
		docs = append(docs, generic.Document{ID: id, Data: data, Version: r.version})
	}
	return generic.ApplyQuery(docs, q)
}

// Increment adds delta to a numeric field outside any transaction.
func (m *Memory) Increment(ctx context.Context, col generic.Collection, id string, field string, delta decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.docs[col][id]
	data, value, err := generic.ApplyIncrement(cur.data, field, delta)
	if err != nil {
		return decimal.Zero, err
	}
	m.putLocked(docKey{col: col, id: id}, &record{data: data, version: cur.version + 1})
	return value, nil
}

// Commit applies a blind batch atomically.
func (m *Memory) Commit(ctx context.Context, writes []generic.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(writes)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// RunInTransaction executes fn with exclusive access. Staged writes are
// applied only if fn returns nil; otherwise nothing is persisted.
func (m *Memory) RunInTransaction(ctx context.Context, fn generic.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{parent: m}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return m.applyLocked(tx.Writes)
}

// applyLocked validates every write against an overlay first and only then
// mutates the committed state, so a failing write leaves nothing behind.
func (m *Memory) applyLocked(writes []generic.Write) error {
	overlay := make(map[docKey]*record)
	var order []docKey

	current := func(k docKey) (record, bool) {
		if r, ok := overlay[k]; ok {
			if r == nil {
				return record{}, false
			}
			return *r, true
		}
		r, ok := m.docs[k.col][k.id]
		return r, ok
	}
	stage := func(k docKey, r *record) {
		if _, seen := overlay[k]; !seen {
			order = append(order, k)
		}
		overlay[k] = r
	}

	for _, w := range writes {
		k := docKey{col: w.Collection, id: w.ID}
		cur, exists := current(k)
		if w.IfVersion != 0 && (!exists || cur.version != w.IfVersion) {
			return fmt.Errorf("%s/%s: %w", w.Collection, w.ID, generic.ErrConcurrentModification)
		}

		switch w.Kind {
		case generic.WriteSet:
			data, err := generic.EncodeValue(w.Value)
			if err != nil {
				return err
			}
			stage(k, &record{data: data, version: cur.version + 1})
		case generic.WriteCreate:
			if exists {
				return fmt.Errorf("%s/%s: %w", w.Collection, w.ID, generic.ErrAlreadyExists)
			}
			data, err := generic.EncodeValue(w.Value)
			if err != nil {
				return err
			}
			stage(k, &record{data: data, version: cur.version + 1})
		case generic.WriteDelete:
			stage(k, nil)
		case generic.WriteIncrement:
			data, _, err := generic.ApplyIncrement(cur.data, w.Field, w.Delta)
			if err != nil {
				return err
			}
			stage(k, &record{data: data, version: cur.version + 1})
		default:
			return fmt.Errorf("unknown write kind %q", w.Kind)
		}
	}

	for _, k := range order {
		r := overlay[k]
		if r == nil {
			delete(m.docs[k.col], k.id)
			continue
		}
		m.putLocked(k, r)
	}
	return nil
}

func (m *Memory) putLocked(k docKey, r *record) {
	col, ok := m.docs[k.col]
	if !ok {
		col = make(map[string]record)
		m.docs[k.col] = col
	}
	col[k.id] = *r
}

// memoryTx reads committed state (the parent lock is held) and stages writes.
type memoryTx struct {
	generic.Staging
	parent *Memory
}

func (tx *memoryTx) Get(ctx context.Context, col generic.Collection, id string, dst any) (bool, error) {
	if err := tx.CheckRead(); err != nil {
		return false, err
	}
	return tx.parent.getLocked(col, id, dst)
}

func (tx *memoryTx) Find(ctx context.Context, col generic.Collection, q generic.Query) ([]generic.Document, error) {
	if err := tx.CheckRead(); err != nil {
		return nil, err
	}
	return tx.parent.findLocked(col, q)
}
