// Package store provides in-memory implementations of the inventory
// persistence interfaces.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/stockroom/inventory"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements inventory.Store, inventory.Products and inventory.AuditLog.
type Memory struct {
	mu       sync.RWMutex
	entries  map[inventory.Key][]inventory.Entry
	order    []inventory.Key // append order of (key, seq) pairs, for run scans
	orderSeq []int64
	products map[string]inventory.Product
	audit    []inventory.AuditEntry
}

var (
	_ inventory.Store    = (*Memory)(nil)
	_ inventory.Products = (*Memory)(nil)
	_ inventory.AuditLog = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[inventory.Key][]inventory.Entry),
		products: make(map[string]inventory.Product),
	}
}

// Append adds an entry if its Seq directly follows the key's latest entry.
func (m *Memory) Append(_ context.Context, entry inventory.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := entry.Key()
	existing := m.entries[k]
	if want := int64(len(existing)) + 1; entry.Seq != want {
		return fmt.Errorf("%w: %s expected seq %d, got %d",
			inventory.ErrConcurrentModification, k, want, entry.Seq)
	}
	m.entries[k] = append(existing, entry)
	m.order = append(m.order, k)
	m.orderSeq = append(m.orderSeq, entry.Seq)
	return nil
}

func (m *Memory) Latest(_ context.Context, key inventory.Key) (inventory.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.entries[key]
	if len(entries) == 0 {
		return inventory.Entry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

func (m *Memory) History(_ context.Context, key inventory.Key, limit int) ([]inventory.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.entries[key]
	var result []inventory.Entry
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, entries[i])
	}
	return result, nil
}

func (m *Memory) LatestByStore(_ context.Context, store string) ([]inventory.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []inventory.Entry
	for k, entries := range m.entries {
		if k.Store == store && len(entries) > 0 {
			result = append(result, entries[len(entries)-1])
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Product < result[j].Product })
	return result, nil
}

func (m *Memory) EntriesByRun(_ context.Context, runID string) ([]inventory.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []inventory.Entry
	if runID == "" {
		return result, nil
	}
	for i, k := range m.order {
		e := m.entries[k][m.orderSeq[i]-1]
		if e.RunID == runID {
			result = append(result, e)
		}
	}
	return result, nil
}

// Count returns the number of entries for key.
func (m *Memory) Count(key inventory.Key) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[key])
}

// =============================================================================
// PRODUCTS
// =============================================================================

// SaveProduct inserts or replaces a product.
func (m *Memory) SaveProduct(p inventory.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.Code] = p
}

func (m *Memory) Product(_ context.Context, code string) (inventory.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[code]
	if !ok {
		return inventory.Product{}, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, code)
	}
	return p, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry inventory.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

// QueryAudit returns matching audit entries, newest first.
func (m *Memory) QueryAudit(_ context.Context, f inventory.AuditFilter) ([]inventory.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []inventory.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		a := m.audit[i]
		if f.Store != "" && a.Store != f.Store {
			continue
		}
		if f.Actor != "" && a.Actor != f.Actor {
			continue
		}
		if len(f.Actions) > 0 && !containsAction(f.Actions, a.Action) {
			continue
		}
		result = append(result, a)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func containsAction(actions []inventory.AuditAction, a inventory.AuditAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}
