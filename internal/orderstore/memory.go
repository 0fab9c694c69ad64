package orderstore

import (
	"context"
	"sort"
	"sync"

	"github.com/lykkecity/bitstamp-adapter/errs"
	"github.com/lykkecity/bitstamp-adapter/internal/schema"
)

// MemoryTable is an in-memory Table used in tests and credential-less runs.
// Each record carries its own lock so merges on different orders do not
// contend.
type MemoryTable struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	mu    sync.Mutex
	order schema.LimitOrder
}

// NewMemoryTable builds an empty table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{entries: make(map[string]*memoryEntry)}
}

func tableKey(partition, row string) string {
	return partition + "|" + row
}

// Get implements Table.
func (t *MemoryTable) Get(ctx context.Context, partition, row string) (schema.LimitOrder, error) {
	if err := ctx.Err(); err != nil {
		return schema.LimitOrder{}, err
	}
	t.mu.RLock()
	entry, ok := t.entries[tableKey(partition, row)]
	t.mu.RUnlock()
	if !ok {
		return schema.LimitOrder{}, errs.New("orderstore/get", errs.CodeNotFound,
			errs.WithMessage("order "+row+" not found"))
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.order.Clone(), nil
}

// Insert implements Table.
func (t *MemoryTable) Insert(ctx context.Context, partition, row string, order schema.LimitOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := tableKey(partition, row)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; ok {
		return errs.New("orderstore/insert", errs.CodeAlreadyExists,
			errs.WithMessage("order "+row+" already exists"))
	}
	t.entries[key] = &memoryEntry{order: order.Clone()}
	return nil
}

// Merge implements Table.
func (t *MemoryTable) Merge(ctx context.Context, partition, row string, mutate func(*schema.LimitOrder) error) (schema.LimitOrder, error) {
	if err := ctx.Err(); err != nil {
		return schema.LimitOrder{}, err
	}
	t.mu.RLock()
	entry, ok := t.entries[tableKey(partition, row)]
	t.mu.RUnlock()
	if !ok {
		return schema.LimitOrder{}, errs.New("orderstore/merge", errs.CodeNotFound,
			errs.WithMessage("order "+row+" not found"))
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	updated := entry.order.Clone()
	if err := mutate(&updated); err != nil {
		return schema.LimitOrder{}, err
	}
	entry.order = updated
	return updated.Clone(), nil
}

// Scan implements Table. Records come back ordered by partition then row;
// the page token is the key of the last returned record.
func (t *MemoryTable) Scan(ctx context.Context, pageToken string, limit int) ([]schema.LimitOrder, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = scanPageSize
	}

	t.mu.RLock()
	keys := make([]string, 0, len(t.entries))
	for key := range t.entries {
		keys = append(keys, key)
	}
	t.mu.RUnlock()
	sort.Strings(keys)

	start := 0
	if pageToken != "" {
		start = sort.SearchStrings(keys, pageToken)
		if start < len(keys) && keys[start] == pageToken {
			start++
		}
	}

	var out []schema.LimitOrder
	last := ""
	for _, key := range keys[start:] {
		t.mu.RLock()
		entry, ok := t.entries[key]
		t.mu.RUnlock()
		if !ok {
			continue
		}
		entry.mu.Lock()
		out = append(out, entry.order.Clone())
		entry.mu.Unlock()
		last = key
		if len(out) >= limit {
			break
		}
	}

	if last == "" || start+len(out) >= len(keys) {
		return out, "", nil
	}
	return out, last, nil
}

// Len reports the number of stored records.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

var _ Table = (*MemoryTable)(nil)
