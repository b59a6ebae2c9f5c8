package repository

import (
	"context"
	"sync"

	"github.com/notifyhub/workqueue/internal/domain"
)

// MemoryLedger is an in-memory Ledger. Its contents vanish with the process,
// which is acceptable for a non-authoritative record.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]*domain.LedgerEntry
	redeliv map[string]int64

	// Optional error overrides, set in tests to simulate failure paths.
	RecordPublishedErr error
	RecordProcessedErr error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]*domain.LedgerEntry),
		redeliv: make(map[string]int64),
	}
}

func (m *MemoryLedger) RecordPublished(_ context.Context, queue string, item domain.WorkItem) error {
	if m.RecordPublishedErr != nil {
		return m.RecordPublishedErr
	}
	if item.ID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(item.ID, queue)
	at := item.PublishedAt
	e.PublishedAt = &at
	e.Payload = item.Text()
	return nil
}

func (m *MemoryLedger) RecordProcessed(_ context.Context, rec domain.ProcessedRecord) error {
	if m.RecordProcessedErr != nil {
		return m.RecordProcessedErr
	}
	if rec.ItemID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(rec.ItemID, rec.Queue)
	at := rec.ProcessedAt
	e.ProcessedAt = &at
	e.Deliveries++
	e.LastWorker = rec.Worker
	if e.Payload == "" {
		e.Payload = rec.Payload
	}
	if rec.Redelivered {
		m.redeliv[rec.Queue]++
	}
	return nil
}

func (m *MemoryLedger) entryLocked(id, queue string) *domain.LedgerEntry {
	e, ok := m.entries[id]
	if !ok {
		e = &domain.LedgerEntry{ID: id, Queue: queue}
		m.entries[id] = e
	}
	return e
}

func (m *MemoryLedger) Get(_ context.Context, id string) (*domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (m *MemoryLedger) Summary(_ context.Context, queue string) (domain.LedgerSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s domain.LedgerSummary
	for _, e := range m.entries {
		if e.Queue != queue {
			continue
		}
		if e.PublishedAt != nil {
			s.Published++
		}
		if e.ProcessedAt != nil {
			s.Processed++
		}
	}
	s.Redelivered = m.redeliv[queue]
	return s, nil
}

func (m *MemoryLedger) Close() {}

var _ Ledger = (*MemoryLedger)(nil)
