package domain

import "time"

// LedgerEntry is the local, best-effort history of one work item.
// The broker remains authoritative for whether the item is still queued.
type LedgerEntry struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Payload     string     `json:"payload"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Deliveries  int        `json:"deliveries"`
	LastWorker  string     `json:"last_worker,omitempty"`
}

// ProcessedRecord is what a consumer reports after acknowledging an item.
type ProcessedRecord struct {
	ItemID      string
	Queue       string
	Payload     string
	Worker      string
	Redelivered bool
	ProcessedAt time.Time
}

// LedgerSummary aggregates the ledger for one queue.
type LedgerSummary struct {
	Published   int64 `json:"published"`
	Processed   int64 `json:"processed"`
	Redelivered int64 `json:"redelivered"`
}
