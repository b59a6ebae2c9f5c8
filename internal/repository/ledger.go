package repository

import (
	"context"

	"github.com/notifyhub/workqueue/internal/domain"
)

// Ledger records what this deployment published and processed.
// It is observability only: writes are best effort and the broker stays the
// single source of truth for queue depth.
// The pgx implementation is in pg_ledger.go; memory_ledger.go backs tests
// and deployments without DATABASE_URL.
type Ledger interface {
	RecordPublished(ctx context.Context, queue string, item domain.WorkItem) error
	RecordProcessed(ctx context.Context, rec domain.ProcessedRecord) error
	Get(ctx context.Context, id string) (*domain.LedgerEntry, error)
	Summary(ctx context.Context, queue string) (domain.LedgerSummary, error)
	Close()
}
