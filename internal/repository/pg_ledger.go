package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/workqueue/internal/domain"
)

type pgLedger struct {
	pool *pgxpool.Pool
}

// NewPgLedger returns a Ledger backed by PostgreSQL. The ledger owns pool
// and closes it on Close.
func NewPgLedger(pool *pgxpool.Pool) Ledger {
	return &pgLedger{pool: pool}
}

func (r *pgLedger) RecordPublished(ctx context.Context, queue string, item domain.WorkItem) error {
	if item.ID == "" {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO work_items (id, queue, payload, published_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET published_at = EXCLUDED.published_at, payload = EXCLUDED.payload`,
		item.ID, queue, item.Text(), item.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("record published item: %w", err)
	}
	return nil
}

// RecordProcessed upserts because an item may have been published by a
// producer that does not write to this ledger.
func (r *pgLedger) RecordProcessed(ctx context.Context, rec domain.ProcessedRecord) error {
	if rec.ItemID == "" {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO work_items (id, queue, payload, processed_at, deliveries, redeliveries, last_worker)
		VALUES ($1, $2, $3, $4, 1, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET processed_at = EXCLUDED.processed_at,
		    deliveries   = work_items.deliveries + 1,
		    redeliveries = work_items.redeliveries + EXCLUDED.redeliveries,
		    last_worker  = EXCLUDED.last_worker`,
		rec.ItemID, rec.Queue, rec.Payload, rec.ProcessedAt, boolToInt(rec.Redelivered), rec.Worker,
	)
	if err != nil {
		return fmt.Errorf("record processed item: %w", err)
	}
	return nil
}

func (r *pgLedger) Get(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var lastWorker *string
	err := r.pool.QueryRow(ctx, `
		SELECT id, queue, payload, published_at, processed_at, deliveries, last_worker
		FROM work_items WHERE id = $1`, id).
		Scan(&e.ID, &e.Queue, &e.Payload, &e.PublishedAt, &e.ProcessedAt, &e.Deliveries, &lastWorker)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	if lastWorker != nil {
		e.LastWorker = *lastWorker
	}
	return &e, nil
}

func (r *pgLedger) Summary(ctx context.Context, queue string) (domain.LedgerSummary, error) {
	var s domain.LedgerSummary
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(published_at), COUNT(processed_at), COALESCE(SUM(redeliveries), 0)
		FROM work_items WHERE queue = $1`, queue).
		Scan(&s.Published, &s.Processed, &s.Redelivered)
	if err != nil {
		return domain.LedgerSummary{}, fmt.Errorf("summarise work items: %w", err)
	}
	return s, nil
}

func (r *pgLedger) Close() { r.pool.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
