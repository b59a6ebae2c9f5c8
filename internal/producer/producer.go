package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/workqueue/internal/domain"
	"github.com/notifyhub/workqueue/internal/ratelimiter"
	"github.com/notifyhub/workqueue/internal/repository"
)

// DefaultBurstPrefix labels burst items when the caller gives no prefix.
const DefaultBurstPrefix = "Burst message"

// Publisher is the part of the broker client the producer needs.
// *broker.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, queue string, item domain.WorkItem, persistent bool) error
}

// Hooks carries the metric callbacks injected by main. Nil fields are no-ops.
type Hooks struct {
	OnPublished func()
	OnFailed    func()
}

// BurstResult lists the items a burst managed to publish, in publish order.
type BurstResult struct {
	Requested int
	Items     []domain.WorkItem
}

// Published is the number of items the broker accepted.
func (r BurstResult) Published() int { return len(r.Items) }

// Payloads returns up to limit payload labels; limit < 0 returns all.
func (r BurstResult) Payloads(limit int) []string {
	n := len(r.Items)
	if limit >= 0 && limit < n {
		n = limit
	}
	out := make([]string, n)
	for i := range out {
		out[i] = r.Items[i].Text()
	}
	return out
}

// Producer enqueues work items. It never queues client-side: when the broker
// session is down every publish fails immediately with ErrNotConnected.
type Producer struct {
	pub     Publisher
	queue   string
	limiter *ratelimiter.PublishLimiter
	ledger  repository.Ledger
	logger  *zap.Logger
	hooks   Hooks

	// next is the number in the next default "Work item {n}" label.
	// It only advances when that label was actually published.
	mu   sync.Mutex
	next uint64
}

func New(
	pub Publisher,
	queue string,
	limiter *ratelimiter.PublishLimiter,
	ledger repository.Ledger,
	logger *zap.Logger,
	hooks Hooks,
) *Producer {
	if limiter == nil {
		limiter = ratelimiter.New(0)
	}
	if ledger == nil {
		ledger = repository.NewMemoryLedger()
	}
	if hooks.OnPublished == nil {
		hooks.OnPublished = func() {}
	}
	if hooks.OnFailed == nil {
		hooks.OnFailed = func() {}
	}
	return &Producer{
		pub:     pub,
		queue:   queue,
		limiter: limiter,
		ledger:  ledger,
		logger:  logger,
		hooks:   hooks,
	}
}

// PublishOne publishes customText, or the next "Work item {n}" label when
// customText is empty, as a persistent item.
func (p *Producer) PublishOne(ctx context.Context, customText string) (domain.WorkItem, error) {
	if customText != "" {
		return p.publish(ctx, customText)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	item, err := p.publish(ctx, fmt.Sprintf("Work item %d", p.next))
	if err != nil {
		return domain.WorkItem{}, err
	}
	p.next++
	return item, nil
}

// PublishBurst publishes count items labelled "{prefix} i/count" for
// i = 1..count, sequentially and each persistent. The first failure aborts
// the rest; the returned result still lists what was published and the error
// wraps ErrBurstAborted.
func (p *Producer) PublishBurst(ctx context.Context, count int, prefix string) (BurstResult, error) {
	if count < 0 {
		return BurstResult{}, domain.ErrInvalidCount
	}
	if prefix == "" {
		prefix = DefaultBurstPrefix
	}

	res := BurstResult{Requested: count, Items: make([]domain.WorkItem, 0, count)}
	for i := 1; i <= count; i++ {
		item, err := p.publish(ctx, fmt.Sprintf("%s %d/%d", prefix, i, count))
		if err != nil {
			p.logger.Warn("burst aborted",
				zap.Int("published", res.Published()),
				zap.Int("requested", count),
				zap.Error(err),
			)
			return res, fmt.Errorf("%w after %d of %d items: %w", domain.ErrBurstAborted, res.Published(), count, err)
		}
		res.Items = append(res.Items, item)
	}

	p.logger.Info("burst published", zap.Int("count", count), zap.String("queue", p.queue))
	return res, nil
}

func (p *Producer) publish(ctx context.Context, payload string) (domain.WorkItem, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		p.hooks.OnFailed()
		return domain.WorkItem{}, fmt.Errorf("wait for publish slot: %w", err)
	}

	item := domain.WorkItem{
		ID:          uuid.New().String(),
		Payload:     []byte(payload),
		Durable:     true,
		PublishedAt: time.Now().UTC(),
	}
	if err := p.pub.Publish(ctx, p.queue, item, true); err != nil {
		p.hooks.OnFailed()
		return domain.WorkItem{}, err
	}

	p.hooks.OnPublished()
	p.logger.Info("published work item", zap.String("id", item.ID), zap.String("payload", payload))

	if err := p.ledger.RecordPublished(ctx, p.queue, item); err != nil {
		p.logger.Warn("ledger write failed", zap.String("id", item.ID), zap.Error(err))
	}
	return item, nil
}
