package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/notifyhub/workqueue/internal/domain"
)

// Session is one live connection plus its operational channel.
// It is created by Client after a successful dial and discarded as soon as
// either the connection or the channel closes; it is never reused.
type Session struct {
	id     uint64
	conn   Connection
	ch     Channel
	logger *zap.Logger

	mu         sync.Mutex
	pending    map[uint64]struct{} // delivery tags received but not yet acked
	prefetch   int
	subscribed bool

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func newSession(id uint64, conn Connection, ch Channel, logger *zap.Logger) *Session {
	s := &Session{
		id:      id,
		conn:    conn,
		ch:      ch,
		logger:  logger.With(zap.Uint64("session", id)),
		pending: make(map[uint64]struct{}),
		done:    make(chan struct{}),
	}

	// Buffered so the broker library never blocks delivering the close reason.
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var reason *amqp.Error
		select {
		case reason = <-connClosed:
		case reason = <-chClosed:
		case <-s.done:
			return
		}
		s.markClosed(reason)
	}()

	return s
}

// ID is the session generation; it increases with every reconnect.
func (s *Session) ID() uint64 { return s.id }

// Done is closed once the session has ended for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended. It is nil while the session is alive.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) markClosed(reason *amqp.Error) {
	s.closeOnce.Do(func() {
		if reason != nil {
			s.err = fmt.Errorf("%w: %s", domain.ErrConnection, reason.Error())
		} else {
			s.err = fmt.Errorf("%w: session closed", domain.ErrConnection)
		}
		close(s.done)
	})
}

// Close tears down the channel and the connection. Unacknowledged deliveries
// are returned to the queue by the broker.
func (s *Session) Close() error {
	s.markClosed(nil)
	chErr := s.ch.Close()
	connErr := s.conn.Close()
	if errors.Is(chErr, amqp.ErrClosed) {
		chErr = nil
	}
	if errors.Is(connErr, amqp.ErrClosed) {
		connErr = nil
	}
	return errors.Join(chErr, connErr)
}

// DeclareQueue declares q. Repeating an identical declaration is a no-op on
// the broker; a durability mismatch is reported as ErrQueueConflict and, as
// with any AMQP channel error, ends the session.
func (s *Session) DeclareQueue(q domain.Queue) error {
	if _, err := s.ch.QueueDeclare(q.Name, q.Durable, false, false, false, nil); err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
			return fmt.Errorf("%w: queue %q durable=%t: %s", domain.ErrQueueConflict, q.Name, q.Durable, amqpErr.Reason)
		}
		return fmt.Errorf("declare queue %q: %w", q.Name, err)
	}
	return nil
}

// SetPrefetch bounds how many unacknowledged deliveries the broker may have
// in flight to this session. 0 means unbounded.
func (s *Session) SetPrefetch(limit int) error {
	if limit < 0 {
		return domain.ErrInvalidPrefetch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return domain.ErrPrefetchAfterSubscribe
	}
	if err := s.ch.Qos(limit, 0, false); err != nil {
		return fmt.Errorf("set prefetch %d: %w", limit, err)
	}
	s.prefetch = limit
	return nil
}

// Prefetch returns the limit applied by SetPrefetch.
func (s *Session) Prefetch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefetch
}

// Publish sends item to queue through the default exchange. It returns once
// the broker has the frame, not once the item is on disk.
func (s *Session) Publish(ctx context.Context, queue string, item domain.WorkItem, persistent bool) error {
	msg := amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   item.ID,
		Timestamp:   item.PublishedAt,
		Body:        item.Payload,
	}
	if persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if err := s.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
		}
		return fmt.Errorf("publish to %q: %w", queue, err)
	}
	return nil
}

// Subscribe starts a manual-ack consumer on queue. The returned channel is
// closed when the session ends.
func (s *Session) Subscribe(queue, consumerTag string) (<-chan domain.Delivery, error) {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %d already subscribed", s.id)
	}
	s.subscribed = true
	s.mu.Unlock()

	raw, err := s.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}

	out := make(chan domain.Delivery)
	go func() {
		defer close(out)
		for d := range raw {
			s.mu.Lock()
			s.pending[d.DeliveryTag] = struct{}{}
			s.mu.Unlock()

			select {
			case out <- toDelivery(s.id, d):
			case <-s.done:
				return
			}
		}
	}()
	return out, nil
}

// Acknowledge tells the broker the delivery is fully processed.
// Handles from another session, or ones already acknowledged, yield
// ErrAckFailure without reaching the broker: a second ack for the same tag
// would make RabbitMQ close the channel.
func (s *Session) Acknowledge(h domain.DeliveryHandle) error {
	if h.Session != s.id {
		return fmt.Errorf("%w: handle from session %d, current session %d", domain.ErrAckFailure, h.Session, s.id)
	}

	s.mu.Lock()
	if _, ok := s.pending[h.Tag]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: delivery tag %d is not outstanding", domain.ErrAckFailure, h.Tag)
	}
	delete(s.pending, h.Tag)
	s.mu.Unlock()

	if err := s.ch.Ack(h.Tag, false); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAckFailure, err)
	}
	return nil
}

// Outstanding returns the number of deliveries received but not yet acked.
func (s *Session) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// QueueStatus passively declares name on a throwaway channel, so that a
// missing queue (which closes the channel) does not end the session.
func (s *Session) QueueStatus(name string) (domain.QueueStatus, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return domain.QueueStatus{}, fmt.Errorf("%w: open status channel: %v", domain.ErrNotConnected, err)
	}
	defer ch.Close() //nolint:errcheck

	q, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		return domain.QueueStatus{}, fmt.Errorf("inspect queue %q: %w", name, err)
	}
	return domain.QueueStatus{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

func toDelivery(session uint64, d amqp.Delivery) domain.Delivery {
	published := d.Timestamp
	if published.IsZero() {
		published = time.Now().UTC()
	}
	return domain.Delivery{
		Item: domain.WorkItem{
			ID:          d.MessageId,
			Payload:     d.Body,
			Durable:     d.DeliveryMode == amqp.Persistent,
			PublishedAt: published,
		},
		Handle:      domain.DeliveryHandle{Session: session, Tag: d.DeliveryTag},
		Redelivered: d.Redelivered,
		ConsumerTag: d.ConsumerTag,
	}
}
