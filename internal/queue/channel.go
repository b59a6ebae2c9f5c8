package queue

import (
	"context"
	"fmt"
	"slices"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/notifyhub/workqueue/internal/broker"
)

// Channel is an in-memory AMQP channel. It is also the amqp.Acknowledger of
// every delivery it hands out, so amqp.Delivery.Ack works as with RabbitMQ.
type Channel struct {
	b         *Broker
	conn      *Connection
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*inflight
	consumers []*consumer
	notify    []chan *amqp.Error
	closed    bool
}

type inflight struct {
	msg   *message
	queue *queueState
}

type consumer struct {
	ch         *Channel
	tag        string
	queue      *queueState
	autoAck    bool
	outbox     []amqp.Delivery
	signal     chan struct{}
	done       chan struct{}
	deliveries chan amqp.Delivery
}

func (ch *Channel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	q, ok := ch.b.queues[name]
	if ok && q.durable != durable {
		err := &amqp.Error{
			Code: amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s' in vhost '/': received '%t' but current is '%t'",
				name, durable, q.durable),
			Server: true,
		}
		ch.closeLocked(err)
		return amqp.Queue{}, err
	}
	if !ok {
		if name == "" {
			ch.b.nextID++
			name = fmt.Sprintf("amq.gen-%d", ch.b.nextID)
		}
		q = &queueState{name: name, durable: durable}
		ch.b.queues[name] = q
	}
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := ch.b.queues[name]
	if !ok {
		err := notFound(name)
		ch.closeLocked(err)
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	for _, c := range ch.consumers {
		ch.b.dispatchLocked(c.queue)
	}
	return nil
}

// PublishWithContext routes through the default exchange only: key is the
// queue name. Unroutable messages are dropped, as RabbitMQ does without the
// mandatory flag.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if exchange != "" {
		err := &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchange),
			Server: true,
		}
		ch.closeLocked(err)
		return err
	}
	q, ok := ch.b.queues[key]
	if !ok {
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	ch.b.nextID++
	q.ready = append(q.ready, &message{id: ch.b.nextID, pub: msg})
	ch.b.dispatchLocked(q)
	return nil
}

func (ch *Channel) Consume(queue, tag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := ch.b.queues[queue]
	if !ok {
		err := notFound(queue)
		ch.closeLocked(err)
		return nil, err
	}
	if tag == "" {
		ch.b.nextID++
		tag = fmt.Sprintf("ctag-%d", ch.b.nextID)
	}

	c := &consumer{
		ch:         ch,
		tag:        tag,
		queue:      q,
		autoAck:    autoAck,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		deliveries: make(chan amqp.Delivery),
	}
	ch.consumers = append(ch.consumers, c)
	q.consumers = append(q.consumers, c)
	go c.pump()

	ch.b.dispatchLocked(q)
	return c.deliveries, nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(*inflight) {})
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(f *inflight) {
		if requeue {
			f.msg.redelivered = true
			f.queue.ready = append([]*message{f.msg}, f.queue.ready...)
		}
	})
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// settle removes tag (and every lower tag when multiple) from the unacked
// set. An unknown tag is a channel error on a real broker, so it closes the
// channel here too.
func (ch *Channel) settle(tag uint64, multiple bool, fn func(*inflight)) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := ch.unacked[tag]; !ok {
		ch.closeLocked(&amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag),
			Server: true,
		})
		return nil
	}

	touched := make(map[*queueState]struct{})
	for t, f := range ch.unacked {
		if t == tag || (multiple && t < tag) {
			fn(f)
			delete(ch.unacked, t)
			touched[f.queue] = struct{}{}
		}
	}
	// Freed prefetch capacity may unblock any queue this channel consumes.
	for _, c := range ch.consumers {
		touched[c.queue] = struct{}{}
	}
	for q := range touched {
		ch.b.dispatchLocked(q)
	}
	return nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *Channel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// closeLocked cancels the channel's consumers and returns its unacked
// deliveries to the head of their queues, oldest first.
func (ch *Channel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	for _, c := range ch.consumers {
		c.queue.removeConsumer(c)
		close(c.done)
	}

	byQueue := make(map[*queueState][]uint64)
	for tag, f := range ch.unacked {
		byQueue[f.queue] = append(byQueue[f.queue], tag)
	}
	for q, tags := range byQueue {
		slices.Sort(tags)
		requeued := make([]*message, 0, len(tags))
		for _, tag := range tags {
			m := ch.unacked[tag].msg
			m.redelivered = true
			requeued = append(requeued, m)
		}
		q.ready = append(requeued, q.ready...)
	}
	ch.unacked = map[uint64]*inflight{}

	delete(ch.conn.channels, ch)
	notifyLocked(ch.notify, reason)
	ch.notify = nil

	for q := range byQueue {
		ch.b.dispatchLocked(q)
	}
}

func (ch *Channel) hasCapacityLocked() bool {
	return ch.prefetch == 0 || len(ch.unacked) < ch.prefetch
}

// dispatchLocked hands ready messages to consumers round-robin, skipping any
// whose channel has reached its prefetch limit.
func (b *Broker) dispatchLocked(q *queueState) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.autoAck || c.ch.hasCapacityLocked() {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]
		target.deliverLocked(m)
	}
}

func (c *consumer) deliverLocked(m *message) {
	ch := c.ch
	ch.nextTag++
	tag := ch.nextTag
	if !c.autoAck {
		ch.unacked[tag] = &inflight{msg: m, queue: c.queue}
	}

	c.outbox = append(c.outbox, amqp.Delivery{
		Acknowledger:  ch,
		Headers:       m.pub.Headers,
		ContentType:   m.pub.ContentType,
		DeliveryMode:  m.pub.DeliveryMode,
		Priority:      m.pub.Priority,
		CorrelationId: m.pub.CorrelationId,
		MessageId:     m.pub.MessageId,
		Timestamp:     m.pub.Timestamp,
		ConsumerTag:   c.tag,
		DeliveryTag:   tag,
		Redelivered:   m.redelivered,
		RoutingKey:    c.queue.name,
		Body:          m.pub.Body,
	})
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// pump moves deliveries from the outbox to the consumer's channel without
// holding the broker lock during the send.
func (c *consumer) pump() {
	defer close(c.deliveries)
	mu := &c.ch.b.mu
	for {
		mu.Lock()
		if len(c.outbox) == 0 {
			mu.Unlock()
			select {
			case <-c.signal:
				continue
			case <-c.done:
				return
			}
		}
		d := c.outbox[0]
		c.outbox = c.outbox[1:]
		mu.Unlock()

		select {
		case c.deliveries <- d:
		case <-c.done:
			return
		}
	}
}

func (q *queueState) removeConsumer(target *consumer) {
	for i, c := range q.consumers {
		if c == target {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 {
		q.next %= len(q.consumers)
	} else {
		q.next = 0
	}
}

var (
	_ broker.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)
