package queue

import (
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/notifyhub/workqueue/internal/broker"
)

// ErrBrokerDown is returned by Dial while the broker is marked unavailable.
var ErrBrokerDown = errors.New("broker unavailable: connection refused")

// Broker is an in-process stand-in for a RabbitMQ node. It models only what
// the work-queue pipeline relies on:
//
//   - durable and transient queues, with PRECONDITION_FAILED on a redeclare
//     that changes durability
//   - persistent vs transient messages across Restart
//   - per-channel prefetch (basic.qos) with manual acknowledgement
//   - round-robin dispatch between consumers of one queue
//   - requeue of every unacknowledged delivery when its channel closes
//
// All state is guarded by a single mutex; delivery to consumers happens on
// one pump goroutine per consumer so no send ever runs under the lock.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queueState
	conns  map[*Connection]struct{}
	down   bool
	nextID uint64
}

type message struct {
	id          uint64
	pub         amqp.Publishing
	redelivered bool
}

type queueState struct {
	name      string
	durable   bool
	ready     []*message
	consumers []*consumer
	next      int
}

// New returns an empty, reachable broker.
func New() *Broker {
	return &Broker{
		queues: make(map[string]*queueState),
		conns:  make(map[*Connection]struct{}),
	}
}

// Dial opens a connection, or fails with ErrBrokerDown while SetAvailable(false).
// The url is ignored.
func (b *Broker) Dial(_ string) (broker.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, ErrBrokerDown
	}
	c := &Connection{b: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// SetAvailable toggles whether Dial succeeds. Existing connections are left alone.
func (b *Broker) SetAvailable(up bool) {
	b.mu.Lock()
	b.down = !up
	b.mu.Unlock()
}

// DropConnections force-closes every open connection, the way a broker
// node does on a network partition. Unacked deliveries are requeued.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(&amqp.Error{
		Code:   amqp.ConnectionForced,
		Reason: "CONNECTION_FORCED - broker forced connection closure",
		Server: true,
	})
}

// Restart drops all connections and then discards what a real node would
// lose: transient queues entirely, and transient messages in durable queues.
func (b *Broker) Restart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(&amqp.Error{
		Code:   amqp.ConnectionForced,
		Reason: "CONNECTION_FORCED - broker shutdown",
		Server: true,
	})
	for name, q := range b.queues {
		if !q.durable {
			delete(b.queues, name)
			continue
		}
		kept := q.ready[:0]
		for _, m := range q.ready {
			if m.pub.DeliveryMode == amqp.Persistent {
				kept = append(kept, m)
			}
		}
		q.ready = kept
	}
}

func (b *Broker) dropLocked(reason *amqp.Error) {
	for c := range b.conns {
		c.closeLocked(reason)
	}
}

// Stats reports ready and unacknowledged counts for name.
func (b *Broker) Stats(name string) (ready, unacked int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0, 0, false
	}
	for c := range b.conns {
		for ch := range c.channels {
			for _, f := range ch.unacked {
				if f.queue == q {
					unacked++
				}
			}
		}
	}
	return len(q.ready), unacked, true
}

// Connection is an in-memory broker connection.
type Connection struct {
	b        *Broker
	channels map[*Channel]struct{}
	notify   []chan *amqp.Error
	closed   bool
}

func (c *Connection) Channel() (broker.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{b: c.b, conn: c, unacked: make(map[uint64]*inflight)}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Connection) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Connection) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for ch := range c.channels {
		ch.closeLocked(reason)
	}
	delete(c.b.conns, c)
	notifyLocked(c.notify, reason)
	c.notify = nil
}

// notifyLocked mirrors amqp091: a graceful close only closes the listeners,
// an error close sends the reason first.
func notifyLocked(listeners []chan *amqp.Error, reason *amqp.Error) {
	for _, l := range listeners {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
}

func notFound(name string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name),
		Server: true,
	}
}

var _ broker.Dialer = (*Broker)(nil)
var _ broker.Connection = (*Connection)(nil)
