package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/workqueue/internal/domain"
)

// DefaultRetryDelay is the fixed pause between failed connection attempts.
const DefaultRetryDelay = 5 * time.Second

// ClientConfig describes what a Client connects to and what it does with
// each session it establishes.
type ClientConfig struct {
	URL        string
	RetryDelay time.Duration

	// Setup runs on every fresh session before it is published as the
	// current one (queue declaration, prefetch). An error discards the
	// session and counts as a failed attempt.
	Setup func(ctx context.Context, s *Session) error

	// Serve runs once the session is current and blocks for its lifetime
	// (the consumer's delivery loop). When it returns the session is closed
	// and the client reconnects, after one retry delay if Serve returned an
	// error while the session was still up. A nil Serve waits for the
	// session to drop.
	Serve func(ctx context.Context, s *Session) error
}

// Hooks carries the metric callbacks injected by main.
type Hooks struct {
	OnStateChange  func(state domain.ConnectionState)
	OnConnectError func(err error)
}

// Client owns exactly one logical broker connection and keeps it alive.
// Its reconnect loop is an explicit state machine:
//
//	disconnected → connecting → connected ──(drop)──→ connecting
//	                    └──(failure)──→ backing-off ──(delay)──→ connecting
//
// There is no backoff growth and no attempt limit.
type Client struct {
	dialer Dialer
	cfg    ClientConfig
	logger *zap.Logger
	hooks  Hooks

	state    atomic.Int32
	nextID   atomic.Uint64
	failures atomic.Uint64

	mu      sync.RWMutex
	session *Session
	ready   chan struct{}
}

func NewClient(dialer Dialer, cfg ClientConfig, logger *zap.Logger, hooks Hooks) *Client {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if hooks.OnStateChange == nil {
		hooks.OnStateChange = func(domain.ConnectionState) {}
	}
	if hooks.OnConnectError == nil {
		hooks.OnConnectError = func(error) {}
	}
	return &Client{
		dialer: dialer,
		cfg:    cfg,
		logger: logger,
		hooks:  hooks,
		ready:  make(chan struct{}),
	}
}

// Run connects, serves and reconnects until ctx is cancelled.
// Connection-level failures are logged and retried here; they never escape.
func (c *Client) Run(ctx context.Context) {
	defer c.setState(domain.StateDisconnected)

	for {
		c.setState(domain.StateConnecting)
		sess, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.backOff(ctx, err)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		c.attach(sess)
		c.logger.Info("connected to broker", zap.Uint64("session", sess.ID()))

		serveErr := c.serve(ctx, sess)

		dropped := sessionDropped(sess)
		c.detach(sess)
		if err := sess.Close(); err != nil {
			c.logger.Debug("session close", zap.Error(err))
		}

		if ctx.Err() != nil {
			c.logger.Info("broker client stopping")
			return
		}
		c.logger.Warn("broker session ended, reconnecting",
			zap.Uint64("session", sess.ID()), zap.Error(serveErr))

		// Serve gave up on a live session (a failed item). Closing it hands
		// the item back to the broker; pause before taking it again.
		if serveErr != nil && !dropped {
			c.wait(ctx)
		}
	}
}

func sessionDropped(sess *Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}

func (c *Client) connect(ctx context.Context) (*Session, error) {
	conn, err := c.dialer.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", domain.ErrConnection, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %v", domain.ErrConnection, err)
	}

	sess := newSession(c.nextID.Add(1), conn, ch, c.logger)
	if c.cfg.Setup != nil {
		if err := c.cfg.Setup(ctx, sess); err != nil {
			_ = sess.Close()
			return nil, err
		}
	}
	return sess, nil
}

// backOff logs the failure and waits one fixed retry delay.
func (c *Client) backOff(ctx context.Context, err error) {
	n := c.failures.Add(1)
	c.setState(domain.StateBackingOff)
	c.hooks.OnConnectError(err)

	fields := []zap.Field{
		zap.Error(err),
		zap.Uint64("attempt", n),
		zap.Duration("retry_in", c.cfg.RetryDelay),
	}
	if errors.Is(err, domain.ErrQueueConflict) {
		// Producer and consumer disagree on the queue definition; retrying
		// will not help until an operator fixes one side.
		c.logger.Error("queue declaration conflict", fields...)
	} else {
		c.logger.Warn("broker connection failed, retrying", fields...)
	}

	c.wait(ctx)
}

// wait sleeps one retry delay or until ctx is cancelled.
func (c *Client) wait(ctx context.Context) {
	timer := time.NewTimer(c.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *Client) serve(ctx context.Context, sess *Session) error {
	if c.cfg.Serve != nil {
		return c.cfg.Serve(ctx, sess)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-sess.Done():
		return sess.Err()
	}
}

func (c *Client) attach(sess *Session) {
	c.mu.Lock()
	c.session = sess
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()
	c.setState(domain.StateConnected)
}

func (c *Client) detach(sess *Session) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()
	c.setState(domain.StateDisconnected)
}

func (c *Client) setState(s domain.ConnectionState) {
	if domain.ConnectionState(c.state.Swap(int32(s))) != s {
		c.hooks.OnStateChange(s)
	}
}

// State returns the current position in the reconnect loop.
func (c *Client) State() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

// Connected reports whether a live session is attached.
func (c *Client) Connected() bool { return c.current() != nil }

// Failures returns the number of failed connection attempts so far.
func (c *Client) Failures() uint64 { return c.failures.Load() }

// Ready is closed after the first successful connection.
func (c *Client) Ready() <-chan struct{} { return c.ready }

func (c *Client) current() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	select {
	case <-c.session.Done():
		return nil
	default:
		return c.session
	}
}

// Publish sends item on the current session. It never waits for a
// connection: with no live session it fails with ErrNotConnected.
func (c *Client) Publish(ctx context.Context, queue string, item domain.WorkItem, persistent bool) error {
	sess := c.current()
	if sess == nil {
		return domain.ErrNotConnected
	}
	return sess.Publish(ctx, queue, item, persistent)
}

// DeclareQueue declares q on the current session.
func (c *Client) DeclareQueue(q domain.Queue) error {
	sess := c.current()
	if sess == nil {
		return domain.ErrNotConnected
	}
	return sess.DeclareQueue(q)
}

// Acknowledge acks h on the current session. A handle that outlived its
// session is reported as ErrAckFailure; the broker redelivers that item.
func (c *Client) Acknowledge(h domain.DeliveryHandle) error {
	sess := c.current()
	if sess == nil {
		return fmt.Errorf("%w: no live session", domain.ErrAckFailure)
	}
	return sess.Acknowledge(h)
}

// QueueStatus reports the broker's depth for queue.
func (c *Client) QueueStatus(_ context.Context, queue string) (domain.QueueStatus, error) {
	sess := c.current()
	if sess == nil {
		return domain.QueueStatus{}, domain.ErrNotConnected
	}
	return sess.QueueStatus(queue)
}
