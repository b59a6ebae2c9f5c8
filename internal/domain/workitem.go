package domain

import (
	"time"
	"unicode/utf8"
)

// DefaultQueueName is the queue both sides declare when none is configured.
const DefaultQueueName = "work_queue"

// WorkItem is the unit of work flowing producer → broker → consumer.
// Payload is opaque: nothing in the pipeline interprets it.
type WorkItem struct {
	ID          string    `json:"id"`
	Payload     []byte    `json:"-"`
	Durable     bool      `json:"durable"`
	PublishedAt time.Time `json:"published_at"`
}

// Text returns the payload as a string, the way both sides log and display it.
func (w WorkItem) Text() string { return string(w.Payload) }

// DeliveryHandle correlates a received item with the acknowledgement the
// consumer must send. Session is the generation of the broker session that
// received it; a handle from an earlier session can never be acknowledged.
type DeliveryHandle struct {
	Session uint64
	Tag     uint64
}

// Delivery is one delivery attempt of a WorkItem.
type Delivery struct {
	Item        WorkItem
	Handle      DeliveryHandle
	Redelivered bool
	ConsumerTag string
}

// Queue is the declaration both producer and consumer agree on.
type Queue struct {
	Name    string
	Durable bool
}

// QueueStatus is the broker's view of a queue at one instant.
// Messages counts ready (undelivered) items only.
type QueueStatus struct {
	Name      string `json:"queue"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// ConnectionState is the broker client's position in its reconnect loop.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateBackingOff
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackingOff:
		return "backing-off"
	}
	return "unknown"
}

// PublishRequest is the inbound payload of POST /publish.
type PublishRequest struct {
	Message string `json:"message,omitempty"`
}

func (r *PublishRequest) Validate() error {
	if utf8.RuneCountInString(r.Message) > MaxPayloadRunes {
		return ErrPayloadTooLarge
	}
	return nil
}

// MaxPayloadRunes bounds custom payloads accepted over HTTP.
const MaxPayloadRunes = 64 * 1024

// BurstRequest is the inbound payload of POST /burst.
// A zero Count means "use the configured default".
type BurstRequest struct {
	Count  int    `json:"count,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

func (r *BurstRequest) Validate(max int) error {
	if r.Count < 0 {
		return ErrInvalidCount
	}
	if max > 0 && r.Count > max {
		return ErrBurstTooLarge
	}
	return nil
}
