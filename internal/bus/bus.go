// Package bus provides the message-bus abstraction used by every background
// consumer in the orchestrator: topic publish, shared/failover/exclusive
// subscriptions, and durable key/value buckets for workflow and goal state.
// The production implementation wraps a NATS JetStream connection; tests use
// the in-memory fake in bus_fake.go instead of a live NATS server.
package bus

import (
	"context"
	"errors"
	"time"
)

// Mode selects the subscription discipline for a topic consumer.
type Mode int

const (
	// Shared is a queue-group subscription: multiple service replicas
	// compete for messages, each message delivered to exactly one member.
	// Used for results, status updates, platform events.
	Shared Mode = iota
	// Failover is a single-active-consumer subscription: only one replica
	// processes messages at a time, for components (the Agent Registry)
	// that must not observe duplicate concurrent writers.
	Failover
	// Exclusive delivers every message to every subscriber; used for
	// per-observer dashboard topics where every client must see every event.
	Exclusive
)

// Message is a received bus message together with its acknowledgment hooks
// and transport properties (the trace-context carrier).
type Message struct {
	Subject    string
	Data       []byte
	Properties map[string]string

	// NumDelivered is the 1-based redelivery count, used by consumers that
	// implement a dead-letter sweep.
	NumDelivered int

	ack  func() error
	nak  func() error
	term func() error
}

// Ack acknowledges successful processing.
func (m Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nak negatively acknowledges the message for redelivery.
func (m Message) Nak() error {
	if m.nak == nil {
		return nil
	}
	return m.nak()
}

// Term terminates delivery of the message without further redelivery
// (used once a message has been moved to its dead-letter topic).
func (m Message) Term() error {
	if m.term == nil {
		return nil
	}
	return m.term()
}

// Handler processes one received message. Returning an error Naks it for
// redelivery; returning nil Acks it. A handler that has already settled the
// message itself (msg.Term on a dead-letter) returns nil and the
// follow-up Ack is a no-op. The bus does not retry on the handler's behalf
// beyond the subscription's configured MaxDeliver.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a live consumer; Unsubscribe stops delivery.
type Subscription interface {
	Unsubscribe() error
}

// SubscribeOptions configures redelivery and dead-lettering for a topic
// consumer.
type SubscribeOptions struct {
	// DurableName names the durable consumer (required for Shared/Failover).
	DurableName string
	// MaxDeliver bounds redelivery attempts before the bus moves a message
	// to "<subject>.DLQ".
	MaxDeliver int
	// AckWait is how long the bus waits for an Ack before redelivering.
	AckWait time.Duration
}

// DefaultSubscribeOptions is the consumer config every work-topic consumer
// uses (AckExplicit, MaxDeliver 3, generous AckWait).
func DefaultSubscribeOptions(durable string) SubscribeOptions {
	return SubscribeOptions{
		DurableName: durable,
		MaxDeliver:  3,
		AckWait:     30 * time.Second,
	}
}

// KVStore is a durable key/value bucket (workflows, goals, pending futures,
// loop-completion watches).
type KVStore interface {
	// Get returns the value, its current revision, and whether it exists.
	Get(ctx context.Context, key string) (value []byte, revision uint64, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	// CompareAndSwap stores value only if the key's current revision equals
	// expectedRevision (0 meaning "must not exist"). Returns the new
	// revision on success. Used by the Workflow Manager to serialize
	// concurrent task-status updates across replicas.
	CompareAndSwap(ctx context.Context, key string, expectedRevision uint64, value []byte) (newRevision uint64, err error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Watch streams updates to keys matching a wildcard pattern (e.g.
	// "COMPLETE_*").
	Watch(ctx context.Context, pattern string) (<-chan KVEvent, error)
}

// KVEvent is one observed mutation of a watched key.
type KVEvent struct {
	Key      string
	Value    []byte
	Revision uint64
	Deleted  bool
}

// ErrRevisionMismatch is returned by CompareAndSwap on a concurrent writer
// conflict; callers should reload and retry.
var ErrRevisionMismatch = errors.New("bus: revision mismatch")

// ErrKeyNotFound is returned by Get/CompareAndSwap when a key is absent.
var ErrKeyNotFound = errors.New("bus: key not found")

// Bus is the full transport surface the orchestrator depends on.
type Bus interface {
	// Publish sends a message to subject, available to Shared/Failover
	// subscribers and to any Exclusive subscriber bound after the fact is
	// not guaranteed (Exclusive topics are fan-out-on-publish, not replayed).
	Publish(ctx context.Context, subject string, data []byte, properties map[string]string) error
	Subscribe(ctx context.Context, subject string, mode Mode, opts SubscribeOptions, handler Handler) (Subscription, error)
	KV(ctx context.Context, bucket string) (KVStore, error)
	Close() error
}
