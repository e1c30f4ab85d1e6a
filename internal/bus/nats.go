package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSBus implements Bus over a NATS JetStream connection. StreamName is
// the single JetStream stream all orchestrator subjects are published on;
// subjects are distinguished by their own names.
type NATSBus struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	streamName string

	mu  sync.Mutex
	kvs map[string]*natsKV
}

// Connect dials the NATS server at url and ensures the orchestrator's
// JetStream stream exists.
func Connect(ctx context.Context, url string, streamName string, subjects []string) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("agentflow-orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create stream %s: %w", streamName, err)
	}

	return &NATSBus{
		conn:       conn,
		js:         js,
		streamName: streamName,
		kvs:        make(map[string]*natsKV),
	}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte, properties map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range properties {
		msg.Header.Set(k, v)
	}
	_, err := b.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

type natsSubscription struct {
	consumeCtx jetstream.ConsumeContext
}

func (s *natsSubscription) Unsubscribe() error {
	s.consumeCtx.Stop()
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, mode Mode, opts SubscribeOptions, handler Handler) (Subscription, error) {
	if opts.MaxDeliver == 0 {
		opts.MaxDeliver = 3
	}
	if opts.AckWait == 0 {
		opts.AckWait = 30 * time.Second
	}

	stream, err := b.js.Stream(ctx, b.streamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", b.streamName, err)
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       opts.DurableName,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.AckWait,
		// One extra delivery beyond the handler's budget: the final
		// delivery is what routes the message to "<subject>.DLQ" below.
		MaxDeliver: opts.MaxDeliver + 1,
	}

	switch mode {
	case Shared:
		// Queue-group semantics: every replica binding the same durable
		// name competes for messages. JetStream durable pull consumers are
		// shared by construction when multiple processes call Consume on
		// the same durable name.
	case Failover:
		// Single-active-consumer: the durable consumer is exclusive, so
		// the Agent Registry table has exactly one writer at a time.
		cfg.InactiveThreshold = 5 * time.Minute
	case Exclusive:
		// Every subscriber gets every message: use an ephemeral (no
		// Durable) ordered consumer so no two subscribers share delivery
		// state.
		cfg.Durable = ""
		cfg = jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckNonePolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		}
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", subject, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		meta, _ := msg.Metadata()
		numDelivered := 1
		if meta != nil {
			numDelivered = int(meta.NumDelivered)
		}

		if numDelivered > opts.MaxDeliver {
			b.deadLetter(ctx, subject, msg)
			_ = msg.Term()
			return
		}

		props := make(map[string]string, len(msg.Headers()))
		for k := range msg.Headers() {
			props[k] = msg.Headers().Get(k)
		}

		handled := Message{
			Subject:      msg.Subject(),
			Data:         msg.Data(),
			Properties:   props,
			NumDelivered: numDelivered,
			ack:          msg.Ack,
			nak:          func() error { return msg.Nak() },
			term:         func() error { return msg.Term() },
		}

		if err := handler(ctx, handled); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", subject, err)
	}

	return &natsSubscription{consumeCtx: consumeCtx}, nil
}

// deadLetter republishes an exhausted message onto "<subject>.DLQ".
func (b *NATSBus) deadLetter(ctx context.Context, subject string, msg jetstream.Msg) {
	dlq := subject + ".DLQ"
	out := nats.NewMsg(dlq)
	out.Data = msg.Data()
	for k := range msg.Headers() {
		out.Header.Set(k, msg.Headers().Get(k))
	}
	_, _ = b.js.PublishMsg(ctx, out)
}

func (b *NATSBus) KV(ctx context.Context, bucket string) (KVStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.kvs[bucket]; ok {
		return existing, nil
	}

	kv, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", bucket, err)
	}

	wrapped := &natsKV{kv: kv}
	b.kvs[bucket] = wrapped
	return wrapped, nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

// natsKV adapts jetstream.KeyValue to the bus.KVStore interface.
type natsKV struct {
	kv jetstream.KeyValue
}

func (k *natsKV) Get(ctx context.Context, key string) ([]byte, uint64, bool, error) {
	entry, err := k.kv.Get(ctx, key)
	if err == jetstream.ErrKeyNotFound {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return entry.Value(), entry.Revision(), true, nil
}

func (k *natsKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := k.kv.Put(ctx, key, value)
	return err
}

func (k *natsKV) CompareAndSwap(ctx context.Context, key string, expectedRevision uint64, value []byte) (uint64, error) {
	rev, err := k.kv.Update(ctx, key, value, expectedRevision)
	if err != nil {
		if expectedRevision == 0 {
			rev, err = k.kv.Create(ctx, key, value)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrRevisionMismatch, err)
		}
	}
	return rev, nil
}

func (k *natsKV) Delete(ctx context.Context, key string) error {
	return k.kv.Delete(ctx, key)
}

func (k *natsKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := k.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

func (k *natsKV) Watch(ctx context.Context, pattern string) (<-chan KVEvent, error) {
	watcher, err := k.kv.Watch(ctx, pattern)
	if err != nil {
		return nil, err
	}
	out := make(chan KVEvent, 16)
	go func() {
		defer close(out)
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-watcher.Updates():
				if entry == nil {
					continue
				}
				out <- KVEvent{
					Key:      entry.Key(),
					Value:    entry.Value(),
					Revision: entry.Revision(),
					Deleted:  entry.Operation() == jetstream.KeyValueDelete,
				}
			}
		}
	}()
	return out, nil
}
