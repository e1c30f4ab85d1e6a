package bus

import (
	"context"
	"sync"
)

// FakeBus is an in-memory Bus used by component tests in place of a live
// NATS server: thread-safe, deterministic, and inspectable by the test.
type FakeBus struct {
	mu   sync.Mutex
	subs map[string][]*fakeSub // subject -> subscribers
	kvs  map[string]*FakeKV

	// Published records every message handed to Publish, for assertions.
	Published []FakePublished
}

// FakePublished captures one Publish call.
type FakePublished struct {
	Subject    string
	Data       []byte
	Properties map[string]string
}

type fakeSub struct {
	mode    Mode
	group   string // durable name; only the first Shared/Failover subscriber of a group receives each message
	handler Handler
	active  bool
}

// NewFakeBus constructs an empty FakeBus.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		subs: make(map[string][]*fakeSub),
		kvs:  make(map[string]*FakeKV),
	}
}

func (b *FakeBus) Publish(ctx context.Context, subject string, data []byte, properties map[string]string) error {
	b.mu.Lock()
	b.Published = append(b.Published, FakePublished{Subject: subject, Data: data, Properties: properties})
	subs := append([]*fakeSub(nil), b.subs[subject]...)
	b.mu.Unlock()

	msg := Message{Subject: subject, Data: data, Properties: properties, NumDelivered: 1}

	delivered := make(map[string]bool)
	for _, s := range subs {
		if s.mode == Shared || s.mode == Failover {
			if s.group != "" {
				if delivered[s.group] {
					continue
				}
				delivered[s.group] = true
			}
		}
		if err := s.handler(ctx, msg); err != nil {
			// FakeBus does not model redelivery; the first handler error
			// is returned to the caller of Publish, and the remaining
			// subscribers do not receive the message.
			return err
		}
	}
	return nil
}

type fakeSubscription struct {
	bus     *FakeBus
	subject string
	target  *fakeSub
}

func (s *fakeSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.subject]
	for i, existing := range list {
		if existing == s.target {
			s.bus.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (b *FakeBus) Subscribe(ctx context.Context, subject string, mode Mode, opts SubscribeOptions, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &fakeSub{mode: mode, group: opts.DurableName, handler: handler, active: true}
	b.subs[subject] = append(b.subs[subject], sub)
	return &fakeSubscription{bus: b, subject: subject, target: sub}, nil
}

func (b *FakeBus) KV(ctx context.Context, bucket string) (KVStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.kvs[bucket]; ok {
		return existing, nil
	}
	kv := newFakeKV()
	b.kvs[bucket] = kv
	return kv, nil
}

func (b *FakeBus) Close() error { return nil }

// FakeKV is an in-memory KVStore with the same compare-and-swap semantics
// as the NATS-backed store, so Workflow Manager concurrency tests can run
// without a live server.
type FakeKV struct {
	mu        sync.Mutex
	values    map[string][]byte
	revisions map[string]uint64
	watchers  []fakeWatcher
}

type fakeWatcher struct {
	pattern string
	ch      chan KVEvent
}

func newFakeKV() *FakeKV {
	return &FakeKV{
		values:    make(map[string][]byte),
		revisions: make(map[string]uint64),
	}
}

func (k *FakeKV) Get(ctx context.Context, key string) ([]byte, uint64, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.values[key]
	return v, k.revisions[key], ok, nil
}

func (k *FakeKV) Put(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	k.revisions[key]++
	k.values[key] = value
	rev := k.revisions[key]
	k.mu.Unlock()
	k.notify(key, value, rev, false)
	return nil
}

func (k *FakeKV) CompareAndSwap(ctx context.Context, key string, expectedRevision uint64, value []byte) (uint64, error) {
	k.mu.Lock()
	current := k.revisions[key]
	if current != expectedRevision {
		k.mu.Unlock()
		return 0, ErrRevisionMismatch
	}
	k.revisions[key] = current + 1
	k.values[key] = value
	newRev := k.revisions[key]
	k.mu.Unlock()
	k.notify(key, value, newRev, false)
	return newRev, nil
}

func (k *FakeKV) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	delete(k.values, key)
	delete(k.revisions, key)
	k.mu.Unlock()
	k.notify(key, nil, 0, true)
	return nil
}

func (k *FakeKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []string
	for key := range k.values {
		out = append(out, key)
	}
	return out, nil
}

func (k *FakeKV) Watch(ctx context.Context, pattern string) (<-chan KVEvent, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch := make(chan KVEvent, 16)
	k.watchers = append(k.watchers, fakeWatcher{pattern: pattern, ch: ch})
	return ch, nil
}

func (k *FakeKV) notify(key string, value []byte, revision uint64, deleted bool) {
	k.mu.Lock()
	watchers := append([]fakeWatcher(nil), k.watchers...)
	k.mu.Unlock()
	for _, w := range watchers {
		if !matchPattern(w.pattern, key) {
			continue
		}
		select {
		case w.ch <- KVEvent{Key: key, Value: value, Revision: revision, Deleted: deleted}:
		default:
		}
	}
}

// matchPattern supports the single trailing-"*" glob style used by the
// orchestrator's KV watches (e.g. "COMPLETE_*").
func matchPattern(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return pattern == key
}
