package messaging

import (
	"context"
	"fmt"
	"sync"
)

type memoryTopic struct {
	log    []Message
	groups map[string]*memoryGroup
	// signal is closed and replaced on every publish and nack
	signal chan struct{}
}

type memoryGroup struct {
	cursor    int
	redeliver []Message
}

// MemoryBroker keeps every topic as an in-process log. Each consumer group
// reads the log from the start, like a stream group created at offset 0.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
}

var _ Broker = new(MemoryBroker)

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]*memoryTopic)}
}

func (b *MemoryBroker) topic(name string) *memoryTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{groups: make(map[string]*memoryGroup), signal: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

func (t *memoryTopic) wake() {
	close(t.signal)
	t.signal = make(chan struct{})
}

func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t := b.topic(msg.Topic)
	t.log = append(t.log, msg)
	t.wake()
	return nil
}

// Published returns every message published to topic, in order.
func (b *MemoryBroker) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	return append([]Message(nil), t.log...)
}

func (b *MemoryBroker) Subscribe(_ context.Context, sub Subscription) (Subscriber, error) {
	if sub.Topic == "" || sub.Group == "" {
		return nil, fmt.Errorf("subscription needs a topic and a group")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	t := b.topic(sub.Topic)
	if _, ok := t.groups[sub.Group]; !ok {
		t.groups[sub.Group] = &memoryGroup{}
	}
	return &memorySubscriber{broker: b, sub: sub, done: make(chan struct{})}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		t.wake()
	}
	return nil
}

type memorySubscriber struct {
	broker   *MemoryBroker
	sub      Subscription
	done     chan struct{}
	doneOnce sync.Once
}

func (s *memorySubscriber) Receive(ctx context.Context) (Delivery, error) {
	for {
		s.broker.mu.Lock()
		if s.broker.closed {
			s.broker.mu.Unlock()
			return nil, ErrClosed
		}
		t := s.broker.topics[s.sub.Topic]
		g := t.groups[s.sub.Group]
		var msg Message
		found := true
		switch {
		case len(g.redeliver) > 0:
			msg = g.redeliver[0]
			g.redeliver = g.redeliver[1:]
		case g.cursor < len(t.log):
			msg = t.log[g.cursor]
			g.cursor++
		default:
			found = false
		}
		signal := t.signal
		s.broker.mu.Unlock()
		if found {
			return &memoryDelivery{sub: s, msg: msg}, nil
		}
		select {
		case <-signal:
		case <-s.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *memorySubscriber) Close() error {
	s.doneOnce.Do(func() {
		close(s.done)
	})
	return nil
}

type memoryDelivery struct {
	sub       *memorySubscriber
	msg       Message
	mu        sync.Mutex
	processed bool
}

func (d *memoryDelivery) Message() Message {
	return d.msg
}

func (d *memoryDelivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.processed {
		return fmt.Errorf("message %s already processed", d.msg.ID)
	}
	d.processed = true
	return nil
}

func (d *memoryDelivery) Ack(_ context.Context) error {
	return d.settle()
}

func (d *memoryDelivery) Nack(_ context.Context, _ error) error {
	if err := d.settle(); err != nil {
		return err
	}
	b := d.sub.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[d.sub.sub.Topic]
	g := t.groups[d.sub.sub.Group]
	g.redeliver = append(g.redeliver, d.msg)
	t.wake()
	return nil
}
