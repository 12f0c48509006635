package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/mohitkumar/approvy/logger"
	"go.uber.org/zap"
)

const defaultBlock = time.Second

// RedisBroker maps every topic to a redis stream and every subscription to a
// consumer group on it.
type RedisBroker struct {
	client    rd.UniversalClient
	namespace string
	maxLen    int64
	block     time.Duration
}

var _ Broker = new(RedisBroker)

type RedisOption func(*RedisBroker)

// WithMaxLen caps every stream at about n entries.
func WithMaxLen(n int64) RedisOption {
	return func(b *RedisBroker) {
		b.maxLen = n
	}
}

// WithBlock sets how long one read waits for new entries.
func WithBlock(d time.Duration) RedisOption {
	return func(b *RedisBroker) {
		b.block = d
	}
}

func NewRedisBroker(client rd.UniversalClient, namespace string, opts ...RedisOption) *RedisBroker {
	b := &RedisBroker{
		client:    client,
		namespace: namespace,
		block:     defaultBlock,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBroker) stream(topic string) string {
	return fmt.Sprintf("%s:stream:%s", b.namespace, topic)
}

func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return err
	}
	args := &rd.XAddArgs{
		Stream: b.stream(msg.Topic),
		Values: map[string]any{
			"id":      msg.ID,
			"key":     msg.Key,
			"headers": string(headers),
			"payload": string(msg.Payload),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.ID, msg.Topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, sub Subscription) (Subscriber, error) {
	if sub.Topic == "" || sub.Group == "" || sub.Consumer == "" {
		return nil, fmt.Errorf("subscription needs a topic, a group and a consumer")
	}
	stream := b.stream(sub.Topic)
	err := b.client.XGroupCreateMkStream(ctx, stream, sub.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s on %s: %w", sub.Group, stream, err)
	}
	return &redisSubscriber{broker: b, sub: sub, stream: stream, pending: true}, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// redisSubscriber expects one delivery in flight at a time: after a Nack the
// oldest pending entry of the consumer is the one read back.
type redisSubscriber struct {
	broker *RedisBroker
	sub    Subscription
	stream string
	mu     sync.Mutex
	// pending is set while this consumer may own unacked entries, which are
	// read back before new ones
	pending bool
	closed  bool
}

func (s *redisSubscriber) Receive(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		closed, pending := s.closed, s.pending
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		id, block := ">", s.broker.block
		if pending {
			id, block = "0", -1
		}
		res, err := s.broker.client.XReadGroup(ctx, &rd.XReadGroupArgs{
			Group:    s.sub.Group,
			Consumer: s.sub.Consumer,
			Streams:  []string{s.stream, id},
			Count:    1,
			Block:    block,
		}).Result()
		if errors.Is(err, rd.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			if pending {
				s.mu.Lock()
				s.pending = false
				s.mu.Unlock()
			}
			continue
		}
		entry := res[0].Messages[0]
		msg, err := s.decode(entry)
		if err != nil {
			// an undecodable entry would be redelivered forever
			logger.Error("dropping malformed stream entry", zap.String("stream", s.stream), zap.String("entry", entry.ID), zap.Error(err))
			if err := s.broker.client.XAck(ctx, s.stream, s.sub.Group, entry.ID).Err(); err != nil {
				return nil, err
			}
			continue
		}
		return &redisDelivery{sub: s, entryId: entry.ID, msg: msg}, nil
	}
}

func (s *redisSubscriber) decode(entry rd.XMessage) (Message, error) {
	msg := Message{Topic: s.sub.Topic}
	str := func(field string) string {
		v, _ := entry.Values[field].(string)
		return v
	}
	msg.ID = str("id")
	msg.Key = str("key")
	payload, ok := entry.Values["payload"].(string)
	if !ok {
		return msg, fmt.Errorf("entry %s has no payload", entry.ID)
	}
	msg.Payload = []byte(payload)
	if h := str("headers"); h != "" && h != "null" {
		if err := json.Unmarshal([]byte(h), &msg.Headers); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

func (s *redisSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type redisDelivery struct {
	sub       *redisSubscriber
	entryId   string
	msg       Message
	mu        sync.Mutex
	processed bool
}

func (d *redisDelivery) Message() Message {
	return d.msg
}

func (d *redisDelivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.processed {
		return fmt.Errorf("message %s already processed", d.msg.ID)
	}
	d.processed = true
	return nil
}

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.sub.broker.client.XAck(ctx, d.sub.stream, d.sub.sub.Group, d.entryId).Err()
}

// Nack leaves the entry in the group's pending list; the next Receive of
// this consumer reads it again.
func (d *redisDelivery) Nack(_ context.Context, cause error) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.sub.mu.Lock()
	d.sub.pending = true
	d.sub.mu.Unlock()
	logger.Debug("message will be redelivered", zap.String("stream", d.sub.stream), zap.String("entry", d.entryId), zap.Error(cause))
	return nil
}
