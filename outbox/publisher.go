// Package outbox relays the events committed with workflow changes to the
// broker, in order per aggregate.
package outbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/messaging"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/partition"
	"github.com/mohitkumar/approvy/persistence"
	"github.com/mohitkumar/approvy/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const purgeBatch = 500

// backoff doubling stops changing once the cap is hit
const maxBackoffSteps = 64

type lane struct {
	ctx    context.Context
	now    time.Time
	events []*model.OutboxEvent
	done   func(published int)
}

type Publisher struct {
	store  persistence.OutboxStore
	broker messaging.Publisher
	ring   *partition.Ring
	conf   config.OutboxConfig
	lanes  []*util.Worker[lane]
	wg     *sync.WaitGroup
	tracer trace.Tracer
}

func NewPublisher(store persistence.OutboxStore, broker messaging.Publisher, ring *partition.Ring, conf config.OutboxConfig, wg *sync.WaitGroup) *Publisher {
	p := &Publisher{
		store:  store,
		broker: broker,
		ring:   ring,
		conf:   conf,
		wg:     wg,
		tracer: otel.Tracer("github.com/mohitkumar/approvy/outbox"),
	}
	for i := 0; i < ring.PartitionCount; i++ {
		p.lanes = append(p.lanes, util.NewWorker(partition.Name("outbox-lane", i), wg, p.publishLane, 1))
	}
	return p
}

func (p *Publisher) Start() {
	for _, l := range p.lanes {
		l.Start()
	}
}

func (p *Publisher) Stop() {
	for _, l := range p.lanes {
		l.Stop()
	}
}

// Poll claims the due events and publishes them, one lane per partition of
// aggregate ids. It returns once every claimed group was handled.
func (p *Publisher) Poll(ctx context.Context, now time.Time) (int, error) {
	events, err := p.store.ClaimDue(ctx, now, p.conf.LeaseTTL, p.conf.BatchSize)
	if err != nil {
		return 0, err
	}
	defer p.refreshFailed(ctx)
	if len(events) == 0 {
		return 0, nil
	}

	groups := make(map[string][]*model.OutboxEvent)
	for _, ev := range events {
		groups[ev.AggregateId] = append(groups[ev.AggregateId], ev)
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	published := 0
	for aggregateId, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Seq < group[j].Seq
		})
		wg.Add(1)
		job := lane{ctx: ctx, now: now, events: group, done: func(n int) {
			mu.Lock()
			published += n
			mu.Unlock()
			wg.Done()
		}}
		l := p.lanes[p.ring.Partition(aggregateId)%len(p.lanes)]
		if err := l.Submit(ctx, job); err != nil {
			wg.Done()
			wg.Wait()
			return published, err
		}
	}
	wg.Wait()
	return published, nil
}

// publishLane publishes one aggregate's claimed events in sequence and stops
// at the first one that cannot go out; the rest wait for it.
func (p *Publisher) publishLane(job lane) error {
	published := 0
	defer func() {
		job.done(published)
	}()
	events := job.events
	head, err := p.store.Head(job.ctx, events[0].AggregateId)
	if err != nil {
		return err
	}
	if head != events[0].EventId {
		blocker, err := p.store.GetEvent(job.ctx, head)
		if err != nil {
			return err
		}
		return p.release(job.ctx, events, blocker.NextRetryAt)
	}
	for i, ev := range events {
		next, err := p.publish(job.ctx, job.now, ev)
		if err != nil {
			return p.release(job.ctx, events[i+1:], next)
		}
		published++
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, now time.Time, ev *model.OutboxEvent) (time.Time, error) {
	ctx, span := p.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.String("event.id", ev.EventId),
		attribute.String("event.type", ev.EventType),
		attribute.String("aggregate.id", ev.AggregateId),
	))
	defer span.End()

	topic := ev.Topic
	if topic == "" {
		topic = p.conf.Topic
	}
	err := p.broker.Publish(ctx, messaging.Message{
		ID:    ev.EventId,
		Topic: topic,
		Key:   ev.AggregateId,
		Headers: map[string]string{
			"eventType":     ev.EventType,
			"aggregateType": ev.AggregateType,
			"tenantId":      ev.TenantId,
			"seq":           strconv.FormatInt(ev.Seq, 10),
		},
		Payload: ev.Payload,
	})
	if err == nil {
		if err := p.store.MarkPublished(ctx, ev.EventId, now); err != nil {
			// the broker has it already, the next poll publishes it again
			logger.Error("error in marking event published", zap.String("event", ev.EventId), zap.Error(err))
			return now.Add(p.conf.LeaseTTL), err
		}
		publishedTotal.WithLabelValues(ev.EventType).Inc()
		return now, nil
	}

	pubErr := api.PublishError{EventId: ev.EventId, Reason: err.Error()}
	span.RecordError(pubErr)
	span.SetStatus(codes.Error, pubErr.Error())
	publishFailuresTotal.WithLabelValues(ev.EventType).Inc()
	retryCount := ev.RetryCount + 1
	next := now.Add(p.RetryDelay(retryCount))
	failed := retryCount > p.conf.MaxRetries
	if err := p.store.MarkFailed(ctx, ev.EventId, retryCount, next, err.Error(), failed); err != nil {
		logger.Error("error in recording publish failure", zap.String("event", ev.EventId), zap.Error(err))
	}
	if failed {
		logger.Error("outbox event exceeded its retries", zap.String("event", ev.EventId), zap.String("aggregate", ev.AggregateId), zap.Int("retryCount", retryCount), zap.Error(pubErr))
	} else {
		logger.Warn("outbox publish failed", zap.String("event", ev.EventId), zap.Int("retryCount", retryCount), zap.Time("nextRetryAt", next), zap.Error(pubErr))
	}
	return next, pubErr
}

// release makes events blocked behind an unpublished one due together with it.
func (p *Publisher) release(ctx context.Context, events []*model.OutboxEvent, at time.Time) error {
	for _, ev := range events {
		if err := p.store.MarkFailed(ctx, ev.EventId, ev.RetryCount, at, ev.LastError, ev.Failed); err != nil {
			return fmt.Errorf("release event %s: %w", ev.EventId, err)
		}
	}
	return nil
}

// RetryDelay is base*2^(retryCount-1), capped at the configured maximum.
func (p *Publisher) RetryDelay(retryCount int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.conf.RetryBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.conf.RetryMaxDelay,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < min(retryCount, maxBackoffSteps); i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (p *Publisher) refreshFailed(ctx context.Context) {
	n, err := p.store.FailedCount(ctx)
	if err != nil {
		logger.Error("error in counting failed events", zap.Error(err))
		return
	}
	failedEvents.Set(float64(n))
}

// Purge deletes events published before now minus the retention period.
func (p *Publisher) Purge(ctx context.Context, now time.Time) (int, error) {
	before := now.Add(-p.conf.Retention)
	total := 0
	for {
		n, err := p.store.Purge(ctx, before, purgeBatch)
		total += n
		if err != nil {
			return total, err
		}
		purgedTotal.Add(float64(n))
		if n < purgeBatch {
			return total, nil
		}
	}
}
