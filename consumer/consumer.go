// Package consumer applies workflow outcomes to the requesting domain's
// entities. Redelivered messages are absorbed by the entity store, which
// applies each event id at most once.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/messaging"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/persistence"
	"github.com/mohitkumar/approvy/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "approvy_consumer_messages_total",
	Help: "Completion messages by result.",
}, []string{"result"})

const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultIgnored   = "ignored"
	resultFailed    = "failed"
)

type Consumer struct {
	broker   messaging.Broker
	entities persistence.EntityStore
	conf     config.ConsumerConfig
	topics   []string
}

// NewConsumer reads completion events from every given topic, so templates
// with their own outcome topic are covered when that topic is listed.
func NewConsumer(broker messaging.Broker, entities persistence.EntityStore, conf config.ConsumerConfig, topics ...string) *Consumer {
	return &Consumer{
		broker:   broker,
		entities: entities,
		conf:     conf,
		topics:   util.AppendUnique(nil, topics...),
	}
}

// Handle applies one message. A nil error means the message can be acked,
// including messages this consumer does not care about.
func (c *Consumer) Handle(ctx context.Context, msg messaging.Message) error {
	if eventType := msg.Headers["eventType"]; eventType != model.EVENT_WORKFLOW_COMPLETED {
		messagesTotal.WithLabelValues(resultIgnored).Inc()
		return nil
	}
	var outcome model.OutcomeEvent
	if err := json.Unmarshal(msg.Payload, &outcome); err != nil {
		// redelivery cannot fix a malformed payload
		logger.Error("dropping malformed completion event", zap.String("event", msg.ID), zap.Error(err))
		messagesTotal.WithLabelValues(resultIgnored).Inc()
		return nil
	}
	if c.conf.EntityType != "" && outcome.EntityType != c.conf.EntityType {
		messagesTotal.WithLabelValues(resultIgnored).Inc()
		return nil
	}
	status, ok := c.conf.StatusMap[string(outcome.Outcome)]
	if !ok {
		logger.Warn("no entity status for outcome", zap.String("event", msg.ID), zap.String("outcome", string(outcome.Outcome)))
		messagesTotal.WithLabelValues(resultIgnored).Inc()
		return nil
	}
	applied, err := c.entities.ApplyStatus(ctx, outcome.EntityType, outcome.EntityId, msg.ID, status)
	if err != nil {
		messagesTotal.WithLabelValues(resultFailed).Inc()
		return err
	}
	if !applied {
		logger.Debug("completion already applied", zap.String("event", msg.ID), zap.String("entityId", outcome.EntityId))
		messagesTotal.WithLabelValues(resultDuplicate).Inc()
		return nil
	}
	messagesTotal.WithLabelValues(resultApplied).Inc()
	logger.Info("entity status updated", zap.String("entityType", outcome.EntityType), zap.String("entityId", outcome.EntityId),
		zap.String("status", status), zap.String("workflow", outcome.WorkflowId))
	return nil
}

// Process acks a delivery once it is applied and nacks it otherwise.
func (c *Consumer) Process(ctx context.Context, d messaging.Delivery) error {
	if err := c.Handle(ctx, d.Message()); err != nil {
		logger.Error("completion event will be redelivered", zap.String("event", d.Message().ID), zap.Error(err))
		if nackErr := d.Nack(ctx, err); nackErr != nil {
			return nackErr
		}
		return err
	}
	return d.Ack(ctx)
}

// Run consumes every topic until ctx is done, pausing for the retry delay
// after a failure.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range c.topics {
		topic := topic
		g.Go(func() error {
			return c.consume(ctx, topic)
		})
	}
	return g.Wait()
}

func (c *Consumer) consume(ctx context.Context, topic string) error {
	sub, err := c.broker.Subscribe(ctx, messaging.Subscription{
		Topic:    topic,
		Group:    c.conf.Group,
		Consumer: c.conf.Consumer,
	})
	if err != nil {
		return err
	}
	defer sub.Close()
	logger.Info("completion consumer started", zap.String("topic", topic), zap.String("group", c.conf.Group))
	for {
		d, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, messaging.ErrClosed) {
				return nil
			}
			logger.Error("error in receiving completion events", zap.Error(err))
			if !c.pause(ctx) {
				return nil
			}
			continue
		}
		if err := c.Process(ctx, d); err != nil && !c.pause(ctx) {
			return nil
		}
	}
}

func (c *Consumer) pause(ctx context.Context) bool {
	timer := time.NewTimer(c.conf.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
