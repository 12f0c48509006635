package executor

import (
	"sync"

	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/container"
	"github.com/mohitkumar/approvy/outbox"
)

var _ Executor = new(OutboxExecutor)

// OutboxExecutor polls the outbox and owns the publisher's lanes.
type OutboxExecutor struct {
	*tickExecutor
	publisher *outbox.Publisher
}

func NewOutboxExecutor(container *container.DIContiner, conf config.OutboxConfig, wg *sync.WaitGroup) *OutboxExecutor {
	publisher := container.GetPublisher()
	return &OutboxExecutor{
		tickExecutor: newTickExecutor("outbox-executor", conf.PollInterval, publisher.Poll, wg),
		publisher:    publisher,
	}
}

func (ex *OutboxExecutor) Start() error {
	ex.publisher.Start()
	return ex.tickExecutor.Start()
}

func (ex *OutboxExecutor) Stop() error {
	err := ex.tickExecutor.Stop()
	ex.publisher.Stop()
	return err
}

// NewPurgeExecutor deletes published events after the retention period.
func NewPurgeExecutor(container *container.DIContiner, conf config.OutboxConfig, wg *sync.WaitGroup) Executor {
	return newTickExecutor("outbox-purge-executor", conf.PurgeInterval, container.GetPublisher().Purge, wg)
}
