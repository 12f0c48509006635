package executor

import (
	"context"
	"sync"

	"github.com/mohitkumar/approvy/consumer"
	"github.com/mohitkumar/approvy/logger"
	"go.uber.org/zap"
)

var _ Executor = new(ConsumerExecutor)

type ConsumerExecutor struct {
	consumer *consumer.Consumer
	wg       *sync.WaitGroup
	cancel   context.CancelFunc
}

func NewConsumerExecutor(c *consumer.Consumer, wg *sync.WaitGroup) *ConsumerExecutor {
	return &ConsumerExecutor{
		consumer: c,
		wg:       wg,
	}
}

func (ex *ConsumerExecutor) Name() string {
	return "consumer-executor"
}

func (ex *ConsumerExecutor) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	ex.cancel = cancel
	ex.wg.Add(1)
	go func() {
		defer ex.wg.Done()
		if err := ex.consumer.Run(ctx); err != nil {
			logger.Error("completion consumer stopped", zap.Error(err))
		}
	}()
	return nil
}

func (ex *ConsumerExecutor) Stop() error {
	if ex.cancel != nil {
		ex.cancel()
	}
	return nil
}
