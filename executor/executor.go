package executor

import (
	"context"
	"sync"
	"time"

	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/util"
	"go.uber.org/zap"
)

type Executor interface {
	Start() error
	Stop() error
	Name() string
}

// sweep is one pass of a periodic executor; it reports how many items it
// handled.
type sweep func(ctx context.Context, now time.Time) (int, error)

// tickExecutor runs a sweep on a tick worker. Stop cancels a sweep in
// progress.
type tickExecutor struct {
	name     string
	interval time.Duration
	fn       sweep
	wg       *sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	tw       *util.TickWorker
}

func newTickExecutor(name string, interval time.Duration, fn sweep, wg *sync.WaitGroup) *tickExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	return &tickExecutor{
		name:     name,
		interval: interval,
		fn:       fn,
		wg:       wg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (ex *tickExecutor) Name() string {
	return ex.name
}

func (ex *tickExecutor) run(now time.Time) {
	n, err := ex.fn(ex.ctx, now.UTC())
	if err != nil {
		if ex.ctx.Err() == nil {
			logger.Error("error in executor sweep", zap.String("executor", ex.name), zap.Error(err))
		}
		return
	}
	if n > 0 {
		logger.Debug("executor sweep done", zap.String("executor", ex.name), zap.Int("count", n))
	}
}

func (ex *tickExecutor) Start() error {
	ex.tw = util.NewTickWorker(ex.name, ex.interval, ex.run, ex.wg)
	ex.tw.Start()
	logger.Info("executor started", zap.String("executor", ex.name))
	return nil
}

func (ex *tickExecutor) Stop() error {
	ex.cancel()
	if ex.tw != nil {
		ex.tw.Stop()
	}
	return nil
}
