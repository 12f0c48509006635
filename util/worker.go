package util

import (
	"context"
	"sync"

	"github.com/mohitkumar/approvy/logger"
	"go.uber.org/zap"
)

// Worker processes jobs one at a time in arrival order.
type Worker[T any] struct {
	name     string
	stop     chan struct{}
	wg       *sync.WaitGroup
	handler  func(T) error
	jobs     chan T
	stopOnce sync.Once
}

func NewWorker[T any](name string, wg *sync.WaitGroup, handler func(T) error, capacity int) *Worker[T] {
	return &Worker[T]{
		jobs:    make(chan T, capacity),
		name:    name,
		wg:      wg,
		stop:    make(chan struct{}),
		handler: handler,
	}
}

func (w *Worker[T]) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case job := <-w.jobs:
				if err := w.handler(job); err != nil {
					logger.Error("error in executing job in worker", zap.String("worker", w.name), zap.Error(err))
				}
			case <-w.stop:
				logger.Info("stopping worker", zap.String("worker", w.name))
				return
			}
		}
	}()
}

// Submit blocks until the job is queued, the worker stops or ctx is done.
func (w *Worker[T]) Submit(ctx context.Context, job T) error {
	select {
	case w.jobs <- job:
		return nil
	case <-w.stop:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker[T]) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}
