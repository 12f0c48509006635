package node

import (
	"context"
	"os"
	"sync"

	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/container"
	"github.com/mohitkumar/approvy/executor"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/partition"
	"github.com/mohitkumar/approvy/rest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Node is one running approvy process: storage, executors and the HTTP api.
type Node struct {
	Config         config.Config
	container      *container.DIContiner
	executors      []executor.Executor
	httpServer     *rest.Server
	tracerProvider *sdktrace.TracerProvider
	shutdown       bool
	shutdowns      chan struct{}
	shutdownLock   sync.Mutex
	wg             sync.WaitGroup
}

func New(config config.Config) (*Node, error) {
	n := &Node{
		Config:    config,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		n.setupTracing,
		n.setupContainer,
		n.loadTemplates,
		n.setupExecutors,
		n.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) setupTracing() error {
	if !n.Config.TraceStdout {
		return nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
	if err != nil {
		return err
	}
	n.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(n.tracerProvider)
	return nil
}

func (n *Node) setupContainer() error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "approvy"
	}
	ring := partition.NewRing(partition.Config{PartitionCount: n.Config.PartitionCount}, hostname)
	n.container = container.NewDiContainer(ring)
	return n.container.Init(n.Config, &n.wg)
}

func (n *Node) loadTemplates() error {
	if n.Config.TemplatesDir == "" {
		return nil
	}
	loaded, err := n.container.GetMetadataServiceImpl().LoadDir(context.Background(), n.Config.TemplatesDir)
	if err != nil {
		return err
	}
	logger.Info("templates loaded", zap.String("dir", n.Config.TemplatesDir), zap.Int("published", loaded))
	return nil
}

func (n *Node) setupExecutors() error {
	wf := n.Config.WorkflowConfig
	ob := n.Config.OutboxConfig
	n.executors = []executor.Executor{
		executor.NewRecoveryExecutor(n.container, wf, &n.wg),
		executor.NewSLAExecutor(n.container, wf, &n.wg),
		executor.NewOutboxExecutor(n.container, ob, &n.wg),
		executor.NewPurgeExecutor(n.container, ob, &n.wg),
	}
	if c := n.container.GetConsumer(); c != nil {
		n.executors = append(n.executors, executor.NewConsumerExecutor(c, &n.wg))
	}
	return nil
}

func (n *Node) setupHttpServer() error {
	var err error
	n.httpServer, err = rest.NewServer(n.Config.HttpPort,
		n.container.GetMetadataService(),
		n.container.GetRuleEngine(),
		n.container.GetWorkflowService(),
		n.container.GetEntityStore(),
	)
	return err
}

func (n *Node) Start() error {
	for _, ex := range n.executors {
		if err := ex.Start(); err != nil {
			return err
		}
	}
	go func() {
		if err := n.httpServer.Start(); err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = n.Shutdown()
		}
	}()
	return nil
}

// Done is closed once Shutdown began.
func (n *Node) Done() <-chan struct{} {
	return n.shutdowns
}

func (n *Node) Shutdown() error {
	logger.Info("shutting down node")
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()
	if n.shutdown {
		return nil
	}
	n.shutdown = true
	close(n.shutdowns)

	if err := n.httpServer.Stop(); err != nil {
		return err
	}
	for _, ex := range n.executors {
		logger.Info("stopping executor", zap.String("executor", ex.Name()))
		if err := ex.Stop(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all executors to shutdown...")
	n.wg.Wait()
	if n.tracerProvider != nil {
		if err := n.tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error("error flushing traces", zap.Error(err))
		}
	}
	return n.container.Close()
}
