package container

import (
	"io"
	"sync"

	rd "github.com/go-redis/redis/v9"
	"github.com/mohitkumar/approvy/agent"
	"github.com/mohitkumar/approvy/analytics"
	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/consumer"
	"github.com/mohitkumar/approvy/messaging"
	"github.com/mohitkumar/approvy/metadata"
	"github.com/mohitkumar/approvy/outbox"
	"github.com/mohitkumar/approvy/partition"
	"github.com/mohitkumar/approvy/persistence"
	"github.com/mohitkumar/approvy/persistence/memory"
	rdstore "github.com/mohitkumar/approvy/persistence/redis"
	"github.com/mohitkumar/approvy/rule"
	"github.com/mohitkumar/approvy/workflow"
)

// store is what one storage backend provides.
type store interface {
	persistence.WorkflowStore
	persistence.OutboxStore
	persistence.TemplateStore
	persistence.EntityStore
}

type DIContiner struct {
	initialized bool
	store       store
	broker      messaging.Broker
	collector   analytics.WorkflowDataCollector
	ring        *partition.Ring
	rules       *rule.Engine
	metadata    *metadata.MetadataServiceImpl
	agents      *agent.Orchestrator
	workflows   *workflow.Service
	publisher   *outbox.Publisher
	consumer    *consumer.Consumer
	closers     []io.Closer
}

func NewDiContainer(ring *partition.Ring) *DIContiner {
	return &DIContiner{
		initialized: false,
		ring:        ring,
	}
}

func (d *DIContiner) setInitialized() {
	d.initialized = true
}

func (d *DIContiner) Init(conf config.Config, wg *sync.WaitGroup) error {
	defer d.setInitialized()

	var redisClient rd.UniversalClient
	switch conf.StorageType {
	case config.STORAGE_TYPE_REDIS:
		s := rdstore.NewRedisStore(rdstore.Config{
			Addrs:     conf.RedisConfig.Addrs,
			Namespace: conf.RedisConfig.Namespace,
		})
		d.store = s
		redisClient = s.Client()
		d.closers = append(d.closers, s)
	default:
		d.store = memory.NewStore()
	}

	switch conf.BrokerType {
	case config.BROKER_TYPE_REDIS:
		if redisClient == nil {
			redisClient = rd.NewUniversalClient(&rd.UniversalOptions{Addrs: conf.RedisConfig.Addrs})
			d.closers = append(d.closers, redisClient)
		}
		d.broker = messaging.NewRedisBroker(redisClient, conf.RedisConfig.Namespace)
	default:
		b := messaging.NewMemoryBroker()
		d.broker = b
		d.closers = append(d.closers, b)
	}

	collector, err := analytics.NewDataCollector(analytics.DataCollectorConfig{
		FileName:      conf.AnalyticsFile,
		CollectorType: collectorType(conf),
	})
	if err != nil {
		return err
	}
	d.collector = collector

	d.rules = rule.NewEngine()
	d.metadata = metadata.NewMetadataService(d.store, d.rules)
	d.agents = agent.NewOrchestrator(conf.AgentConfig,
		agent.NewMCPAgent(nil),
		agent.NewGraphRAGAgent(conf.AgentConfig.GraphRAGTimeout),
		agent.NewCustomAgent(),
	)
	d.workflows = workflow.NewService(d.store, d.metadata, d.rules, d.agents, conf, workflow.WithCollector(d.collector))
	d.publisher = outbox.NewPublisher(d.store, d.broker, d.ring, conf.OutboxConfig, wg)
	if conf.ConsumerConfig.Enabled {
		d.consumer = consumer.NewConsumer(d.broker, d.store, conf.ConsumerConfig,
			append([]string{conf.OutboxConfig.Topic}, conf.ConsumerConfig.Topics...)...)
	}
	return nil
}

func collectorType(conf config.Config) analytics.DataCollectorType {
	if conf.AnalyticsFile == "" {
		return analytics.NOOP_DATA_COLLECTOR
	}
	return analytics.LOG_FILE_DATA_COLLECTOR
}

func (d *DIContiner) check() {
	if !d.initialized {
		panic("container not initalized")
	}
}

func (d *DIContiner) GetMetadataService() metadata.MetadataService {
	d.check()
	return d.metadata
}

func (d *DIContiner) GetMetadataServiceImpl() *metadata.MetadataServiceImpl {
	d.check()
	return d.metadata
}

func (d *DIContiner) GetRuleEngine() *rule.Engine {
	d.check()
	return d.rules
}

func (d *DIContiner) GetWorkflowService() *workflow.Service {
	d.check()
	return d.workflows
}

func (d *DIContiner) GetPublisher() *outbox.Publisher {
	d.check()
	return d.publisher
}

// GetConsumer is nil unless the completion consumer is enabled.
func (d *DIContiner) GetConsumer() *consumer.Consumer {
	d.check()
	return d.consumer
}

func (d *DIContiner) GetEntityStore() persistence.EntityStore {
	d.check()
	return d.store
}

func (d *DIContiner) GetBroker() messaging.Broker {
	d.check()
	return d.broker
}

func (d *DIContiner) Close() error {
	if s, ok := d.collector.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
	var firstErr error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
