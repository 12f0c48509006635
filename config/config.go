package config

import "time"

type StorageType string

type BrokerType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

const BROKER_TYPE_REDIS BrokerType = "redis"
const BROKER_TYPE_INMEM BrokerType = "memory"

type Config struct {
	RedisConfig    RedisStorageConfig
	HttpPort       int
	StorageType    StorageType
	BrokerType     BrokerType
	TemplatesDir   string
	LogLevel       string
	LogJson        bool
	AnalyticsFile  string
	TraceStdout    bool
	PartitionCount int
	WorkflowConfig WorkflowConfig
	AgentConfig    AgentConfig
	OutboxConfig   OutboxConfig
	ConsumerConfig ConsumerConfig
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}

type WorkflowConfig struct {
	DefaultSLAHours    int
	SLASweepInterval   time.Duration
	RecoveryInterval   time.Duration
	AdvanceRetryDelay  time.Duration
	MaxAdvanceAttempts int
	ConflictRetries    int
	ReassignRoles      []string
}

type AgentConfig struct {
	MaxConcurrentAgents int
	DefaultTaskTimeout  time.Duration
	DefaultTimeout      time.Duration
	RetryDelay          time.Duration
	EscalationRole      string
	GraphRAGTimeout     time.Duration
}

type OutboxConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	LeaseTTL      time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	Retention     time.Duration
	PurgeInterval time.Duration
	Topic         string
}

type ConsumerConfig struct {
	Enabled    bool
	EntityType string
	// Topics are read besides the default outcome topic.
	Topics     []string
	Group      string
	Consumer   string
	RetryDelay time.Duration
	StatusMap  map[string]string
}

func DefaultConfig() Config {
	return Config{
		RedisConfig: RedisStorageConfig{
			Addrs:     []string{"localhost:6379"},
			Namespace: "approvy",
		},
		HttpPort:       8080,
		StorageType:    STORAGE_TYPE_REDIS,
		BrokerType:     BROKER_TYPE_REDIS,
		LogLevel:       "info",
		PartitionCount: 16,
		WorkflowConfig: WorkflowConfig{
			DefaultSLAHours:    72,
			SLASweepInterval:   time.Minute,
			RecoveryInterval:   5 * time.Second,
			AdvanceRetryDelay:  30 * time.Second,
			MaxAdvanceAttempts: 5,
			ConflictRetries:    5,
			ReassignRoles:      []string{"APPROVAL_ADMIN"},
		},
		AgentConfig: AgentConfig{
			MaxConcurrentAgents: 4,
			DefaultTaskTimeout:  10 * time.Second,
			DefaultTimeout:      30 * time.Second,
			RetryDelay:          200 * time.Millisecond,
			EscalationRole:      "SENIOR_APPROVER",
			GraphRAGTimeout:     15 * time.Second,
		},
		OutboxConfig: OutboxConfig{
			PollInterval:  200 * time.Millisecond,
			BatchSize:     100,
			LeaseTTL:      30 * time.Second,
			MaxRetries:    10,
			RetryBackoff:  time.Second,
			RetryMaxDelay: 5 * time.Minute,
			Retention:     7 * 24 * time.Hour,
			PurgeInterval: time.Hour,
			Topic:         "approval.workflow.events",
		},
		ConsumerConfig: ConsumerConfig{
			Group:      "approvy-completion",
			Consumer:   "approvy-1",
			RetryDelay: time.Second,
			StatusMap: map[string]string{
				"APPROVED": "APPROVED",
				"REJECTED": "REJECTED",
			},
		},
	}
}
