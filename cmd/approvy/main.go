package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type cli struct {
	cfg config.Config
}

func setupFlags(cmd *cobra.Command) error {
	d := config.DefaultConfig()
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("redis-addr", strings.Join(d.RedisConfig.Addrs, ","), "comma separated list of redis host:port")
	cmd.Flags().String("namespace", d.RedisConfig.Namespace, "namespace used in storage")
	cmd.Flags().Int("http-port", d.HttpPort, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", string(d.StorageType), "implementation of underline storage: redis or memory")
	cmd.Flags().String("broker-impl", string(d.BrokerType), "implementation of the event broker: redis or memory")
	cmd.Flags().String("templates-dir", "", "directory of yaml or json workflow templates published at start")
	cmd.Flags().String("log-level", d.LogLevel, "debug, info, warn or error")
	cmd.Flags().Bool("log-json", false, "log in json")
	cmd.Flags().String("analytics-file", "", "file receiving the decision trail")
	cmd.Flags().Bool("trace-stdout", false, "export traces to stdout")
	cmd.Flags().Int("partitions", d.PartitionCount, "outbox publish lanes")

	cmd.Flags().Int("default-sla-hours", d.WorkflowConfig.DefaultSLAHours, "sla of approval tasks when the plan sets none")
	cmd.Flags().Duration("sla-sweep-interval", d.WorkflowConfig.SLASweepInterval, "how often overdue tasks are expired")
	cmd.Flags().Duration("recovery-interval", d.WorkflowConfig.RecoveryInterval, "how often stalled workflows are re-driven")
	cmd.Flags().Duration("advance-retry-delay", d.WorkflowConfig.AdvanceRetryDelay, "first delay before a failed agent screening is retried")
	cmd.Flags().Int("max-advance-attempts", d.WorkflowConfig.MaxAdvanceAttempts, "agent screening attempts before a workflow is rejected")
	cmd.Flags().Int("conflict-retries", d.WorkflowConfig.ConflictRetries, "retries of a change that lost a concurrent update")
	cmd.Flags().StringSlice("reassign-roles", d.WorkflowConfig.ReassignRoles, "roles allowed to reassign expired tasks")

	cmd.Flags().Int("max-concurrent-agents", d.AgentConfig.MaxConcurrentAgents, "parallel agent limit")
	cmd.Flags().Duration("agent-task-timeout", d.AgentConfig.DefaultTaskTimeout, "timeout of one agent task")
	cmd.Flags().Duration("agent-timeout", d.AgentConfig.DefaultTimeout, "timeout of one agent screening")
	cmd.Flags().Duration("agent-retry-delay", d.AgentConfig.RetryDelay, "delay between agent task retries")
	cmd.Flags().String("escalation-role", d.AgentConfig.EscalationRole, "role added by an ESCALATE recommendation")
	cmd.Flags().Duration("graphrag-timeout", d.AgentConfig.GraphRAGTimeout, "http timeout of graph rag queries")

	cmd.Flags().Duration("outbox-poll-interval", d.OutboxConfig.PollInterval, "outbox poll interval")
	cmd.Flags().Int("outbox-batch-size", d.OutboxConfig.BatchSize, "events claimed per poll")
	cmd.Flags().Duration("outbox-lease", d.OutboxConfig.LeaseTTL, "how long a claimed event is hidden from other pollers")
	cmd.Flags().Int("outbox-max-retries", d.OutboxConfig.MaxRetries, "publish retries before an event is flagged failed")
	cmd.Flags().Duration("outbox-retry-backoff", d.OutboxConfig.RetryBackoff, "first publish retry delay")
	cmd.Flags().Duration("outbox-retry-max-delay", d.OutboxConfig.RetryMaxDelay, "publish retry delay cap")
	cmd.Flags().Duration("outbox-retention", d.OutboxConfig.Retention, "how long published events are kept")
	cmd.Flags().Duration("outbox-purge-interval", d.OutboxConfig.PurgeInterval, "how often published events are purged")
	cmd.Flags().String("outcome-topic", d.OutboxConfig.Topic, "default topic of workflow events")

	cmd.Flags().Bool("consumer-enabled", false, "apply workflow outcomes to entity statuses")
	cmd.Flags().String("consumer-entity-type", "", "entity type handled by the consumer, empty for all")
	cmd.Flags().StringSlice("consumer-topics", nil, "outcome topics of templates read besides outcome-topic")
	cmd.Flags().String("consumer-group", d.ConsumerConfig.Group, "consumer group")
	cmd.Flags().String("consumer-name", d.ConsumerConfig.Consumer, "consumer name within the group")
	cmd.Flags().Duration("consumer-retry-delay", d.ConsumerConfig.RetryDelay, "pause after a failed message")
	cmd.Flags().StringToString("consumer-status-map", d.ConsumerConfig.StatusMap, "outcome to entity status")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err = viper.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return err
			}
		}
	}
	viper.SetEnvPrefix("APPROVY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	c.cfg = config.DefaultConfig()
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.BrokerType = config.BrokerType(viper.GetString("broker-impl"))
	c.cfg.TemplatesDir = viper.GetString("templates-dir")
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.LogJson = viper.GetBool("log-json")
	c.cfg.AnalyticsFile = viper.GetString("analytics-file")
	c.cfg.TraceStdout = viper.GetBool("trace-stdout")
	c.cfg.PartitionCount = viper.GetInt("partitions")

	c.cfg.WorkflowConfig.DefaultSLAHours = viper.GetInt("default-sla-hours")
	c.cfg.WorkflowConfig.SLASweepInterval = viper.GetDuration("sla-sweep-interval")
	c.cfg.WorkflowConfig.RecoveryInterval = viper.GetDuration("recovery-interval")
	c.cfg.WorkflowConfig.AdvanceRetryDelay = viper.GetDuration("advance-retry-delay")
	c.cfg.WorkflowConfig.MaxAdvanceAttempts = viper.GetInt("max-advance-attempts")
	c.cfg.WorkflowConfig.ConflictRetries = viper.GetInt("conflict-retries")
	c.cfg.WorkflowConfig.ReassignRoles = viper.GetStringSlice("reassign-roles")

	c.cfg.AgentConfig.MaxConcurrentAgents = viper.GetInt("max-concurrent-agents")
	c.cfg.AgentConfig.DefaultTaskTimeout = viper.GetDuration("agent-task-timeout")
	c.cfg.AgentConfig.DefaultTimeout = viper.GetDuration("agent-timeout")
	c.cfg.AgentConfig.RetryDelay = viper.GetDuration("agent-retry-delay")
	c.cfg.AgentConfig.EscalationRole = viper.GetString("escalation-role")
	c.cfg.AgentConfig.GraphRAGTimeout = viper.GetDuration("graphrag-timeout")

	c.cfg.OutboxConfig.PollInterval = viper.GetDuration("outbox-poll-interval")
	c.cfg.OutboxConfig.BatchSize = viper.GetInt("outbox-batch-size")
	c.cfg.OutboxConfig.LeaseTTL = viper.GetDuration("outbox-lease")
	c.cfg.OutboxConfig.MaxRetries = viper.GetInt("outbox-max-retries")
	c.cfg.OutboxConfig.RetryBackoff = viper.GetDuration("outbox-retry-backoff")
	c.cfg.OutboxConfig.RetryMaxDelay = viper.GetDuration("outbox-retry-max-delay")
	c.cfg.OutboxConfig.Retention = viper.GetDuration("outbox-retention")
	c.cfg.OutboxConfig.PurgeInterval = viper.GetDuration("outbox-purge-interval")
	c.cfg.OutboxConfig.Topic = viper.GetString("outcome-topic")

	c.cfg.ConsumerConfig.Enabled = viper.GetBool("consumer-enabled")
	c.cfg.ConsumerConfig.EntityType = viper.GetString("consumer-entity-type")
	c.cfg.ConsumerConfig.Topics = viper.GetStringSlice("consumer-topics")
	c.cfg.ConsumerConfig.Group = viper.GetString("consumer-group")
	c.cfg.ConsumerConfig.Consumer = viper.GetString("consumer-name")
	c.cfg.ConsumerConfig.RetryDelay = viper.GetDuration("consumer-retry-delay")
	if statusMap := viper.GetStringMapString("consumer-status-map"); len(statusMap) > 0 {
		c.cfg.ConsumerConfig.StatusMap = upperKeys(statusMap)
	}
	return logger.Init(c.cfg.LogLevel, c.cfg.LogJson)
}

// upperKeys undoes viper's lower casing of map keys; outcomes are upper case.
func upperKeys(m map[string]string) map[string]string {
	res := make(map[string]string, len(m))
	for k, v := range m {
		res[strings.ToUpper(k)] = v
	}
	return res
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	n, err := node.New(c.cfg)
	if err != nil {
		return err
	}
	if err = n.Start(); err != nil {
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logger.Info("signal received", zap.String("signal", sig.String()))
	case <-n.Done():
	}
	err = n.Shutdown()
	_ = logger.Sync()
	return err
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "approvy",
		Short:   "approval workflow orchestration service",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
