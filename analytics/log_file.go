package analytics

import (
	"os"

	"github.com/mohitkumar/approvy/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFileDataCollector appends one JSON line per record to a file.
type LogFileDataCollector struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	encoderConfig.CallerKey = ""
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(fileEncoder, zapcore.AddSync(logFile), zapcore.InfoLevel)
	return &LogFileDataCollector{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func (lc *LogFileDataCollector) RecordTransition(sub *model.WorkflowSubject, from model.WorkflowState, actor string) {
	lc.logger.Info("transition",
		zap.String("workflowId", sub.WorkflowId),
		zap.String("tenantId", sub.TenantId),
		zap.String("entityType", sub.EntityType),
		zap.String("entityId", sub.EntityId),
		zap.String("from", string(from)),
		zap.String("to", string(sub.State)),
		zap.String("actor", actor),
		zap.Int64("version", sub.Version),
	)
}

func (lc *LogFileDataCollector) RecordTaskDecision(task *model.ApprovalTask) {
	lc.logger.Info("task",
		zap.String("workflowId", task.WorkflowId),
		zap.String("taskId", task.TaskId),
		zap.Int("step", task.Step),
		zap.String("role", task.RequiredRole),
		zap.String("status", string(task.Status)),
		zap.String("decidedBy", task.DecidedBy),
	)
}

func (lc *LogFileDataCollector) RecordAgentDecision(workflowId string, d model.AgentDecision) {
	lc.logger.Info("agent",
		zap.String("workflowId", workflowId),
		zap.String("agent", d.Agent),
		zap.Bool("success", d.Success),
		zap.Bool("redFlag", d.RedFlag),
		zap.String("action", string(d.RecommendedAction)),
		zap.Float64("confidence", d.Confidence),
		zap.Strings("reasoning", d.Reasoning),
		zap.String("error", d.Error),
	)
}

func (lc *LogFileDataCollector) Sync() error {
	return lc.logger.Sync()
}
