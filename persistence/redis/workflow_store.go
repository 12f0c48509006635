package redis

import (
	"context"
	"errors"
	"sort"
	"time"

	rd "github.com/go-redis/redis/v9"
	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/persistence"
	"github.com/mohitkumar/approvy/util"
	"go.uber.org/zap"
)

const SUBJECT string = "SUBJECT"
const TASK string = "TASK"
const WORKFLOW_TASKS string = "WORKFLOW_TASKS"
const AUDIT string = "AUDIT"
const SLA_INDEX string = "SLA_INDEX"
const STALLED_INDEX string = "STALLED_INDEX"

type redisStore struct {
	*baseDao
	subjectEncDec util.EncoderDecoder[model.WorkflowSubject]
	taskEncDec    util.EncoderDecoder[model.ApprovalTask]
	auditEncDec   util.EncoderDecoder[model.AuditEntry]
	eventEncDec   util.EncoderDecoder[model.OutboxEvent]
	tmplEncDec    util.EncoderDecoder[model.WorkflowTemplate]
}

var _ persistence.WorkflowStore = new(redisStore)

func NewRedisStore(conf Config) *redisStore {
	return &redisStore{
		baseDao:       newBaseDao(conf),
		subjectEncDec: util.NewJsonEncoderDecoder[model.WorkflowSubject](),
		taskEncDec:    util.NewJsonEncoderDecoder[model.ApprovalTask](),
		auditEncDec:   util.NewJsonEncoderDecoder[model.AuditEntry](),
		eventEncDec:   util.NewJsonEncoderDecoder[model.OutboxEvent](),
		tmplEncDec:    util.NewJsonEncoderDecoder[model.WorkflowTemplate](),
	}
}

func storageError(msg string, err error, fields ...zap.Field) error {
	logger.Error(msg, append(fields, zap.Error(err))...)
	return persistence.StorageLayerError{Message: err.Error()}
}

// Commit watches the subject key, checks the stored version and writes the
// whole change in one MULTI/EXEC. A write to the subject by anyone else
// between WATCH and EXEC aborts the transaction.
func (s *redisStore) Commit(ctx context.Context, change persistence.Change) error {
	sub := change.Subject
	subKey := s.getNamespaceKey(SUBJECT, sub.WorkflowId)
	wfTasksKey := s.getNamespaceKey(WORKFLOW_TASKS, sub.WorkflowId)
	newVersion := change.ExpectedVersion + 1

	txf := func(tx *rd.Tx) error {
		var version int64
		val, err := tx.Get(ctx, subKey).Bytes()
		switch {
		case errors.Is(err, rd.Nil):
		case err != nil:
			return storageError("error loading workflow subject", err, zap.String("workflowId", sub.WorkflowId))
		default:
			current, err := s.subjectEncDec.Decode(val)
			if err != nil {
				return err
			}
			version = current.Version
		}
		if version != change.ExpectedVersion {
			return api.ConcurrencyConflictError{Aggregate: model.AGGREGATE_WORKFLOW, Id: sub.WorkflowId}
		}
		var existingTasks []string
		if sub.State.IsTerminal() {
			existingTasks, err = tx.SMembers(ctx, wfTasksKey).Result()
			if err != nil && !errors.Is(err, rd.Nil) {
				return storageError("error loading workflow tasks", err, zap.String("workflowId", sub.WorkflowId))
			}
		}
		stored := *sub
		stored.Version = newVersion
		subData, err := s.subjectEncDec.Encode(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, subKey, subData, 0)
			return s.writeChange(ctx, pipe, change, existingTasks)
		})
		return err
	}

	err := s.redisClient.Watch(ctx, txf, subKey)
	if errors.Is(err, rd.TxFailedErr) {
		return api.ConcurrencyConflictError{Aggregate: model.AGGREGATE_WORKFLOW, Id: sub.WorkflowId}
	}
	if err != nil {
		return err
	}
	sub.Version = newVersion
	return nil
}

func (s *redisStore) writeChange(ctx context.Context, pipe rd.Pipeliner, change persistence.Change, existingTasks []string) error {
	sub := change.Subject
	wfTasksKey := s.getNamespaceKey(WORKFLOW_TASKS, sub.WorkflowId)
	slaKey := s.getNamespaceKey(SLA_INDEX)
	stalledKey := s.getNamespaceKey(STALLED_INDEX)

	for _, t := range change.Tasks {
		data, err := s.taskEncDec.Encode(*t)
		if err != nil {
			return err
		}
		pipe.Set(ctx, s.getNamespaceKey(TASK, t.TaskId), data, 0)
		pipe.SAdd(ctx, wfTasksKey, t.TaskId)
		if t.Status == model.TASK_PENDING && !sub.State.IsTerminal() {
			pipe.ZAdd(ctx, slaKey, rd.Z{Score: score(t.DueDate), Member: t.TaskId})
		} else {
			pipe.ZRem(ctx, slaKey, t.TaskId)
		}
	}
	// a terminal workflow drops all of its tasks from the SLA sweep
	for _, id := range existingTasks {
		pipe.ZRem(ctx, slaKey, id)
	}

	if persistence.IsStalledState(sub.State) {
		pipe.ZAdd(ctx, stalledKey, rd.Z{Score: score(persistence.StalledScore(sub)), Member: sub.WorkflowId})
	} else {
		pipe.ZRem(ctx, stalledKey, sub.WorkflowId)
	}

	if len(change.Audit) > 0 {
		entries := make([]any, 0, len(change.Audit))
		for _, a := range change.Audit {
			data, err := s.auditEncDec.Encode(a)
			if err != nil {
				return err
			}
			entries = append(entries, data)
		}
		pipe.RPush(ctx, s.getNamespaceKey(AUDIT, sub.WorkflowId), entries...)
	}

	for _, ev := range change.Events {
		if err := s.saveEvent(ctx, pipe, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *redisStore) GetSubject(ctx context.Context, workflowId string) (*model.WorkflowSubject, error) {
	val, err := s.redisClient.Get(ctx, s.getNamespaceKey(SUBJECT, workflowId)).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, api.NotFoundError{Kind: "workflow", Id: workflowId}
	}
	if err != nil {
		return nil, storageError("error loading workflow subject", err, zap.String("workflowId", workflowId))
	}
	return s.subjectEncDec.Decode(val)
}

func (s *redisStore) GetTask(ctx context.Context, taskId string) (*model.ApprovalTask, error) {
	val, err := s.redisClient.Get(ctx, s.getNamespaceKey(TASK, taskId)).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, api.NotFoundError{Kind: "task", Id: taskId}
	}
	if err != nil {
		return nil, storageError("error loading task", err, zap.String("taskId", taskId))
	}
	return s.taskEncDec.Decode(val)
}

func (s *redisStore) GetTasks(ctx context.Context, workflowId string) ([]*model.ApprovalTask, error) {
	ids, err := s.redisClient.SMembers(ctx, s.getNamespaceKey(WORKFLOW_TASKS, workflowId)).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return nil, storageError("error loading workflow tasks", err, zap.String("workflowId", workflowId))
	}
	if len(ids) == 0 {
		return []*model.ApprovalTask{}, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.getNamespaceKey(TASK, id))
	}
	vals, err := s.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageError("error loading workflow tasks", err, zap.String("workflowId", workflowId))
	}
	tasks := make([]*model.ApprovalTask, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		t, err := s.taskEncDec.Decode([]byte(str))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Step == tasks[j].Step {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].Step < tasks[j].Step
	})
	return tasks, nil
}

func (s *redisStore) GetAudit(ctx context.Context, workflowId string) ([]model.AuditEntry, error) {
	vals, err := s.redisClient.LRange(ctx, s.getNamespaceKey(AUDIT, workflowId), 0, -1).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return nil, storageError("error loading audit log", err, zap.String("workflowId", workflowId))
	}
	entries := make([]model.AuditEntry, 0, len(vals))
	for _, v := range vals {
		e, err := s.auditEncDec.Decode([]byte(v))
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func (s *redisStore) rangeDue(ctx context.Context, key string, now time.Time, limit int) ([]string, error) {
	opt := &rd.ZRangeBy{
		Min:   "-inf",
		Max:   scoreString(now),
		Count: int64(limit),
	}
	res, err := s.redisClient.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return []string{}, nil
		}
		return nil, storageError("error while reading due index", err, zap.String("index", key))
	}
	return res, nil
}

func (s *redisStore) DueTasks(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.rangeDue(ctx, s.getNamespaceKey(SLA_INDEX), now, limit)
}

func (s *redisStore) Stalled(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.rangeDue(ctx, s.getNamespaceKey(STALLED_INDEX), now, limit)
}
