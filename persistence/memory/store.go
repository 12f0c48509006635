// Package memory keeps every store in process memory. It backs the memory
// storage mode and the service tests; values are copied in and out so callers
// never share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/persistence"
	"github.com/mohitkumar/approvy/util"
)

type Store struct {
	mu            sync.Mutex
	subjects      map[string]*model.WorkflowSubject
	tasks         map[string]*model.ApprovalTask
	workflowTasks map[string][]string
	audit         map[string][]model.AuditEntry
	events        map[string]*model.OutboxEvent
	templates     map[string]map[int]*model.WorkflowTemplate
	entityIndex   map[string]string
	entities      map[string]string
	applied       map[string]struct{}
}

var _ persistence.WorkflowStore = new(Store)
var _ persistence.OutboxStore = new(Store)
var _ persistence.TemplateStore = new(Store)
var _ persistence.EntityStore = new(Store)

func NewStore() *Store {
	return &Store{
		subjects:      make(map[string]*model.WorkflowSubject),
		tasks:         make(map[string]*model.ApprovalTask),
		workflowTasks: make(map[string][]string),
		audit:         make(map[string][]model.AuditEntry),
		events:        make(map[string]*model.OutboxEvent),
		templates:     make(map[string]map[int]*model.WorkflowTemplate),
		entityIndex:   make(map[string]string),
		entities:      make(map[string]string),
		applied:       make(map[string]struct{}),
	}
}

func clone[T any](v *T) *T {
	enc := util.NewJsonEncoderDecoder[T]()
	data, err := enc.Encode(*v)
	if err != nil {
		panic(err)
	}
	out, err := enc.Decode(data)
	if err != nil {
		panic(err)
	}
	return out
}

func (s *Store) Commit(_ context.Context, change persistence.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := change.Subject
	current, ok := s.subjects[sub.WorkflowId]
	var version int64
	if ok {
		version = current.Version
	}
	if version != change.ExpectedVersion {
		return api.ConcurrencyConflictError{Aggregate: model.AGGREGATE_WORKFLOW, Id: sub.WorkflowId}
	}
	stored := clone(sub)
	stored.Version = change.ExpectedVersion + 1
	s.subjects[sub.WorkflowId] = stored
	sub.Version = stored.Version

	for _, t := range change.Tasks {
		if _, exists := s.tasks[t.TaskId]; !exists {
			s.workflowTasks[t.WorkflowId] = append(s.workflowTasks[t.WorkflowId], t.TaskId)
		}
		s.tasks[t.TaskId] = clone(t)
	}
	s.audit[sub.WorkflowId] = append(s.audit[sub.WorkflowId], change.Audit...)
	for i := range change.Events {
		ev := change.Events[i]
		s.events[ev.EventId] = clone(&ev)
	}
	return nil
}

func (s *Store) GetSubject(_ context.Context, workflowId string) (*model.WorkflowSubject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subjects[workflowId]
	if !ok {
		return nil, api.NotFoundError{Kind: "workflow", Id: workflowId}
	}
	return clone(sub), nil
}

func (s *Store) GetTask(_ context.Context, taskId string) (*model.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskId]
	if !ok {
		return nil, api.NotFoundError{Kind: "task", Id: taskId}
	}
	return clone(t), nil
}

func (s *Store) GetTasks(_ context.Context, workflowId string) ([]*model.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.workflowTasks[workflowId]
	res := make([]*model.ApprovalTask, 0, len(ids))
	for _, id := range ids {
		res = append(res, clone(s.tasks[id]))
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Step == res[j].Step {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].Step < res[j].Step
	})
	return res, nil
}

func (s *Store) GetAudit(_ context.Context, workflowId string) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEntry(nil), s.audit[workflowId]...), nil
}

func (s *Store) DueTasks(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.ApprovalTask
	for _, t := range s.tasks {
		if t.Status != model.TASK_PENDING || t.DueDate.After(now) {
			continue
		}
		if sub, ok := s.subjects[t.WorkflowId]; ok && sub.State.IsTerminal() {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].DueDate.Equal(due[j].DueDate) {
			return due[i].TaskId < due[j].TaskId
		}
		return due[i].DueDate.Before(due[j].DueDate)
	})
	res := make([]string, 0, len(due))
	for _, t := range due {
		if limit > 0 && len(res) == limit {
			break
		}
		res = append(res, t.TaskId)
	}
	return res, nil
}

func (s *Store) Stalled(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stalled []*model.WorkflowSubject
	for _, sub := range s.subjects {
		if persistence.IsStalledState(sub.State) && !persistence.StalledScore(sub).After(now) {
			stalled = append(stalled, sub)
		}
	}
	sort.Slice(stalled, func(i, j int) bool {
		return persistence.StalledScore(stalled[i]).Before(persistence.StalledScore(stalled[j]))
	})
	res := make([]string, 0, len(stalled))
	for _, sub := range stalled {
		if limit > 0 && len(res) == limit {
			break
		}
		res = append(res, sub.WorkflowId)
	}
	return res, nil
}
