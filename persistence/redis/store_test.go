package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/persistence"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *redisStore {
	mr := miniredis.RunT(t)
	store := NewRedisStore(Config{
		Addrs:     []string{mr.Addr()},
		Namespace: "test",
	})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSubject(id string, state model.WorkflowState) *model.WorkflowSubject {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.WorkflowSubject{
		WorkflowId:  id,
		EntityType:  "SOLUTION_CONFIGURATION",
		EntityId:    "e-1",
		TenantId:    "t-1",
		State:       state,
		InitiatedAt: now,
		UpdatedAt:   now,
		Metadata:    map[string]any{"riskLevel": "LOW"},
	}
}

func TestWorkflowStore(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, store *redisStore,
	){
		"commit and load":             testCommitAndLoad,
		"stale version conflicts":     testStaleVersion,
		"sla index follows tasks":     testSLAIndex,
		"stalled index follows state": testStalledIndex,
		"outbox claim and publish":    testOutboxClaimPublish,
		"outbox failure and purge":    testOutboxFailurePurge,
		"outbox claim during commits": testOutboxClaimDuringCommits,
		"templates are immutable":     testTemplates,
		"entity status idempotent":    testEntityStatus,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newTestStore(t))
		})
	}
}

func testCommitAndLoad(t *testing.T, store *redisStore) {
	ctx := context.Background()
	sub := testSubject("wf-1", model.STATE_TASKS_PENDING)
	task := &model.ApprovalTask{TaskId: "task-1", WorkflowId: "wf-1", RequiredRole: "MANAGER", Status: model.TASK_PENDING, DueDate: time.Now().Add(time.Hour)}
	err := store.Commit(ctx, persistence.Change{
		Subject: sub,
		Tasks:   []*model.ApprovalTask{task},
		Audit:   []model.AuditEntry{{Id: "a-1", WorkflowId: "wf-1", Seq: 100, Action: model.AUDIT_SUBMITTED}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), sub.Version)

	loaded, err := store.GetSubject(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, model.STATE_TASKS_PENDING, loaded.State)
	require.Equal(t, int64(1), loaded.Version)

	tasks, err := store.GetTasks(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "MANAGER", tasks[0].RequiredRole)

	audit, err := store.GetAudit(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)

	_, err = store.GetSubject(ctx, "missing")
	require.True(t, api.IsNotFound(err))
}

func testStaleVersion(t *testing.T, store *redisStore) {
	ctx := context.Background()
	sub := testSubject("wf-2", model.STATE_INITIATED)
	require.NoError(t, store.Commit(ctx, persistence.Change{Subject: sub}))

	again := testSubject("wf-2", model.STATE_INITIATED)
	err := store.Commit(ctx, persistence.Change{Subject: again})
	require.True(t, api.IsConflict(err))

	sub.State = model.STATE_PLAN_COMPUTED
	require.NoError(t, store.Commit(ctx, persistence.Change{Subject: sub, ExpectedVersion: 1}))
	err = store.Commit(ctx, persistence.Change{Subject: sub, ExpectedVersion: 1})
	require.True(t, api.IsConflict(err))
}

func testSLAIndex(t *testing.T, store *redisStore) {
	ctx := context.Background()
	now := time.Now()
	sub := testSubject("wf-3", model.STATE_TASKS_PENDING)
	overdue := &model.ApprovalTask{TaskId: "t-overdue", WorkflowId: "wf-3", Status: model.TASK_PENDING, DueDate: now.Add(-time.Minute)}
	future := &model.ApprovalTask{TaskId: "t-future", WorkflowId: "wf-3", Status: model.TASK_PENDING, DueDate: now.Add(time.Hour)}
	require.NoError(t, store.Commit(ctx, persistence.Change{Subject: sub, Tasks: []*model.ApprovalTask{overdue, future}}))

	due, err := store.DueTasks(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"t-overdue"}, due)

	sub.State = model.STATE_REJECTED
	require.NoError(t, store.Commit(ctx, persistence.Change{Subject: sub, ExpectedVersion: 1}))
	due, err = store.DueTasks(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func testStalledIndex(t *testing.T, store *redisStore) {
	ctx := context.Background()
	sub := testSubject("wf-4", model.STATE_INITIATED)
	retryAt := time.Now().Add(time.Minute)
	sub.RetryAt = &retryAt
	require.NoError(t, store.Commit(ctx, persistence.Change{Subject: sub}))

	stalled, err := store.Stalled(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, stalled)
	stalled, err = store.Stalled(ctx, retryAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"wf-4"}, stalled)

	sub.State = model.STATE_TASKS_PENDING
	require.NoError(t, store.Commit(ctx, persistence.Change{Subject: sub, ExpectedVersion: 1}))
	stalled, err = store.Stalled(ctx, retryAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Empty(t, stalled)
}

func testEvent(id string, seq int64, at time.Time) model.OutboxEvent {
	return model.OutboxEvent{
		EventId:       id,
		EventType:     model.EVENT_WORKFLOW_COMPLETED,
		AggregateType: model.AGGREGATE_WORKFLOW,
		AggregateId:   "wf-5",
		Topic:         "approval.workflow.events",
		Payload:       []byte(`{}`),
		Seq:           seq,
		NextRetryAt:   at,
		CreatedAt:     at,
	}
}

func testOutboxClaimPublish(t *testing.T, store *redisStore) {
	ctx := context.Background()
	now := time.Now()
	sub := testSubject("wf-5", model.STATE_APPROVED)
	require.NoError(t, store.Commit(ctx, persistence.Change{
		Subject: sub,
		Events:  []model.OutboxEvent{testEvent("ev-1", 100, now), testEvent("ev-2", 101, now)},
	}))

	head, err := store.Head(ctx, "wf-5")
	require.NoError(t, err)
	require.Equal(t, "ev-1", head)

	claimed, err := store.ClaimDue(ctx, now, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// leased events are not claimed twice
	claimed, err = store.ClaimDue(ctx, now, 30*time.Second, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	require.NoError(t, store.MarkPublished(ctx, "ev-1", now))
	head, err = store.Head(ctx, "wf-5")
	require.NoError(t, err)
	require.Equal(t, "ev-2", head)

	ev, err := store.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	require.True(t, ev.Published)
	require.NotNil(t, ev.PublishedAt)
}

func testOutboxClaimDuringCommits(t *testing.T, store *redisStore) {
	ctx := context.Background()
	now := time.Now()
	events := make([]model.OutboxEvent, 0, 5)
	for i := 0; i < 5; i++ {
		events = append(events, testEvent(fmt.Sprintf("ev-%d", i), int64(100+i), now))
	}
	require.NoError(t, store.Commit(ctx, persistence.Change{Subject: testSubject("wf-6", model.STATE_APPROVED), Events: events}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			id := fmt.Sprintf("wf-busy-%d", i)
			_ = store.Commit(ctx, persistence.Change{
				Subject: testSubject(id, model.STATE_APPROVED),
				Events:  []model.OutboxEvent{testEvent("ev-"+id, 100, now.Add(time.Hour))},
			})
		}
	}()
	for i := 0; i < 5; i++ {
		claimed, err := store.ClaimDue(ctx, now, 30*time.Second, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
	}
	wg.Wait()
	claimed, err := store.ClaimDue(ctx, now, 30*time.Second, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func testOutboxFailurePurge(t *testing.T, store *redisStore) {
	ctx := context.Background()
	now := time.Now()
	sub := testSubject("wf-5", model.STATE_APPROVED)
	require.NoError(t, store.Commit(ctx, persistence.Change{
		Subject: sub,
		Events:  []model.OutboxEvent{testEvent("ev-1", 100, now)},
	}))

	require.NoError(t, store.MarkFailed(ctx, "ev-1", 11, now.Add(time.Minute), "broker down", true))
	n, err := store.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	claimed, err := store.ClaimDue(ctx, now, time.Second, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
	claimed, err = store.ClaimDue(ctx, now.Add(2*time.Minute), time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 11, claimed[0].RetryCount)

	require.NoError(t, store.MarkPublished(ctx, "ev-1", now))
	n, err = store.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	purged, err := store.Purge(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 0, purged)
	purged, err = store.Purge(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
	_, err = store.GetEvent(ctx, "ev-1")
	require.True(t, api.IsNotFound(err))
}

func testTemplates(t *testing.T, store *redisStore) {
	ctx := context.Background()
	tmpl := model.WorkflowTemplate{Id: "solution", Version: 1, EntityType: "SOLUTION_CONFIGURATION"}
	require.NoError(t, store.SaveTemplate(ctx, tmpl))
	require.True(t, api.IsConflict(store.SaveTemplate(ctx, tmpl)))
	tmpl.Version = 2
	require.NoError(t, store.SaveTemplate(ctx, tmpl))

	latest, err := store.LatestVersion(ctx, "solution")
	require.NoError(t, err)
	require.Equal(t, 2, latest)

	id, err := store.TemplateForEntity(ctx, "SOLUTION_CONFIGURATION")
	require.NoError(t, err)
	require.Equal(t, "solution", id)

	loaded, err := store.GetTemplate(ctx, "solution", 1)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Version)
}

func testEntityStatus(t *testing.T, store *redisStore) {
	ctx := context.Background()
	require.NoError(t, store.SetStatus(ctx, "SOLUTION_CONFIGURATION", "e-1", "PENDING_APPROVAL"))

	applied, err := store.ApplyStatus(ctx, "SOLUTION_CONFIGURATION", "e-1", "ev-1", "APPROVED")
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.ApplyStatus(ctx, "SOLUTION_CONFIGURATION", "e-1", "ev-1", "APPROVED")
	require.NoError(t, err)
	require.False(t, applied)

	status, err := store.GetStatus(ctx, "SOLUTION_CONFIGURATION", "e-1")
	require.NoError(t, err)
	require.Equal(t, "APPROVED", status)
}
