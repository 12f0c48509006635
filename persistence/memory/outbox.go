package memory

import (
	"context"
	"sort"
	"time"

	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/model"
)

func eventLess(a, b *model.OutboxEvent) bool {
	if a.Seq == b.Seq {
		return a.EventId < b.EventId
	}
	return a.Seq < b.Seq
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.OutboxEvent
	for _, ev := range s.events {
		if !ev.Published && !ev.NextRetryAt.After(now) {
			due = append(due, ev)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return eventLess(due[i], due[j])
		}
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	res := make([]*model.OutboxEvent, 0, len(due))
	for _, ev := range due {
		res = append(res, clone(ev))
		ev.NextRetryAt = now.Add(lease)
	}
	return res, nil
}

func (s *Store) Head(_ context.Context, aggregateId string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var head *model.OutboxEvent
	for _, ev := range s.events {
		if ev.Published || ev.AggregateId != aggregateId {
			continue
		}
		if head == nil || eventLess(ev, head) {
			head = ev
		}
	}
	if head == nil {
		return "", nil
	}
	return head.EventId, nil
}

func (s *Store) MarkPublished(_ context.Context, eventId string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventId]
	if !ok {
		return api.NotFoundError{Kind: "event", Id: eventId}
	}
	ev.Published = true
	ev.Failed = false
	ev.PublishedAt = &at
	return nil
}

func (s *Store) MarkFailed(_ context.Context, eventId string, retryCount int, nextRetryAt time.Time, lastError string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventId]
	if !ok {
		return api.NotFoundError{Kind: "event", Id: eventId}
	}
	ev.RetryCount = retryCount
	ev.NextRetryAt = nextRetryAt
	ev.LastError = lastError
	ev.Failed = failed
	return nil
}

func (s *Store) GetEvent(_ context.Context, eventId string) (*model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventId]
	if !ok {
		return nil, api.NotFoundError{Kind: "event", Id: eventId}
	}
	return clone(ev), nil
}

func (s *Store) Purge(_ context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ev := range s.events {
		if limit > 0 && n == limit {
			break
		}
		if ev.Published && ev.PublishedAt != nil && ev.PublishedAt.Before(before) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) FailedCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.events {
		if ev.Failed && !ev.Published {
			n++
		}
	}
	return n, nil
}

// Events lists the stored events of an aggregate in sequence order,
// published or not.
func (s *Store) Events(aggregateId string) []*model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*model.OutboxEvent
	for _, ev := range s.events {
		if ev.AggregateId == aggregateId {
			res = append(res, clone(ev))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return eventLess(res[i], res[j])
	})
	return res
}
