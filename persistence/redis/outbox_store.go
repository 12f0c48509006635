package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/go-redis/redis/v9"
	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/persistence"
	"go.uber.org/zap"
)

const OUTBOX_EVENT string = "OUTBOX_EVENT"
const OUTBOX_DUE string = "OUTBOX_DUE"
const OUTBOX_AGGREGATE string = "OUTBOX_AGGREGATE"
const OUTBOX_PUBLISHED string = "OUTBOX_PUBLISHED"
const OUTBOX_FAILED string = "OUTBOX_FAILED"

var _ persistence.OutboxStore = new(redisStore)

// saveEvent only runs inside the pipeline of a workflow Commit.
func (s *redisStore) saveEvent(ctx context.Context, pipe rd.Pipeliner, ev model.OutboxEvent) error {
	data, err := s.eventEncDec.Encode(ev)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.getNamespaceKey(OUTBOX_EVENT, ev.EventId), data, 0)
	pipe.ZAdd(ctx, s.getNamespaceKey(OUTBOX_DUE), rd.Z{Score: score(ev.NextRetryAt), Member: ev.EventId})
	pipe.ZAdd(ctx, s.getNamespaceKey(OUTBOX_AGGREGATE, ev.AggregateId), rd.Z{Score: float64(ev.Seq), Member: ev.EventId})
	return nil
}

// claimScript leases the due events in one step so a concurrent Commit that
// adds to the due index can not abort the claim.
var claimScript = rd.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZADD', KEYS[1], ARGV[3], id)
end
return ids
`)

func (s *redisStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.OutboxEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	dueKey := s.getNamespaceKey(OUTBOX_DUE)
	ids, err := claimScript.Run(ctx, s.redisClient, []string{dueKey}, scoreString(now), limit, score(now.Add(lease))).StringSlice()
	if err != nil && !errors.Is(err, rd.Nil) {
		return nil, storageError("error while claiming outbox events", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.getNamespaceKey(OUTBOX_EVENT, id))
	}
	vals, err := s.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageError("error while loading outbox events", err)
	}
	events := make([]*model.OutboxEvent, 0, len(vals))
	for _, v := range vals {
		// purged after the claim
		str, ok := v.(string)
		if !ok {
			continue
		}
		ev, err := s.eventEncDec.Decode([]byte(str))
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *redisStore) Head(ctx context.Context, aggregateId string) (string, error) {
	res, err := s.redisClient.ZRange(ctx, s.getNamespaceKey(OUTBOX_AGGREGATE, aggregateId), 0, 0).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return "", storageError("error while reading aggregate outbox", err, zap.String("aggregateId", aggregateId))
	}
	if len(res) == 0 {
		return "", nil
	}
	return res[0], nil
}

// updateEvent reloads the event under WATCH, applies fn and writes it back
// together with the index updates queued by fn.
func (s *redisStore) updateEvent(ctx context.Context, eventId string, fn func(pipe rd.Pipeliner, ev *model.OutboxEvent)) error {
	key := s.getNamespaceKey(OUTBOX_EVENT, eventId)
	txf := func(tx *rd.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, rd.Nil) {
			return api.NotFoundError{Kind: "event", Id: eventId}
		}
		if err != nil {
			return storageError("error while loading outbox event", err, zap.String("eventId", eventId))
		}
		ev, err := s.eventEncDec.Decode(val)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			fn(pipe, ev)
			data, err := s.eventEncDec.Encode(*ev)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}
	err := s.redisClient.Watch(ctx, txf, key)
	if errors.Is(err, rd.TxFailedErr) {
		return api.ConcurrencyConflictError{Aggregate: "OutboxEvent", Id: eventId}
	}
	return err
}

func (s *redisStore) MarkPublished(ctx context.Context, eventId string, at time.Time) error {
	return s.updateEvent(ctx, eventId, func(pipe rd.Pipeliner, ev *model.OutboxEvent) {
		ev.Published = true
		ev.Failed = false
		ev.PublishedAt = &at
		pipe.ZRem(ctx, s.getNamespaceKey(OUTBOX_DUE), eventId)
		pipe.ZRem(ctx, s.getNamespaceKey(OUTBOX_AGGREGATE, ev.AggregateId), eventId)
		pipe.SRem(ctx, s.getNamespaceKey(OUTBOX_FAILED), eventId)
		pipe.ZAdd(ctx, s.getNamespaceKey(OUTBOX_PUBLISHED), rd.Z{Score: score(at), Member: eventId})
	})
}

func (s *redisStore) MarkFailed(ctx context.Context, eventId string, retryCount int, nextRetryAt time.Time, lastError string, failed bool) error {
	return s.updateEvent(ctx, eventId, func(pipe rd.Pipeliner, ev *model.OutboxEvent) {
		ev.RetryCount = retryCount
		ev.NextRetryAt = nextRetryAt
		ev.LastError = lastError
		ev.Failed = failed
		pipe.ZAdd(ctx, s.getNamespaceKey(OUTBOX_DUE), rd.Z{Score: score(nextRetryAt), Member: eventId})
		if failed {
			pipe.SAdd(ctx, s.getNamespaceKey(OUTBOX_FAILED), eventId)
		}
	})
}

func (s *redisStore) GetEvent(ctx context.Context, eventId string) (*model.OutboxEvent, error) {
	val, err := s.redisClient.Get(ctx, s.getNamespaceKey(OUTBOX_EVENT, eventId)).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, api.NotFoundError{Kind: "event", Id: eventId}
	}
	if err != nil {
		return nil, storageError("error while loading outbox event", err, zap.String("eventId", eventId))
	}
	return s.eventEncDec.Decode(val)
}

func (s *redisStore) Purge(ctx context.Context, before time.Time, limit int) (int, error) {
	publishedKey := s.getNamespaceKey(OUTBOX_PUBLISHED)
	ids, err := s.rangeDue(ctx, publishedKey, before.Add(-time.Millisecond), limit)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = s.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.getNamespaceKey(OUTBOX_EVENT, id))
			pipe.ZRem(ctx, publishedKey, id)
		}
		return nil
	})
	if err != nil {
		return 0, storageError("error while purging outbox", err)
	}
	return len(ids), nil
}

func (s *redisStore) FailedCount(ctx context.Context) (int64, error) {
	n, err := s.redisClient.SCard(ctx, s.getNamespaceKey(OUTBOX_FAILED)).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return 0, storageError("error while counting failed events", err)
	}
	return n, nil
}
