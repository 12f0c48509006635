package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/go-redis/redis/v9"
	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/persistence"
	"go.uber.org/zap"
)

const ENTITY_STATUS string = "ENTITY_STATUS"
const APPLIED_EVENT string = "APPLIED_EVENT"

// appliedEventTTL bounds how long redelivered event ids are remembered.
// The status check still holds after the marker expires.
const appliedEventTTL = 30 * 24 * time.Hour

var _ persistence.EntityStore = new(redisStore)

func (s *redisStore) ApplyStatus(ctx context.Context, entityType string, entityId string, eventId string, status string) (bool, error) {
	statusKey := s.getNamespaceKey(ENTITY_STATUS, entityType, entityId)
	markerKey := s.getNamespaceKey(APPLIED_EVENT, eventId)
	applied := false
	txf := func(tx *rd.Tx) error {
		seen, err := tx.Exists(ctx, markerKey).Result()
		if err != nil {
			return storageError("error in checking applied event", err, zap.String("eventId", eventId))
		}
		if seen > 0 {
			return nil
		}
		current, err := tx.Get(ctx, statusKey).Result()
		if err != nil && !errors.Is(err, rd.Nil) {
			return storageError("error in loading entity status", err, zap.String("entityId", entityId))
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, markerKey, status, appliedEventTTL)
			if current != status {
				pipe.Set(ctx, statusKey, status, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied = current != status
		return nil
	}
	err := s.redisClient.Watch(ctx, txf, statusKey, markerKey)
	if errors.Is(err, rd.TxFailedErr) {
		return false, api.ConcurrencyConflictError{Aggregate: entityType, Id: entityId}
	}
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *redisStore) GetStatus(ctx context.Context, entityType string, entityId string) (string, error) {
	status, err := s.redisClient.Get(ctx, s.getNamespaceKey(ENTITY_STATUS, entityType, entityId)).Result()
	if errors.Is(err, rd.Nil) {
		return "", nil
	}
	if err != nil {
		return "", storageError("error in loading entity status", err, zap.String("entityId", entityId))
	}
	return status, nil
}

// SetStatus seeds an entity status.
func (s *redisStore) SetStatus(ctx context.Context, entityType string, entityId string, status string) error {
	return s.redisClient.Set(ctx, s.getNamespaceKey(ENTITY_STATUS, entityType, entityId), status, 0).Err()
}
