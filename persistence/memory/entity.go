package memory

import (
	"context"
)

func entityKey(entityType, entityId string) string {
	return entityType + ":" + entityId
}

func (s *Store) ApplyStatus(_ context.Context, entityType string, entityId string, eventId string, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applied[eventId]; ok {
		return false, nil
	}
	key := entityKey(entityType, entityId)
	s.applied[eventId] = struct{}{}
	if s.entities[key] == status {
		return false, nil
	}
	s.entities[key] = status
	return true, nil
}

func (s *Store) GetStatus(_ context.Context, entityType string, entityId string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[entityKey(entityType, entityId)], nil
}

// SetStatus seeds an entity status.
func (s *Store) SetStatus(_ context.Context, entityType string, entityId string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entityKey(entityType, entityId)] = status
	return nil
}
