package memory

import (
	"context"
	"sort"

	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/model"
)

func (s *Store) SaveTemplate(_ context.Context, tmpl model.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.templates[tmpl.Id]
	if !ok {
		versions = make(map[int]*model.WorkflowTemplate)
		s.templates[tmpl.Id] = versions
	}
	if _, exists := versions[tmpl.Version]; exists {
		return api.ConcurrencyConflictError{Aggregate: "WorkflowTemplate", Id: tmpl.Id}
	}
	versions[tmpl.Version] = clone(&tmpl)
	s.entityIndex[tmpl.EntityType] = tmpl.Id
	return nil
}

func (s *Store) GetTemplate(_ context.Context, id string, version int) (*model.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl, ok := s.templates[id][version]
	if !ok {
		return nil, api.NotFoundError{Kind: "template", Id: id}
	}
	return clone(tmpl), nil
}

func (s *Store) LatestVersion(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := 0
	for v := range s.templates[id] {
		latest = max(latest, v)
	}
	return latest, nil
}

func (s *Store) TemplateForEntity(_ context.Context, entityType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entityIndex[entityType]
	if !ok {
		return "", api.NotFoundError{Kind: "template for entity type", Id: entityType}
	}
	return id, nil
}

func (s *Store) ListTemplateIds(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.templates))
	for id := range s.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
