package metadata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/cache"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/persistence"
	"github.com/mohitkumar/approvy/rule"
	"go.uber.org/zap"
)

// LATEST_TTL bounds how long a node serves a stale latest version after
// another node published a new one.
const LATEST_TTL = 5 * time.Second

type MetadataService interface {
	// Publish validates the template and stores it as the next version of
	// its id.
	Publish(ctx context.Context, tmpl model.WorkflowTemplate) (*model.WorkflowTemplate, error)
	Validate(tmpl *model.WorkflowTemplate) error
	Get(ctx context.Context, id string, version int) (*model.WorkflowTemplate, error)
	Latest(ctx context.Context, id string) (*model.WorkflowTemplate, error)
	ForEntity(ctx context.Context, entityType string) (*model.WorkflowTemplate, error)
	List(ctx context.Context) ([]*model.WorkflowTemplate, error)
	GetMetadataStorage() persistence.TemplateStore
}

type MetadataServiceImpl struct {
	storage   persistence.TemplateStore
	engine    *rule.Engine
	templates *cache.Cache[*model.WorkflowTemplate]
	latest    *cache.Cache[int]
	clock     func() time.Time
}

var _ MetadataService = new(MetadataServiceImpl)

func NewMetadataService(storage persistence.TemplateStore, engine *rule.Engine) *MetadataServiceImpl {
	return &MetadataServiceImpl{
		storage:   storage,
		engine:    engine,
		templates: cache.New[*model.WorkflowTemplate](0),
		latest:    cache.New[int](LATEST_TTL),
		clock:     time.Now,
	}
}

func (s *MetadataServiceImpl) Validate(tmpl *model.WorkflowTemplate) error {
	return s.engine.Validate(tmpl)
}

func (s *MetadataServiceImpl) Publish(ctx context.Context, tmpl model.WorkflowTemplate) (*model.WorkflowTemplate, error) {
	if err := s.engine.Validate(&tmpl); err != nil {
		return nil, err
	}
	latest, err := s.storage.LatestVersion(ctx, tmpl.Id)
	if err != nil {
		return nil, err
	}
	if tmpl.Version != 0 && tmpl.Version != latest+1 {
		return nil, api.ValidationError{Field: "version", Reason: fmt.Sprintf("next version of %s is %d", tmpl.Id, latest+1)}
	}
	tmpl.Version = latest + 1
	tmpl.PublishedAt = s.clock().UTC()
	if err := s.storage.SaveTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	s.latest.Put(tmpl.Id, tmpl.Version)
	s.templates.Put(versionKey(tmpl.Id, tmpl.Version), &tmpl)
	logger.Info("template published", zap.String("template", tmpl.Id), zap.Int("version", tmpl.Version), zap.String("entityType", tmpl.EntityType))
	return &tmpl, nil
}

// Get returns an exact version. Published versions never change so they are
// cached without expiry.
func (s *MetadataServiceImpl) Get(ctx context.Context, id string, version int) (*model.WorkflowTemplate, error) {
	return s.templates.GetOrLoad(versionKey(id, version), func() (*model.WorkflowTemplate, error) {
		return s.storage.GetTemplate(ctx, id, version)
	})
}

func (s *MetadataServiceImpl) Latest(ctx context.Context, id string) (*model.WorkflowTemplate, error) {
	version, err := s.latest.GetOrLoad(id, func() (int, error) {
		v, err := s.storage.LatestVersion(ctx, id)
		if err != nil {
			return 0, err
		}
		if v == 0 {
			return 0, api.NotFoundError{Kind: "template", Id: id}
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id, version)
}

func (s *MetadataServiceImpl) ForEntity(ctx context.Context, entityType string) (*model.WorkflowTemplate, error) {
	id, err := s.storage.TemplateForEntity(ctx, entityType)
	if err != nil {
		return nil, err
	}
	return s.Latest(ctx, id)
}

func (s *MetadataServiceImpl) List(ctx context.Context) ([]*model.WorkflowTemplate, error) {
	ids, err := s.storage.ListTemplateIds(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]*model.WorkflowTemplate, 0, len(ids))
	for _, id := range ids {
		tmpl, err := s.Latest(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, tmpl)
	}
	return res, nil
}

func (s *MetadataServiceImpl) GetMetadataStorage() persistence.TemplateStore {
	return s.storage
}

func versionKey(id string, version int) string {
	return id + ":" + strconv.Itoa(version)
}
