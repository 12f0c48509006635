package redis

import (
	"context"
	"errors"
	"sort"
	"strconv"

	rd "github.com/go-redis/redis/v9"
	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/persistence"
	"go.uber.org/zap"
)

const TEMPLATE_DEF string = "TEMPLATE"
const TEMPLATE_VERSIONS string = "TEMPLATE_VERSIONS"
const TEMPLATE_ENTITY string = "TEMPLATE_ENTITY"
const TEMPLATE_IDS string = "TEMPLATE_IDS"

var _ persistence.TemplateStore = new(redisStore)

func (s *redisStore) SaveTemplate(ctx context.Context, tmpl model.WorkflowTemplate) error {
	data, err := s.tmplEncDec.Encode(tmpl)
	if err != nil {
		return err
	}
	key := s.getNamespaceKey(TEMPLATE_DEF, tmpl.Id, strconv.Itoa(tmpl.Version))
	ok, err := s.redisClient.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return storageError("error in saving template", err, zap.String("template", tmpl.Id))
	}
	if !ok {
		return api.ConcurrencyConflictError{Aggregate: "WorkflowTemplate", Id: tmpl.Id}
	}
	_, err = s.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.ZAdd(ctx, s.getNamespaceKey(TEMPLATE_VERSIONS, tmpl.Id), rd.Z{Score: float64(tmpl.Version), Member: tmpl.Version})
		pipe.Set(ctx, s.getNamespaceKey(TEMPLATE_ENTITY, tmpl.EntityType), tmpl.Id, 0)
		pipe.SAdd(ctx, s.getNamespaceKey(TEMPLATE_IDS), tmpl.Id)
		return nil
	})
	if err != nil {
		return storageError("error in indexing template", err, zap.String("template", tmpl.Id))
	}
	return nil
}

func (s *redisStore) GetTemplate(ctx context.Context, id string, version int) (*model.WorkflowTemplate, error) {
	val, err := s.redisClient.Get(ctx, s.getNamespaceKey(TEMPLATE_DEF, id, strconv.Itoa(version))).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, api.NotFoundError{Kind: "template", Id: id}
	}
	if err != nil {
		return nil, storageError("error in loading template", err, zap.String("template", id))
	}
	return s.tmplEncDec.Decode(val)
}

func (s *redisStore) LatestVersion(ctx context.Context, id string) (int, error) {
	res, err := s.redisClient.ZRevRange(ctx, s.getNamespaceKey(TEMPLATE_VERSIONS, id), 0, 0).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return 0, storageError("error in loading template versions", err, zap.String("template", id))
	}
	if len(res) == 0 {
		return 0, nil
	}
	return strconv.Atoi(res[0])
}

func (s *redisStore) TemplateForEntity(ctx context.Context, entityType string) (string, error) {
	id, err := s.redisClient.Get(ctx, s.getNamespaceKey(TEMPLATE_ENTITY, entityType)).Result()
	if errors.Is(err, rd.Nil) {
		return "", api.NotFoundError{Kind: "template for entity type", Id: entityType}
	}
	if err != nil {
		return "", storageError("error in loading template index", err, zap.String("entityType", entityType))
	}
	return id, nil
}

func (s *redisStore) ListTemplateIds(ctx context.Context) ([]string, error) {
	ids, err := s.redisClient.SMembers(ctx, s.getNamespaceKey(TEMPLATE_IDS)).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return nil, storageError("error in listing templates", err)
	}
	sort.Strings(ids)
	return ids, nil
}
