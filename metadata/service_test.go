package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/persistence/memory"
	"github.com/mohitkumar/approvy/rule"
	"github.com/stretchr/testify/require"
)

const quoteTemplate = `
id: quote
entityType: QUOTE
name: Quote approval
defaults:
  approvalRequired: true
  requiredApprovals: 1
  approverRoles: [SALES_MANAGER]
  slaHours: 24
decisionTables:
  - name: discount
    inputs:
      - name: discount
        path: $.discount
    rules:
      - id: deep
        conditions:
          - input: discount
            operator: GT
            value: 30
        output:
          requiredApprovals: 2
          sequential: true
          approverRoles: [SALES_MANAGER, CFO]
agentConfig:
  strategy: PARALLEL
  tasks:
    - name: margin-check
      type: CUSTOM
      config:
        script: "({redFlag: $.discount > 50, recommendedAction: 'ESCALATE'})"
`

func newTestService() *MetadataServiceImpl {
	return NewMetadataService(memory.NewStore(), rule.NewEngine())
}

func draft(id, entityType string) model.WorkflowTemplate {
	return model.WorkflowTemplate{
		Id:         id,
		EntityType: entityType,
		Defaults:   model.ApprovalDefaults{ApprovalRequired: true, RequiredApprovals: 1},
	}
}

func TestMetadataService(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, s *MetadataServiceImpl){
		"publish assigns versions":      testPublishVersions,
		"explicit version must be next": testExplicitVersion,
		"invalid template is rejected":  testInvalidTemplate,
		"entity type resolves latest":   testForEntity,
		"unknown template is not found": testNotFound,
		"load directory publishes once": testLoadDir,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newTestService())
		})
	}
}

func testPublishVersions(t *testing.T, s *MetadataServiceImpl) {
	ctx := context.Background()
	first, err := s.Publish(ctx, draft("solution", "SOLUTION_CONFIGURATION"))
	require.NoError(t, err)
	require.Equal(t, 1, first.Version)
	require.False(t, first.PublishedAt.IsZero())

	second, err := s.Publish(ctx, draft("solution", "SOLUTION_CONFIGURATION"))
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)

	old, err := s.Get(ctx, "solution", 1)
	require.NoError(t, err)
	require.Equal(t, 1, old.Version)

	latest, err := s.Latest(ctx, "solution")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)
}

func testExplicitVersion(t *testing.T, s *MetadataServiceImpl) {
	tmpl := draft("solution", "SOLUTION_CONFIGURATION")
	tmpl.Version = 3
	_, err := s.Publish(context.Background(), tmpl)
	var ve api.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "version", ve.Field)
}

func testInvalidTemplate(t *testing.T, s *MetadataServiceImpl) {
	tmpl := draft("solution", "")
	_, err := s.Publish(context.Background(), tmpl)
	var re api.RuleEvaluationError
	require.ErrorAs(t, err, &re)

	ids, err := s.GetMetadataStorage().ListTemplateIds(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
}

func testForEntity(t *testing.T, s *MetadataServiceImpl) {
	ctx := context.Background()
	_, err := s.Publish(ctx, draft("solution", "SOLUTION_CONFIGURATION"))
	require.NoError(t, err)
	_, err = s.Publish(ctx, draft("quote", "QUOTE"))
	require.NoError(t, err)

	tmpl, err := s.ForEntity(ctx, "QUOTE")
	require.NoError(t, err)
	require.Equal(t, "quote", tmpl.Id)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "quote", all[0].Id)
}

func testNotFound(t *testing.T, s *MetadataServiceImpl) {
	_, err := s.Latest(context.Background(), "ghost")
	require.True(t, api.IsNotFound(err))
	_, err = s.ForEntity(context.Background(), "GHOST")
	require.True(t, api.IsNotFound(err))
}

func testLoadDir(t *testing.T, s *MetadataServiceImpl) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quote.yaml"), []byte(quoteTemplate), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	n, err := s.LoadDir(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tmpl, err := s.ForEntity(ctx, "QUOTE")
	require.NoError(t, err)
	require.Equal(t, 1, tmpl.Version)
	require.Len(t, tmpl.AgentConfig.Tasks, 1)
	custom, ok := tmpl.AgentConfig.Tasks[0].Config.(*model.CustomAgentConfig)
	require.True(t, ok)
	require.Contains(t, custom.Script, "redFlag")

	n, err = s.LoadDir(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
