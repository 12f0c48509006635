package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohitkumar/approvy/agent"
	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/metadata"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/persistence/memory"
	"github.com/mohitkumar/approvy/rule"
	"github.com/mohitkumar/approvy/workflow"
	"github.com/stretchr/testify/require"
)

type client struct {
	t       *testing.T
	handler http.Handler
	headers map[string]string
}

func (c client) do(method string, path string, body any, out any) int {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func (c client) as(actor string, roles string) client {
	return client{t: c.t, handler: c.handler, headers: map[string]string{
		HEADER_TENANT: "acme",
		HEADER_ACTOR:  actor,
		HEADER_ROLES:  roles,
	}}
}

func newTestServer(t *testing.T) client {
	store := memory.NewStore()
	conf := config.DefaultConfig()
	engine := rule.NewEngine()
	meta := metadata.NewMetadataService(store, engine)
	workflows := workflow.NewService(store, meta, engine, agent.NewOrchestrator(conf.AgentConfig), conf)
	s, err := NewServer(0, meta, engine, workflows, store)
	require.NoError(t, err)
	return client{t: t, handler: s.Handler}
}

func quoteTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{
		Id:         "quote",
		EntityType: "quote",
		Defaults: model.ApprovalDefaults{
			ApprovalRequired:  true,
			RequiredApprovals: 1,
			ApproverRoles:     []string{"PRODUCT_MANAGER"},
			SLAHours:          48,
		},
	}
}

func TestServer(t *testing.T) {
	scenarios := map[string]func(t *testing.T, c client){
		"submit approve and poll": func(t *testing.T, c client) {
			require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/templates", quoteTemplate(), nil))

			seller := c.as("seller", "SALES")
			var res model.SubmissionResponse
			code := seller.do(http.MethodPost, "/workflows", model.SubmissionRequest{EntityType: "quote", EntityId: "q-1"}, &res)
			require.Equal(t, http.StatusCreated, code)
			require.Equal(t, model.STATE_TASKS_PENDING, res.Status)

			var st workflow.Status
			require.Equal(t, http.StatusOK, seller.do(http.MethodGet, "/workflows/"+res.WorkflowId, nil, &st))
			require.Len(t, st.Tasks, 1)
			taskPath := "/tasks/" + st.Tasks[0].TaskId + "/action"

			var failure map[string]string
			code = seller.do(http.MethodPost, taskPath, model.TaskAction{Decision: model.DECISION_APPROVE}, &failure)
			require.Equal(t, http.StatusForbidden, code)
			require.Equal(t, "PermissionDenied", failure["code"])

			var task model.ApprovalTask
			code = c.as("pm", "PRODUCT_MANAGER").do(http.MethodPost, taskPath, model.TaskAction{Decision: model.DECISION_APPROVE}, &task)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, model.TASK_APPROVED, task.Status)

			code = c.as("pm", "PRODUCT_MANAGER").do(http.MethodPost, taskPath, model.TaskAction{Decision: model.DECISION_APPROVE}, nil)
			require.Equal(t, http.StatusUnprocessableEntity, code)

			require.Equal(t, http.StatusOK, seller.do(http.MethodGet, "/workflows/"+res.WorkflowId, nil, &st))
			require.Equal(t, model.STATE_APPROVED, st.Subject.State)

			require.Equal(t, http.StatusNotFound, c.as("x", "").do(http.MethodGet, "/workflows/missing", nil, nil))
			other := client{t: t, handler: c.handler, headers: map[string]string{HEADER_TENANT: "globex"}}
			require.Equal(t, http.StatusNotFound, other.do(http.MethodGet, "/workflows/"+res.WorkflowId, nil, nil))
		},
		"cancel": func(t *testing.T, c client) {
			c.do(http.MethodPost, "/templates", quoteTemplate(), nil)
			seller := c.as("seller", "SALES")
			var res model.SubmissionResponse
			seller.do(http.MethodPost, "/workflows", model.SubmissionRequest{EntityType: "quote", EntityId: "q-1"}, &res)

			var sub model.WorkflowSubject
			require.Equal(t, http.StatusOK, seller.do(http.MethodPost, "/workflows/"+res.WorkflowId+"/cancel", map[string]string{"reason": "withdrawn"}, &sub))
			require.Equal(t, model.STATE_CANCELLED, sub.State)
			require.Equal(t, http.StatusUnprocessableEntity, seller.do(http.MethodPost, "/workflows/"+res.WorkflowId+"/cancel", map[string]string{"reason": "again"}, nil))
		},
		"submission errors": func(t *testing.T, c client) {
			seller := c.as("seller", "SALES")
			require.Equal(t, http.StatusBadRequest, seller.do(http.MethodPost, "/workflows", model.SubmissionRequest{EntityType: "quote", EntityId: "q-1"}, nil))

			req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewBufferString("{"))
			rec := httptest.NewRecorder()
			c.handler.ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		},
		"templates": func(t *testing.T, c client) {
			var published model.WorkflowTemplate
			require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/templates", quoteTemplate(), &published))
			require.Equal(t, 1, published.Version)
			require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/templates", quoteTemplate(), &published))
			require.Equal(t, 2, published.Version)

			var got model.WorkflowTemplate
			require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/templates/quote", nil, &got))
			require.Equal(t, 2, got.Version)
			require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/templates/quote/versions/1", nil, &got))
			require.Equal(t, 1, got.Version)
			require.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/templates/quote/versions/7", nil, nil))

			var list []model.WorkflowTemplate
			require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/templates", nil, &list))
			require.Len(t, list, 1)

			broken := quoteTemplate()
			broken.DecisionTables = []model.DecisionTable{{
				Name:  "risk",
				Rules: []model.DecisionRule{{Id: "r", Conditions: []model.Condition{{Input: "missing", Operator: model.OP_EQ, Value: 1}}}},
			}}
			require.NotEqual(t, http.StatusOK, c.do(http.MethodPost, "/templates/validate", broken, nil))
			require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/templates/validate", quoteTemplate(), nil))

			var preview rule.Result
			code := c.do(http.MethodPost, "/templates/test", templateTestRequest{Template: quoteTemplate(), Metadata: map[string]any{"riskLevel": "LOW"}}, &preview)
			require.Equal(t, http.StatusOK, code)
			require.Equal(t, 48, preview.Plan.SLAHours)
		},
		"entity status and metrics": func(t *testing.T, c client) {
			var status map[string]string
			require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/entities/quote/q-1/status", nil, &status))
			require.Equal(t, "", status["status"])

			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			rec := httptest.NewRecorder()
			c.handler.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/health", nil, nil))
		},
	}
	for name, run := range scenarios {
		t.Run(name, func(t *testing.T) {
			run(t, newTestServer(t))
		})
	}
}
