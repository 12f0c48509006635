package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mohitkumar/approvy/model"
	"github.com/stretchr/testify/require"
)

func TestCustomAgent(t *testing.T) {
	a := NewCustomAgent()
	task := model.AgentTask{
		Name: "margin",
		Type: model.AGENT_TYPE_CUSTOM,
		Config: &model.CustomAgentConfig{
			Script: `var flagged = $.discount > params.maxDiscount;
({redFlag: flagged, recommendedAction: flagged ? 'ESCALATE' : 'CONTINUE', enrichment: {entity: input.entityId}, confidence: 0.8})`,
			Params: map[string]any{"maxDiscount": 25},
		},
	}
	v, err := a.Execute(context.Background(), task, Input{EntityId: "q-7", Metadata: map[string]any{"discount": 40}})
	require.NoError(t, err)
	require.Equal(t, model.ACTION_ESCALATE, v.RecommendedAction)
	require.Equal(t, "q-7", v.Enrichment["entity"])
	require.InDelta(t, 0.8, *v.Confidence, 1e-9)

	v, err = a.Execute(context.Background(), task, Input{Metadata: map[string]any{"discount": 10}})
	require.NoError(t, err)
	require.False(t, v.RedFlag)

	task.Config = &model.CustomAgentConfig{Script: "while (true) {}"}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Execute(ctx, task, Input{Metadata: map[string]any{}})
	require.Error(t, err)
}

func TestMCPAgent(t *testing.T) {
	srv := server.NewMCPServer("screening", "1.0.0", server.WithToolCapabilities(false))
	var seen map[string]any
	srv.AddTool(mcp.NewTool("screen_entity"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		seen = req.GetArguments()
		return mcp.NewToolResultText(`{"redFlag":true,"recommendedAction":"TERMINATE_REJECT","severity":"HIGH","reasoning":["watchlist hit"]}`), nil
	})
	srv.AddTool(mcp.NewTool("broken"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("backend down"), nil
	})
	dial := func(ctx context.Context, cfg *model.MCPAgentConfig) (*client.Client, error) {
		c, err := client.NewInProcessClient(srv)
		if err != nil {
			return nil, err
		}
		return c, Initialize(ctx, c)
	}
	a := NewMCPAgent(dial)

	task := model.AgentTask{Name: "watchlist", Type: model.AGENT_TYPE_MCP, Config: &model.MCPAgentConfig{
		ServerURL: "inprocess",
		Tool:      "screen_entity",
		Arguments: map[string]any{"list": "OFAC"},
	}}
	v, err := a.Execute(context.Background(), task, Input{EntityId: "e-1", Metadata: map[string]any{}})
	require.NoError(t, err)
	require.Equal(t, model.ACTION_TERMINATE_REJECT, v.RecommendedAction)
	require.Equal(t, model.SEVERITY_HIGH, v.Severity)
	require.Equal(t, "OFAC", seen["list"])
	require.Contains(t, seen, "input")

	task.Config = &model.MCPAgentConfig{ServerURL: "inprocess", Tool: "broken"}
	_, err = a.Execute(context.Background(), task, Input{})
	require.ErrorContains(t, err, "backend down")
}

func TestGraphRAGAgent(t *testing.T) {
	var got graphRAGQuery
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Collection == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"recommendedAction":"CONTINUE","enrichment":{"relatedDeals":3},"confidence":0.4}`))
	}))
	defer ts.Close()

	a := NewGraphRAGAgent(time.Second)
	task := model.AgentTask{Name: "graph", Type: model.AGENT_TYPE_GRAPH_RAG, Config: &model.GraphRAGAgentConfig{
		Endpoint:   ts.URL,
		Query:      "related deals for entity",
		Collection: "deals",
		TopK:       5,
		Headers:    map[string]string{"X-Api-Key": "secret"},
	}}
	v, err := a.Execute(context.Background(), task, Input{EntityId: "e-9"})
	require.NoError(t, err)
	require.Equal(t, model.ACTION_CONTINUE, v.RecommendedAction)
	require.Equal(t, float64(3), v.Enrichment["relatedDeals"])
	require.Equal(t, "e-9", got.Input.EntityId)
	require.Equal(t, 5, got.TopK)

	task.Config.(*model.GraphRAGAgentConfig).Collection = "missing"
	_, err = a.Execute(context.Background(), task, Input{})
	require.ErrorContains(t, err, "404")
}
