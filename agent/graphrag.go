package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mohitkumar/approvy/model"
)

const maxResponseBytes = 1 << 20

type graphRAGQuery struct {
	Query      string `json:"query"`
	Collection string `json:"collection,omitempty"`
	TopK       int    `json:"topK,omitempty"`
	Input      Input  `json:"input"`
}

// GraphRAGAgent posts a retrieval query to a knowledge graph endpoint which
// answers with a verdict.
type GraphRAGAgent struct {
	client *http.Client
}

var _ Agent = new(GraphRAGAgent)

func NewGraphRAGAgent(timeout time.Duration) *GraphRAGAgent {
	return &GraphRAGAgent{client: &http.Client{Timeout: timeout}}
}

func (a *GraphRAGAgent) Type() model.AgentType {
	return model.AGENT_TYPE_GRAPH_RAG
}

func (a *GraphRAGAgent) Execute(ctx context.Context, task model.AgentTask, in Input) (*Verdict, error) {
	cfg, ok := task.Config.(*model.GraphRAGAgentConfig)
	if !ok || cfg.Endpoint == "" {
		return nil, fmt.Errorf("agent %s has no endpoint", task.Name)
	}
	body, err := json.Marshal(graphRAGQuery{Query: cfg.Query, Collection: cfg.Collection, TopK: cfg.TopK, Input: in})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph rag endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return ParseVerdict(data)
}
