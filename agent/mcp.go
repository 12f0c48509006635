package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mohitkumar/approvy/model"
)

const clientName = "approvy"
const clientVersion = "1.0.0"

// Dialer opens an initialized MCP session for a task configuration.
type Dialer func(ctx context.Context, cfg *model.MCPAgentConfig) (*client.Client, error)

// MCPAgent calls a tool on an MCP server. The tool gets the configured
// arguments plus the workflow input and must answer with a JSON verdict,
// either as structured content or as its first text content.
type MCPAgent struct {
	dial Dialer
}

var _ Agent = new(MCPAgent)

func NewMCPAgent(dial Dialer) *MCPAgent {
	if dial == nil {
		dial = DialStreamableHTTP
	}
	return &MCPAgent{dial: dial}
}

func DialStreamableHTTP(ctx context.Context, cfg *model.MCPAgentConfig) (*client.Client, error) {
	c, err := client.NewStreamableHttpClient(cfg.ServerURL, transport.WithHTTPHeaders(cfg.Headers))
	if err != nil {
		return nil, err
	}
	if err := Initialize(ctx, c); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Initialize starts the transport and performs the MCP handshake.
func Initialize(ctx context.Context, c *client.Client) error {
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("error starting mcp client %w", err)
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(ctx, req); err != nil {
		return fmt.Errorf("error initializing mcp session %w", err)
	}
	return nil
}

func (a *MCPAgent) Type() model.AgentType {
	return model.AGENT_TYPE_MCP
}

func (a *MCPAgent) Execute(ctx context.Context, task model.AgentTask, in Input) (*Verdict, error) {
	cfg, ok := task.Config.(*model.MCPAgentConfig)
	if !ok || cfg.Tool == "" {
		return nil, fmt.Errorf("agent %s has no mcp tool", task.Name)
	}
	c, err := a.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	args := make(map[string]any, len(cfg.Arguments)+1)
	for k, v := range cfg.Arguments {
		args[k] = v
	}
	args["input"] = in
	req := mcp.CallToolRequest{}
	req.Params.Name = cfg.Tool
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("error calling tool %s %w", cfg.Tool, err)
	}
	return verdictFromResult(res)
}

func verdictFromResult(res *mcp.CallToolResult) (*Verdict, error) {
	text := ""
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			text = tc.Text
			break
		}
	}
	if res.IsError {
		return nil, fmt.Errorf("tool failed: %s", strings.TrimSpace(text))
	}
	if res.StructuredContent != nil {
		data, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, err
		}
		return ParseVerdict(data)
	}
	if text == "" {
		return nil, fmt.Errorf("tool returned no content")
	}
	return ParseVerdict([]byte(text))
}
