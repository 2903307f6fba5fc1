// Package mcpext exposes the tools of an MCP (Model Context Protocol)
// server as extension commands.
//
// Transport support:
//   - stdio: subprocess communication through the mcp-go client
//   - http (streamable-http / sse): JSON-RPC over the retrying HTTP client
package mcpext

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ensemble-ai/ensemble/pkg/config"
	"github.com/ensemble-ai/ensemble/pkg/extensions"
	"github.com/ensemble-ai/ensemble/pkg/httpclient"
	"github.com/ensemble-ai/ensemble/pkg/logger"
)

const protocolVersion = "2024-11-05"

// Extension bridges one MCP server. Connect must be called before the
// extension is registered; the discovered tool list becomes the command
// set.
type Extension struct {
	cfg    *config.ExtensionConfig
	logger *slog.Logger

	mu        sync.Mutex
	stdio     *client.Client
	http      *httpclient.Client
	sessionID string
	commands  []extensions.Command
}

func New(cfg *config.ExtensionConfig) *Extension {
	return &Extension{cfg: cfg, logger: logger.Get()}
}

func (e *Extension) Name() string {
	return e.cfg.Name
}

func (e *Extension) Commands() []extensions.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commands
}

// Connect establishes the MCP session and discovers the tool list.
func (e *Extension) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cmd := e.setting("command"); cmd != "" {
		return e.connectStdio(ctx, cmd)
	}
	if e.cfg.ServerURL == "" {
		return fmt.Errorf("mcp extension %s: either server_url or a command setting is required", e.cfg.Name)
	}
	return e.connectHTTP(ctx)
}

func (e *Extension) setting(key string) string {
	if v, ok := e.cfg.Settings[key].(string); ok {
		return v
	}
	return ""
}

func (e *Extension) connectStdio(ctx context.Context, command string) error {
	var args []string
	if raw, ok := e.cfg.Settings["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	mcpClient, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return fmt.Errorf("mcp extension %s: %w", e.cfg.Name, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("mcp extension %s: %w", e.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "ensemble", Version: "1.0"}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("mcp extension %s: initialize: %w", e.cfg.Name, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("mcp extension %s: list tools: %w", e.cfg.Name, err)
	}

	var commands []extensions.Command
	for _, t := range listResp.Tools {
		commands = append(commands, descriptorFromSchema(t.Name, t.Description, schemaToMap(t.InputSchema)))
	}

	e.stdio = mcpClient
	e.commands = commands
	e.logger.Info("Connected to MCP server", "extension", e.cfg.Name, "transport", "stdio", "tools", len(commands))
	return nil
}

func (e *Extension) connectHTTP(ctx context.Context) error {
	e.http = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := e.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "ensemble", "version": "1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("mcp extension %s: initialize: %w", e.cfg.Name, err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("mcp extension %s: initialize: %s", e.cfg.Name, initResp.Error.Message)
	}

	listResp, err := e.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("mcp extension %s: list tools: %w", e.cfg.Name, err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("mcp extension %s: list tools: %s", e.cfg.Name, listResp.Error.Message)
	}

	resultMap, _ := listResp.Result.(map[string]any)
	toolsList, _ := resultMap["tools"].([]any)

	var commands []extensions.Command
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)
		commands = append(commands, descriptorFromSchema(name, desc, schema))
	}

	e.commands = commands
	e.logger.Info("Connected to MCP server", "extension", e.cfg.Name, "transport", "http", "url", e.cfg.ServerURL, "tools", len(commands))
	return nil
}

func (e *Extension) Execute(ctx context.Context, command string, args map[string]any, _ extensions.ExecContext) (string, error) {
	e.mu.Lock()
	stdio := e.stdio
	e.mu.Unlock()

	if stdio != nil {
		return e.callStdio(ctx, stdio, command, args)
	}
	return e.callHTTP(ctx, command, args)
}

func (e *Extension) callStdio(ctx context.Context, c *client.Client, command string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = command
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return "", err
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("mcp tool %s: %s", command, text)
	}
	return text, nil
}

func (e *Extension) callHTTP(ctx context.Context, command string, args map[string]any) (string, error) {
	resp, err := e.rpc(ctx, "tools/call", map[string]any{
		"name":      command,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("mcp tool %s: %s", command, resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		out, _ := json.Marshal(resp.Result)
		return string(out), nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok || cm["type"] != "text" {
				continue
			}
			if text, ok := cm["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	text := strings.Join(texts, "\n")
	if isError, _ := resultMap["isError"].(bool); isError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("mcp tool %s: %s", command, text)
	}
	return text, nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Extension) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.ServerURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	e.mu.Lock()
	if e.sessionID != "" {
		req.Header.Set("mcp-session-id", e.sessionID)
	}
	e.mu.Unlock()

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		e.mu.Lock()
		e.sessionID = sid
		e.mu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("mcp server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	var out jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an SSE
// body. Streamable-http servers answer single requests this way.
func readSSEResponse(body io.Reader) (*jsonRPCResponse, error) {
	reader := bufio.NewReader(body)
	var data strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || err == io.EOF {
			if data.Len() > 0 {
				var resp jsonRPCResponse
				if parseErr := json.Unmarshal([]byte(data.String()), &resp); parseErr == nil {
					return &resp, nil
				}
				data.Reset()
			}
			if err == io.EOF {
				return nil, fmt.Errorf("sse stream ended without a complete message")
			}
			continue
		}
		if strings.HasPrefix(trimmed, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
		}
	}
}

// Close tears down the stdio session if one exists.
func (e *Extension) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stdio != nil {
		err := e.stdio.Close()
		e.stdio = nil
		return err
	}
	return nil
}

// descriptorFromSchema converts an MCP input schema into a command
// descriptor. Schemas are open-ended, so extras are always forwarded.
func descriptorFromSchema(name, description string, schema map[string]any) extensions.Command {
	cmd := extensions.Command{
		Name:           name,
		Description:    description,
		Category:       extensions.CategoryTool,
		AllowExtraArgs: true,
	}

	required := map[string]bool{}
	if raw, ok := schema["required"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for argName, rawProp := range props {
			arg := extensions.Arg{Name: argName, Type: "string", Required: required[argName]}
			if prop, ok := rawProp.(map[string]any); ok {
				if t, ok := prop["type"].(string); ok {
					arg.Type = t
				}
				if d, ok := prop["description"].(string); ok {
					arg.Description = d
				}
				if def, ok := prop["default"]; ok {
					arg.Default = def
				}
			}
			cmd.Args = append(cmd.Args, arg)
		}
	}
	return cmd
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

var _ extensions.Extension = (*Extension)(nil)
