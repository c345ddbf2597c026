// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/codex-core/capability"
)

// MCPForwarder forwards tool calls to an MCP server over stdio, lazily
// connecting on first use, adapted from mcptoolset.Toolset's stdio
// connection/initialize/list/call sequence.
type MCPForwarder struct {
	Command string
	Args    []string
	Env     map[string]string

	mu        sync.Mutex
	mcpClient *client.Client
	tools     map[string]mcp.Tool
}

// connect lazily starts and initializes the MCP client.
func (m *MCPForwarder) connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mcpClient != nil {
		return nil
	}

	env := make([]string, 0, len(m.Env))
	for k, v := range m.Env {
		env = append(env, k+"="+v)
	}

	c, err := client.NewStdioMCPClient(m.Command, env, m.Args...)
	if err != nil {
		return fmt.Errorf("mcp: create stdio client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("mcp: start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "codex", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("mcp: initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("mcp: list tools: %w", err)
	}

	tools := make(map[string]mcp.Tool, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools[t.Name] = t
	}

	m.mcpClient = c
	m.tools = tools
	return nil
}

// List implements capability.ToolCatalog, returning the MCP server's tools.
func (m *MCPForwarder) List(ctx context.Context) ([]capability.ToolDefinition, error) {
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	defs := make([]capability.ToolDefinition, 0, len(m.tools))
	for _, t := range m.tools {
		defs = append(defs, capability.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Schema:      convertSchema(t.InputSchema),
		})
	}
	return defs, nil
}

// Invoke implements capability.ToolCatalog, forwarding a call to the MCP
// server and converting its response into a flat result map.
func (m *MCPForwarder) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	c := m.mcpClient
	m.mu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp: call tool %s: %w", name, err)
	}
	return parseToolResponse(resp), nil
}

// invokeViaCatalog adapts Orchestrator.Catalog's flat-map result into the
// Output shape the rest of the orchestrator pipeline expects.
func (o *Orchestrator) invokeViaCatalog(ctx context.Context, in Invocation) (Output, error) {
	result, err := o.Catalog.Invoke(ctx, in.ToolName, in.Payload)
	if err != nil {
		return Output{Success: false, Content: err.Error()}, nil
	}
	if errMsg, ok := result["error"].(string); ok {
		return Output{Success: false, Content: errMsg}, nil
	}
	if text, ok := result["result"].(string); ok {
		return Output{Success: true, Content: text}, nil
	}
	data, _ := json.Marshal(result)
	return Output{Success: true, Content: string(data)}, nil
}

func parseToolResponse(resp *mcp.CallToolResult) map[string]any {
	result := map[string]any{}
	if resp.IsError {
		for _, content := range resp.Content {
			if tc, ok := content.(mcp.TextContent); ok {
				result["error"] = tc.Text
				return result
			}
		}
		result["error"] = "unknown MCP error"
		return result
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
