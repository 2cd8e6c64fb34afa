// Package gateway is the MCP front door: a streamable-HTTP MCP server
// that mirrors the upstream's tools and resources, with every
// discovery, call, and read routed through the enforcement pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/enforcer"
)

// Gateway proxies MCP traffic through the enforcer to one upstream.
type Gateway struct {
	enf      *enforcer.Enforcer
	upstream Upstream
	mcp      *mcpserver.MCPServer
	logger   *slog.Logger
}

// New creates a Gateway. Start must be called before Handler serves
// traffic so the upstream's capabilities are discovered and mirrored.
func New(enf *enforcer.Enforcer, upstream Upstream, version string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		enf:      enf,
		upstream: upstream,
		logger:   logger.With("component", "gateway.Gateway"),
	}
	g.mcp = mcpserver.NewMCPServer(
		"aegis",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolFilter(g.filterTools),
	)
	return g
}

// Start connects to the upstream and mirrors its tools and resources.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.upstream.Initialize(ctx); err != nil {
		return err
	}

	tools, err := g.upstream.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, t := range tools {
		g.mcp.AddTool(t, g.toolHandler(t.Name))
	}

	resources, err := g.upstream.ListResources(ctx)
	if err != nil {
		return err
	}
	for _, r := range resources {
		g.mcp.AddResource(r, g.resourceHandler())
	}

	g.logger.Info("gateway ready", "tools", len(tools), "resources", len(resources))
	return nil
}

// Handler returns the streamable-HTTP handler for the MCP endpoint.
func (g *Gateway) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(g.mcp,
		mcpserver.WithHTTPContextFunc(WithIdentity),
	)
}

// Close releases the upstream connection.
func (g *Gateway) Close() error {
	return g.upstream.Close()
}

// filterTools hides tools the calling agent may not discover. Discovery
// is a decision like any other: no permitting policy, no listing.
func (g *Gateway) filterTools(ctx context.Context, tools []mcplib.Tool) []mcplib.Tool {
	id := IdentityFromContext(ctx)
	visible := make([]mcplib.Tool, 0, len(tools))
	for _, t := range tools {
		dec, derr := g.enf.Decide(ctx, decision.RawRequest{
			RequestID: uuid.NewString(),
			Method:    "tools/list",
			Name:      t.Name,
			AgentID:   id.Agent,
			AgentType: id.AgentType,
			SessionID: id.SessionID,
			ClientIP:  id.ClientIP,
		})
		if derr != nil || dec.Verdict != decision.VerdictPermit {
			continue
		}
		visible = append(visible, t)
	}
	return visible
}

func (g *Gateway) toolHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		id := IdentityFromContext(ctx)
		raw := decision.RawRequest{
			RequestID: uuid.NewString(),
			Method:    "tools/call",
			Name:      name,
			Arguments: req.GetArguments(),
			AgentID:   id.Agent,
			AgentType: id.AgentType,
			SessionID: id.SessionID,
			ClientIP:  id.ClientIP,
		}

		payload, derr := g.enf.Enforce(ctx, raw, upstreamCaller{g.upstream})
		if derr != nil {
			return denyResult(derr), nil
		}
		return payloadToToolResult(payload), nil
	}
}

func (g *Gateway) resourceHandler() mcpserver.ResourceHandlerFunc {
	return func(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
		id := IdentityFromContext(ctx)
		raw := decision.RawRequest{
			RequestID: uuid.NewString(),
			Method:    "resources/read",
			URI:       req.Params.URI,
			AgentID:   id.Agent,
			AgentType: id.AgentType,
			SessionID: id.SessionID,
			ClientIP:  id.ClientIP,
		}

		payload, derr := g.enf.Enforce(ctx, raw, upstreamCaller{g.upstream})
		if derr != nil {
			return nil, fmt.Errorf("%s: %s", derr.Code, derr.Message)
		}
		return payloadToResourceContents(req.Params.URI, payload), nil
	}
}

// upstreamCaller adapts the typed Upstream to the enforcer's Call
// interface. Responses round-trip through JSON so the constraint
// transformers see plain maps.
type upstreamCaller struct {
	up Upstream
}

func (c upstreamCaller) Call(ctx context.Context, raw decision.RawRequest) (any, error) {
	switch raw.Method {
	case "tools/call":
		res, err := c.up.CallTool(ctx, raw.Name, raw.Arguments)
		if err != nil {
			return nil, err
		}
		return toPlainPayload(res)
	case "resources/read":
		contents, err := c.up.ReadResource(ctx, raw.URI)
		if err != nil {
			return nil, err
		}
		return toPlainPayload(map[string]any{"contents": contents})
	default:
		return nil, fmt.Errorf("method %s has no upstream call", raw.Method)
	}
}

// toPlainPayload converts typed MCP structures into generic maps.
func toPlainPayload(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream response: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return out, nil
}

// denyResult translates a coded enforcement error into an MCP tool
// error so agents see a structured denial rather than a transport
// failure.
func denyResult(derr *decision.Error) *mcplib.CallToolResult {
	body, err := json.Marshal(derr)
	if err != nil {
		body = []byte(derr.Error())
	}
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(body)},
		},
	}
}

// payloadToToolResult rebuilds a CallToolResult from the shaped payload.
// Text content survives as text; anything else is re-encoded as JSON.
func payloadToToolResult(payload any) *mcplib.CallToolResult {
	res := &mcplib.CallToolResult{}

	m, ok := payload.(map[string]any)
	if !ok {
		return jsonToolResult(payload)
	}
	if isErr, ok := m["isError"].(bool); ok {
		res.IsError = isErr
	}
	content, ok := m["content"].([]any)
	if !ok {
		return jsonToolResult(payload)
	}

	for _, item := range content {
		im, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if im["type"] == "text" {
			text, _ := im["text"].(string)
			res.Content = append(res.Content, mcplib.TextContent{Type: "text", Text: text})
			continue
		}
		b, err := json.Marshal(im)
		if err != nil {
			continue
		}
		res.Content = append(res.Content, mcplib.TextContent{Type: "text", Text: string(b)})
	}
	return res
}

func jsonToolResult(payload any) *mcplib.CallToolResult {
	b, _ := json.Marshal(payload)
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(b)},
		},
	}
}

// payloadToResourceContents rebuilds resource contents from the shaped
// payload produced by upstreamCaller.
func payloadToResourceContents(uri string, payload any) []mcplib.ResourceContents {
	m, ok := payload.(map[string]any)
	if !ok {
		return fallbackContents(uri, payload)
	}
	items, ok := m["contents"].([]any)
	if !ok {
		return fallbackContents(uri, payload)
	}

	var out []mcplib.ResourceContents
	for _, item := range items {
		im, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tc := mcplib.TextResourceContents{URI: uri}
		if u, ok := im["uri"].(string); ok && u != "" {
			tc.URI = u
		}
		if mt, ok := im["mimeType"].(string); ok {
			tc.MIMEType = mt
		}
		if text, ok := im["text"].(string); ok {
			tc.Text = text
		} else {
			b, err := json.Marshal(im)
			if err != nil {
				continue
			}
			tc.Text = string(b)
		}
		out = append(out, tc)
	}
	return out
}

func fallbackContents(uri string, payload any) []mcplib.ResourceContents {
	b, _ := json.Marshal(payload)
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(b)},
	}
}
