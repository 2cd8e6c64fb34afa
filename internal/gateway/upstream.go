package gateway

import (
	"context"
	"fmt"
	"log/slog"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// Upstream is the tool server behind the proxy. The streamable-HTTP
// implementation is the production path; tests substitute fakes.
type Upstream interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcplib.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcplib.CallToolResult, error)
	ListResources(ctx context.Context) ([]mcplib.Resource, error)
	ReadResource(ctx context.Context, uri string) ([]mcplib.ResourceContents, error)
	Close() error
}

// StreamableClient reaches the upstream MCP server over streamable HTTP.
type StreamableClient struct {
	client  *mcpclient.Client
	url     string
	version string
	logger  *slog.Logger
}

// NewStreamableClient creates a client for the given upstream URL. The
// connection is established by Initialize.
func NewStreamableClient(url, version string, logger *slog.Logger) (*StreamableClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := mcpclient.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client for %s: %w", url, err)
	}
	return &StreamableClient{
		client:  c,
		url:     url,
		version: version,
		logger:  logger.With("component", "gateway.StreamableClient"),
	}, nil
}

// Initialize starts the transport and performs the MCP handshake.
func (s *StreamableClient) Initialize(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start upstream transport: %w", err)
	}

	req := mcplib.InitializeRequest{}
	req.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcplib.Implementation{Name: "aegis", Version: s.version}

	res, err := s.client.Initialize(ctx, req)
	if err != nil {
		return fmt.Errorf("upstream handshake failed: %w", err)
	}
	s.logger.Info("upstream connected",
		"url", s.url,
		"server", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
	)
	return nil
}

func (s *StreamableClient) ListTools(ctx context.Context) ([]mcplib.Tool, error) {
	res, err := s.client.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("upstream tools/list failed: %w", err)
	}
	return res.Tools, nil
}

func (s *StreamableClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcplib.CallToolResult, error) {
	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("upstream tools/call %s failed: %w", name, err)
	}
	return res, nil
}

func (s *StreamableClient) ListResources(ctx context.Context) ([]mcplib.Resource, error) {
	res, err := s.client.ListResources(ctx, mcplib.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("upstream resources/list failed: %w", err)
	}
	return res.Resources, nil
}

func (s *StreamableClient) ReadResource(ctx context.Context, uri string) ([]mcplib.ResourceContents, error) {
	req := mcplib.ReadResourceRequest{}
	req.Params.URI = uri

	res, err := s.client.ReadResource(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("upstream resources/read %s failed: %w", uri, err)
	}
	return res.Contents, nil
}

func (s *StreamableClient) Close() error {
	return s.client.Close()
}
