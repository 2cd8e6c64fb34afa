package gateway

import (
	"context"
	"net"
	"net/http"
)

// Headers carrying the caller identity across the MCP transport.
const (
	HeaderAgent     = "X-Aegis-Agent"
	HeaderAgentType = "X-Aegis-Agent-Type"
	HeaderSession   = "X-Aegis-Session"
)

// anonymousAgent is the identity assigned when no agent header is
// present. Policies can single it out or prohibit it outright.
const anonymousAgent = "anonymous"

// Identity is the caller identity attached to each MCP request.
type Identity struct {
	Agent     string
	AgentType string
	SessionID string
	ClientIP  string
}

type identityKey struct{}

// WithIdentity extracts the caller identity from the HTTP request and
// stores it in the context. Wired as the streamable server's HTTP
// context function so MCP handlers can recover it.
func WithIdentity(ctx context.Context, r *http.Request) context.Context {
	id := Identity{
		Agent:     r.Header.Get(HeaderAgent),
		AgentType: r.Header.Get(HeaderAgentType),
		SessionID: r.Header.Get(HeaderSession),
	}
	if id.Agent == "" {
		id.Agent = anonymousAgent
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		id.ClientIP = host
	} else {
		id.ClientIP = r.RemoteAddr
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller identity, or the anonymous
// identity when none was attached.
func IdentityFromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok {
		return id
	}
	return Identity{Agent: anonymousAgent}
}
