// Package decision defines the core types shared across the enforcement
// pipeline: the normalized request context, the decision record produced
// by the engine, and the coded errors surfaced to callers.
package decision

import (
	"time"
)

// Verdict is the outcome of a policy decision.
type Verdict string

const (
	VerdictPermit        Verdict = "PERMIT"
	VerdictDeny          Verdict = "DENY"
	VerdictIndeterminate Verdict = "INDETERMINATE"
)

// EngineSource records which engine produced a decision.
type EngineSource string

const (
	EngineRules  EngineSource = "RULES"
	EngineAI     EngineSource = "AI"
	EngineHybrid EngineSource = "HYBRID"
	EngineCache  EngineSource = "CACHE"
	EngineNone   EngineSource = "NONE"
)

// Metadata describes how a decision was reached.
type Metadata struct {
	Engine           EngineSource `json:"engine"`
	EvaluationTimeMs int64        `json:"evaluation_time_ms"`
	Cached           bool         `json:"cached"`
}

// Decision is the final output of the hybrid engine for one request.
// Constraints shape the response before release; Obligations run after
// the downstream call on the background path.
type Decision struct {
	Verdict     Verdict  `json:"verdict"`
	Reason      string   `json:"reason"`
	Confidence  float64  `json:"confidence"`
	Constraints []string `json:"constraints,omitempty"`
	Obligations []string `json:"obligations,omitempty"`
	Metadata    Metadata `json:"metadata"`
}

// Context is the normalized view of one inbound request, assembled by
// the Collector before any policy evaluation.
type Context struct {
	Agent           string         `json:"agent"`
	AgentType       string         `json:"agent_type"`
	Action          string         `json:"action"`
	Resource        string         `json:"resource"`
	Time            time.Time      `json:"time"`
	TrustScore      *float64       `json:"trust_score,omitempty"`
	DelegationChain []string       `json:"delegation_chain,omitempty"`
	Emergency       bool           `json:"emergency"`
	Environment     map[string]any `json:"environment"`

	// Derived by the Collector.
	HourOfDay       int    `json:"hour_of_day"`
	IsBusinessHours bool   `json:"is_business_hours"`
	Classification  string `json:"resource_classification"`
}

// DelegationDepth returns the length of the delegation chain.
func (c *Context) DelegationDepth() int {
	return len(c.DelegationChain)
}

// ClientIP returns the environment client_ip value, or "".
func (c *Context) ClientIP() string {
	if v, ok := c.Environment["client_ip"].(string); ok {
		return v
	}
	return ""
}

// Resource classifications assigned by the Collector.
const (
	ClassSensitive = "sensitive"
	ClassStandard  = "standard"
)

// RawRequest is the normalized inbound request the gateway hands to the
// enforcer. Method is one of tools/list, tools/call, resources/list,
// resources/read.
type RawRequest struct {
	RequestID       string         `json:"request_id"`
	Method          string         `json:"method"`
	Name            string         `json:"name,omitempty"`
	URI             string         `json:"uri,omitempty"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	AgentID         string         `json:"agent_id"`
	AgentType       string         `json:"agent_type,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	ClientIP        string         `json:"client_ip,omitempty"`
	TrustScore      *float64       `json:"trust_score,omitempty"`
	DelegationChain []string       `json:"delegation_chain,omitempty"`
	Emergency       bool           `json:"emergency,omitempty"`
	Time            time.Time      `json:"time,omitempty"`
}
