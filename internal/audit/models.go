// Package audit implements the append-only decision log: the entry
// model, the per-agent hash chain that makes tampering evident, the
// persistence backends, and the asynchronous sink the enforcer writes
// through.
package audit

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Outcome records what happened after the decision.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeError   Outcome = "ERROR"
)

// Entry is one audited enforcement event. Entries are immutable once
// written; Hash chains each entry to the previous one for its agent.
type Entry struct {
	ID          string   `json:"id" db:"id"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	RequestID   string   `json:"request_id,omitempty" db:"request_id"`
	Agent       string   `json:"agent" db:"agent"`
	AgentType   string   `json:"agent_type,omitempty" db:"agent_type"`
	Action      string   `json:"action" db:"action"`
	Resource    string   `json:"resource" db:"resource"`
	Verdict     string   `json:"verdict" db:"verdict"`
	Reason      string   `json:"reason,omitempty" db:"reason"`
	Engine      string   `json:"engine,omitempty" db:"engine"`
	Confidence  float64  `json:"confidence" db:"confidence"`
	Constraints []string `json:"constraints,omitempty" db:"constraints"`
	Obligations []string `json:"obligations,omitempty" db:"obligations"`
	Outcome     Outcome  `json:"outcome" db:"outcome"`
	LatencyMs   int64    `json:"latency_ms" db:"latency_ms"`
	PrevHash    string   `json:"prev_hash" db:"prev_hash"`
	Hash        string   `json:"hash" db:"hash"`
}

// NewID returns a ULID for an entry. ULIDs sort by creation time, which
// keeps the log naturally ordered in storage.
func NewID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// Filter defines query parameters for listing entries.
type Filter struct {
	Agent   string
	Action  string
	Verdict string
	Outcome Outcome
	Since   *time.Time
	Until   *time.Time
	Limit   int
	Offset  int
}

// Stats holds aggregate log metrics for the admin API.
type Stats struct {
	TotalEntries int64 `json:"total_entries"`
	Permits      int64 `json:"permits"`
	Denies       int64 `json:"denies"`
	Errors       int64 `json:"errors"`
	Agents       int64 `json:"agents"`
}
