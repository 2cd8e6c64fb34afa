package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aegisproxy/aegis/internal/anomaly"
	"github.com/aegisproxy/aegis/internal/audit"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/policy"
)

// --- Policies ---

// policySummary is the list view of one policy. Rule bodies are
// available in the policy files; the API serves the active set's shape.
type policySummary struct {
	UID          string        `json:"uid"`
	Name         string        `json:"name,omitempty"`
	Status       policy.Status `json:"status"`
	Priority     int           `json:"priority"`
	Permissions  int           `json:"permissions"`
	Prohibitions int           `json:"prohibitions"`
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := s.deps.Policies.List()
	summaries := make([]policySummary, 0, len(policies))
	for _, p := range policies {
		summaries = append(summaries, policySummary{
			UID:          p.UID,
			Name:         p.Name,
			Status:       p.Status,
			Priority:     p.Priority,
			Permissions:  len(p.Permissions),
			Prohibitions: len(p.Prohibitions),
		})
	}

	writeJSON(w, map[string]any{
		"policies": summaries,
		"version":  s.deps.Policies.Version(),
	})
}

// handleAddPolicy inserts a policy document at runtime. Runtime
// additions live until the next directory reload replaces the set.
func (s *Server) handleAddPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy document: "+err.Error())
		return
	}
	if err := s.deps.Policies.Add(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "added",
		"uid":     p.UID,
		"version": s.deps.Policies.Version(),
	})
}

func (s *Server) handleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("id")
	if !s.deps.Policies.Remove(uid) {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	writeJSON(w, map[string]any{
		"status":  "removed",
		"uid":     uid,
		"version": s.deps.Policies.Version(),
	})
}

func (s *Server) handleReloadPolicies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loader == nil || s.deps.PoliciesDir == "" {
		writeError(w, http.StatusServiceUnavailable, "no policy directory configured")
		return
	}
	if err := s.deps.Loader.LoadDir(s.deps.PoliciesDir); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload: "+err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"status":  "reloaded",
		"count":   len(s.deps.Policies.List()),
		"version": s.deps.Policies.Version(),
	})
}

// --- Audit log ---

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		Agent:   r.URL.Query().Get("agent"),
		Action:  r.URL.Query().Get("action"),
		Verdict: r.URL.Query().Get("verdict"),
		Outcome: audit.Outcome(r.URL.Query().Get("outcome")),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}

	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}
	if until := r.URL.Query().Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = &t
		}
	}

	entries, total, err := s.deps.Audit.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"entries": entries,
		"total":   total,
	})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	valid, brokenAt, err := s.deps.Audit.VerifyAgentChain(agent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"agent":     agent,
		"valid":     valid,
		"broken_at": brokenAt,
	})
}

// --- Block list ---

func (s *Server) handleBlockStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Blocks.CurrentStatus())
}

type blockRequest struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
	TTL    string `json:"ttl,omitempty"` // Go duration, e.g. "15m"; empty blocks until unblock
	Global bool   `json:"global,omitempty"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid block request: "+err.Error())
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	if req.Global {
		s.deps.Blocks.BlockGlobal(req.Reason, "api")
		writeJSON(w, map[string]string{"status": "blocked", "scope": "global"})
		return
	}

	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent is required")
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ttl: "+err.Error())
			return
		}
		ttl = d
	}

	s.deps.Blocks.BlockAgent(req.Agent, req.Reason, "api", ttl)
	writeJSON(w, map[string]string{"status": "blocked", "agent": req.Agent})
}

// handleUnblock lifts one agent's block; the reserved agent name
// "global" lifts the global block.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	if agent == "global" {
		s.deps.Blocks.ResetGlobal()
		writeJSON(w, map[string]string{"status": "unblocked", "scope": "global"})
		return
	}

	if !s.deps.Blocks.Unblock(agent) {
		writeError(w, http.StatusNotFound, "no active block for agent")
		return
	}
	writeJSON(w, map[string]string{"status": "unblocked", "agent": agent})
}

// --- Dry-run decisions ---

// handleDecide evaluates a request through block list and engine
// without calling any upstream, running constraints, or firing
// obligations. The decision is audited by the enforcer like any other.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var raw decision.RawRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	dec, derr := s.deps.Enforcer.Decide(r.Context(), raw)
	if derr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": derr})
		return
	}
	writeJSON(w, dec)
}

// --- Anomaly alerts ---

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	s.alertMu.RLock()
	n := len(s.alerts)
	if limit > n {
		limit = n
	}
	// Newest first.
	out := make([]anomaly.Alert, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.alerts[i])
	}
	total := n
	s.alertMu.RUnlock()

	writeJSON(w, map[string]any{
		"alerts": out,
		"total":  total,
	})
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	auditStats, err := s.deps.Audit.GetStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stats := map[string]any{
		"engine": s.deps.Engine.Stats(),
		"audit":  auditStats,
		"audit_sink": map[string]int64{
			"written": s.deps.Sink.Written(),
			"dropped": s.deps.Sink.Dropped(),
		},
		"blocks":            s.deps.Blocks.CurrentStatus(),
		"websocket_clients": s.wsHub.ClientCount(),
	}
	if s.deps.Obligations != nil {
		stats["obligations"] = map[string]any{
			"families": s.deps.Obligations.Stats(),
			"dropped":  s.deps.Obligations.Dropped(),
		}
	}
	if s.deps.Costs != nil {
		stats["judge_cost"] = map[string]any{
			"total":    s.deps.Costs.Total(),
			"by_model": s.deps.Costs.ByModel(),
		}
	}

	writeJSON(w, stats)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
