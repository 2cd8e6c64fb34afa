package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	mu       sync.Mutex
	lastHash map[string]string // agent -> latest hash, loaded lazily
}

// NewSQLiteStore creates a SQLite-backed audit store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLiteStore{db: db, lastHash: make(map[string]string)}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id          TEXT PRIMARY KEY,
		timestamp   DATETIME NOT NULL,
		request_id  TEXT,
		agent       TEXT NOT NULL,
		agent_type  TEXT,
		action      TEXT NOT NULL,
		resource    TEXT NOT NULL,
		verdict     TEXT NOT NULL,
		reason      TEXT,
		engine      TEXT,
		confidence  REAL DEFAULT 0,
		constraints TEXT,
		obligations TEXT,
		outcome     TEXT NOT NULL,
		latency_ms  INTEGER DEFAULT 0,
		prev_hash   TEXT NOT NULL,
		hash        TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_entries(agent);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_verdict ON audit_entries(verdict);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert appends one entry, assigning its ID and chain hashes. The
// per-agent chain head is cached in memory after the first lookup.
func (s *SQLiteStore) Insert(e *Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.ID == "" {
		e.ID = NewID(e.Timestamp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.lastHash[e.Agent]
	if !ok {
		var err error
		prev, err = s.loadLastHash(e.Agent)
		if err != nil {
			return err
		}
	}
	e.PrevHash = prev
	e.Hash = ComputeHash(e)

	_, err := s.db.Exec(`INSERT INTO audit_entries (id, timestamp, request_id, agent, agent_type,
		action, resource, verdict, reason, engine, confidence, constraints, obligations,
		outcome, latency_ms, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, nullStr(e.RequestID), e.Agent, nullStr(e.AgentType),
		e.Action, e.Resource, e.Verdict, nullStr(e.Reason), nullStr(e.Engine),
		e.Confidence, marshalList(e.Constraints), marshalList(e.Obligations),
		string(e.Outcome), e.LatencyMs, e.PrevHash, e.Hash,
	)
	if err != nil {
		return err
	}
	s.lastHash[e.Agent] = e.Hash
	return nil
}

// loadLastHash fetches the latest hash for an agent from the database,
// or the agent seed when no entries exist. Caller holds s.mu. ULIDs
// order lexically by creation time, so MAX(id) is the newest entry.
func (s *SQLiteStore) loadLastHash(agent string) (string, error) {
	var hash string
	err := s.db.QueryRow(
		`SELECT hash FROM audit_entries WHERE agent = ? ORDER BY id DESC LIMIT 1`, agent,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return ComputeAgentSeed(agent), nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

const entryColumns = `id, timestamp, request_id, agent, agent_type, action, resource,
	verdict, reason, engine, confidence, constraints, obligations, outcome, latency_ms, prev_hash, hash`

func (s *SQLiteStore) Get(id string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM audit_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var requestID, agentType, reason, engine, constraints, obligations sql.NullString
	var outcome string

	err := row.Scan(&e.ID, &e.Timestamp, &requestID, &e.Agent, &agentType,
		&e.Action, &e.Resource, &e.Verdict, &reason, &engine, &e.Confidence,
		&constraints, &obligations, &outcome, &e.LatencyMs, &e.PrevHash, &e.Hash)
	if err != nil {
		return nil, err
	}

	e.RequestID = requestID.String
	e.AgentType = agentType.String
	e.Reason = reason.String
	e.Engine = engine.String
	e.Constraints = unmarshalList(constraints)
	e.Obligations = unmarshalList(obligations)
	e.Outcome = Outcome(outcome)
	return e, nil
}

func (s *SQLiteStore) List(f Filter) ([]*Entry, int, error) {
	where, args := buildWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM audit_entries"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + entryColumns + ` FROM audit_entries` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, count, rows.Err()
}

func (s *SQLiteStore) AgentChain(agent string) ([]*Entry, error) {
	rows, err := s.db.Query(`SELECT `+entryColumns+` FROM audit_entries WHERE agent = ? ORDER BY id ASC`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) VerifyAgentChain(agent string) (bool, int, error) {
	chain, err := s.AgentChain(agent)
	if err != nil {
		return false, 0, err
	}
	valid, brokenAt := VerifyChain(chain)
	return valid, brokenAt, nil
}

// PruneOlderThan deletes entries older than age. Chains verify from
// their oldest surviving entry, so truncation does not break them.
func (s *SQLiteStore) PruneOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	result, err := s.db.Exec("DELETE FROM audit_entries WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) GetStats() (*Stats, error) {
	stats := &Stats{}
	s.db.QueryRow("SELECT COUNT(*) FROM audit_entries").Scan(&stats.TotalEntries)
	s.db.QueryRow("SELECT COUNT(*) FROM audit_entries WHERE verdict = 'PERMIT'").Scan(&stats.Permits)
	s.db.QueryRow("SELECT COUNT(*) FROM audit_entries WHERE verdict = 'DENY'").Scan(&stats.Denies)
	s.db.QueryRow("SELECT COUNT(*) FROM audit_entries WHERE outcome = 'ERROR'").Scan(&stats.Errors)
	s.db.QueryRow("SELECT COUNT(DISTINCT agent) FROM audit_entries").Scan(&stats.Agents)
	return stats, nil
}

// --- Helpers ---

func buildWhere(f Filter) (string, []any) {
	var conditions []string
	var args []any

	if f.Agent != "" {
		conditions = append(conditions, "agent = ?")
		args = append(args, f.Agent)
	}
	if f.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, f.Action)
	}
	if f.Verdict != "" {
		conditions = append(conditions, "verdict = ?")
		args = append(args, f.Verdict)
	}
	if f.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if f.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *f.Until)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalList(items []string) sql.NullString {
	if len(items) == 0 {
		return sql.NullString{}
	}
	b, _ := json.Marshal(items)
	return sql.NullString{String: string(b), Valid: true}
}

func unmarshalList(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(ns.String), &items); err != nil {
		return nil
	}
	return items
}
