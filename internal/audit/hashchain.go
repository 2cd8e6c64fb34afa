package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ComputeHash computes the SHA-256 hash for an entry, chaining to the
// previous hash of the same agent.
func ComputeHash(e *Entry) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s",
		e.ID,
		e.Agent,
		e.Action,
		e.Resource,
		e.Verdict,
		string(e.Outcome),
		strings.Join(e.Constraints, ","),
		e.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeAgentSeed computes the prev_hash for an agent's first entry.
func ComputeAgentSeed(agent string) string {
	hash := sha256.Sum256([]byte(agent))
	return hex.EncodeToString(hash[:])
}

// VerifyChain walks one agent's entries in insertion order and checks
// hash integrity and linkage. The first entry's prev_hash is not
// checked against the agent seed so that chains truncated by retention
// pruning still verify from their oldest surviving entry. Returns
// (valid, brokenAtIndex); brokenAtIndex is -1 when the chain is intact.
func VerifyChain(entries []*Entry) (bool, int) {
	for i, e := range entries {
		if e.Hash != ComputeHash(e) {
			return false, i
		}
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}
