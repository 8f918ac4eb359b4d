package auth

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// genesisHash seeds the chain before the first entry.
const genesisHash = "GENESIS"

// AuditEntry is one tamper-evident record of a privileged action.
// hash = sha256(canonical(entry) || prev_hash), truncated to 16 hex chars.
type AuditEntry struct {
	TS       time.Time              `json:"ts"`
	Actor    string                 `json:"actor"`
	Action   string                 `json:"action"`
	Resource string                 `json:"resource"`
	Details  map[string]interface{} `json:"details,omitempty"`
	PrevHash string                 `json:"prev_hash"`
	Hash     string                 `json:"hash"`
}

// AuditLog is an append-only JSONL hash chain.
type AuditLog struct {
	mtx      sync.Mutex
	path     string
	lastHash string
	now      func() time.Time
}

// NewAuditLog opens (or creates) the chain at path and recovers the tail hash
// so appends continue the existing chain across restarts.
func NewAuditLog(path string) (*AuditLog, error) {
	a := &AuditLog{path: path, lastHash: genesisHash, now: time.Now}
	entries, err := a.readAll()
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		a.lastHash = entries[n-1].Hash
	}
	return a, nil
}

// Append writes one entry and advances the chain.
func (a *AuditLog) Append(actor, action, resource string, details map[string]interface{}) (AuditEntry, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	entry := AuditEntry{
		TS:       a.now().UTC(),
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Details:  details,
		PrevHash: a.lastHash,
	}
	entry.Hash = chainHash(entry)

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	b, err := json.Marshal(entry)
	if err != nil {
		return AuditEntry{}, err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return AuditEntry{}, fmt.Errorf("appending audit entry: %w", err)
	}
	a.lastHash = entry.Hash
	return entry, nil
}

// Verify walks the chain and returns the 1-based line of the first break, or
// (true, 0) when the chain is intact.
func (a *AuditLog) Verify() (bool, int, error) {
	entries, err := a.readAll()
	if err != nil {
		return false, 0, err
	}
	prev := genesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return false, i + 1, nil
		}
		if chainHash(e) != e.Hash {
			return false, i + 1, nil
		}
		prev = e.Hash
	}
	return true, 0, nil
}

func (a *AuditLog) readAll() ([]AuditEntry, error) {
	raw, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []AuditEntry
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var e AuditEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("corrupt audit log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// chainHash computes the truncated sha256 over the entry without its own hash
// field, concatenated with the previous hash. Marshaling AuditEntry with the
// Hash field zeroed is the canonical form.
func chainHash(e AuditEntry) string {
	e.Hash = ""
	b, _ := json.Marshal(e)
	sum := sha256.Sum256(append(b, []byte(e.PrevHash)...))
	return hex.EncodeToString(sum[:])[:16]
}
