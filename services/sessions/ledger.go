package sessions

import "time"

// UsageEntry is one immutable row of the invitation usage ledger.
type UsageEntry struct {
	ID            int64          `json:"id"`
	SessionID     string         `json:"session_id,omitempty"`
	TokenFragment string         `json:"token_fragment"`
	UserID        string         `json:"user_id,omitempty"`
	At            time.Time      `json:"at"`
	Success       bool           `json:"success"`
	ClientAddress string         `json:"client_address"`
	UserAgent     string         `json:"user_agent"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// LedgerStats summarises a session's ledger for anti-abuse reporting.
type LedgerStats struct {
	SessionID        string         `json:"session_id" yaml:"session_id"`
	Total            int            `json:"total" yaml:"total"`
	Successes        int            `json:"successes" yaml:"successes"`
	Failures         int            `json:"failures" yaml:"failures"`
	FailuresByReason map[string]int `json:"failures_by_reason" yaml:"failures_by_reason"`
	DistinctClients  int            `json:"distinct_clients" yaml:"distinct_clients"`
	LastAttemptAt    *time.Time     `json:"last_attempt_at,omitempty" yaml:"last_attempt_at,omitempty"`
}
