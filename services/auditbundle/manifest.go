package auditbundle

import (
	"time"

	"gopkg.in/yaml.v3"

	"evalsession/services/sessions"
)

const manifestVersion = "1"

// Manifest is the signed metadata stored next to the exported ledger.
type Manifest struct {
	Version          string               `yaml:"version"`
	CreatedAt        time.Time            `yaml:"created_at"`
	SessionID        string               `yaml:"session_id"`
	Signer           string               `yaml:"signer,omitempty"`
	SigningPublicKey string               `yaml:"signing_public_key,omitempty"`
	Signature        string               `yaml:"signature,omitempty"`
	Stats            sessions.LedgerStats `yaml:"stats"`
	Usage            UsageFile            `yaml:"usage"`
}

// UsageFile describes the JSON-lines ledger export inside the bundle.
type UsageFile struct {
	Path    string `yaml:"path"`
	Entries int    `yaml:"entries"`
	Size    int64  `yaml:"size"`
	SHA256  string `yaml:"sha256"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Summarize derives ledger statistics from entries so the manifest always
// agrees with the exported rows.
func Summarize(sessionID string, entries []sessions.UsageEntry) sessions.LedgerStats {
	stats := sessions.LedgerStats{
		SessionID:        sessionID,
		FailuresByReason: map[string]int{},
	}
	clients := map[string]struct{}{}
	for _, entry := range entries {
		stats.Total++
		if entry.Success {
			stats.Successes++
		} else {
			stats.Failures++
			stats.FailuresByReason[entry.Reason]++
		}
		if entry.ClientAddress != "" {
			clients[entry.ClientAddress] = struct{}{}
		}
		if stats.LastAttemptAt == nil || entry.At.After(*stats.LastAttemptAt) {
			at := entry.At.UTC()
			stats.LastAttemptAt = &at
		}
	}
	stats.DistinctClients = len(clients)
	return stats
}
