package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"evalsession/pkg/db"
	"evalsession/services/sessions"
)

const insertUsageSQL = `
INSERT INTO invite_usage
  (session_id, token_fragment, user_id, at, success, client_address, user_agent, reason, metadata)
VALUES
  (NULLIF($1::text, ''), $2, NULLIF($3::text, ''), $4, $5, $6, $7, NULLIF($8::text, ''), $9::jsonb)`

const selectUsageSQL = `
SELECT id,
       COALESCE(session_id, '') AS session_id,
       token_fragment,
       COALESCE(user_id, '') AS user_id,
       at,
       success,
       client_address,
       user_agent,
       COALESCE(reason, '') AS reason,
       metadata
  FROM invite_usage
 WHERE session_id IS NOT DISTINCT FROM NULLIF($1::text, '')
 ORDER BY at DESC, id DESC`

const usageTotalsSQL = `
SELECT COUNT(*) AS total,
       COUNT(*) FILTER (WHERE success) AS successes,
       COUNT(DISTINCT NULLIF(client_address, '')) AS distinct_clients,
       MAX(at) AS last_attempt_at
  FROM invite_usage
 WHERE session_id IS NOT DISTINCT FROM NULLIF($1::text, '')`

const usageFailuresSQL = `
SELECT COALESCE(reason, '') AS reason, COUNT(*) AS n
  FROM invite_usage
 WHERE session_id IS NOT DISTINCT FROM NULLIF($1::text, '') AND NOT success
 GROUP BY reason`

func (s *Store) Append(ctx context.Context, entry sessions.UsageEntry) error {
	if entry.At.IsZero() {
		entry.At = s.now().UTC()
	}
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode ledger metadata: %w", err)
	}

	if _, err := db.Exec(ctx, s.pool, insertUsageSQL,
		entry.SessionID,
		entry.TokenFragment,
		entry.UserID,
		entry.At,
		entry.Success,
		entry.ClientAddress,
		entry.UserAgent,
		entry.Reason,
		string(encoded),
	); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *Store) Entries(ctx context.Context, sessionID string, limit int) ([]sessions.UsageEntry, error) {
	query := selectUsageSQL
	args := []any{sessionID}
	if limit > 0 {
		query += "\n LIMIT $2"
		args = append(args, limit)
	}

	var rows []usageRow
	if err := db.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}

	out := make([]sessions.UsageEntry, 0, len(rows))
	for _, row := range rows {
		entry := sessions.UsageEntry{
			ID:            row.ID,
			SessionID:     row.SessionID,
			TokenFragment: row.TokenFragment,
			UserID:        row.UserID,
			At:            row.At.UTC(),
			Success:       row.Success,
			ClientAddress: row.ClientAddress,
			UserAgent:     row.UserAgent,
			Reason:        row.Reason,
		}
		if len(row.Metadata) > 0 {
			var metadata map[string]any
			if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
				return nil, fmt.Errorf("decode ledger metadata: %w", err)
			}
			if len(metadata) > 0 {
				entry.Metadata = metadata
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context, sessionID string) (sessions.LedgerStats, error) {
	var totals struct {
		Total           int64      `db:"total"`
		Successes       int64      `db:"successes"`
		DistinctClients int64      `db:"distinct_clients"`
		LastAttemptAt   *time.Time `db:"last_attempt_at"`
	}
	if err := db.Get(ctx, s.pool, &totals, usageTotalsSQL, sessionID); err != nil {
		return sessions.LedgerStats{}, fmt.Errorf("ledger totals: %w", err)
	}

	var failures []struct {
		Reason string `db:"reason"`
		N      int64  `db:"n"`
	}
	if err := db.Select(ctx, s.pool, &failures, usageFailuresSQL, sessionID); err != nil {
		return sessions.LedgerStats{}, fmt.Errorf("ledger failures: %w", err)
	}

	stats := sessions.LedgerStats{
		SessionID:        sessionID,
		Total:            int(totals.Total),
		Successes:        int(totals.Successes),
		Failures:         int(totals.Total - totals.Successes),
		FailuresByReason: make(map[string]int, len(failures)),
		DistinctClients:  int(totals.DistinctClients),
		LastAttemptAt:    utcPtr(totals.LastAttemptAt),
	}
	for _, f := range failures {
		stats.FailuresByReason[f.Reason] = int(f.N)
	}
	return stats, nil
}
