package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/stockroom/inventory"
)

var _ inventory.AuditLog = (*Store)(nil)

// =============================================================================
// AUDIT LOG (append-only)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, a inventory.AuditEntry) error {
	detail := a.Detail
	if detail == nil {
		detail = map[string]string{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to encode audit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO audit_log
		(id, ts, actor, action, store_code, subject, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		a.ID, formatTime(a.Timestamp), a.Actor, string(a.Action), a.Store, a.Subject, string(detailJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns matching audit entries, newest first.
func (s *Store) QueryAudit(ctx context.Context, f inventory.AuditFilter) ([]inventory.AuditEntry, error) {
	query := `SELECT id, ts, actor, action, store_code, subject, detail_json FROM audit_log WHERE 1 = 1`
	var args []any
	if f.Store != "" {
		query += ` AND store_code = ?`
		args = append(args, f.Store)
	}
	if f.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, f.Actor)
	}
	if len(f.Actions) > 0 {
		query += ` AND action IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(f.Actions)), ", ") + `)`
		for _, a := range f.Actions {
			args = append(args, string(a))
		}
	}
	query += ` ORDER BY pos DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := []inventory.AuditEntry{}
	for rows.Next() {
		var (
			a          inventory.AuditEntry
			ts, action string
			detailJSON string
		)
		if err := rows.Scan(&a.ID, &ts, &a.Actor, &action, &a.Store, &a.Subject, &detailJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		a.Action = inventory.AuditAction(action)
		if err := json.Unmarshal([]byte(detailJSON), &a.Detail); err != nil {
			return nil, fmt.Errorf("invalid audit detail for %s: %w", a.ID, err)
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}
