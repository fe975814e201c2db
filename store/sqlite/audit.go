package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/warp/quarry-ledger/ledger"
)

// =============================================================================
// AUDIT LOG (ledger.AuditStore)
// =============================================================================

const auditColumns = `id, actor_id, actor_role, action, entity_type, entity_id,
	old_values, new_values, reason, ip, user_agent, created_at`

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActorID, e.ActorRole, string(e.Action), string(e.EntityType), e.EntityID,
		nullJSON(e.OldValues), nullJSON(e.NewValues), e.Reason, e.IP, e.UserAgent, utc(e.CreatedAt),
	)
	return translate(err, e.Ref())
}

// AuditEntries returns matches newest first. Insertion order breaks ties
// between entries written within the same clock tick.
func (s *Store) AuditEntries(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	if f.Entity != nil {
		conds = append(conds, "entity_type = ? AND entity_id = ?")
		args = append(args, string(f.Entity.Type), f.Entity.ID)
	}
	if f.Type != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, string(f.Type))
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if len(f.Actions) > 0 {
		names := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			names[i] = string(a)
		}
		in, inArgs, err := sqlx.In("action IN (?)", names)
		if err != nil {
			return nil, fmt.Errorf("failed to build audit query: %w", err)
		}
		conds = append(conds, in)
		args = append(args, inArgs...)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.auditEntries(ctx, s.db, where, args, 0)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if !f.Range.Contains(e.CreatedAt) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) auditEntries(ctx context.Context, q sqlx.QueryerContext, where string, args []any, limit int) ([]ledger.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log ` + where + ` ORDER BY rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := q.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []ledger.AuditEntry
	for rows.Next() {
		var (
			e                    ledger.AuditEntry
			action, entityType   string
			oldValues, newValues sql.NullString
			createdAt            time.Time
		)
		if err := rows.Scan(
			&e.ID, &e.ActorID, &e.ActorRole, &action, &entityType, &e.EntityID,
			&oldValues, &newValues, &e.Reason, &e.IP, &e.UserAgent, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = ledger.AuditAction(action)
		e.EntityType = ledger.EntityType(entityType)
		if oldValues.Valid {
			e.OldValues = json.RawMessage(oldValues.String)
		}
		if newValues.Valid {
			e.NewValues = json.RawMessage(newValues.String)
		}
		e.CreatedAt = createdAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountAudit(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM audit_log`); err != nil {
		return 0, fmt.Errorf("failed to count audit log: %w", err)
	}
	return n, nil
}
