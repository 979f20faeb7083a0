package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskline/internal/domain"
)

const redacted = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"passwordHash":  {},
	"password_hash": {},
	"token":         {},
	"secret":        {},
	"apiKey":        {},
	"api_key":       {},
	"accessToken":   {},
	"refreshToken":  {},
}

// ActivityLog writes audit entries to activity_logs.
type ActivityLog struct {
	Repo Repo
	Now  func() time.Time
}

// Record stores one entry. Details are sanitized first; an entry whose dedupe
// key was already recorded is dropped.
func (a ActivityLog) Record(ctx context.Context, e domain.AuditEntry) error {
	if a.Now == nil {
		a.Now = time.Now
	}
	if e.CreatedAt == "" {
		e.CreatedAt = a.Now().UTC().Format(time.RFC3339)
	}
	var details any
	if len(e.Details) > 0 {
		data, err := json.Marshal(Sanitize(e.Details))
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = string(data)
	}
	var entityID any
	if e.EntityID != 0 {
		entityID = e.EntityID
	}
	_, err := a.Repo.DB.ExecContext(ctx, `INSERT OR IGNORE INTO activity_logs(action_type, action_category, action_summary, action_details, entity_type, entity_id, project_id, performed_by_id, affected_user_id, dedupe_key, created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ActionType, e.ActionCategory, e.Summary, details, nullable(e.EntityType), entityID, nullableInt64Ptr(e.ProjectID), e.PerformedByID, nullableInt64Ptr(e.AffectedUserID), nullable(e.DedupeKey), e.CreatedAt)
	return err
}

// Sanitize returns a copy of details with sensitive values redacted at any depth.
func Sanitize(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		if _, ok := sensitiveKeys[k]; ok {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case []any:
		res := make([]any, len(val))
		for i, item := range val {
			res[i] = sanitizeValue(item)
		}
		return res
	}
	return v
}

// ListActivity returns entries for an entity, oldest first.
func (r Repo) ListActivity(ctx context.Context, entityType string, entityID int64) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT id, action_type, action_category, action_summary, COALESCE(action_details,''), COALESCE(entity_type,''), COALESCE(entity_id,0),
  project_id, performed_by_id, affected_user_id, COALESCE(dedupe_key,''), created_at
FROM activity_logs WHERE entity_type=? AND entity_id=? ORDER BY id ASC`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var (
			e        domain.AuditEntry
			details  string
			project  sql.NullInt64
			affected sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.ActionType, &e.ActionCategory, &e.Summary, &details, &e.EntityType, &e.EntityID,
			&project, &e.PerformedByID, &affected, &e.DedupeKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ProjectID = int64Ptr(project)
		e.AffectedUserID = int64Ptr(affected)
		if details != "" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
