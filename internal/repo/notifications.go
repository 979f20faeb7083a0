package repo

import (
	"context"
	"strings"
	"time"

	"taskline/internal/domain"
)

// NotificationStore persists notification payloads. Delivery is someone else's job.
type NotificationStore struct {
	Repo Repo
	Now  func() time.Time
}

// Notify inserts the batch and returns how many rows were written. Entries
// without a positive user id are skipped. A repeated dedupe key is ignored,
// so retrying a batch does not duplicate rows.
func (s NotificationStore) Notify(ctx context.Context, batch []domain.Notification) (int, error) {
	var valid []domain.Notification
	for _, n := range batch {
		if n.UserID > 0 {
			valid = append(valid, n)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}
	now := s.now()
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	count := 0
	for _, n := range valid {
		createdAt := n.CreatedAt
		if createdAt == "" {
			createdAt = now
		}
		typ := strings.TrimSpace(n.Type)
		if typ == "" {
			typ = "info"
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO notifications(user_id, title, message, type, link_url, dedupe_key, is_read, created_at) VALUES (?,?,?,?,?,?,0,?)`,
			n.UserID, n.Title, n.Message, typ, nullable(n.LinkURL), nullable(n.DedupeKey), createdAt)
		if err != nil {
			return 0, err
		}
		count += affected(res)
	}
	return count, tx.Commit()
}

func (s NotificationStore) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return s.Now().UTC().Format(time.RFC3339)
}

// ListNotifications returns a user's notifications, newest first.
func (r Repo) ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]domain.Notification, error) {
	query := `SELECT id, user_id, title, message, type, COALESCE(link_url,''), COALESCE(dedupe_key,''), is_read, created_at FROM notifications WHERE user_id=?`
	if unreadOnly {
		query += ` AND is_read=0`
	}
	query += ` ORDER BY id DESC`
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.LinkURL, &n.DedupeKey, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
