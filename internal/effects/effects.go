// Package effects turns dependency and status transitions into notification
// and audit payloads, and hands them to the stores that persist them.
package effects

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taskline/internal/domain"
)

type Kind string

const (
	KindBlocked           Kind = "blocked"
	KindUnblocked         Kind = "unblocked"
	KindDependencyAdded   Kind = "dependency_added"
	KindDependencyRemoved Kind = "dependency_removed"
)

// DefaultTaskPath is used when no link format is configured. It receives the
// project id and task id.
const DefaultTaskPath = "/dashboard/projects/%d/tasks/%d"

// dedupeSpace namespaces the name-based UUIDs used as dedupe keys.
var dedupeSpace = uuid.MustParse("5c6f0d9e-3f3a-4a51-9f0e-7c2b1b8e4a10")

// Transition describes one status or graph change on a task.
type Transition struct {
	// EventID identifies this transition. Retrying the same record reuses it,
	// so its payloads collapse on their dedupe keys; separate events never do.
	EventID          string
	TaskID           int64
	TaskTitle        string
	ProjectID        *int64
	Kind             Kind
	ActorID          int64
	AffectedUserIDs  []int64
	RelatedTaskID    int64
	RelatedTaskTitle string
	// Cause distinguishes repeated transitions of the same kind, e.g. the
	// id of the task whose completion triggered an unblock.
	Cause      string
	OccurredAt string
}

type Effects struct {
	Notifications []domain.Notification
	Audit         domain.AuditEntry
}

// Translator builds payloads. It performs no I/O.
type Translator struct {
	// TaskPath is a printf format taking project id and task id.
	TaskPath string
}

// Translate is deterministic: the same transition always yields the same
// payloads and dedupe keys.
func (tr Translator) Translate(t Transition) Effects {
	title, message, typ := describe(t)
	link := tr.link(t)
	base := dedupeBase(t)

	users := uniqueUsers(t.AffectedUserIDs)
	notes := make([]domain.Notification, 0, len(users))
	for _, uid := range users {
		notes = append(notes, domain.Notification{
			UserID:    uid,
			Title:     title,
			Message:   message,
			Type:      typ,
			LinkURL:   link,
			DedupeKey: key(base + "|user:" + strconv.FormatInt(uid, 10)),
			CreatedAt: t.OccurredAt,
		})
	}

	details := map[string]any{"kind": string(t.Kind)}
	if t.RelatedTaskID != 0 {
		details["related_task_id"] = t.RelatedTaskID
	}
	if t.Cause != "" {
		details["cause"] = t.Cause
	}
	if len(users) > 0 {
		ids := make([]any, len(users))
		for i, u := range users {
			ids[i] = u
		}
		details["notified_user_ids"] = ids
	}
	audit := domain.AuditEntry{
		ActionType:     auditAction(t.Kind),
		ActionCategory: "dependency",
		EntityType:     "task",
		EntityID:       t.TaskID,
		ProjectID:      t.ProjectID,
		PerformedByID:  t.ActorID,
		Summary:        message,
		Details:        details,
		DedupeKey:      key(base + "|audit"),
		CreatedAt:      t.OccurredAt,
	}
	if len(users) == 1 {
		u := users[0]
		audit.AffectedUserID = &u
	}
	return Effects{Notifications: notes, Audit: audit}
}

func (tr Translator) link(t Transition) string {
	if t.ProjectID == nil {
		return fmt.Sprintf("/tasks/%d", t.TaskID)
	}
	format := tr.TaskPath
	if format == "" {
		format = DefaultTaskPath
	}
	return fmt.Sprintf(format, *t.ProjectID, t.TaskID)
}

func describe(t Transition) (title, message, typ string) {
	name := taskLabel(t.TaskID, t.TaskTitle)
	related := taskLabel(t.RelatedTaskID, t.RelatedTaskTitle)
	switch t.Kind {
	case KindBlocked:
		if t.RelatedTaskID != 0 {
			return "Task blocked", fmt.Sprintf("%s is waiting on %s", name, related), "warning"
		}
		return "Task blocked", fmt.Sprintf("%s is waiting on unresolved dependencies", name), "warning"
	case KindUnblocked:
		if t.RelatedTaskID != 0 {
			return "Task unblocked", fmt.Sprintf("%s is no longer blocked: %s is complete", name, related), "success"
		}
		return "Task unblocked", fmt.Sprintf("%s has no unresolved dependencies", name), "success"
	case KindDependencyAdded:
		return "Dependency added", fmt.Sprintf("%s now depends on %s", name, related), "info"
	case KindDependencyRemoved:
		return "Dependency removed", fmt.Sprintf("%s no longer depends on %s", name, related), "info"
	}
	return "Task updated", fmt.Sprintf("%s changed (%s)", name, t.Kind), "info"
}

func auditAction(k Kind) string {
	switch k {
	case KindBlocked:
		return "TASK_BLOCKED"
	case KindUnblocked:
		return "TASK_UNBLOCKED"
	case KindDependencyAdded:
		return "DEPENDENCY_ADDED"
	case KindDependencyRemoved:
		return "DEPENDENCY_REMOVED"
	}
	return strings.ToUpper(string(k))
}

func taskLabel(id int64, title string) string {
	if title == "" {
		return fmt.Sprintf("task #%d", id)
	}
	return fmt.Sprintf("%q", title)
}

func dedupeBase(t Transition) string {
	if t.EventID != "" {
		return "event:" + t.EventID
	}
	return strings.Join([]string{
		string(t.Kind),
		strconv.FormatInt(t.TaskID, 10),
		strconv.FormatInt(t.RelatedTaskID, 10),
		strconv.FormatInt(t.ActorID, 10),
		t.Cause,
		t.OccurredAt,
	}, "|")
}

func key(name string) string {
	return uuid.NewSHA1(dedupeSpace, []byte(name)).String()
}

func uniqueUsers(ids []int64) []int64 {
	seen := map[int64]struct{}{}
	var res []int64
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Notifier persists a batch of notifications and returns how many were written.
type Notifier interface {
	Notify(ctx context.Context, batch []domain.Notification) (int, error)
}

// AuditLog records one audit entry.
type AuditLog interface {
	Record(ctx context.Context, e domain.AuditEntry) error
}

// Dispatcher hands translated payloads to the collaborators. Both are optional.
type Dispatcher struct {
	Translator Translator
	Notifier   Notifier
	Audit      AuditLog
	Log        zerolog.Logger
}

// Dispatch delivers the effects of t. Audit failures are logged and
// swallowed; a notifier failure is returned.
func (d Dispatcher) Dispatch(ctx context.Context, t Transition) error {
	fx := d.Translator.Translate(t)
	d.RecordAudit(ctx, fx.Audit)
	if d.Notifier == nil || len(fx.Notifications) == 0 {
		return nil
	}
	if _, err := d.Notifier.Notify(ctx, fx.Notifications); err != nil {
		return fmt.Errorf("notify %s for task %d: %w", t.Kind, t.TaskID, err)
	}
	return nil
}

// RecordAudit writes an entry, logging instead of failing.
func (d Dispatcher) RecordAudit(ctx context.Context, e domain.AuditEntry) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.Record(ctx, e); err != nil {
		d.Log.Warn().Err(err).Str("action", e.ActionType).Int64("entity_id", e.EntityID).Msg("audit record failed")
	}
}
