// Package directory answers herald's questions about the business tables:
// who belongs where, who works on a task, which organization owns an entity,
// and how to reach a user. It also writes the activity log.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"herald/internal/entity"
	"herald/internal/notify"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// orgQueries resolve the owning organization per entity type. Each takes the
// entity id as its only argument.
var orgQueries = map[string]string{
	entity.TypeOrganization: `SELECT id FROM organizations WHERE id = ?`,
	entity.TypeWorkspace:    `SELECT organization_id FROM workspaces WHERE id = ?`,
	entity.TypeProject: `SELECT w.organization_id FROM projects p
		JOIN workspaces w ON w.id = p.workspace_id WHERE p.id = ?`,
	entity.TypeSprint: `SELECT w.organization_id FROM sprints s
		JOIN projects p ON p.id = s.project_id
		JOIN workspaces w ON w.id = p.workspace_id WHERE s.id = ?`,
	entity.TypeTask: `SELECT w.organization_id FROM tasks t
		JOIN projects p ON p.id = t.project_id
		JOIN workspaces w ON w.id = p.workspace_id WHERE t.id = ?`,
	entity.TypeTaskComment: `SELECT w.organization_id FROM task_comments c
		JOIN tasks t ON t.id = c.task_id
		JOIN projects p ON p.id = t.project_id
		JOIN workspaces w ON w.id = p.workspace_id WHERE c.id = ?`,
	entity.TypeTaskAttachment: `SELECT w.organization_id FROM task_attachments a
		JOIN tasks t ON t.id = a.task_id
		JOIN projects p ON p.id = t.project_id
		JOIN workspaces w ON w.id = p.workspace_id WHERE a.id = ?`,
	entity.TypeInvitation: `SELECT w.organization_id FROM invitations i
		JOIN workspaces w ON w.id = i.workspace_id WHERE i.id = ?`,
}

// SQLDirectory implements notify.ActivityLog and notify.Directory on the
// shared database.
type SQLDirectory struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

func NewSQL(db *storage.DB, log logx.Logger) *SQLDirectory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQLDirectory{db: db.DB, log: log.With(logx.String("comp", "directory")), now: time.Now}
}

func (d *SQLDirectory) LogActivity(ctx context.Context, e notify.ActivityEntry) error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("activity type is required")
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = d.now()
	}
	_, err := d.db.ExecContext(ctx, `INSERT INTO activity_logs
		(type, description, entity_type, entity_id, user_id, organization_id, old_value, new_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Type, e.Description,
		nullable(e.EntityType), nullable(e.EntityID), nullable(e.UserID), nullable(e.OrganizationID),
		nullable(string(e.OldValue)), nullable(string(e.NewValue)),
		created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// OrganizationIDFromEntity returns "" without error for unknown types and
// missing entities.
func (d *SQLDirectory) OrganizationIDFromEntity(ctx context.Context, entityType, entityID string) (string, error) {
	q, ok := orgQueries[entity.NormalizeType(entityType)]
	if !ok || strings.TrimSpace(entityID) == "" {
		return "", nil
	}
	var org sql.NullString
	if err := d.db.GetContext(ctx, &org, q, entityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("organization of %s %s: %w", entityType, entityID, err)
	}
	return org.String, nil
}

// TaskParticipants is the task's assignees followed by its reporter.
func (d *SQLDirectory) TaskParticipants(ctx context.Context, taskID string) ([]string, error) {
	var ids []string
	err := d.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM (
			SELECT user_id, 0 AS grp, rowid AS ord FROM task_assignees WHERE task_id = ?
			UNION ALL
			SELECT reporter_id, 1, 0 FROM tasks WHERE id = ? AND reporter_id IS NOT NULL AND reporter_id <> ''
		) ORDER BY grp, ord`, taskID, taskID)
	if err != nil {
		return nil, fmt.Errorf("task participants %s: %w", taskID, err)
	}
	return uniq(ids), nil
}

func (d *SQLDirectory) WorkspaceMembers(ctx context.Context, workspaceID string) ([]string, error) {
	return d.members(ctx, "workspace", `SELECT user_id FROM workspace_members WHERE workspace_id = ? ORDER BY rowid`, workspaceID)
}

func (d *SQLDirectory) ProjectMembers(ctx context.Context, projectID string) ([]string, error) {
	return d.members(ctx, "project", `SELECT user_id FROM project_members WHERE project_id = ? ORDER BY rowid`, projectID)
}

func (d *SQLDirectory) OrganizationMembers(ctx context.Context, organizationID string) ([]string, error) {
	return d.members(ctx, "organization", `SELECT user_id FROM organization_members WHERE organization_id = ? ORDER BY rowid`, organizationID)
}

func (d *SQLDirectory) members(ctx context.Context, kind, q, id string) ([]string, error) {
	var ids []string
	if err := d.db.SelectContext(ctx, &ids, q, id); err != nil {
		return nil, fmt.Errorf("%s members %s: %w", kind, id, err)
	}
	return ids, nil
}

// Contacts returns the users found among ids, keyed by id.
func (d *SQLDirectory) Contacts(ctx context.Context, ids []string) (map[string]notify.Contact, error) {
	ids = uniq(ids)
	out := make(map[string]notify.Contact, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q, args, err := sqlx.In(`SELECT id, first_name, last_name, email FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []notify.Contact
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("contacts: %w", err)
	}
	for _, c := range rows {
		out[c.ID] = c
	}
	return out, nil
}

// DueTask is an open task whose due date falls in a reminder window.
type DueTask struct {
	ID             string
	Title          string
	DueDate        time.Time
	OrganizationID string
}

// DueTasks lists open tasks due in [from, to).
func (d *SQLDirectory) DueTasks(ctx context.Context, from, to time.Time) ([]DueTask, error) {
	var rows []struct {
		ID    string         `db:"id"`
		Title string         `db:"title"`
		Due   int64          `db:"due_date"`
		Org   sql.NullString `db:"organization_id"`
	}
	err := d.db.SelectContext(ctx, &rows, `
		SELECT t.id, t.title, t.due_date, w.organization_id
		FROM tasks t
		LEFT JOIN projects p ON p.id = t.project_id
		LEFT JOIN workspaces w ON w.id = p.workspace_id
		WHERE t.due_date IS NOT NULL AND t.due_date >= ? AND t.due_date < ?
		  AND t.status NOT IN ('DONE', 'CANCELLED')
		ORDER BY t.due_date, t.id`, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	out := make([]DueTask, 0, len(rows))
	for _, r := range rows {
		out = append(out, DueTask{ID: r.ID, Title: r.Title, DueDate: time.UnixMilli(r.Due).UTC(), OrganizationID: r.Org.String})
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func uniq(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
