// Package entity resolves lightweight previews of the objects a notification
// points at (tasks, projects, workspaces, ...).
package entity

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	logx "herald/pkg/logx"
)

type lookupFunc func(ctx context.Context, db *sqlx.DB, id string) (*Preview, error)

// Resolver maps (entity type, id) to a Preview. It never fails: unknown
// types, misses and data errors all resolve to nil.
type Resolver struct {
	db      *sqlx.DB
	log     logx.Logger
	lookups map[string]lookupFunc
}

func NewResolver(db *sqlx.DB, log logx.Logger) *Resolver {
	return &Resolver{
		db:  db,
		log: log,
		lookups: map[string]lookupFunc{
			TypeTask:           lookupTask,
			TypeTaskComment:    lookupComment,
			TypeProject:        lookupProject,
			TypeWorkspace:      lookupWorkspace,
			TypeOrganization:   lookupOrganization,
			TypeSprint:         lookupSprint,
			TypeInvitation:     lookupInvitation,
			TypeTaskAttachment: lookupAttachment,
		},
	}
}

// Supports reports whether entityType has a lookup.
func (r *Resolver) Supports(entityType string) bool {
	_, ok := r.lookups[NormalizeType(entityType)]
	return ok
}

func (r *Resolver) Resolve(ctx context.Context, entityType, entityID string) *Preview {
	if r == nil || r.db == nil {
		return nil
	}
	entityType = NormalizeType(entityType)
	entityID = strings.TrimSpace(entityID)
	if entityType == "" || entityID == "" {
		return nil
	}
	fn, ok := r.lookups[entityType]
	if !ok {
		return nil
	}

	p, err := fn(ctx, r.db, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		r.log.Warn("entity preview lookup failed",
			logx.String("entity_type", entityType), logx.String("entity_id", entityID), logx.Err(err))
		return nil
	}
	return p
}

func lookupTask(ctx context.Context, db *sqlx.DB, id string) (*Preview, error) {
	var row struct {
		ID          string         `db:"id"`
		Title       string         `db:"title"`
		Slug        string         `db:"slug"`
		Status      string         `db:"status"`
		Priority    string         `db:"priority"`
		DueDate     sql.NullInt64  `db:"due_date"`
		ProjectID   string         `db:"project_id"`
		ProjectName sql.NullString `db:"project_name"`
	}
	err := db.GetContext(ctx, &row, `
		SELECT t.id, t.title, t.slug, t.status, t.priority, t.due_date, t.project_id, p.name AS project_name
		FROM tasks t LEFT JOIN projects p ON p.id = t.project_id
		WHERE t.id = ?`, id)
	if err != nil {
		return nil, err
	}
	extra := map[string]any{"status": row.Status, "priority": row.Priority}
	if row.DueDate.Valid {
		extra["dueDate"] = row.DueDate.Int64
	}
	return &Preview{
		ID:     row.ID,
		Type:   TypeTask,
		Name:   row.Title,
		Slug:   row.Slug,
		Parent: &Ref{ID: row.ProjectID, Type: TypeProject, Name: row.ProjectName.String},
		Extra:  extra,
	}, nil
}

func lookupComment(ctx context.Context, db *sqlx.DB, id string) (*Preview, error) {
	var row struct {
		ID        string         `db:"id"`
		Content   string         `db:"content"`
		AuthorID  sql.NullString `db:"author_id"`
		TaskID    string         `db:"task_id"`
		TaskTitle sql.NullString `db:"task_title"`
	}
	err := db.GetContext(ctx, &row, `
		SELECT c.id, c.content, c.author_id, c.task_id, t.title AS task_title
		FROM task_comments c LEFT JOIN tasks t ON t.id = c.task_id
		WHERE c.id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &Preview{
		ID:     row.ID,
		Type:   TypeTaskComment,
		Name:   excerpt(row.Content, 80),
		Parent: &Ref{ID: row.TaskID, Type: TypeTask, Name: row.TaskTitle.String},
		Extra:  map[string]any{"authorId": row.AuthorID.String},
	}, nil
}

func lookupProject(ctx context.Context, db *sqlx.DB, id string) (*Preview, error) {
	var row struct {
		ID            string         `db:"id"`
		Name          string         `db:"name"`
		Slug          string         `db:"slug"`
		Status        string         `db:"status"`
		WorkspaceID   string         `db:"workspace_id"`
		WorkspaceName sql.NullString `db:"workspace_name"`
	}
	err := db.GetContext(ctx, &row, `
		SELECT p.id, p.name, p.slug, p.status, p.workspace_id, w.name AS workspace_name
		FROM projects p LEFT JOIN workspaces w ON w.id = p.workspace_id
		WHERE p.id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &Preview{
		ID:     row.ID,
		Type:   TypeProject,
		Name:   row.Name,
		Slug:   row.Slug,
		Parent: &Ref{ID: row.WorkspaceID, Type: TypeWorkspace, Name: row.WorkspaceName.String},
		Extra:  map[string]any{"status": row.Status},
	}, nil
}

func lookupWorkspace(ctx context.Context, db *sqlx.DB, id string) (*Preview, error) {
	var row struct {
		ID      string         `db:"id"`
		Name    string         `db:"name"`
		Slug    string         `db:"slug"`
		OrgID   string         `db:"organization_id"`
		OrgName sql.NullString `db:"organization_name"`
	}
	err := db.GetContext(ctx, &row, `
		SELECT w.id, w.name, w.slug, w.organization_id, o.name AS organization_name
		FROM workspaces w LEFT JOIN organizations o ON o.id = w.organization_id
		WHERE w.id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &Preview{
		ID:     row.ID,
		Type:   TypeWorkspace,
		Name:   row.Name,
		Slug:   row.Slug,
		Parent: &Ref{ID: row.OrgID, Type: TypeOrganization, Name: row.OrgName.String},
	}, nil
}

func lookupOrganization(ctx context.Context, db *sqlx.DB, id string) (*Preview, error) {
	var row struct {
		ID   string `db:"id"`
		Name string `db:"name"`
		Slug string `db:"slug"`
	}
	if err := db.GetContext(ctx, &row, `SELECT id, name, slug FROM organizations WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &Preview{ID: row.ID, Type: TypeOrganization, Name: row.Name, Slug: row.Slug}, nil
}

func lookupSprint(ctx context.Context, db *sqlx.DB, id string) (*Preview, error) {
	var row struct {
		ID          string         `db:"id"`
		Name        string         `db:"name"`
		Status      string         `db:"status"`
		ProjectID   string         `db:"project_id"`
		ProjectName sql.NullString `db:"project_name"`
	}
	err := db.GetContext(ctx, &row, `
		SELECT s.id, s.name, s.status, s.project_id, p.name AS project_name
		FROM sprints s LEFT JOIN projects p ON p.id = s.project_id
		WHERE s.id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &Preview{
		ID:     row.ID,
		Type:   TypeSprint,
		Name:   row.Name,
		Parent: &Ref{ID: row.ProjectID, Type: TypeProject, Name: row.ProjectName.String},
		Extra:  map[string]any{"status": row.Status},
	}, nil
}

func lookupInvitation(ctx context.Context, db *sqlx.DB, id string) (*Preview, error) {
	var row struct {
		ID            string         `db:"id"`
		Email         string         `db:"email"`
		Status        string         `db:"status"`
		WorkspaceID   string         `db:"workspace_id"`
		WorkspaceName sql.NullString `db:"workspace_name"`
	}
	err := db.GetContext(ctx, &row, `
		SELECT i.id, i.email, i.status, i.workspace_id, w.name AS workspace_name
		FROM invitations i LEFT JOIN workspaces w ON w.id = i.workspace_id
		WHERE i.id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &Preview{
		ID:     row.ID,
		Type:   TypeInvitation,
		Name:   row.Email,
		Parent: &Ref{ID: row.WorkspaceID, Type: TypeWorkspace, Name: row.WorkspaceName.String},
		Extra:  map[string]any{"status": row.Status},
	}, nil
}

func lookupAttachment(ctx context.Context, db *sqlx.DB, id string) (*Preview, error) {
	var row struct {
		ID        string         `db:"id"`
		FileName  string         `db:"file_name"`
		MimeType  string         `db:"mime_type"`
		Size      int64          `db:"size"`
		TaskID    string         `db:"task_id"`
		TaskTitle sql.NullString `db:"task_title"`
	}
	err := db.GetContext(ctx, &row, `
		SELECT a.id, a.file_name, a.mime_type, a.size, a.task_id, t.title AS task_title
		FROM task_attachments a LEFT JOIN tasks t ON t.id = a.task_id
		WHERE a.id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &Preview{
		ID:     row.ID,
		Type:   TypeTaskAttachment,
		Name:   row.FileName,
		Parent: &Ref{ID: row.TaskID, Type: TypeTask, Name: row.TaskTitle.String},
		Extra:  map[string]any{"mimeType": row.MimeType, "size": row.Size},
	}, nil
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
