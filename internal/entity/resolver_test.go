package entity_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"herald/internal/entity"
	"herald/internal/storage/storagetest"
	logx "herald/pkg/logx"
)

func newResolver(t *testing.T) *entity.Resolver {
	t.Helper()
	db := storagetest.NewDB(t)
	storagetest.Exec(t, db,
		`INSERT INTO organizations(id, name, slug) VALUES ('O1', 'Acme', 'acme')`,
		`INSERT INTO workspaces(id, name, slug, organization_id) VALUES ('W1', 'Engineering', 'eng', 'O1')`,
		`INSERT INTO projects(id, name, slug, workspace_id) VALUES ('P1', 'Apollo', 'apollo', 'W1')`,
		`INSERT INTO sprints(id, name, project_id) VALUES ('S1', 'Sprint 1', 'P1')`,
		`INSERT INTO tasks(id, title, slug, project_id, due_date) VALUES ('T1', 'Write docs', 'write-docs', 'P1', 1700000000000)`,
		`INSERT INTO task_comments(id, task_id, author_id, content) VALUES ('C1', 'T1', 'U1', 'Looks good to me')`,
		`INSERT INTO task_attachments(id, task_id, file_name, mime_type, size) VALUES ('A1', 'T1', 'spec.pdf', 'application/pdf', 42)`,
		`INSERT INTO invitations(id, email, workspace_id) VALUES ('I1', 'new@example.com', 'W1')`,
	)
	return entity.NewResolver(db.DB, logx.Nop())
}

func TestResolveKnownTypes(t *testing.T) {
	t.Parallel()
	r := newResolver(t)

	tests := []struct {
		typ, id    string
		name       string
		parentID   string
		parentType string
	}{
		{typ: entity.TypeTask, id: "T1", name: "Write docs", parentID: "P1", parentType: entity.TypeProject},
		{typ: entity.TypeTaskComment, id: "C1", name: "Looks good to me", parentID: "T1", parentType: entity.TypeTask},
		{typ: entity.TypeProject, id: "P1", name: "Apollo", parentID: "W1", parentType: entity.TypeWorkspace},
		{typ: entity.TypeWorkspace, id: "W1", name: "Engineering", parentID: "O1", parentType: entity.TypeOrganization},
		{typ: entity.TypeOrganization, id: "O1", name: "Acme"},
		{typ: entity.TypeSprint, id: "S1", name: "Sprint 1", parentID: "P1", parentType: entity.TypeProject},
		{typ: entity.TypeInvitation, id: "I1", name: "new@example.com", parentID: "W1", parentType: entity.TypeWorkspace},
		{typ: entity.TypeTaskAttachment, id: "A1", name: "spec.pdf", parentID: "T1", parentType: entity.TypeTask},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.typ, func(t *testing.T) {
			p := r.Resolve(context.Background(), tt.typ, tt.id)
			if p == nil {
				t.Fatalf("Resolve(%s,%s) = nil", tt.typ, tt.id)
			}
			if p.ID != tt.id || p.Type != tt.typ || p.Name != tt.name {
				t.Fatalf("preview=%+v", p)
			}
			if tt.parentID == "" {
				if p.Parent != nil {
					t.Fatalf("unexpected parent %+v", p.Parent)
				}
				return
			}
			if p.Parent == nil || p.Parent.ID != tt.parentID || p.Parent.Type != tt.parentType {
				t.Fatalf("parent=%+v", p.Parent)
			}
		})
	}
}

func TestResolveDegradesToNil(t *testing.T) {
	t.Parallel()
	r := newResolver(t)
	ctx := context.Background()

	cases := [][2]string{
		{"unknown", "T1"},
		{entity.TypeTask, ""},
		{"", "T1"},
		{entity.TypeTask, "missing"},
		{entity.TypeUser, "U1"},
	}
	for _, c := range cases {
		if p := r.Resolve(ctx, c[0], c[1]); p != nil {
			t.Fatalf("Resolve(%q,%q) = %+v, want nil", c[0], c[1], p)
		}
	}
	var nilResolver *entity.Resolver
	if p := nilResolver.Resolve(ctx, entity.TypeTask, "T1"); p != nil {
		t.Fatalf("nil resolver returned %+v", p)
	}
}

func TestResolveLogsDataErrors(t *testing.T) {
	t.Parallel()
	db := storagetest.NewDB(t)
	var buf bytes.Buffer
	r := entity.NewResolver(db.DB, logx.NewWriter(&buf, "debug"))

	storagetest.Exec(t, db, `DROP TABLE sprints`)
	if p := r.Resolve(context.Background(), entity.TypeSprint, "S1"); p != nil {
		t.Fatalf("expected nil on data error, got %+v", p)
	}
	if !strings.Contains(buf.String(), "entity preview lookup failed") {
		t.Fatalf("expected warning, log=%q", buf.String())
	}
}
