package notify

import (
	"context"
	"errors"
	"sort"
	"sync"

	"herald/internal/entity"
	"herald/internal/mailer"
	"herald/internal/storage"
)

var errBoom = errors.New("boom")

type fakeActivity struct {
	mu      sync.Mutex
	entries []ActivityEntry
	logErr  error

	orgs         map[string]string
	participants map[string][]string
	workspaces   map[string][]string
	projects     map[string][]string
	orgMembers   map[string][]string
	lookupErr    error
}

func (f *fakeActivity) LogActivity(_ context.Context, e ActivityEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logErr != nil {
		return f.logErr
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeActivity) logged() []ActivityEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ActivityEntry(nil), f.entries...)
}

func (f *fakeActivity) OrganizationIDFromEntity(_ context.Context, typ, id string) (string, error) {
	if f.lookupErr != nil {
		return "", f.lookupErr
	}
	return f.orgs[typ+"/"+id], nil
}

func (f *fakeActivity) members(m map[string][]string, id string) ([]string, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return append([]string(nil), m[id]...), nil
}

func (f *fakeActivity) TaskParticipants(_ context.Context, id string) ([]string, error) {
	return f.members(f.participants, id)
}

func (f *fakeActivity) WorkspaceMembers(_ context.Context, id string) ([]string, error) {
	return f.members(f.workspaces, id)
}

func (f *fakeActivity) ProjectMembers(_ context.Context, id string) ([]string, error) {
	return f.members(f.projects, id)
}

func (f *fakeActivity) OrganizationMembers(_ context.Context, id string) ([]string, error) {
	return f.members(f.orgMembers, id)
}

type fakeStore struct {
	mu      sync.Mutex
	created []storage.Notification
	failFor map[string]bool
	panicOn map[string]bool
	ctxErrs int
}

func (s *fakeStore) Create(ctx context.Context, n storage.Notification) (storage.Notification, error) {
	if s.panicOn[n.UserID] {
		panic("store exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		s.ctxErrs++
	}
	if s.failFor[n.UserID] {
		return storage.Notification{}, errBoom
	}
	s.created = append(s.created, n)
	return n, nil
}

// byUser returns the created notifications sorted by recipient.
func (s *fakeStore) byUser() []storage.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]storage.Notification(nil), s.created...)
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func users(ns []storage.Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.UserID)
	}
	return out
}

type mailCall struct {
	kind string
	to   []string
	c    mailer.Context
}

type fakeMailer struct {
	mu      sync.Mutex
	calls   []mailCall
	failFor map[string]bool
}

func (m *fakeMailer) record(kind string, to []mailer.Recipient, c mailer.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(to))
	for _, r := range to {
		if m.failFor[r.ID] {
			return errBoom
		}
		ids = append(ids, r.ID)
	}
	m.calls = append(m.calls, mailCall{kind: kind, to: ids, c: c})
	return nil
}

func (m *fakeMailer) snapshot() []mailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]mailCall(nil), m.calls...)
	sort.Slice(out, func(i, j int) bool { return first(out[i].to) < first(out[j].to) })
	return out
}

func first(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func (m *fakeMailer) SendAssignment(_ context.Context, to mailer.Recipient, c mailer.Context) error {
	return m.record("assignment", []mailer.Recipient{to}, c)
}
func (m *fakeMailer) SendStatusChange(_ context.Context, to mailer.Recipient, c mailer.Context) error {
	return m.record("status", []mailer.Recipient{to}, c)
}
func (m *fakeMailer) SendComment(_ context.Context, to mailer.Recipient, c mailer.Context) error {
	return m.record("comment", []mailer.Recipient{to}, c)
}
func (m *fakeMailer) SendProjectCreated(_ context.Context, to []mailer.Recipient, c mailer.Context) error {
	return m.record("project_created", to, c)
}
func (m *fakeMailer) SendProjectUpdated(_ context.Context, to []mailer.Recipient, c mailer.Context) error {
	return m.record("project_updated", to, c)
}
func (m *fakeMailer) SendMention(_ context.Context, to mailer.Recipient, c mailer.Context) error {
	return m.record("mention", []mailer.Recipient{to}, c)
}
func (m *fakeMailer) SendSystem(_ context.Context, to []mailer.Recipient, c mailer.Context) error {
	return m.record("system", to, c)
}
func (m *fakeMailer) SendPasswordReset(_ context.Context, to mailer.Recipient, _ string) error {
	return m.record("reset", []mailer.Recipient{to}, mailer.Context{})
}
func (m *fakeMailer) SendPasswordResetConfirmation(_ context.Context, to mailer.Recipient) error {
	return m.record("reset_confirm", []mailer.Recipient{to}, mailer.Context{})
}

// fakeDirectory gives every user an address unless listed in missing.
type fakeDirectory struct {
	missing map[string]bool
	err     error
}

func (d fakeDirectory) Contacts(_ context.Context, ids []string) (map[string]Contact, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make(map[string]Contact, len(ids))
	for _, id := range ids {
		if d.missing[id] {
			continue
		}
		out[id] = Contact{ID: id, FirstName: "User", LastName: id, Email: id + "@example.com"}
	}
	return out, nil
}

type fakePreviews struct {
	previews map[string]*entity.Preview
	panics   bool
}

func (p fakePreviews) Resolve(_ context.Context, typ, id string) *entity.Preview {
	if p.panics {
		panic("preview exploded")
	}
	return p.previews[typ+"/"+id]
}
