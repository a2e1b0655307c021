// Package mailer composes and sends herald's transactional emails.
//
// Every send is best-effort: callers log failures and move on.
package mailer

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNoRecipients = errors.New("mailer: no recipients with an email address")
	ErrStopped      = errors.New("mailer: stopped")
)

// Recipient is one addressee. Recipients without an email are skipped.
type Recipient struct {
	ID    string
	Name  string
	Email string
}

// Context carries the values templates interpolate.
type Context struct {
	ActorName  string
	EntityName string
	ParentName string
	URL        string

	// Title and Body are the in-app notification's text; system emails reuse them.
	Title string
	Body  string

	// Status is the new status for status-change emails.
	Status string
	// Excerpt is a short quote (comment or mention context).
	Excerpt string
}

// Mailer is one send operation per notification kind.
type Mailer interface {
	SendAssignment(ctx context.Context, to Recipient, c Context) error
	SendStatusChange(ctx context.Context, to Recipient, c Context) error
	SendComment(ctx context.Context, to Recipient, c Context) error
	SendProjectCreated(ctx context.Context, to []Recipient, c Context) error
	SendProjectUpdated(ctx context.Context, to []Recipient, c Context) error
	SendMention(ctx context.Context, to Recipient, c Context) error
	SendSystem(ctx context.Context, to []Recipient, c Context) error
	SendPasswordReset(ctx context.Context, to Recipient, resetURL string) error
	SendPasswordResetConfirmation(ctx context.Context, to Recipient) error
}

// Kind names a template.
type Kind string

const (
	KindAssignment                Kind = "assignment"
	KindStatusChange              Kind = "status_change"
	KindComment                   Kind = "comment"
	KindProjectCreated            Kind = "project_created"
	KindProjectUpdated            Kind = "project_updated"
	KindMention                   Kind = "mention"
	KindSystem                    Kind = "system"
	KindPasswordReset             Kind = "password_reset"
	KindPasswordResetConfirmation Kind = "password_reset_confirmation"
)

// deliverer is the transport behind templateMailer.
type deliverer interface {
	deliver(ctx context.Context, kind Kind, to []Recipient, m rendered) error
}

// templateMailer implements Mailer by rendering a template and handing the
// result to a deliverer.
type templateMailer struct {
	d deliverer
}

func (t templateMailer) send(ctx context.Context, kind Kind, to []Recipient, c Context) error {
	to = addressable(to)
	if len(to) == 0 {
		return ErrNoRecipients
	}
	m, err := render(kind, c)
	if err != nil {
		return err
	}
	return t.d.deliver(ctx, kind, to, m)
}

func (t templateMailer) SendAssignment(ctx context.Context, to Recipient, c Context) error {
	return t.send(ctx, KindAssignment, []Recipient{to}, c)
}

func (t templateMailer) SendStatusChange(ctx context.Context, to Recipient, c Context) error {
	return t.send(ctx, KindStatusChange, []Recipient{to}, c)
}

func (t templateMailer) SendComment(ctx context.Context, to Recipient, c Context) error {
	return t.send(ctx, KindComment, []Recipient{to}, c)
}

func (t templateMailer) SendProjectCreated(ctx context.Context, to []Recipient, c Context) error {
	return t.send(ctx, KindProjectCreated, to, c)
}

func (t templateMailer) SendProjectUpdated(ctx context.Context, to []Recipient, c Context) error {
	return t.send(ctx, KindProjectUpdated, to, c)
}

func (t templateMailer) SendMention(ctx context.Context, to Recipient, c Context) error {
	return t.send(ctx, KindMention, []Recipient{to}, c)
}

func (t templateMailer) SendSystem(ctx context.Context, to []Recipient, c Context) error {
	return t.send(ctx, KindSystem, to, c)
}

func (t templateMailer) SendPasswordReset(ctx context.Context, to Recipient, resetURL string) error {
	return t.send(ctx, KindPasswordReset, []Recipient{to}, Context{URL: resetURL})
}

func (t templateMailer) SendPasswordResetConfirmation(ctx context.Context, to Recipient) error {
	return t.send(ctx, KindPasswordResetConfirmation, []Recipient{to}, Context{})
}

func addressable(in []Recipient) []Recipient {
	out := make([]Recipient, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		addr := strings.ToLower(strings.TrimSpace(r.Email))
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		r.Email = strings.TrimSpace(r.Email)
		out = append(out, r)
	}
	return out
}
