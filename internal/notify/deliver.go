package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"herald/internal/eventbus"
	"herald/internal/mailer"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

const defaultMaxParallel = 8

// emailBranch sends the email for one type. Exactly one of single or group
// is set. The Mailer comes first to match method expressions.
type emailBranch struct {
	single func(m mailer.Mailer, ctx context.Context, to mailer.Recipient, c mailer.Context) error
	group  func(m mailer.Mailer, ctx context.Context, to []mailer.Recipient, c mailer.Context) error
}

func singleSystem(m mailer.Mailer, ctx context.Context, to mailer.Recipient, c mailer.Context) error {
	return m.SendSystem(ctx, []mailer.Recipient{to}, c)
}

var emailBranches = map[Type]emailBranch{
	TypeTaskAssigned:      {single: mailer.Mailer.SendAssignment},
	TypeTaskStatusChanged: {single: mailer.Mailer.SendStatusChange},
	TypeTaskCommented:     {single: mailer.Mailer.SendComment},
	TypeMention:           {single: mailer.Mailer.SendMention},
	TypeProjectCreated:    {group: mailer.Mailer.SendProjectCreated},
	TypeProjectUpdated:    {group: mailer.Mailer.SendProjectUpdated},
	TypeSystem:            {single: singleSystem},
}

// branchFor returns the email branch for ev. Broadcast system events go out
// as one email.
func branchFor(ev *Event) (emailBranch, bool) {
	if ev.Type == TypeSystem && ev.policy().Broadcast {
		return emailBranch{group: mailer.Mailer.SendSystem}, true
	}
	b, ok := emailBranches[ev.Type]
	return b, ok
}

// orchestrator fans one resolved event out to email and in-app channels.
type orchestrator struct {
	mail        mailer.Mailer
	dir         Directory
	store       NotificationWriter
	log         logx.Logger
	bus         eventbus.Bus
	baseURL     string
	maxParallel int
}

func (o *orchestrator) deliver(ctx context.Context, ev *Event, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	o.emailPass(ctx, ev, recipients)
	o.inAppPass(ctx, ev, recipients)
}

func (o *orchestrator) mailContext(ev *Event) mailer.Context {
	c := mailer.Context{
		ActorName:  ev.Op.Actor.Name(),
		EntityName: entityTitle(ev),
		ParentName: parentName(ev),
		URL:        o.absURL(ActionURL(ev)),
		Title:      Title(ev),
		Body:       Message(ev),
		Status:     firstString([]string{"status"}, ev.Op.Result, ev.Op.Request),
		Excerpt:    firstString([]string{"content", "comment", "body"}, ev.Op.Request, ev.Op.Result),
	}
	if c.Excerpt == "" && ev.Preview != nil {
		if s, ok := ev.Preview.Extra["excerpt"].(string); ok {
			c.Excerpt = s
		}
	}
	return c
}

func (o *orchestrator) absURL(path string) string {
	base := strings.TrimRight(o.baseURL, "/")
	if base == "" || strings.Contains(path, "://") {
		return path
	}
	return base + path
}

func (o *orchestrator) emailPass(ctx context.Context, ev *Event, recipients []string) {
	if o.mail == nil {
		return
	}
	branch, ok := branchFor(ev)
	if !ok {
		return
	}
	if o.dir == nil {
		o.log.Warn("email skipped: no contact directory", logx.String("type", string(ev.Type)))
		return
	}
	contacts, err := o.dir.Contacts(ctx, recipients)
	if err != nil {
		o.log.Warn("contact lookup failed", logx.String("type", string(ev.Type)), logx.Err(err))
		eventbus.Emit(o.bus, eventbus.LookupFailed, "contacts")
		return
	}
	c := o.mailContext(ev)

	if branch.group != nil {
		to := make([]mailer.Recipient, 0, len(recipients))
		for _, id := range recipients {
			if ct, ok := contacts[id]; ok {
				to = append(to, mailer.Recipient{ID: id, Name: ct.Name(), Email: ct.Email})
			}
		}
		o.guard(ev, "", func() error { return branch.group(o.mail, ctx, to, c) }, o.emailResult)
		return
	}

	o.forEach(recipients, func(id string) {
		ct, ok := contacts[id]
		if !ok || strings.TrimSpace(ct.Email) == "" {
			o.log.Debug("email skipped: no address", logx.String("user", id))
			return
		}
		to := mailer.Recipient{ID: id, Name: ct.Name(), Email: ct.Email}
		o.guard(ev, id, func() error { return branch.single(o.mail, ctx, to, c) }, o.emailResult)
	})
}

func (o *orchestrator) emailResult(ev *Event, userID string, err error) {
	info := eventbus.DeliveryInfo{Type: string(ev.Type), UserID: userID}
	if err != nil {
		info.Err = err.Error()
		o.log.Warn("email send failed", logx.String("type", info.Type), logx.String("user", userID), logx.Err(err))
		eventbus.Emit(o.bus, eventbus.EmailFailed, info)
		return
	}
	eventbus.Emit(o.bus, eventbus.EmailSent, info)
}

func (o *orchestrator) inAppPass(ctx context.Context, ev *Event, recipients []string) {
	if o.store == nil {
		return
	}
	p := ev.policy()
	title, message, url := Title(ev), Message(ev), ActionURL(ev)
	priority := p.Priority
	if !priority.Valid() {
		priority = storage.PriorityMedium
	}

	o.forEach(recipients, func(id string) {
		n := storage.Notification{
			Title:          title,
			Message:        message,
			Type:           string(ev.Type),
			Priority:       priority,
			UserID:         id,
			OrganizationID: ev.OrganizationID,
			EntityType:     ev.EntityType,
			EntityID:       ev.EntityID,
			ActionURL:      url,
			CreatedBy:      ev.Op.Actor.ID,
		}
		o.guard(ev, id, func() error {
			_, err := o.store.Create(ctx, n)
			return err
		}, o.notificationResult)
	})
}

func (o *orchestrator) notificationResult(ev *Event, userID string, err error) {
	info := eventbus.DeliveryInfo{Type: string(ev.Type), UserID: userID}
	if err != nil {
		info.Err = err.Error()
		o.log.Warn("notification write failed", logx.String("type", info.Type), logx.String("user", userID), logx.Err(err))
		eventbus.Emit(o.bus, eventbus.NotificationFailed, info)
		return
	}
	eventbus.Emit(o.bus, eventbus.NotificationCreated, info)
}

// guard runs fn, turning a panic into an error, and reports the outcome.
func (o *orchestrator) guard(ev *Event, userID string, fn func() error, report func(*Event, string, error)) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("delivery panicked", logx.String("user", userID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
	}()
	report(ev, userID, err)
}

// forEach runs fn for every id with at most maxParallel in flight and returns
// once all have finished.
func (o *orchestrator) forEach(ids []string, fn func(id string)) {
	limit := o.maxParallel
	if limit <= 0 {
		limit = defaultMaxParallel
	}
	if limit > len(ids) {
		limit = len(ids)
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, id := range ids {
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("recipient worker panicked", logx.String("user", id), logx.Any("panic", r))
				}
			}()
			fn(id)
		}(id)
	}
	wg.Wait()
}
