package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"herald/internal/entity"
	"herald/internal/eventbus"
	"herald/internal/mailer"
	"herald/internal/runtime/supervisor"
	logx "herald/pkg/logx"
)

// Deps are the dispatcher's collaborators. Any of them may be nil; the
// matching stage is then skipped.
type Deps struct {
	Activity  ActivityLog
	Directory Directory
	Previews  Previewer
	Store     NotificationWriter
	Mailer    mailer.Mailer
	Logger    logx.Logger
	Bus       eventbus.Bus
}

type Option func(*Dispatcher)

// WithMaxParallel bounds the per-recipient fan-out of one event.
func WithMaxParallel(n int) Option { return func(d *Dispatcher) { d.out.maxParallel = n } }

// WithBaseURL prefixes action URLs in emails.
func WithBaseURL(u string) Option { return func(d *Dispatcher) { d.out.baseURL = u } }

func WithSupervisor(s *supervisor.Supervisor) Option { return func(d *Dispatcher) { d.sup = s } }

func WithTracer(t trace.Tracer) Option { return func(d *Dispatcher) { d.tracer = t } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// Dispatcher runs the activity + notification pipeline for completed
// operations.
type Dispatcher struct {
	activity ActivityLog
	members  MembershipInvalidator
	previews Previewer
	recips   *RecipientResolver
	out      *orchestrator
	log      logx.Logger
	bus      eventbus.Bus
	sup      *supervisor.Supervisor
	tracer   trace.Tracer
	now      func() time.Time
}

func New(deps Deps, opts ...Option) *Dispatcher {
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "dispatch"))

	d := &Dispatcher{
		activity: deps.Activity,
		previews: deps.Previews,
		recips:   NewRecipientResolver(deps.Activity, log, deps.Bus),
		out: &orchestrator{
			mail:  deps.Mailer,
			dir:   deps.Directory,
			store: deps.Store,
			log:   log,
			bus:   deps.Bus,
		},
		log: log,
		bus: deps.Bus,
		now: time.Now,
	}
	if inv, ok := deps.Activity.(MembershipInvalidator); ok {
		d.members = inv
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	if d.sup == nil {
		d.sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("herald/notify")
	}
	return d
}

// Trigger schedules op and returns immediately. The pipeline runs detached
// from ctx's cancellation; nothing it does is reported back to the caller.
func (d *Dispatcher) Trigger(ctx context.Context, op Operation) {
	if op.Policy.Empty() {
		eventbus.Emit(d.bus, eventbus.DispatchSkipped, eventbus.DispatchInfo{Operation: op.Name})
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.sup.GoDetached(context.WithoutCancel(ctx), "dispatch."+op.Name, func(ctx context.Context) {
		d.run(ctx, op)
	})
}

// Dispatch runs the pipeline on the calling goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, op Operation) {
	if op.Policy.Empty() {
		eventbus.Emit(d.bus, eventbus.DispatchSkipped, eventbus.DispatchInfo{Operation: op.Name})
		return
	}
	d.run(ctx, op)
}

// Wait blocks until every triggered dispatch has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	return d.sup.Wait(ctx)
}

func (d *Dispatcher) run(ctx context.Context, op Operation) {
	start := time.Now()
	info := eventbus.DispatchInfo{Operation: op.Name}
	if n := op.Policy.Notification; n != nil {
		info.Type = string(n.Type)
	}

	ctx, span := d.tracer.Start(ctx, "dispatch "+op.Name, trace.WithAttributes(
		attribute.String("herald.operation", op.Name),
		attribute.String("herald.type", info.Type),
		attribute.String("herald.actor", op.Actor.ID),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch panicked", logx.String("op", op.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			span.SetStatus(codes.Error, fmt.Sprint(r))
			info.Duration = time.Since(start)
			eventbus.Emit(d.bus, eventbus.DispatchPanicked, info)
		}
	}()

	eventbus.Emit(d.bus, eventbus.DispatchStarted, info)

	d.invalidateMembership(ctx, op)
	orgID := d.organizationScope(ctx, op)
	if op.Policy.Activity != nil {
		d.logActivity(ctx, op, orgID)
	}
	if op.Policy.Notification != nil {
		ev := d.resolve(ctx, op, orgID)
		recipients := d.recips.Resolve(ctx, ev)
		info.Recipients = len(recipients)
		span.SetAttributes(attribute.Int("herald.recipients", len(recipients)))
		d.log.Debug("dispatching",
			logx.String("op", op.Name),
			logx.String("type", string(ev.Type)),
			logx.String("entity", ev.EntityID),
			logx.Strs("recipients", recipients),
		)
		d.out.deliver(ctx, ev, recipients)
	}

	info.Duration = time.Since(start)
	eventbus.Emit(d.bus, eventbus.DispatchFinished, info)
}

// membershipChanges names the cached membership each operation can change and
// the snapshot fields carrying its ID.
var membershipChanges = map[string]struct {
	kind   string
	fields []string
}{
	OpTaskCreate:      {"task", []string{"taskId", "id"}},
	OpTaskAssign:      {"task", []string{"taskId", "id"}},
	OpTaskDelete:      {"task", []string{"taskId", "id"}},
	OpProjectCreate:   {"project", []string{"projectId", "id"}},
	OpProjectUpdate:   {"project", []string{"projectId", "id"}},
	OpWorkspaceInvite: {"workspace", []string{"workspaceId"}},
}

// invalidateMembership drops the cached membership op just changed so this
// dispatch and later ones resolve recipients from the directory.
func (d *Dispatcher) invalidateMembership(ctx context.Context, op Operation) {
	if d.members == nil {
		return
	}
	c, ok := membershipChanges[op.Name]
	if !ok {
		return
	}
	id := firstString(c.fields, op.Result, op.Request)
	if id == "" {
		return
	}
	key := c.kind + ":" + id
	if err := d.members.Invalidate(ctx, key); err != nil {
		d.log.Warn("membership cache invalidation failed", logx.String("key", key), logx.Err(err))
	}
}

// organizationScope is the explicit scope, else the organization owning the
// operation's entity. Lookup failures leave it unset.
func (d *Dispatcher) organizationScope(ctx context.Context, op Operation) string {
	if id := strings.TrimSpace(op.OrganizationID); id != "" {
		return id
	}
	if d.activity == nil {
		return ""
	}
	type ref struct{ typ, id string }
	var refs []ref
	if n := op.Policy.Notification; n != nil {
		refs = append(refs, ref{entity.NormalizeType(n.EntityType), ExtractEntityID(n.EntityIDFields, op.Result, op.Request)})
	}
	if a := op.Policy.Activity; a != nil {
		refs = append(refs, ref{entity.NormalizeType(a.EntityType), ExtractEntityID(a.EntityIDFields, op.Result, op.Request)})
	}
	for _, r := range refs {
		if r.id == "" || r.typ == "" {
			continue
		}
		org, err := d.activity.OrganizationIDFromEntity(ctx, r.typ, r.id)
		if err != nil {
			d.log.Warn("organization lookup failed", logx.String("entity_type", r.typ), logx.String("entity", r.id), logx.Err(err))
			eventbus.Emit(d.bus, eventbus.LookupFailed, "organization")
			continue
		}
		if org != "" {
			return org
		}
	}
	return ""
}

func (d *Dispatcher) resolve(ctx context.Context, op Operation, orgID string) *Event {
	p := op.Policy.Notification
	ev := &Event{
		Op:             op,
		Type:           p.Type,
		EntityType:     entity.NormalizeType(p.EntityType),
		EntityID:       ExtractEntityID(p.EntityIDFields, op.Result, op.Request),
		OrganizationID: orgID,
	}
	if d.previews != nil && ev.EntityID != "" && ev.EntityType != "" {
		ev.Preview = d.previews.Resolve(ctx, ev.EntityType, ev.EntityID)
	}
	return ev
}

func (d *Dispatcher) logActivity(ctx context.Context, op Operation, orgID string) {
	if d.activity == nil {
		return
	}
	a := op.Policy.Activity
	entityID := ExtractEntityID(a.EntityIDFields, op.Result, op.Request)
	e := ActivityEntry{
		Type:           a.Type,
		EntityType:     entity.NormalizeType(a.EntityType),
		EntityID:       entityID,
		UserID:         op.Actor.ID,
		OrganizationID: orgID,
		CreatedAt:      d.now(),
	}
	e.Description = strings.NewReplacer(
		"{actor}", op.Actor.Name(),
		"{entity}", firstString([]string{"title", "name"}, op.Result, op.Request),
	).Replace(a.Description)
	if a.IncludeOldValue {
		e.OldValue = snapshotJSON(op.Request)
	}
	if a.IncludeNewValue {
		e.NewValue = snapshotJSON(op.Result)
	}

	if err := d.activity.LogActivity(ctx, e); err != nil {
		d.log.Warn("activity log failed", logx.String("op", op.Name), logx.String("type", a.Type), logx.Err(err))
		eventbus.Emit(d.bus, eventbus.ActivityFailed, a.Type)
		return
	}
	eventbus.Emit(d.bus, eventbus.ActivityLogged, a.Type)
}

func snapshotJSON(s Snapshot) json.RawMessage {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return b
}
