package notify

import (
	"context"
	"strings"

	"herald/internal/entity"
	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

// recipientRule produces the raw recipients for one event type.
type recipientRule func(ctx context.Context, ev *Event) []string

// selfNotify lists the types that reach the actor too.
var selfNotify = map[Type]bool{
	TypeTaskAssigned:     true,
	TypeWorkspaceInvited: true,
	TypeMention:          true,
	TypeTaskDueSoon:      true,
}

// RecipientResolver maps an event to its deduplicated recipient set.
type RecipientResolver struct {
	members ActivityLog
	log     logx.Logger
	bus     eventbus.Bus
	rules   map[Type]recipientRule
}

func NewRecipientResolver(members ActivityLog, log logx.Logger, bus eventbus.Bus) *RecipientResolver {
	r := &RecipientResolver{members: members, log: log, bus: bus}
	r.rules = map[Type]recipientRule{
		TypeTaskAssigned:      r.assignees,
		TypeTaskStatusChanged: r.taskParticipants,
		TypeTaskCommented:     r.taskParticipants,
		TypeTaskDueSoon:       r.taskParticipants,
		TypeProjectCreated:    r.workspaceMembers,
		TypeProjectUpdated:    r.projectMembers,
		TypeWorkspaceInvited:  r.invitee,
		TypeMention:           r.mentioned,
		TypeSystem:            r.system,
	}
	return r
}

// Resolve returns the recipients of ev in first-seen order, without empty or
// duplicate ids. The actor is removed unless ev's type notifies the actor too.
func (r *RecipientResolver) Resolve(ctx context.Context, ev *Event) []string {
	rule, ok := r.rules[ev.Type]
	if !ok {
		rule = r.explicit
	}
	raw := rule(ctx, ev)

	exclude := ""
	if !selfNotify[ev.Type] {
		exclude = strings.TrimSpace(ev.Op.Actor.ID)
	}
	return dedupe(raw, exclude)
}

func dedupe(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || (exclude != "" && id == exclude) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// lookup runs one membership query. Failures are logged and contribute nothing.
func (r *RecipientResolver) lookup(ctx context.Context, kind, id string, fn func(ActivityLog, context.Context, string) ([]string, error)) []string {
	if id == "" || r.members == nil {
		return nil
	}
	ids, err := fn(r.members, ctx, id)
	if err != nil {
		r.log.Warn("membership lookup failed", logx.String("lookup", kind), logx.String("id", id), logx.Err(err))
		eventbus.Emit(r.bus, eventbus.LookupFailed, kind)
		return nil
	}
	return ids
}

func (r *RecipientResolver) assignees(_ context.Context, ev *Event) []string {
	var out []string
	for _, s := range []Snapshot{ev.Op.Request, ev.Op.Result} {
		out = append(out, s.IDs("assigneeIds")...)
		out = append(out, s.IDs("assigneeId")...)
		out = append(out, s.IDs("assignees")...)
	}
	return out
}

// taskID is the event's task: the entity itself, or a taskId field for
// events anchored on a comment or attachment.
func taskID(ev *Event) string {
	if ev.EntityType == entity.TypeTask && ev.EntityID != "" {
		return ev.EntityID
	}
	if ev.Preview != nil && ev.Preview.Parent != nil && ev.Preview.Parent.Type == entity.TypeTask {
		return ev.Preview.Parent.ID
	}
	if id := firstString([]string{"taskId", "task.id"}, ev.Op.Result, ev.Op.Request); id != "" {
		return id
	}
	if ev.EntityType == "" {
		return ev.EntityID
	}
	return ""
}

func (r *RecipientResolver) taskParticipants(ctx context.Context, ev *Event) []string {
	return r.lookup(ctx, "task_participants", taskID(ev), ActivityLog.TaskParticipants)
}

func (r *RecipientResolver) workspaceMembers(ctx context.Context, ev *Event) []string {
	ws := firstString([]string{"workspaceId", "workspace.id"}, ev.Op.Result, ev.Op.Request)
	return r.lookup(ctx, "workspace_members", ws, ActivityLog.WorkspaceMembers)
}

func (r *RecipientResolver) projectMembers(ctx context.Context, ev *Event) []string {
	id := ""
	if ev.EntityType == entity.TypeProject || ev.EntityType == "" {
		id = ev.EntityID
	}
	if id == "" {
		id = firstString([]string{"projectId", "project.id"}, ev.Op.Result, ev.Op.Request)
	}
	return r.lookup(ctx, "project_members", id, ActivityLog.ProjectMembers)
}

func (r *RecipientResolver) invitee(_ context.Context, ev *Event) []string {
	id := firstString([]string{"invitedUserId", "inviteeId", "userId"}, ev.Op.Result, ev.Op.Request)
	if id == "" {
		return nil
	}
	return []string{id}
}

func (r *RecipientResolver) mentioned(_ context.Context, ev *Event) []string {
	return append(ev.Op.Request.IDs("mentionedUserIds"), ev.Op.Result.IDs("mentionedUserIds")...)
}

func (r *RecipientResolver) system(ctx context.Context, ev *Event) []string {
	out := r.explicit(ctx, ev)
	if ev.policy().Broadcast {
		out = append(out, r.lookup(ctx, "organization_members", ev.OrganizationID, ActivityLog.OrganizationMembers)...)
	}
	return out
}

// explicit collects the policy overrides plus recipientId/recipientIds fields.
func (r *RecipientResolver) explicit(_ context.Context, ev *Event) []string {
	p := ev.policy()
	out := make([]string, 0, 1+len(p.RecipientIDs))
	out = append(out, p.RecipientID)
	out = append(out, p.RecipientIDs...)
	for _, s := range []Snapshot{ev.Op.Result, ev.Op.Request} {
		out = append(out, s.IDs("recipientId")...)
		out = append(out, s.IDs("recipientIds")...)
	}
	return out
}
