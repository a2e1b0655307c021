package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"herald/internal/entity"
	"herald/internal/storage"
)

// Type is a notification type. The built-in set drives recipient rules,
// default texts and email branches; any other value is a custom type.
type Type string

const (
	TypeTaskAssigned      Type = "TASK_ASSIGNED"
	TypeTaskStatusChanged Type = "TASK_STATUS_CHANGED"
	TypeTaskCommented     Type = "TASK_COMMENTED"
	TypeTaskDueSoon       Type = "TASK_DUE_SOON"
	TypeProjectCreated    Type = "PROJECT_CREATED"
	TypeProjectUpdated    Type = "PROJECT_UPDATED"
	TypeWorkspaceInvited  Type = "WORKSPACE_INVITED"
	TypeMention           Type = "MENTION"
	TypeSystem            Type = "SYSTEM"
)

// Actor is the user who performed the operation. Scheduler-originated events
// have a zero Actor.
type Actor struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Name is the display name used in notification texts.
func (a Actor) Name() string {
	if n := strings.TrimSpace(strings.TrimSpace(a.FirstName) + " " + strings.TrimSpace(a.LastName)); n != "" {
		return n
	}
	if e := strings.TrimSpace(a.Email); e != "" {
		return e
	}
	return "Someone"
}

// Snapshot is a decoded JSON object: the merged request body/params/query, or
// the operation's result.
type Snapshot map[string]any

// ActivityPolicy describes the activity log entry written for an operation.
// Description may reference {actor} and {entity}.
type ActivityPolicy struct {
	Type            string   `json:"type"`
	Description     string   `json:"description"`
	EntityType      string   `json:"entityType"`
	EntityIDFields  []string `json:"entityIdFields,omitempty"`
	IncludeOldValue bool     `json:"includeOldValue,omitempty"`
	IncludeNewValue bool     `json:"includeNewValue,omitempty"`
}

// NotificationPolicy describes the notifications sent for an operation.
// Empty optional fields fall back to the per-type defaults.
type NotificationPolicy struct {
	Type           Type             `json:"type"`
	EntityType     string           `json:"entityType"`
	EntityIDFields []string         `json:"entityIdFields,omitempty"`
	Title          string           `json:"title,omitempty"`
	Message        string           `json:"message,omitempty"`
	ActionURL      string           `json:"actionUrl,omitempty"`
	Priority       storage.Priority `json:"priority,omitempty"`
	RecipientID    string           `json:"recipientId,omitempty"`
	RecipientIDs   []string         `json:"recipientIds,omitempty"`
	Broadcast      bool             `json:"broadcast,omitempty"`
}

// Policy is attached statically to an operation. Either half may be nil.
type Policy struct {
	Activity     *ActivityPolicy     `json:"activity,omitempty"`
	Notification *NotificationPolicy `json:"notification,omitempty"`
}

func (p Policy) Empty() bool { return p.Activity == nil && p.Notification == nil }

// Operation is what a call site hands to the dispatcher once the business
// operation has completed.
type Operation struct {
	Name           string   `json:"name"`
	Actor          Actor    `json:"actor"`
	OrganizationID string   `json:"organizationId,omitempty"`
	Request        Snapshot `json:"request,omitempty"`
	Result         Snapshot `json:"result,omitempty"`
	Policy         Policy   `json:"policy"`
}

// Event is an Operation with its entity and organization scope resolved.
type Event struct {
	Op             Operation
	Type           Type
	EntityType     string
	EntityID       string
	OrganizationID string
	Preview        *entity.Preview
}

func (e *Event) policy() *NotificationPolicy {
	if e.Op.Policy.Notification == nil {
		return &NotificationPolicy{}
	}
	return e.Op.Policy.Notification
}

// ActivityEntry is one row of the activity log.
type ActivityEntry struct {
	Type           string
	Description    string
	EntityType     string
	EntityID       string
	UserID         string
	OrganizationID string
	OldValue       json.RawMessage
	NewValue       json.RawMessage
	CreatedAt      time.Time
}

// ActivityLog is the activity log plus the membership lookups recipient
// rules depend on. Lookups return an error on failure; the dispatcher turns
// that into an empty contribution.
type ActivityLog interface {
	LogActivity(ctx context.Context, e ActivityEntry) error
	OrganizationIDFromEntity(ctx context.Context, entityType, entityID string) (string, error)
	TaskParticipants(ctx context.Context, taskID string) ([]string, error)
	WorkspaceMembers(ctx context.Context, workspaceID string) ([]string, error)
	ProjectMembers(ctx context.Context, projectID string) ([]string, error)
	OrganizationMembers(ctx context.Context, organizationID string) ([]string, error)
}

// MembershipInvalidator is implemented by membership caches. Keys have the
// form "task:<id>", "project:<id>", "workspace:<id>" or "organization:<id>".
type MembershipInvalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// Contact is a user's display name and email address.
type Contact struct {
	ID        string `json:"id" db:"id"`
	FirstName string `json:"firstName" db:"first_name"`
	LastName  string `json:"lastName" db:"last_name"`
	Email     string `json:"email" db:"email"`
}

func (c Contact) Name() string {
	return Actor{FirstName: c.FirstName, LastName: c.LastName, Email: c.Email}.Name()
}

// Directory resolves contact details for email delivery.
type Directory interface {
	Contacts(ctx context.Context, userIDs []string) (map[string]Contact, error)
}

// Previewer resolves entity previews. Misses are nil.
type Previewer interface {
	Resolve(ctx context.Context, entityType, entityID string) *entity.Preview
}

// NotificationWriter persists in-app notifications.
type NotificationWriter interface {
	Create(ctx context.Context, n storage.Notification) (storage.Notification, error)
}
