package notify

import (
	"herald/internal/entity"
	"herald/internal/storage"
)

// Operation names with a built-in policy.
const (
	OpTaskCreate       = "task.create"
	OpTaskAssign       = "task.assign"
	OpTaskUpdateStatus = "task.update_status"
	OpTaskComment      = "task.comment"
	OpTaskDelete       = "task.delete"
	OpTaskDueSoon      = "task.due_soon"
	OpProjectCreate    = "project.create"
	OpProjectUpdate    = "project.update"
	OpWorkspaceInvite  = "workspace.invite"
	OpCommentMention   = "comment.mention"
	OpSystemAnnounce   = "system.announce"
)

// DefaultPolicies is the static policy table, keyed by operation name.
// Use PolicyFor to get a copy safe to modify.
var DefaultPolicies = map[string]Policy{
	OpTaskCreate: {
		Activity: &ActivityPolicy{
			Type: "TASK_CREATED", Description: "{actor} created task {entity}",
			EntityType: entity.TypeTask, IncludeNewValue: true,
		},
		Notification: &NotificationPolicy{
			Type: TypeTaskAssigned, EntityType: entity.TypeTask,
		},
	},
	OpTaskAssign: {
		Activity: &ActivityPolicy{
			Type: "TASK_ASSIGNED", Description: "{actor} assigned task {entity}",
			EntityType: entity.TypeTask, EntityIDFields: []string{"taskId", "id"},
			IncludeOldValue: true, IncludeNewValue: true,
		},
		Notification: &NotificationPolicy{
			Type: TypeTaskAssigned, EntityType: entity.TypeTask, EntityIDFields: []string{"taskId", "id"},
		},
	},
	OpTaskUpdateStatus: {
		Activity: &ActivityPolicy{
			Type: "TASK_STATUS_CHANGED", Description: "{actor} changed the status of {entity}",
			EntityType: entity.TypeTask, EntityIDFields: []string{"taskId", "id"},
			IncludeOldValue: true, IncludeNewValue: true,
		},
		Notification: &NotificationPolicy{
			Type: TypeTaskStatusChanged, EntityType: entity.TypeTask, EntityIDFields: []string{"taskId", "id"},
		},
	},
	OpTaskComment: {
		Activity: &ActivityPolicy{
			Type: "TASK_COMMENTED", Description: "{actor} commented on a task",
			EntityType: entity.TypeTaskComment, IncludeNewValue: true,
		},
		Notification: &NotificationPolicy{
			Type: TypeTaskCommented, EntityType: entity.TypeTaskComment,
		},
	},
	OpTaskDelete: {
		Activity: &ActivityPolicy{
			Type: "TASK_DELETED", Description: "{actor} deleted task {entity}",
			EntityType: entity.TypeTask, EntityIDFields: []string{"taskId", "id"}, IncludeOldValue: true,
		},
	},
	OpTaskDueSoon: {
		Notification: &NotificationPolicy{
			Type: TypeTaskDueSoon, EntityType: entity.TypeTask, EntityIDFields: []string{"taskId", "id"},
			Priority: storage.PriorityHigh,
		},
	},
	OpProjectCreate: {
		Activity: &ActivityPolicy{
			Type: "PROJECT_CREATED", Description: "{actor} created project {entity}",
			EntityType: entity.TypeProject, IncludeNewValue: true,
		},
		Notification: &NotificationPolicy{
			Type: TypeProjectCreated, EntityType: entity.TypeProject,
		},
	},
	OpProjectUpdate: {
		Activity: &ActivityPolicy{
			Type: "PROJECT_UPDATED", Description: "{actor} updated project {entity}",
			EntityType: entity.TypeProject, EntityIDFields: []string{"projectId", "id"},
			IncludeOldValue: true, IncludeNewValue: true,
		},
		Notification: &NotificationPolicy{
			Type: TypeProjectUpdated, EntityType: entity.TypeProject, EntityIDFields: []string{"projectId", "id"},
		},
	},
	OpWorkspaceInvite: {
		Activity: &ActivityPolicy{
			Type: "WORKSPACE_INVITED", Description: "{actor} sent a workspace invitation",
			EntityType: entity.TypeInvitation, IncludeNewValue: true,
		},
		Notification: &NotificationPolicy{
			Type: TypeWorkspaceInvited, EntityType: entity.TypeInvitation, Priority: storage.PriorityHigh,
		},
	},
	OpCommentMention: {
		Notification: &NotificationPolicy{
			Type: TypeMention, EntityType: entity.TypeTaskComment,
		},
	},
	OpSystemAnnounce: {
		Notification: &NotificationPolicy{
			Type: TypeSystem, Broadcast: true,
		},
	},
}

// PolicyFor returns a deep copy of the default policy for name.
func PolicyFor(name string) (Policy, bool) {
	p, ok := DefaultPolicies[name]
	if !ok {
		return Policy{}, false
	}
	var out Policy
	if p.Activity != nil {
		a := *p.Activity
		a.EntityIDFields = append([]string(nil), a.EntityIDFields...)
		out.Activity = &a
	}
	if p.Notification != nil {
		n := *p.Notification
		n.EntityIDFields = append([]string(nil), n.EntityIDFields...)
		n.RecipientIDs = append([]string(nil), n.RecipientIDs...)
		out.Notification = &n
	}
	return out, true
}
