package notify

import (
	"context"
	"reflect"
	"testing"

	"herald/internal/entity"
	logx "herald/pkg/logx"
)

func TestResolveRecipients(t *testing.T) {
	t.Parallel()
	act := &fakeActivity{
		participants: map[string][]string{"T1": {"U1", "U2", "U3"}},
		workspaces:   map[string][]string{"W1": {"U1", "U4", ""}},
		projects:     map[string][]string{"P1": {"U1", "U5", "U5"}},
		orgMembers:   map[string][]string{"O1": {"U1", "U6"}},
	}
	r := NewRecipientResolver(act, logx.Nop(), nil)

	tests := []struct {
		name string
		ev   Event
		want []string
	}{
		{
			name: "assigned unions request and result, keeps actor",
			ev: Event{
				Type: TypeTaskAssigned, EntityType: entity.TypeTask, EntityID: "T1",
				Op: Operation{
					Actor:   Actor{ID: "U1"},
					Request: Snapshot{"assigneeIds": []any{"U1", "U2"}},
					Result:  Snapshot{"assignees": []any{map[string]any{"id": "U3"}, map[string]any{"id": "U2"}}, "assigneeId": "U7"},
				},
			},
			want: []string{"U1", "U2", "U7", "U3"},
		},
		{
			name: "status change drops actor",
			ev:   Event{Type: TypeTaskStatusChanged, EntityType: entity.TypeTask, EntityID: "T1", Op: Operation{Actor: Actor{ID: "U2"}}},
			want: []string{"U1", "U3"},
		},
		{
			name: "comment resolves task through taskId",
			ev: Event{
				Type: TypeTaskCommented, EntityType: entity.TypeTaskComment, EntityID: "C1",
				Op: Operation{Actor: Actor{ID: "U3"}, Request: Snapshot{"taskId": "T1"}},
			},
			want: []string{"U1", "U2"},
		},
		{
			name: "comment resolves task through preview parent",
			ev: Event{
				Type: TypeTaskCommented, EntityType: entity.TypeTaskComment, EntityID: "C1",
				Preview: &entity.Preview{ID: "C1", Type: entity.TypeTaskComment, Parent: &entity.Ref{ID: "T1", Type: entity.TypeTask}},
				Op:      Operation{Actor: Actor{ID: "U1"}},
			},
			want: []string{"U2", "U3"},
		},
		{
			name: "due soon keeps everyone",
			ev:   Event{Type: TypeTaskDueSoon, EntityType: entity.TypeTask, EntityID: "T1", Op: Operation{Actor: Actor{ID: "U1"}}},
			want: []string{"U1", "U2", "U3"},
		},
		{
			name: "project created goes to workspace",
			ev: Event{
				Type: TypeProjectCreated, EntityType: entity.TypeProject, EntityID: "P9",
				Op: Operation{Actor: Actor{ID: "U1"}, Result: Snapshot{"workspaceId": "W1"}},
			},
			want: []string{"U4"},
		},
		{
			name: "project updated goes to project members",
			ev:   Event{Type: TypeProjectUpdated, EntityType: entity.TypeProject, EntityID: "P1", Op: Operation{Actor: Actor{ID: "U1"}}},
			want: []string{"U5"},
		},
		{
			name: "invitation targets invitee only",
			ev: Event{
				Type: TypeWorkspaceInvited, EntityType: entity.TypeInvitation, EntityID: "I1",
				Op: Operation{Actor: Actor{ID: "U1"}, Request: Snapshot{"invitedUserId": "U1"}},
			},
			want: []string{"U1"},
		},
		{
			name: "mention keeps actor",
			ev: Event{
				Type: TypeMention,
				Op:   Operation{Actor: Actor{ID: "U1"}, Request: Snapshot{"mentionedUserIds": []any{"U1", "U8", "U8"}}},
			},
			want: []string{"U1", "U8"},
		},
		{
			name: "system broadcast",
			ev: Event{
				Type: TypeSystem, OrganizationID: "O1",
				Op: Operation{Actor: Actor{ID: "U1"}, Policy: Policy{Notification: &NotificationPolicy{Type: TypeSystem, Broadcast: true, RecipientID: "U9"}}},
			},
			want: []string{"U9", "U6"},
		},
		{
			name: "system without broadcast uses explicit recipient",
			ev: Event{
				Type: TypeSystem, OrganizationID: "O1",
				Op: Operation{Actor: Actor{ID: "U1"}, Policy: Policy{Notification: &NotificationPolicy{Type: TypeSystem, RecipientID: "U9"}}},
			},
			want: []string{"U9"},
		},
		{
			name: "custom type uses overrides and drops actor",
			ev: Event{
				Type: "BUDGET_EXCEEDED",
				Op: Operation{
					Actor:  Actor{ID: "U1"},
					Result: Snapshot{"recipientIds": []any{"U1", "U2", " "}},
					Policy: Policy{Notification: &NotificationPolicy{Type: "BUDGET_EXCEEDED", RecipientIDs: []string{"U3", "U2"}}},
				},
			},
			want: []string{"U3", "U2"},
		},
		{
			name: "missing entity yields nobody",
			ev:   Event{Type: TypeProjectUpdated, EntityType: entity.TypeProject, Op: Operation{Actor: Actor{ID: "U1"}}},
			want: []string{},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := r.Resolve(context.Background(), &tc.ev)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveWithoutMembershipSource(t *testing.T) {
	t.Parallel()
	r := NewRecipientResolver(nil, logx.Nop(), nil)
	got := r.Resolve(context.Background(), &Event{Type: TypeTaskStatusChanged, EntityType: entity.TypeTask, EntityID: "T1"})
	if len(got) != 0 {
		t.Fatalf("got %v", got)
	}
}
