package notify

import (
	"fmt"
	"strings"

	"herald/internal/entity"
)

// text builds a default title or message from the actor name and entity title.
type text func(actor, title string) string

type textTemplate struct {
	title   string
	message text
}

var defaultTexts = map[Type]textTemplate{
	TypeTaskAssigned: {"Task Assigned", func(a, t string) string {
		return fmt.Sprintf("%s assigned you to task \"%s\"", a, t)
	}},
	TypeTaskStatusChanged: {"Task Status Updated", func(a, t string) string {
		return fmt.Sprintf("%s changed the status of task \"%s\"", a, t)
	}},
	TypeTaskCommented: {"New Comment", func(a, t string) string {
		return fmt.Sprintf("%s commented on task \"%s\"", a, t)
	}},
	TypeTaskDueSoon: {"Task Due Soon", func(_, t string) string {
		return fmt.Sprintf("Task \"%s\" is due soon", t)
	}},
	TypeProjectCreated: {"New Project", func(a, t string) string {
		return fmt.Sprintf("%s created project \"%s\"", a, t)
	}},
	TypeProjectUpdated: {"Project Updated", func(a, t string) string {
		return fmt.Sprintf("%s updated project \"%s\"", a, t)
	}},
	TypeWorkspaceInvited: {"Workspace Invitation", func(a, t string) string {
		return fmt.Sprintf("%s invited you to join workspace \"%s\"", a, t)
	}},
	TypeMention: {"You were mentioned", func(a, t string) string {
		return fmt.Sprintf("%s mentioned you in \"%s\"", a, t)
	}},
	TypeSystem: {"System Notification", func(_, _ string) string {
		return "You have a new system notification"
	}},
}

var genericText = textTemplate{"New Activity", func(a, _ string) string {
	return a + " performed an action"
}}

// actionPaths maps an entity type to its in-app route.
var actionPaths = map[string]func(id string) string{
	entity.TypeTask:         func(id string) string { return "/tasks/" + id },
	entity.TypeProject:      func(id string) string { return "/projects/" + id },
	entity.TypeWorkspace:    func(id string) string { return "/workspaces/" + id },
	entity.TypeTaskComment:  func(id string) string { return "/tasks/" + id + "#comments" },
	entity.TypeUser:         func(id string) string { return "/users/" + id },
	entity.TypeOrganization: func(id string) string { return "/organizations/" + id },
}

// entityTitle is the name shown in texts. Invitations show their workspace.
func entityTitle(ev *Event) string {
	p := ev.Preview
	if p == nil {
		if n := firstString([]string{"title", "name"}, ev.Op.Result, ev.Op.Request); n != "" {
			return n
		}
		return "an item"
	}
	if p.Type == entity.TypeInvitation && p.Parent != nil && p.Parent.Name != "" {
		return p.Parent.Name
	}
	if p.Type == entity.TypeTaskComment && p.Parent != nil && p.Parent.Name != "" {
		return p.Parent.Name
	}
	if p.Name != "" {
		return p.Name
	}
	return "an item"
}

func parentName(ev *Event) string {
	if ev.Preview != nil && ev.Preview.Parent != nil {
		return ev.Preview.Parent.Name
	}
	return ""
}

// Title is the policy title, else the type default.
func Title(ev *Event) string {
	if t := strings.TrimSpace(ev.policy().Title); t != "" {
		return interpolate(t, ev)
	}
	if tt, ok := defaultTexts[ev.Type]; ok {
		return tt.title
	}
	return genericText.title
}

// Message is the policy message, else the type default.
func Message(ev *Event) string {
	if m := strings.TrimSpace(ev.policy().Message); m != "" {
		return interpolate(m, ev)
	}
	tt, ok := defaultTexts[ev.Type]
	if !ok {
		tt = genericText
	}
	return tt.message(ev.Op.Actor.Name(), entityTitle(ev))
}

// ActionURL is the policy URL, else the route for the event's entity.
func ActionURL(ev *Event) string {
	if u := strings.TrimSpace(ev.policy().ActionURL); u != "" {
		return u
	}
	if ev.EntityID == "" {
		return "/"
	}
	path, ok := actionPaths[ev.EntityType]
	if !ok {
		return "/"
	}
	id := ev.EntityID
	if ev.EntityType == entity.TypeTaskComment {
		if t := taskID(ev); t != "" {
			id = t
		}
	}
	return path(id)
}

func interpolate(s string, ev *Event) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return strings.NewReplacer(
		"{actor}", ev.Op.Actor.Name(),
		"{entity}", entityTitle(ev),
		"{title}", entityTitle(ev),
	).Replace(s)
}
