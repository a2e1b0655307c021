package entity

import "strings"

// Entity type tags used across notifications, activity entries and action urls.
const (
	TypeTask           = "task"
	TypeTaskComment    = "task-comment"
	TypeProject        = "project"
	TypeWorkspace      = "workspace"
	TypeOrganization   = "organization"
	TypeSprint         = "sprint"
	TypeInvitation     = "invitation"
	TypeTaskAttachment = "task-attachment"
	TypeUser           = "user"
)

// NormalizeType folds an entity type tag to the lowercase form the constants use.
func NormalizeType(t string) string { return strings.ToLower(strings.TrimSpace(t)) }

// Preview is a lightweight projection of a referenced domain object, used to
// enrich notification text and listings.
type Preview struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Slug   string         `json:"slug,omitempty"`
	Parent *Ref           `json:"parent,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// Ref points at the owning object of a Preview.
type Ref struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}
