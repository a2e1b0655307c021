package storage

import (
	"errors"
	"time"

	"herald/internal/entity"
)

var (
	ErrNotFound        = errors.New("notification not found")
	ErrInvalidPage     = errors.New("page must be >= 1")
	ErrMissingUser     = errors.New("notification user id is required")
	ErrInvalidPriority = errors.New("invalid notification priority")
)

const (
	MaxLimit = 100

	// RecentWindow bounds Stats.Recent and Recent().
	RecentWindow = 7 * 24 * time.Hour
)

// Config configures the database.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": private in-memory SQLite database (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Notification is one persisted in-app notification addressed to UserID.
// Empty optional strings are stored as NULL.
type Notification struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Type           string     `json:"type"`
	Priority       Priority   `json:"priority"`
	UserID         string     `json:"userId"`
	OrganizationID string     `json:"organizationId,omitempty"`
	EntityType     string     `json:"entityType,omitempty"`
	EntityID       string     `json:"entityId,omitempty"`
	ActionURL      string     `json:"actionUrl,omitempty"`
	CreatedBy      string     `json:"createdBy,omitempty"`
	IsRead         bool       `json:"isRead"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Filter narrows list queries. Zero fields do not filter.
type Filter struct {
	IsRead         *bool
	Type           string
	OrganizationID string
	From           time.Time
	To             time.Time
}

type Pagination struct {
	CurrentPage int  `json:"currentPage"`
	Limit       int  `json:"limit"`
	TotalPages  int  `json:"totalPages"`
	TotalCount  int  `json:"totalCount"`
	HasNextPage bool `json:"hasNextPage"`
	HasPrevPage bool `json:"hasPrevPage"`
}

type Page struct {
	Items      []Notification `json:"items"`
	Pagination Pagination     `json:"pagination"`
}

type Stats struct {
	Total  int            `json:"total"`
	Unread int            `json:"unread"`
	Read   int            `json:"read"`
	Recent int            `json:"recent"`
	ByType map[string]int `json:"byType"`
}

type Summary struct {
	Total      int            `json:"total"`
	Unread     int            `json:"unread"`
	ByType     map[string]int `json:"byType"`
	ByPriority map[string]int `json:"byPriority"`
}

// EnrichedNotification carries the entity preview next to the row; Entity is
// nil when the referenced object cannot be resolved.
type EnrichedNotification struct {
	Notification
	Entity *entity.Preview `json:"entity"`
}

type OrgPage struct {
	Items      []EnrichedNotification `json:"items"`
	Summary    Summary                `json:"summary"`
	Pagination Pagination             `json:"pagination"`
}
