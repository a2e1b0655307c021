package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"herald/internal/entity"
	logx "herald/pkg/logx"
)

// Previewer resolves entity previews for ListByUserAndOrganization.
type Previewer interface {
	Resolve(ctx context.Context, entityType, entityID string) *entity.Preview
}

// NotificationStore is the notification table's query engine. Every read and
// write is scoped to the owning user.
type NotificationStore struct {
	db       *DB
	log      logx.Logger
	previews Previewer
	now      func() time.Time
}

type StoreOption func(*NotificationStore)

func WithPreviewer(p Previewer) StoreOption {
	return func(s *NotificationStore) { s.previews = p }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *NotificationStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewNotificationStore(db *DB, log logx.Logger, opts ...StoreOption) *NotificationStore {
	s := &NotificationStore{db: db, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

const notificationColumns = `id, title, message, type, priority, user_id, organization_id,
	entity_type, entity_id, action_url, created_by, is_read, read_at, created_at`

type notificationRow struct {
	ID             string         `db:"id"`
	Title          string         `db:"title"`
	Message        string         `db:"message"`
	Type           string         `db:"type"`
	Priority       string         `db:"priority"`
	UserID         string         `db:"user_id"`
	OrganizationID sql.NullString `db:"organization_id"`
	EntityType     sql.NullString `db:"entity_type"`
	EntityID       sql.NullString `db:"entity_id"`
	ActionURL      sql.NullString `db:"action_url"`
	CreatedBy      sql.NullString `db:"created_by"`
	IsRead         bool           `db:"is_read"`
	ReadAt         sql.NullInt64  `db:"read_at"`
	CreatedAt      int64          `db:"created_at"`
}

func (r notificationRow) toModel() Notification {
	n := Notification{
		ID:             r.ID,
		Title:          r.Title,
		Message:        r.Message,
		Type:           r.Type,
		Priority:       Priority(r.Priority),
		UserID:         r.UserID,
		OrganizationID: r.OrganizationID.String,
		EntityType:     r.EntityType.String,
		EntityID:       r.EntityID.String,
		ActionURL:      r.ActionURL.String,
		CreatedBy:      r.CreatedBy.String,
		IsRead:         r.IsRead,
		CreatedAt:      time.UnixMilli(r.CreatedAt),
	}
	if r.ReadAt.Valid {
		t := time.UnixMilli(r.ReadAt.Int64)
		n.ReadAt = &t
	}
	return n
}

func toModels(rows []notificationRow) []Notification {
	out := make([]Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

// NormalizePagination clamps limit to [1,MaxLimit] and floors page to 1.
func NormalizePagination(page, limit int) (int, int) {
	return max(page, 1), min(max(limit, 1), MaxLimit)
}

func paginate(page, limit, total int) Pagination {
	pages := 0
	if total > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{
		CurrentPage: page,
		Limit:       limit,
		TotalPages:  pages,
		TotalCount:  total,
		HasNextPage: page < pages,
		HasPrevPage: page > 1,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func whereFor(userID string, f Filter) (string, []any) {
	clauses := []string{"user_id = ?"}
	args := []any{userID}
	if f.IsRead != nil {
		clauses = append(clauses, "is_read = ?")
		args = append(args, boolInt(*f.IsRead))
	}
	if t := strings.TrimSpace(f.Type); t != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, t)
	}
	if org := strings.TrimSpace(f.OrganizationID); org != "" {
		clauses = append(clauses, "organization_id = ?")
		args = append(args, org)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.To.UnixMilli())
	}
	return strings.Join(clauses, " AND "), args
}

// scopeWhere restricts to userID and, when orgID is set, to that organization.
func scopeWhere(userID, orgID string) (string, []any) {
	return whereFor(userID, Filter{OrganizationID: orgID})
}

// Create inserts n. Missing id, priority and creation time are filled in and
// the stored row is returned.
func (s *NotificationStore) Create(ctx context.Context, n Notification) (Notification, error) {
	if strings.TrimSpace(n.UserID) == "" {
		return Notification{}, ErrMissingUser
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if !n.Priority.Valid() {
		return Notification{}, fmt.Errorf("%w: %q", ErrInvalidPriority, n.Priority)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.IsRead = false
	n.ReadAt = nil

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, title, message, type, priority, user_id, organization_id,
			entity_type, entity_id, action_url, created_by, is_read, read_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,0,NULL,?)`,
		n.ID, n.Title, n.Message, n.Type, string(n.Priority), n.UserID, nullStr(n.OrganizationID),
		nullStr(n.EntityType), nullStr(n.EntityID), nullStr(n.ActionURL), nullStr(n.CreatedBy),
		n.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Notification{}, fmt.Errorf("inserting notification: %w", err)
	}
	return n, nil
}

// Get returns the notification id owned by userID.
func (s *NotificationStore) Get(ctx context.Context, id, userID string) (Notification, error) {
	var r notificationRow
	err := s.db.GetContext(ctx, &r,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ? AND user_id = ?`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, fmt.Errorf("getting notification: %w", err)
	}
	return r.toModel(), nil
}

func (s *NotificationStore) count(ctx context.Context, where string, args []any) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM notifications WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("counting notifications: %w", err)
	}
	return n, nil
}

func (s *NotificationStore) list(ctx context.Context, userID string, f Filter, page, limit int) ([]Notification, Pagination, error) {
	where, args := whereFor(userID, f)
	total, err := s.count(ctx, where, args)
	if err != nil {
		return nil, Pagination{}, err
	}

	order := "created_at DESC, rowid DESC"
	if strings.TrimSpace(f.OrganizationID) != "" {
		order = "is_read ASC, created_at DESC, rowid DESC"
	}
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` + where +
		` ORDER BY ` + order + ` LIMIT ? OFFSET ?`

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, q, append(args, limit, (page-1)*limit)...); err != nil {
		return nil, Pagination{}, fmt.Errorf("listing notifications: %w", err)
	}
	return toModels(rows), paginate(page, limit, total), nil
}

// List returns one page of userID's notifications. Organization-scoped
// listings put unread rows first.
func (s *NotificationStore) List(ctx context.Context, userID string, f Filter, page, limit int) (Page, error) {
	page, limit = NormalizePagination(page, limit)
	items, p, err := s.list(ctx, userID, f, page, limit)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Pagination: p}, nil
}

// ListByType is List filtered to one notification type.
func (s *NotificationStore) ListByType(ctx context.Context, userID, typ string, page, limit int) (Page, error) {
	return s.List(ctx, userID, Filter{Type: typ}, page, limit)
}

// Recent returns up to limit notifications created within RecentWindow.
func (s *NotificationStore) Recent(ctx context.Context, userID, orgID string, limit int) ([]Notification, error) {
	_, limit = NormalizePagination(1, limit)
	items, _, err := s.list(ctx, userID, Filter{
		OrganizationID: orgID,
		From:           s.now().Add(-RecentWindow),
	}, 1, limit)
	return items, err
}

// MarkRead flips one notification to read. It reports whether the row
// transitioned; repeating the call is a no-op.
func (s *NotificationStore) MarkRead(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, read_at = ? WHERE id = ? AND user_id = ? AND is_read = 0`,
		s.now().UnixMilli(), id, userID)
	if err != nil {
		return false, fmt.Errorf("marking notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkAllRead marks every unread notification of userID (optionally within
// orgID) as read. The filter is evaluated at execution time.
func (s *NotificationStore) MarkAllRead(ctx context.Context, userID, orgID string) (int64, error) {
	where, args := scopeWhere(userID, orgID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, read_at = ? WHERE is_read = 0 AND `+where,
		append([]any{s.now().UnixMilli()}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	return res.RowsAffected()
}

func (s *NotificationStore) UnreadCount(ctx context.Context, userID, orgID string) (int, error) {
	where, args := scopeWhere(userID, orgID)
	return s.count(ctx, where+" AND is_read = 0", args)
}

// Delete removes id when owned by userID. Non-owned ids affect no rows.
func (s *NotificationStore) Delete(ctx context.Context, id, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting notification: %w", err)
	}
	return res.RowsAffected()
}

// DeleteMany removes the ids owned by userID and returns how many went away.
func (s *NotificationStore) DeleteMany(ctx context.Context, ids []string, userID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q, args, err := sqlx.In(`DELETE FROM notifications WHERE user_id = ? AND id IN (?)`, userID, ids)
	if err != nil {
		return 0, fmt.Errorf("building delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting notifications: %w", err)
	}
	return res.RowsAffected()
}

type groupCount struct {
	Key string `db:"k"`
	N   int    `db:"n"`
}

func (s *NotificationStore) groupBy(ctx context.Context, column, where string, args []any) (map[string]int, error) {
	var rows []groupCount
	q := `SELECT ` + column + ` AS k, COUNT(*) AS n FROM notifications WHERE ` + where + ` GROUP BY ` + column
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("grouping notifications by %s: %w", column, err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Key] = r.N
	}
	return out, nil
}

func (s *NotificationStore) Stats(ctx context.Context, userID, orgID string) (Stats, error) {
	where, args := scopeWhere(userID, orgID)

	var agg struct {
		Total  int `db:"total"`
		Unread int `db:"unread"`
		Recent int `db:"recent"`
	}
	q := `SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0) AS unread,
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0) AS recent
		FROM notifications WHERE ` + where
	since := s.now().Add(-RecentWindow).UnixMilli()
	if err := s.db.GetContext(ctx, &agg, q, append([]any{since}, args...)...); err != nil {
		return Stats{}, fmt.Errorf("computing notification stats: %w", err)
	}
	byType, err := s.groupBy(ctx, "type", where, args)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Total:  agg.Total,
		Unread: agg.Unread,
		Read:   agg.Total - agg.Unread,
		Recent: agg.Recent,
		ByType: byType,
	}, nil
}

// ListByUserAndOrganization lists userID's notifications inside orgID with
// entity previews and a summary of the whole user+organization scope.
// Unlike List, a page below 1 is rejected with ErrInvalidPage.
func (s *NotificationStore) ListByUserAndOrganization(ctx context.Context, userID, orgID string, f Filter, page, limit int) (OrgPage, error) {
	if page < 1 {
		return OrgPage{}, ErrInvalidPage
	}
	_, limit = NormalizePagination(page, limit)
	f.OrganizationID = orgID

	items, p, err := s.list(ctx, userID, f, page, limit)
	if err != nil {
		return OrgPage{}, err
	}

	where, args := scopeWhere(userID, orgID)
	var sum Summary
	if sum.Total, err = s.count(ctx, where, args); err != nil {
		return OrgPage{}, err
	}
	if sum.Unread, err = s.count(ctx, where+" AND is_read = 0", args); err != nil {
		return OrgPage{}, err
	}
	if sum.ByType, err = s.groupBy(ctx, "type", where, args); err != nil {
		return OrgPage{}, err
	}
	if sum.ByPriority, err = s.groupBy(ctx, "priority", where, args); err != nil {
		return OrgPage{}, err
	}

	out := make([]EnrichedNotification, 0, len(items))
	for _, n := range items {
		en := EnrichedNotification{Notification: n}
		if s.previews != nil && n.EntityType != "" && n.EntityID != "" {
			en.Entity = s.previews.Resolve(ctx, n.EntityType, n.EntityID)
		}
		out = append(out, en)
	}
	return OrgPage{Items: out, Summary: sum, Pagination: p}, nil
}

// Prune deletes read notifications created before cutoff.
func (s *NotificationStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE is_read = 1 AND created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		s.log.Info("pruned read notifications", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	}
	return n, err
}
