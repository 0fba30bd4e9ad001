// Package audit records lock activity in the audit_logs table and
// serves it back for the operator API.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Audit actions and entity types written by Lockgate.
const (
	ActionConnect    = "connect"
	ActionIdentify   = "identify"
	ActionDisconnect = "disconnect"
	ActionCommand    = "command"

	EntityLock = "lock"

	// SourceLockServer marks entries produced by lock traffic rather than an operator.
	SourceLockServer = "lockserver"
)

// timeLayout is fixed-width so created_at sorts correctly as TEXT.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Page size bounds for List.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// AuditLog is one audit trail entry. EntityID is the lock IMEI once the
// lock has identified itself.
type AuditLog struct { //nolint:revive // audit.AuditLog is clearer than audit.Log in calling code
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Source     string         `json:"source"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter selects audit entries. Zero fields match everything.
type Filter struct {
	Action     string    // connect, identify, disconnect or command
	EntityType string    // lock
	EntityID   string    // IMEI, or connection id before identification
	UserID     string    // issuing user of a command
	Since      time.Time // inclusive
	Until      time.Time // exclusive
	Limit      int       // default 50, max 200
	Offset     int
}

// where renders the filter as a parameterised WHERE clause.
func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	eq := func(col, v string) {
		if v != "" {
			conds = append(conds, col+" = ?")
			args = append(args, v)
		}
	}
	eq("action", f.Action)
	eq("entity_type", f.EntityType)
	eq("entity_id", f.EntityID)
	eq("user_id", f.UserID)
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (f Filter) page() (limit, offset int) {
	limit, offset = f.Limit, f.Offset
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListResult is one page of audit entries, newest first.
type ListResult struct {
	Logs   []AuditLog `json:"logs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// Repository stores and queries the audit trail.
type Repository interface {
	Create(ctx context.Context, log *AuditLog) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// Pruner deletes entries created before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository keeps the audit trail in the audit_logs table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository returns a repository on a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Create inserts an entry, filling in ID and CreatedAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, log *AuditLog) error {
	if log.ID == "" {
		log.ID = "aud-" + uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	var details sql.NullString
	if log.Details != nil {
		b, err := json.Marshal(log.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, entity_type, entity_id, user_id, source, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.Action, log.EntityType,
		sql.NullString{String: log.EntityID, Valid: log.EntityID != ""},
		sql.NullString{String: log.UserID, Valid: log.UserID != ""},
		log.Source, details, formatTime(log.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting audit log %s: %w", log.Action, err)
	}
	return nil
}

// List returns one page of entries matching filter, newest first. Total
// counts every match, not just the page.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	where, args := filter.where()
	limit, offset := filter.page()

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit logs: %w", err)
	}

	query := "SELECT id, action, entity_type, entity_id, user_id, source, details, created_at FROM audit_logs " +
		where + " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}
	defer rows.Close()

	logs := []AuditLog{}
	for rows.Next() {
		log, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit logs: %w", err)
	}

	return &ListResult{Logs: logs, Total: total, Limit: limit, Offset: offset}, nil
}

func scanAuditLog(rows *sql.Rows) (AuditLog, error) {
	var log AuditLog
	var entityID, userID, details sql.NullString
	var createdAt string
	if err := rows.Scan(&log.ID, &log.Action, &log.EntityType,
		&entityID, &userID, &log.Source, &details, &createdAt); err != nil {
		return AuditLog{}, fmt.Errorf("scanning audit log: %w", err)
	}

	log.EntityID = entityID.String
	log.UserID = userID.String
	if details.String != "" {
		// A row with unreadable details is still returned.
		_ = json.Unmarshal([]byte(details.String), &log.Details) //nolint:errcheck // see above
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt) // also accepts timeLayout
	if err != nil {
		return AuditLog{}, fmt.Errorf("parsing audit log timestamp %q: %w", createdAt, err)
	}
	log.CreatedAt = t
	return log, nil
}

// Prune deletes entries created before the cutoff and returns how many
// were removed.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE created_at < ?", formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("pruning audit logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning audit logs: %w", err)
	}
	return n, nil
}
