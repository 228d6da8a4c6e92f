// ABOUTME: Connection audit log: who connected, who failed and why, who was rejected
// ABOUTME: Failure reasons stay server side; the wire only ever sees AUTH_FAILED

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction is a connection lifecycle event worth keeping.
type AuditAction string

const (
	AuditConnected        AuditAction = "connected"
	AuditAuthFailed       AuditAction = "auth_failed"
	AuditProtocolMismatch AuditAction = "protocol_mismatch"
	AuditRejected         AuditAction = "rejected"
	AuditHandshakeTimeout AuditAction = "handshake_timeout"
	AuditDisconnected     AuditAction = "disconnected"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditConnected,
	AuditAuthFailed,
	AuditProtocolMismatch,
	AuditRejected,
	AuditHandshakeTimeout,
	AuditDisconnected,
}

// Valid reports whether a is a known action.
func (a AuditAction) Valid() bool {
	for _, v := range ValidAuditActions {
		if a == v {
			return true
		}
	}
	return false
}

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string      // UUID v4
	ConnID     string      // connection the event happened on
	Action     AuditAction // what happened
	Subject    string      // authenticated subject, empty before connect succeeds
	Credential string      // credential kind that authenticated or failed
	DeviceID   string
	ClientID   string // client-reported id from connect params
	RemoteAddr string
	Reason     string // failure reason or close reason
	Timestamp  time.Time
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since   *time.Time   // entries at or after this time
	Until   *time.Time   // entries at or before this time
	ConnID  *string      // filter by connection
	Subject *string      // filter by subject
	Action  *AuditAction // filter by action type
	Limit   int          // max results (default 100, max 1000)
}

// AuditStore records connection lifecycle events.
type AuditStore interface {
	// AppendAudit appends an entry. Generates ID and Timestamp if unset.
	AppendAudit(ctx context.Context, e *AuditEntry) error

	// ListAudit returns entries matching the filter, newest first.
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// prepareAuditEntry fills generated fields.
func prepareAuditEntry(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// AppendAudit appends a new entry to the audit log.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if !e.Action.Valid() {
		return fmt.Errorf("unknown audit action %q", e.Action)
	}
	prepareAuditEntry(e)

	query := `
		INSERT INTO audit_log (audit_id, conn_id, action, subject, credential, device_id, client_id, remote_addr, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ConnID,
		string(e.Action),
		e.Subject,
		e.Credential,
		e.DeviceID,
		e.ClientID,
		e.RemoteAddr,
		e.Reason,
		e.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"conn_id", e.ConnID,
		"action", e.Action,
		"subject", e.Subject,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// auditQueryArgs holds filter fields converted to their stored form.
type auditQueryArgs struct {
	sinceStr  *string
	untilStr  *string
	actionStr *string
}

func buildAuditQueryArgs(f AuditFilter) auditQueryArgs {
	var args auditQueryArgs
	if f.Since != nil {
		s := f.Since.UTC().Format(timeLayout)
		args.sinceStr = &s
	}
	if f.Until != nil {
		s := f.Until.UTC().Format(timeLayout)
		args.untilStr = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		args.actionStr = &a
	}
	return args
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string

	if err := scanner.Scan(
		&e.ID,
		&e.ConnID,
		&actionStr,
		&e.Subject,
		&e.Credential,
		&e.DeviceID,
		&e.ClientID,
		&e.RemoteAddr,
		&e.Reason,
		&tsStr,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = time.Parse(timeLayout, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, conn_id, action, subject, credential, device_id, client_id, remote_addr, reason, ts
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR conn_id = ?)
	  AND (? IS NULL OR subject = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAudit returns audit entries matching the filter criteria, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)
	args := buildAuditQueryArgs(f)

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		args.sinceStr, args.sinceStr,
		args.untilStr, args.untilStr,
		f.ConnID, f.ConnID,
		f.Subject, f.Subject,
		args.actionStr, args.actionStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}

// matches reports whether e passes every set filter field.
func (f AuditFilter) matches(e *AuditEntry) bool {
	switch {
	case f.Since != nil && e.Timestamp.Before(*f.Since):
		return false
	case f.Until != nil && e.Timestamp.After(*f.Until):
		return false
	case f.ConnID != nil && e.ConnID != *f.ConnID:
		return false
	case f.Subject != nil && e.Subject != *f.Subject:
		return false
	case f.Action != nil && e.Action != *f.Action:
		return false
	}
	return true
}
