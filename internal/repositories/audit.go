package repositories

import (
	"database/sql"
	"fmt"

	"github.com/ferncliff/spotbridge/internal/hsm"
)

// AuditRepository persists key-custodian audit entries to SQLite. It
// implements [hsm.AuditSink].
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new [AuditRepository] with the given database connection
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record inserts a single audit entry.
func (r *AuditRepository) Record(entry hsm.AuditEntry) error {
	query := `
		INSERT INTO audit_log (id, operation, key_id, success, error, actor, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query, entry.ID, entry.Operation, entry.KeyID, entry.Success, entry.Error, entry.Actor, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

// List returns the most recent entries, newest first, capped at limit.
func (r *AuditRepository) List(limit int) ([]hsm.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, operation, key_id, success, error, actor, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []hsm.AuditEntry
	for rows.Next() {
		var entry hsm.AuditEntry
		if err := rows.Scan(&entry.ID, &entry.Operation, &entry.KeyID, &entry.Success, &entry.Error, &entry.Actor, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Prune deletes the oldest entries so at most max remain. A max of zero or
// less disables pruning.
func (r *AuditRepository) Prune(max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}

	query := `
		DELETE FROM audit_log WHERE id NOT IN (
			SELECT id FROM audit_log ORDER BY created_at DESC LIMIT ?
		)
	`

	result, err := r.db.Exec(query, max)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}

	return result.RowsAffected()
}
