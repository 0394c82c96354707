// CK registry and economy audit trail.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nacionmx/nacion/internal/domain"
)

// ─── CK Schema ──────────────────────────────────────────────────────────────

// CKMigrations returns the CK registry and audit schema statements.
func CKMigrations() []string {
	return []string{
		// seq breaks ties between records created in the same instant
		`CREATE TABLE IF NOT EXISTS ck_registry (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL UNIQUE,
			guild_id       TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			applied_by     TEXT NOT NULL,
			ck_type        TEXT NOT NULL,
			reason         TEXT NOT NULL,
			evidence_url   TEXT,
			previous_cash  INTEGER NOT NULL DEFAULT 0,
			previous_bank  INTEGER NOT NULL DEFAULT 0,
			balance_source TEXT,
			roles_removed  TEXT NOT NULL DEFAULT '[]',
			backup_data    TEXT,
			status         TEXT NOT NULL DEFAULT 'applying',
			steps          TEXT NOT NULL DEFAULT '[]',
			policy_version TEXT,
			created_at     TEXT NOT NULL,
			reversed_at    TEXT,
			reversed_by    TEXT,
			revert_reason  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ck_user ON ck_registry(user_id, created_at DESC, seq DESC)`,

		`CREATE TABLE IF NOT EXISTS audit_transactions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id         TEXT NOT NULL,
			user_id          TEXT NOT NULL,
			transaction_type TEXT NOT NULL,
			amount           INTEGER NOT NULL,
			currency_type    TEXT NOT NULL DEFAULT 'cash',
			reason           TEXT,
			metadata         TEXT,
			created_by       TEXT,
			command_name     TEXT,
			can_rollback     INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_transactions(user_id, created_at)`,
	}
}

// ─── CK Registry ────────────────────────────────────────────────────────────

const ckCols = `seq, id, guild_id, user_id, applied_by, ck_type, reason, evidence_url,
	previous_cash, previous_bank, balance_source, roles_removed, backup_data, status,
	steps, policy_version, created_at, reversed_at, reversed_by, revert_reason`

func scanCK(row interface{ Scan(...any) error }) (*domain.CKRecord, error) {
	var r domain.CKRecord
	var evidence, source, backup, policy, reversedAt, reversedBy, revertReason sql.NullString
	var ckType, roles, status, steps, created string
	err := row.Scan(&r.Seq, &r.ID, &r.GuildID, &r.UserID, &r.AppliedBy, &ckType, &r.Reason, &evidence,
		&r.PreviousCash, &r.PreviousBank, &source, &roles, &backup, &status,
		&steps, &policy, &created, &reversedAt, &reversedBy, &revertReason)
	if err != nil {
		return nil, err
	}
	r.Type = domain.CKType(ckType)
	r.Status = domain.CKStatus(status)
	r.EvidenceURL = evidence.String
	r.BalanceSource = domain.BalanceSource(source.String)
	r.PolicyVersion = policy.String
	r.CreatedAt = parseTime(created)
	r.ReversedAt = timePtr(reversedAt)
	r.ReversedBy = reversedBy.String
	r.ReverseReason = revertReason.String

	if err := decodeRoles(roles, &r.RolesRemoved); err != nil {
		return nil, fmt.Errorf("ck %s roles_removed: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
		return nil, fmt.Errorf("ck %s steps: %w", r.ID, err)
	}
	if backup.Valid && backup.String != "" && backup.String != "null" {
		r.Backup = &domain.Backup{}
		if err := json.Unmarshal([]byte(backup.String), r.Backup); err != nil {
			return nil, fmt.Errorf("ck %s backup_data: %w", r.ID, err)
		}
	}
	return &r, nil
}

// decodeRoles accepts both the current [{id,name}] shape and the legacy
// array of role names.
func decodeRoles(raw string, out *[]domain.RemovedRole) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return err
	}
	*out = make([]domain.RemovedRole, len(names))
	for i, n := range names {
		(*out)[i] = domain.RemovedRole{Name: n}
	}
	return nil
}

// InsertCK writes a new CK record. rec.Seq is filled from the row id.
func (db *DB) InsertCK(ctx context.Context, rec *domain.CKRecord) error {
	roles, err := toJSON(nonNilRoles(rec.RolesRemoved))
	if err != nil {
		return err
	}
	steps, err := toJSON(nonNilSteps(rec.Steps))
	if err != nil {
		return err
	}
	var backup sql.NullString
	if rec.Backup != nil {
		s, err := toJSON(rec.Backup)
		if err != nil {
			return err
		}
		backup = sql.NullString{String: s, Valid: true}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	res, err := db.db.ExecContext(ctx, `
		INSERT INTO ck_registry (id, guild_id, user_id, applied_by, ck_type, reason, evidence_url,
			previous_cash, previous_bank, balance_source, roles_removed, backup_data, status,
			steps, policy_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.GuildID, rec.UserID, rec.AppliedBy, string(rec.Type), rec.Reason, rec.EvidenceURL,
		rec.PreviousCash, rec.PreviousBank, string(rec.BalanceSource), roles, backup, string(rec.Status),
		steps, rec.PolicyVersion, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert ck %s: %w", rec.ID, err)
	}
	rec.Seq, _ = res.LastInsertId()
	return nil
}

// UpdateCKProgress writes status, steps and removed roles of a record.
func (db *DB) UpdateCKProgress(ctx context.Context, rec *domain.CKRecord) error {
	roles, err := toJSON(nonNilRoles(rec.RolesRemoved))
	if err != nil {
		return err
	}
	steps, err := toJSON(nonNilSteps(rec.Steps))
	if err != nil {
		return err
	}
	res, err := db.db.ExecContext(ctx, `
		UPDATE ck_registry SET status = ?, steps = ?, roles_removed = ?
		WHERE id = ?
	`, string(rec.Status), steps, roles, rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// LatestCK returns the user's most recent record, or ErrNoCKRecord.
func (db *DB) LatestCK(ctx context.Context, userID string) (*domain.CKRecord, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT `+ckCols+` FROM ck_registry
		WHERE user_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, userID)
	rec, err := scanCK(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoCKRecord
	}
	return rec, err
}

// GetCK returns a record by id, or ErrNotFound.
func (db *DB) GetCK(ctx context.Context, id string) (*domain.CKRecord, error) {
	rec, err := scanCK(db.db.QueryRowContext(ctx, `SELECT `+ckCols+` FROM ck_registry WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rec, err
}

// ListCK returns the user's records, newest first. An empty userID lists
// every record.
func (db *DB) ListCK(ctx context.Context, userID string) ([]domain.CKRecord, error) {
	q := `SELECT ` + ckCols + ` FROM ck_registry`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC, seq DESC`

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CKRecord
	for rows.Next() {
		rec, err := scanCK(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// MarkReversed flips a record to reversed. It fails with ErrAlreadyReversed
// when another reversal won the race.
func (db *DB) MarkReversed(ctx context.Context, id, by, reason string, at time.Time) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE ck_registry
		SET status = 'reversed', reversed_at = ?, reversed_by = ?, revert_reason = ?
		WHERE id = ? AND status <> 'reversed'
	`, formatTime(at), by, reason, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := db.GetCK(ctx, id); err != nil {
		return err
	}
	return domain.ErrAlreadyReversed
}

// CountCK returns the number of records per status.
func (db *DB) CountCK(ctx context.Context) (map[domain.CKStatus]int, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ck_registry GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.CKStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.CKStatus(s)] = n
	}
	return out, rows.Err()
}

// ─── Audit Transactions ─────────────────────────────────────────────────────

// AppendTransaction writes one audit row.
func (db *DB) AppendTransaction(ctx context.Context, e domain.TransactionEntry) error {
	var meta sql.NullString
	if len(e.Metadata) > 0 {
		s, err := toJSON(e.Metadata)
		if err != nil {
			return err
		}
		meta = sql.NullString{String: s, Valid: true}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.CurrencyType == "" {
		e.CurrencyType = "cash"
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO audit_transactions (guild_id, user_id, transaction_type, amount, currency_type,
			reason, metadata, created_by, command_name, can_rollback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.GuildID, e.UserID, e.TransactionType, e.Amount, e.CurrencyType,
		e.Reason, meta, e.CreatedBy, e.CommandName, boolInt(e.CanRollback), formatTime(e.CreatedAt))
	return err
}

// ListTransactions returns the user's audit rows, oldest first.
func (db *DB) ListTransactions(ctx context.Context, userID string) ([]domain.TransactionEntry, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, transaction_type, amount, currency_type, reason,
			metadata, created_by, command_name, can_rollback, created_at
		FROM audit_transactions WHERE user_id = ?
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TransactionEntry
	for rows.Next() {
		var e domain.TransactionEntry
		var reason, meta, by, cmd sql.NullString
		var rollback int
		var created string
		if err := rows.Scan(&e.ID, &e.GuildID, &e.UserID, &e.TransactionType, &e.Amount, &e.CurrencyType,
			&reason, &meta, &by, &cmd, &rollback, &created); err != nil {
			return nil, err
		}
		e.Reason, e.CreatedBy, e.CommandName = reason.String, by.String, cmd.String
		e.CanRollback = rollback == 1
		e.CreatedAt = parseTime(created)
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit %d metadata: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nonNilRoles(r []domain.RemovedRole) []domain.RemovedRole {
	if r == nil {
		return []domain.RemovedRole{}
	}
	return r
}

func nonNilSteps(s []domain.StepResult) []domain.StepResult {
	if s == nil {
		return []domain.StepResult{}
	}
	return s
}
