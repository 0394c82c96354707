// Store purchases, companies, employments and role cooldowns.
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

// ─── Commerce Schema ────────────────────────────────────────────────────────

// CommerceMigrations returns the store, company and cooldown schema statements.
func CommerceMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS user_purchases (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			item_key       TEXT NOT NULL,
			role_id        TEXT,
			status         TEXT NOT NULL DEFAULT 'active',
			uses_remaining INTEGER NOT NULL DEFAULT 1,
			expiration     TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_user ON user_purchases(user_id, status)`,

		`CREATE TABLE IF NOT EXISTS purchase_transactions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			purchase_id TEXT NOT NULL REFERENCES user_purchases(id),
			user_id     TEXT NOT NULL,
			amount      INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purchase_tx_user ON purchase_transactions(user_id)`,

		// owner_ids is a JSON array of Discord user ids
		`CREATE TABLE IF NOT EXISTS companies (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			owner_ids  TEXT NOT NULL DEFAULT '[]',
			status     TEXT NOT NULL DEFAULT 'active',
			industry   TEXT,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS company_employees (
			company_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			position   TEXT NOT NULL DEFAULT '',
			hired_at   TEXT NOT NULL,
			PRIMARY KEY (company_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_employees_user ON company_employees(user_id)`,

		`CREATE TABLE IF NOT EXISTS role_cooldowns (
			user_id    TEXT NOT NULL,
			role_id    TEXT NOT NULL,
			role_name  TEXT NOT NULL DEFAULT '',
			expires_at TEXT NOT NULL,
			PRIMARY KEY (user_id, role_id)
		)`,
	}
}

// ─── Purchases ──────────────────────────────────────────────────────────────

const purchaseCols = `id, user_id, item_key, role_id, status, uses_remaining, expiration, created_at, updated_at`

func scanPurchase(row interface{ Scan(...any) error }) (domain.Purchase, error) {
	var p domain.Purchase
	var role, exp sql.NullString
	var status, created, updated string
	if err := row.Scan(&p.ID, &p.UserID, &p.ItemKey, &role, &status, &p.UsesRemaining, &exp, &created, &updated); err != nil {
		return p, err
	}
	p.RoleID = role.String
	p.Status = domain.PurchaseStatus(status)
	p.ExpiresAt = timePtr(exp)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

// ListPurchases returns the user's purchases. An empty status lists all.
func (db *DB) ListPurchases(ctx context.Context, userID string, status domain.PurchaseStatus) ([]domain.Purchase, error) {
	q := `SELECT ` + purchaseCols + ` FROM user_purchases WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at`

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindActivePurchase returns the newest active purchase of itemKey, or nil.
// Purchases past their expiration are ignored.
func (db *DB) FindActivePurchase(ctx context.Context, userID, itemKey string) (*domain.Purchase, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT `+purchaseCols+` FROM user_purchases
		WHERE user_id = ? AND item_key = ? AND status = 'active' AND uses_remaining > 0
		  AND (expiration IS NULL OR expiration > ?)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, itemKey, formatTime(time.Now()))
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ConsumePurchase marks a purchase used up as of at.
func (db *DB) ConsumePurchase(ctx context.Context, purchaseID string, at time.Time) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE user_purchases
		SET status = 'consumed', uses_remaining = 0, expiration = ?, updated_at = ?
		WHERE id = ?
	`, formatTime(at), formatTime(at), purchaseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeletePurchases removes the user's purchases and their transactions in one
// transaction, children first.
func (db *DB) DeletePurchases(ctx context.Context, userID string) (int64, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM purchase_transactions
		WHERE user_id = ? OR purchase_id IN (SELECT id FROM user_purchases WHERE user_id = ?)
	`, userID, userID); err != nil {
		return 0, fmt.Errorf("delete purchase transactions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM user_purchases WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete purchases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// InsertPurchase writes a purchase row, replacing any row with the same id.
func (db *DB) InsertPurchase(ctx context.Context, p domain.Purchase) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO user_purchases (`+purchaseCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status         = excluded.status,
			uses_remaining = excluded.uses_remaining,
			expiration     = excluded.expiration,
			updated_at     = excluded.updated_at
	`, p.ID, p.UserID, p.ItemKey, p.RoleID, string(p.Status), p.UsesRemaining,
		nullTime(p.ExpiresAt), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	return err
}

// ─── Companies ──────────────────────────────────────────────────────────────

const companyCols = `id, name, owner_ids, status, industry, updated_at`

func scanCompany(row interface{ Scan(...any) error }) (domain.Company, error) {
	var c domain.Company
	var owners, status, updated string
	var industry sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &owners, &status, &industry, &updated); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(owners), &c.OwnerIDs); err != nil {
		return c, fmt.Errorf("company %s owner_ids: %w", c.ID, err)
	}
	if c.OwnerIDs == nil {
		c.OwnerIDs = []string{}
	}
	c.Status = domain.CompanyStatus(status)
	c.Industry = industry.String
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// UpsertCompany writes a full company row.
func (db *DB) UpsertCompany(ctx context.Context, c domain.Company) error {
	owners, err := toJSON(c.Clone().OwnerIDs)
	if err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = domain.CompanyActive
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO companies (`+companyCols+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name       = excluded.name,
			owner_ids  = excluded.owner_ids,
			status     = excluded.status,
			industry   = excluded.industry,
			updated_at = excluded.updated_at
	`, c.ID, c.Name, owners, string(c.Status), c.Industry, formatTime(time.Now()))
	return err
}

// ListCompaniesByOwner returns companies whose owner set contains userID.
func (db *DB) ListCompaniesByOwner(ctx context.Context, userID string) ([]domain.Company, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+companyCols+` FROM companies
		WHERE EXISTS (SELECT 1 FROM json_each(companies.owner_ids) WHERE value = ?)
		ORDER BY name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCompany returns a company by id, or ErrNotFound.
func (db *DB) GetCompany(ctx context.Context, id string) (*domain.Company, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+companyCols+` FROM companies WHERE id = ?`, id)
	c, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateOwnership rewrites owners, status and name of an existing company.
func (db *DB) UpdateOwnership(ctx context.Context, id string, owners []string, status domain.CompanyStatus, name string) error {
	if owners == nil {
		owners = []string{}
	}
	ownersJSON, err := toJSON(owners)
	if err != nil {
		return err
	}
	res, err := db.db.ExecContext(ctx, `
		UPDATE companies SET owner_ids = ?, status = ?, name = ?, updated_at = ?
		WHERE id = ?
	`, ownersJSON, string(status), name, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ─── Employments ────────────────────────────────────────────────────────────

// ListEmployments returns the user's company memberships.
func (db *DB) ListEmployments(ctx context.Context, userID string) ([]domain.Employment, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT company_id, user_id, position, hired_at
		FROM company_employees WHERE user_id = ?
		ORDER BY hired_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Employment
	for rows.Next() {
		var e domain.Employment
		var hired string
		if err := rows.Scan(&e.CompanyID, &e.UserID, &e.Position, &hired); err != nil {
			return nil, err
		}
		e.HiredAt = parseTime(hired)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEmployments removes all memberships of the user.
func (db *DB) DeleteEmployments(ctx context.Context, userID string) (int64, error) {
	return db.execCount(ctx, []string{`DELETE FROM company_employees WHERE user_id = ?`}, userID)
}

// UpsertEmployment writes a membership row.
func (db *DB) UpsertEmployment(ctx context.Context, e domain.Employment) error {
	if e.HiredAt.IsZero() {
		e.HiredAt = time.Now()
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO company_employees (company_id, user_id, position, hired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(company_id, user_id) DO UPDATE SET
			position = excluded.position,
			hired_at = excluded.hired_at
	`, e.CompanyID, e.UserID, e.Position, formatTime(e.HiredAt))
	return err
}

// ─── Role Cooldowns ─────────────────────────────────────────────────────────

// UpsertCooldowns writes cooldowns in one transaction, keyed on (user, role).
func (db *DB) UpsertCooldowns(ctx context.Context, cds []domain.RoleCooldown) error {
	if len(cds) == 0 {
		return nil
	}
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO role_cooldowns (user_id, role_id, role_name, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, role_id) DO UPDATE SET
			role_name  = excluded.role_name,
			expires_at = excluded.expires_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, cd := range cds {
		if _, err := stmt.ExecContext(ctx, cd.UserID, cd.RoleID, cd.RoleName, formatTime(cd.ExpiresAt)); err != nil {
			return fmt.Errorf("cooldown %s: %w", cd.RoleID, err)
		}
	}
	return tx.Commit()
}

// ActiveCooldowns returns cooldowns that have not expired at now.
func (db *DB) ActiveCooldowns(ctx context.Context, userID string, now time.Time) ([]domain.RoleCooldown, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT user_id, role_id, role_name, expires_at
		FROM role_cooldowns WHERE user_id = ? AND expires_at > ?
		ORDER BY role_id
	`, userID, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RoleCooldown
	for rows.Next() {
		var cd domain.RoleCooldown
		var exp string
		if err := rows.Scan(&cd.UserID, &cd.RoleID, &cd.RoleName, &exp); err != nil {
			return nil, err
		}
		cd.ExpiresAt = parseTime(exp)
		out = append(out, cd)
	}
	return out, rows.Err()
}
