// Civil registry and money tables: citizens, DNIs, cards, local balances.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nacionmx/nacion/internal/domain"
)

// ─── Registry Schema ────────────────────────────────────────────────────────

// RegistryMigrations returns the civil registry schema statements.
func RegistryMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS citizens (
			id         TEXT PRIMARY KEY,
			discord_id TEXT NOT NULL UNIQUE,
			full_name  TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS citizen_dni (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL UNIQUE,
			guild_id    TEXT,
			full_name   TEXT NOT NULL,
			dni_number  TEXT NOT NULL,
			photo_url   TEXT,
			birth_date  TEXT,
			nationality TEXT,
			created_at  TEXT NOT NULL
		)`,

		// Credit cards are keyed by citizen_id in new rows and user_id in old ones
		`CREATE TABLE IF NOT EXISTS credit_cards (
			id           TEXT PRIMARY KEY,
			citizen_id   TEXT,
			user_id      TEXT,
			card_type    TEXT NOT NULL,
			card_number  TEXT NOT NULL,
			balance      INTEGER NOT NULL DEFAULT 0,
			credit_limit INTEGER NOT NULL DEFAULT 0,
			active       INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_citizen ON credit_cards(citizen_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_user ON credit_cards(user_id)`,

		// Debit cards carry either discord_user_id or discord_id depending on age
		`CREATE TABLE IF NOT EXISTS debit_cards (
			id              TEXT PRIMARY KEY,
			citizen_id      TEXT,
			discord_user_id TEXT,
			discord_id      TEXT,
			card_type       TEXT NOT NULL DEFAULT 'debit',
			card_number     TEXT NOT NULL,
			balance         INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'active',
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_debit_citizen ON debit_cards(citizen_id)`,

		`CREATE TABLE IF NOT EXISTS user_balances (
			guild_id   TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			cash       INTEGER NOT NULL DEFAULT 0,
			bank       INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (guild_id, user_id)
		)`,
	}
}

// ─── Citizens / DNI ─────────────────────────────────────────────────────────

// UpsertCitizen inserts or renames a citizen row.
func (db *DB) UpsertCitizen(ctx context.Context, id, discordID, fullName string) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO citizens (id, discord_id, full_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(discord_id) DO UPDATE SET full_name = excluded.full_name
	`, id, discordID, fullName, formatTime(time.Now()))
	return err
}

// CitizenID resolves the citizens.id of a Discord user ("" when unregistered).
func (db *DB) CitizenID(ctx context.Context, userID string) (string, error) {
	var id string
	err := db.db.QueryRowContext(ctx,
		`SELECT id FROM citizens WHERE discord_id = ?`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// GetDNI returns the user's DNI or nil.
func (db *DB) GetDNI(ctx context.Context, userID string) (*domain.DNI, error) {
	var d domain.DNI
	var guild, photo, birth, nat sql.NullString
	var created string
	err := db.db.QueryRowContext(ctx, `
		SELECT id, user_id, guild_id, full_name, dni_number, photo_url, birth_date, nationality, created_at
		FROM citizen_dni WHERE user_id = ?
	`, userID).Scan(&d.ID, &d.UserID, &guild, &d.FullName, &d.DNINumber, &photo, &birth, &nat, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.GuildID, d.PhotoURL, d.BirthDate, d.Nationality = guild.String, photo.String, birth.String, nat.String
	d.CreatedAt = parseTime(created)
	return &d, nil
}

// UpsertDNI writes a DNI row keyed by user.
func (db *DB) UpsertDNI(ctx context.Context, d domain.DNI) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO citizen_dni (id, user_id, guild_id, full_name, dni_number, photo_url, birth_date, nationality, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			id          = excluded.id,
			guild_id    = excluded.guild_id,
			full_name   = excluded.full_name,
			dni_number  = excluded.dni_number,
			photo_url   = excluded.photo_url,
			birth_date  = excluded.birth_date,
			nationality = excluded.nationality,
			created_at  = excluded.created_at
	`, d.ID, d.UserID, d.GuildID, d.FullName, d.DNINumber, d.PhotoURL, d.BirthDate, d.Nationality, formatTime(d.CreatedAt))
	return err
}

// DeleteDNI removes the user's DNI. Deleting a missing row is not an error.
func (db *DB) DeleteDNI(ctx context.Context, userID string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM citizen_dni WHERE user_id = ?`, userID)
	return err
}

// ─── Cards ──────────────────────────────────────────────────────────────────

// ListCards returns every credit and debit card linked to the user through
// any of the historical owner columns.
func (db *DB) ListCards(ctx context.Context, userID, citizenID string) ([]domain.Card, error) {
	var cards []domain.Card

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, citizen_id, user_id, card_type, card_number, balance, credit_limit, active, created_at
		FROM credit_cards
		WHERE user_id = ? OR (citizen_id = ? AND citizen_id <> '')
		ORDER BY created_at
	`, userID, citizenID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c domain.Card
		var cit, uid sql.NullString
		var active int
		var created string
		if err := rows.Scan(&c.ID, &cit, &uid, &c.CardType, &c.CardNumber, &c.Balance, &c.CreditLimit, &active, &created); err != nil {
			rows.Close()
			return nil, err
		}
		c.Kind = domain.CardCredit
		c.CitizenID, c.UserID = cit.String, uid.String
		if c.UserID == "" {
			c.UserID = userID
		}
		c.Active = active == 1
		c.CreatedAt = parseTime(created)
		cards = append(cards, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.db.QueryContext(ctx, `
		SELECT id, citizen_id, card_type, card_number, balance, status, created_at
		FROM debit_cards
		WHERE discord_user_id = ? OR discord_id = ? OR (citizen_id = ? AND citizen_id <> '')
		ORDER BY created_at
	`, userID, userID, citizenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.Card
		var cit sql.NullString
		var status, created string
		if err := rows.Scan(&c.ID, &cit, &c.CardType, &c.CardNumber, &c.Balance, &status, &created); err != nil {
			return nil, err
		}
		c.Kind = domain.CardDebit
		c.CitizenID = cit.String
		c.UserID = userID
		c.Active = status == "active"
		c.CreatedAt = parseTime(created)
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// DeleteCardsByCitizen hard-deletes credit and debit cards linked by citizen id.
func (db *DB) DeleteCardsByCitizen(ctx context.Context, citizenID string) (int64, error) {
	if citizenID == "" {
		return 0, nil
	}
	return db.execCount(ctx,
		[]string{
			`DELETE FROM credit_cards WHERE citizen_id = ?`,
			`DELETE FROM debit_cards WHERE citizen_id = ?`,
		}, citizenID)
}

// DeleteCardsByUser hard-deletes credit cards keyed by user_id.
func (db *DB) DeleteCardsByUser(ctx context.Context, userID string) (int64, error) {
	return db.execCount(ctx, []string{`DELETE FROM credit_cards WHERE user_id = ?`}, userID)
}

// DeleteCardsByDiscordID hard-deletes debit cards keyed by either Discord column.
func (db *DB) DeleteCardsByDiscordID(ctx context.Context, userID string) (int64, error) {
	return db.execCount(ctx,
		[]string{
			`DELETE FROM debit_cards WHERE discord_user_id = ?`,
			`DELETE FROM debit_cards WHERE discord_id = ?`,
		}, userID)
}

// ReactivateCards flags existing card rows as active and returns the ids
// that were found. Ids not returned no longer exist.
func (db *DB) ReactivateCards(ctx context.Context, cards []domain.Card) ([]string, error) {
	var found []string
	for _, c := range cards {
		stmt := `UPDATE credit_cards SET active = 1 WHERE id = ?`
		if c.Kind == domain.CardDebit {
			stmt = `UPDATE debit_cards SET status = 'active' WHERE id = ?`
		}
		res, err := db.db.ExecContext(ctx, stmt, c.ID)
		if err != nil {
			return found, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			found = append(found, c.ID)
		}
	}
	return found, nil
}

// InsertCard re-creates a card row from a snapshot copy. An existing row
// with the same id only gets its active flag overwritten.
func (db *DB) InsertCard(ctx context.Context, c domain.Card) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Kind == domain.CardDebit {
		status := "inactive"
		if c.Active {
			status = "active"
		}
		_, err := db.db.ExecContext(ctx, `
			INSERT INTO debit_cards (id, citizen_id, discord_user_id, card_type, card_number, balance, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status
		`, c.ID, c.CitizenID, c.UserID, c.CardType, c.CardNumber, c.Balance, status, formatTime(c.CreatedAt))
		return err
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO credit_cards (id, citizen_id, user_id, card_type, card_number, balance, credit_limit, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET active = excluded.active
	`, c.ID, c.CitizenID, c.UserID, c.CardType, c.CardNumber, c.Balance, c.CreditLimit, boolInt(c.Active), formatTime(c.CreatedAt))
	return err
}

// ─── Local Balances ─────────────────────────────────────────────────────────

// GetLocalBalance returns the user_balances row or nil.
func (db *DB) GetLocalBalance(ctx context.Context, guildID, userID string) (*domain.Balance, error) {
	b := domain.Balance{Source: domain.SourceLocal}
	err := db.db.QueryRowContext(ctx, `
		SELECT cash, bank FROM user_balances WHERE guild_id = ? AND user_id = ?
	`, guildID, userID).Scan(&b.Cash, &b.Bank)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpsertLocalBalance writes absolute cash/bank values.
func (db *DB) UpsertLocalBalance(ctx context.Context, guildID, userID string, b domain.Balance) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO user_balances (guild_id, user_id, cash, bank, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			cash       = excluded.cash,
			bank       = excluded.bank,
			updated_at = excluded.updated_at
	`, guildID, userID, b.Cash, b.Bank, formatTime(time.Now()))
	return err
}

// execCount runs each statement with the same args and sums affected rows.
func (db *DB) execCount(ctx context.Context, stmts []string, args ...any) (int64, error) {
	var total int64
	for _, stmt := range stmts {
		res, err := db.db.ExecContext(ctx, stmt, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
