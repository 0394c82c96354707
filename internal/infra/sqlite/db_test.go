package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/nacionmx/nacion/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Compile-time check: *DB is the full CK store.
var _ domain.Store = (*DB)(nil)

// ─── Migration Tests ────────────────────────────────────────────────────────

func TestMigrations_TablesExist(t *testing.T) {
	db := newTestDB(t)

	tables := []string{
		"citizens",
		"citizen_dni",
		"credit_cards",
		"debit_cards",
		"user_balances",
		"user_purchases",
		"purchase_transactions",
		"companies",
		"company_employees",
		"role_cooldowns",
		"ck_registry",
		"audit_transactions",
	}

	for _, table := range tables {
		var count int
		err := db.db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&count)
		if err != nil {
			t.Fatalf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found in database", table)
		}
	}
}

func TestMigrations_Idempotent(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	db.Close()
}

func TestTimeRoundTrip_PreservesOrdering(t *testing.T) {
	a := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
	b := a.Add(time.Nanosecond)
	if formatTime(a) >= formatTime(b) {
		t.Errorf("formatted times not ordered: %s >= %s", formatTime(a), formatTime(b))
	}
	if got := parseTime(formatTime(a)); !got.Equal(a) {
		t.Errorf("parseTime(formatTime(a)) = %v, want %v", got, a)
	}
	if got := parseTime("2024-05-06 07:08:09"); got.Year() != 2024 || got.Second() != 9 {
		t.Errorf("legacy layout parsed as %v", got)
	}
}

// ─── Registry Tests ─────────────────────────────────────────────────────────

func TestDNI_UpsertGetDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	got, err := db.GetDNI(ctx, "u1")
	if err != nil || got != nil {
		t.Fatalf("GetDNI(missing) = %v, %v; want nil, nil", got, err)
	}

	dni := domain.DNI{ID: "d1", UserID: "u1", GuildID: "g1", FullName: "Juan Pérez", DNINumber: "MX-001"}
	if err := db.UpsertDNI(ctx, dni); err != nil {
		t.Fatalf("UpsertDNI: %v", err)
	}
	got, err = db.GetDNI(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("GetDNI = %v, %v", got, err)
	}
	if got.FullName != "Juan Pérez" || got.DNINumber != "MX-001" {
		t.Errorf("GetDNI = %+v", got)
	}

	if err := db.DeleteDNI(ctx, "u1"); err != nil {
		t.Fatalf("DeleteDNI: %v", err)
	}
	if err := db.DeleteDNI(ctx, "u1"); err != nil {
		t.Fatalf("DeleteDNI twice: %v", err)
	}
	if got, _ := db.GetDNI(ctx, "u1"); got != nil {
		t.Errorf("DNI still present after delete: %+v", got)
	}
}

func TestCitizenID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if id, err := db.CitizenID(ctx, "u1"); err != nil || id != "" {
		t.Fatalf("CitizenID(unregistered) = %q, %v", id, err)
	}
	if err := db.UpsertCitizen(ctx, "cit-1", "u1", "Juan"); err != nil {
		t.Fatalf("UpsertCitizen: %v", err)
	}
	if id, _ := db.CitizenID(ctx, "u1"); id != "cit-1" {
		t.Errorf("CitizenID = %q, want cit-1", id)
	}
}

func TestCards_AllOwnerColumns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// One card reachable through each historical owner column
	seed := []string{
		`INSERT INTO credit_cards (id, citizen_id, card_type, card_number, created_at) VALUES ('cc-cit', 'cit-1', 'gold', '4000000000000001', '2025-01-01 00:00:00')`,
		`INSERT INTO credit_cards (id, user_id, card_type, card_number, created_at) VALUES ('cc-user', 'u1', 'basic', '4000000000000002', '2025-01-01 00:00:00')`,
		`INSERT INTO debit_cards (id, discord_user_id, card_number, created_at) VALUES ('dc-dui', 'u1', '5000000000000003', '2025-01-01 00:00:00')`,
		`INSERT INTO debit_cards (id, discord_id, card_number, created_at) VALUES ('dc-did', 'u1', '5000000000000004', '2025-01-01 00:00:00')`,
		`INSERT INTO credit_cards (id, user_id, card_type, card_number, created_at) VALUES ('cc-other', 'u2', 'basic', '4000000000000005', '2025-01-01 00:00:00')`,
	}
	for _, stmt := range seed {
		if _, err := db.db.Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	cards, err := db.ListCards(ctx, "u1", "cit-1")
	if err != nil {
		t.Fatalf("ListCards: %v", err)
	}
	if len(cards) != 4 {
		t.Fatalf("ListCards = %d cards, want 4", len(cards))
	}

	n1, _ := db.DeleteCardsByCitizen(ctx, "cit-1")
	n2, _ := db.DeleteCardsByUser(ctx, "u1")
	n3, _ := db.DeleteCardsByDiscordID(ctx, "u1")
	if n1+n2+n3 != 4 {
		t.Errorf("deleted %d+%d+%d cards, want 4", n1, n2, n3)
	}
	if cards, _ := db.ListCards(ctx, "u1", "cit-1"); len(cards) != 0 {
		t.Errorf("cards left after delete: %+v", cards)
	}
	if cards, _ := db.ListCards(ctx, "u2", ""); len(cards) != 1 {
		t.Errorf("other user's card was touched: %+v", cards)
	}
}

func TestCards_ReactivateAndInsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	kept := domain.Card{ID: "cc-1", Kind: domain.CardCredit, UserID: "u1", CardType: "gold", CardNumber: "4111", Active: false}
	gone := domain.Card{ID: "dc-1", Kind: domain.CardDebit, UserID: "u1", CardType: "debit", CardNumber: "5111", Balance: 300, Active: true}
	if err := db.InsertCard(ctx, kept); err != nil {
		t.Fatalf("InsertCard: %v", err)
	}

	found, err := db.ReactivateCards(ctx, []domain.Card{kept, gone})
	if err != nil {
		t.Fatalf("ReactivateCards: %v", err)
	}
	if len(found) != 1 || found[0] != "cc-1" {
		t.Fatalf("ReactivateCards found %v, want [cc-1]", found)
	}
	if err := db.InsertCard(ctx, gone); err != nil {
		t.Fatalf("InsertCard(debit): %v", err)
	}

	cards, _ := db.ListCards(ctx, "u1", "")
	if len(cards) != 2 {
		t.Fatalf("ListCards = %+v", cards)
	}
	for _, c := range cards {
		if !c.Active {
			t.Errorf("card %s not active", c.ID)
		}
		if c.ID == "dc-1" && c.Balance != 300 {
			t.Errorf("debit balance = %d, want 300", c.Balance)
		}
	}
}

func TestLocalBalance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if b, err := db.GetLocalBalance(ctx, "g1", "u1"); err != nil || b != nil {
		t.Fatalf("GetLocalBalance(missing) = %v, %v", b, err)
	}
	if err := db.UpsertLocalBalance(ctx, "g1", "u1", domain.Balance{Cash: 1000, Bank: 5000}); err != nil {
		t.Fatalf("UpsertLocalBalance: %v", err)
	}
	if err := db.UpsertLocalBalance(ctx, "g1", "u1", domain.Balance{Cash: 0, Bank: 0}); err != nil {
		t.Fatalf("UpsertLocalBalance zero: %v", err)
	}
	b, err := db.GetLocalBalance(ctx, "g1", "u1")
	if err != nil || b == nil {
		t.Fatalf("GetLocalBalance = %v, %v", b, err)
	}
	if b.Total() != 0 || b.Source != domain.SourceLocal {
		t.Errorf("balance = %+v, want zero from local", b)
	}
}
