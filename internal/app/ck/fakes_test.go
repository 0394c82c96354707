package ck

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nacionmx/nacion/internal/domain"
	"github.com/nacionmx/nacion/internal/infra/sqlite"
)

// ─── Guild ──────────────────────────────────────────────────────────────────

type fakeGuild struct {
	mu         sync.Mutex
	roles      []domain.Role
	members    map[string][]string // user → role ids
	failRemove map[string]error
	failAdd    map[string]error
}

func newFakeGuild(roles ...domain.Role) *fakeGuild {
	return &fakeGuild{
		roles:      roles,
		members:    make(map[string][]string),
		failRemove: make(map[string]error),
		failAdd:    make(map[string]error),
	}
}

func (g *fakeGuild) join(userID string, roleIDs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[userID] = slices.Clone(roleIDs)
}

func (g *fakeGuild) roleIDs(userID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.members[userID])
}

func (g *fakeGuild) Member(_ context.Context, _, userID string) (*domain.Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids, ok := g.members[userID]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	m := &domain.Member{UserID: userID, Tag: userID + "#0001"}
	for _, id := range ids {
		for _, r := range g.roles {
			if r.ID == id {
				m.Roles = append(m.Roles, r)
			}
		}
	}
	return m, nil
}

func (g *fakeGuild) Roles(context.Context, string) ([]domain.Role, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.roles), nil
}

func (g *fakeGuild) AddRole(_ context.Context, _, userID, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failAdd[roleID]; err != nil {
		return err
	}
	if !slices.Contains(g.members[userID], roleID) {
		g.members[userID] = append(g.members[userID], roleID)
	}
	return nil
}

func (g *fakeGuild) RemoveRole(_ context.Context, _, userID, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failRemove[roleID]; err != nil {
		return err
	}
	g.members[userID] = slices.DeleteFunc(g.members[userID], func(id string) bool { return id == roleID })
	return nil
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

type fakeLedger struct {
	mu       sync.Mutex
	enabled  bool
	balances map[string]domain.Balance
	getErr   error
	setErr   error
	sets     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{enabled: true, balances: make(map[string]domain.Balance)}
}

func (l *fakeLedger) balance(userID string) domain.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

func (l *fakeLedger) Enabled() bool { return l.enabled }

func (l *fakeLedger) GetBalance(_ context.Context, _, userID string) (domain.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.getErr != nil {
		return domain.Balance{}, l.getErr
	}
	b := l.balances[userID]
	b.Source = domain.SourceLedger
	return b, nil
}

func (l *fakeLedger) SetBalance(_ context.Context, _, userID string, b domain.Balance, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.setErr != nil {
		return l.setErr
	}
	l.sets++
	l.balances[userID] = domain.Balance{Cash: b.Cash, Bank: b.Bank}
	return nil
}

// ─── Notifier ───────────────────────────────────────────────────────────────

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note domain.Notification) []domain.StepResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return []domain.StepResult{domain.OK("notify_dm", "sent")}
}

func (n *fakeNotifier) kinds() []domain.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.NotificationKind, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Kind
	}
	return out
}

// ─── Failing Store ──────────────────────────────────────────────────────────

// flakyStore wraps a real store and fails selected calls.
type flakyStore struct {
	domain.Store
	mu           sync.Mutex
	failCards    error
	failDNI      error
	failLocal    error
	failInsertCK error
	failFindBuy  error
	goneCompany  string
	onInsertCK   func()
}

func (f *flakyStore) DeleteCardsByUser(ctx context.Context, userID string) (int64, error) {
	f.mu.Lock()
	err := f.failCards
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Store.DeleteCardsByUser(ctx, userID)
}

func (f *flakyStore) DeleteDNI(ctx context.Context, userID string) error {
	f.mu.Lock()
	err := f.failDNI
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.DeleteDNI(ctx, userID)
}

func (f *flakyStore) GetLocalBalance(ctx context.Context, guildID, userID string) (*domain.Balance, error) {
	if f.failLocal != nil {
		return nil, f.failLocal
	}
	return f.Store.GetLocalBalance(ctx, guildID, userID)
}

func (f *flakyStore) FindActivePurchase(ctx context.Context, userID, itemKey string) (*domain.Purchase, error) {
	if f.failFindBuy != nil {
		return nil, f.failFindBuy
	}
	return f.Store.FindActivePurchase(ctx, userID, itemKey)
}

func (f *flakyStore) InsertCK(ctx context.Context, rec *domain.CKRecord) error {
	if f.failInsertCK != nil {
		return f.failInsertCK
	}
	if err := f.Store.InsertCK(ctx, rec); err != nil {
		return err
	}
	if f.onInsertCK != nil {
		f.onInsertCK()
	}
	return nil
}

func (f *flakyStore) GetCompany(ctx context.Context, id string) (*domain.Company, error) {
	if id == f.goneCompany {
		return nil, domain.ErrNotFound
	}
	return f.Store.GetCompany(ctx, id)
}

func (f *flakyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCards, f.failDNI = nil, nil
}

var errBoom = errors.New("boom")

// ─── Fixture ────────────────────────────────────────────────────────────────

const (
	guildID = "guild-1"
	userU   = "user-u"
	modID   = "mod-1"
	adminID = "admin-1"
)

var (
	roleCivil   = domain.Role{ID: "r-civil", Name: "Civil Mexicano"}
	rolePolice  = domain.Role{ID: "r-police", Name: "Policía"}
	roleDriving = domain.Role{ID: "r-driving", Name: "Licencia de Conducir"}
	roleStaff   = domain.Role{ID: "r-staff", Name: "Staff"}
	roleAntiCK  = domain.Role{ID: "r-antick", Name: "Seguro Anti-CK"}
	roleBot     = domain.Role{ID: "r-bot", Name: "Bot", Managed: true}
)

type fixture struct {
	svc      *Service
	db       *sqlite.DB
	store    *flakyStore
	guild    *fakeGuild
	ledger   *fakeLedger
	notifier *fakeNotifier
	clock    time.Time
}

func testPolicy() domain.RolePolicy {
	return domain.RolePolicy{
		Version:               "test-1",
		ProtectedRoleIDs:      []string{roleStaff.ID},
		ProtectedKeywords:     []string{"Civil Mexicano", "Soporte", "Booster"},
		CooldownExemptRoleIDs: []string{roleDriving.ID},
		LicenseRoleIDs:        []string{roleDriving.ID},
		AntiCKRoleID:          roleAntiCK.ID,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:       db,
		store:    &flakyStore{Store: db},
		guild:    newFakeGuild(roleCivil, rolePolice, roleDriving, roleStaff, roleAntiCK, roleBot, domain.Role{ID: guildID, Name: "@everyone"}),
		ledger:   newFakeLedger(),
		notifier: &fakeNotifier{},
		clock:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = New(Config{StepTimeout: 5 * time.Second}, Deps{
		Store:    f.store,
		Ledger:   f.ledger,
		Guild:    f.guild,
		Notifier: f.notifier,
		Policy:   testPolicy(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.svc.now = func() time.Time { return f.clock }
	return f
}

// seedAcme sets up the end-to-end citizen: cash 1000, bank 5000, one card,
// sole owner of Acme, a DNI, a job and a few roles.
func (f *fixture) seedAcme(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.ledger.balances[userU] = domain.Balance{Cash: 1000, Bank: 5000}
	must(t, f.db.UpsertCitizen(ctx, "cit-u", userU, "Juan Pérez"))
	must(t, f.db.UpsertDNI(ctx, domain.DNI{ID: "dni-u", UserID: userU, GuildID: guildID, FullName: "Juan Pérez", DNINumber: "MX-123"}))
	must(t, f.db.InsertCard(ctx, domain.Card{ID: "card-1", Kind: domain.CardDebit, CitizenID: "cit-u", UserID: userU, CardType: "NMX Débito", CardNumber: "5000111122223333", Balance: 250, Active: true}))
	must(t, f.db.UpsertCompany(ctx, domain.Company{ID: "co-acme", Name: "Acme", OwnerIDs: []string{userU}, Status: domain.CompanyActive}))
	must(t, f.db.UpsertEmployment(ctx, domain.Employment{CompanyID: "co-other", UserID: userU, Position: "cajero"}))
	must(t, f.db.InsertPurchase(ctx, domain.Purchase{ID: "pur-1", UserID: userU, ItemKey: "vip_pass", Status: domain.PurchaseActive, UsesRemaining: 3}))
	f.guild.join(userU, roleCivil.ID, rolePolice.ID, roleDriving.ID, roleStaff.ID, roleBot.ID, guildID)
}

func (f *fixture) applyReq() ApplyRequest {
	return ApplyRequest{
		GuildID:     guildID,
		UserID:      userU,
		ActorID:     modID,
		Type:        domain.CKNormal,
		Reason:      "test",
		EvidenceURL: "https://cdn.example/evidence.png",
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
