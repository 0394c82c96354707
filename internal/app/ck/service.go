// Package ck runs character kills and their reversals.
//
// A CK is a saga over independent stores:
//  1. Check the anti-CK insurance gate
//  2. Snapshot the citizen (read-only)
//  3. Insert the audit record as "applying"
//  4. Run each destructive step, persisting its result as it completes
//  5. Flip the record to "applied" once every step succeeded
//
// Steps are idempotent, so a record left "applying" by a crash or a failed
// step can be resumed, or reversed from its snapshot.
package ck

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nacionmx/nacion/internal/domain"
)

// Config controls service behavior.
type Config struct {
	StepTimeout time.Duration `toml:"step_timeout" envconfig:"STEP_TIMEOUT"` // Per-step bound once a CK is confirmed (default: 15s)
}

// DefaultConfig returns safe service defaults.
func DefaultConfig() Config {
	return Config{
		StepTimeout: 15 * time.Second,
	}
}

// Deps are the collaborators of the service. Ledger and Notifier may be nil.
type Deps struct {
	Store    domain.Store
	Ledger   domain.Ledger
	Guild    domain.Guild
	Notifier domain.Notifier
	Policy   domain.RolePolicy
	Logger   *slog.Logger
}

// Service applies, resumes and reverses CKs.
type Service struct {
	config   Config
	store    domain.Store
	ledger   domain.Ledger
	guild    domain.Guild
	notifier domain.Notifier
	policy   domain.RolePolicy
	log      *slog.Logger
	locks    *userLocks

	now   func() time.Time
	newID func() string

	applied   atomic.Int64
	partial   atomic.Int64
	lifeSaved atomic.Int64
	reversed  atomic.Int64
}

// New creates a CK service.
func New(cfg Config, deps Deps) *Service {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	s := &Service{
		config:   cfg,
		store:    deps.Store,
		ledger:   deps.Ledger,
		guild:    deps.Guild,
		notifier: deps.Notifier,
		policy:   deps.Policy.WithDefaults(),
		log:      deps.Logger,
		locks:    newUserLocks(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if s.ledger == nil {
		s.ledger = disabledLedger{}
	}
	if s.notifier == nil {
		s.notifier = silentNotifier{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "ck")
	return s
}

// Policy returns the role policy in effect.
func (s *Service) Policy() domain.RolePolicy { return s.policy }

// Stats holds service counters since start.
type Stats struct {
	Applied   int64 `json:"applied"`
	Partial   int64 `json:"partial"`
	LifeSaved int64 `json:"life_saved"`
	Reversed  int64 `json:"reversed"`
	Active    int   `json:"active"`
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Applied:   s.applied.Load(),
		Partial:   s.partial.Load(),
		LifeSaved: s.lifeSaved.Load(),
		Reversed:  s.reversed.Load(),
		Active:    s.locks.Len(),
	}
}

// Totals returns persisted record counts per status. Unlike Stats it
// survives restarts.
func (s *Service) Totals(ctx context.Context) (map[domain.CKStatus]int, error) {
	return s.store.CountCK(ctx)
}

// ─── History ────────────────────────────────────────────────────────────────

// History returns the user's CK records, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]domain.CKRecord, error) {
	return s.store.ListCK(ctx, userID)
}

// Transactions returns the user's audit transaction rows, oldest first.
func (s *Service) Transactions(ctx context.Context, userID string) ([]domain.TransactionEntry, error) {
	return s.store.ListTransactions(ctx, userID)
}

// Record returns a CK record by id.
func (s *Service) Record(ctx context.Context, id string) (*domain.CKRecord, error) {
	return s.store.GetCK(ctx, id)
}

// ─── Null Collaborators ─────────────────────────────────────────────────────

type disabledLedger struct{}

func (disabledLedger) Enabled() bool { return false }

func (disabledLedger) GetBalance(context.Context, string, string) (domain.Balance, error) {
	return domain.Balance{}, domain.ErrLedgerUnavailable
}

func (disabledLedger) SetBalance(context.Context, string, string, domain.Balance, string) error {
	return domain.ErrLedgerUnavailable
}

type silentNotifier struct{}

func (silentNotifier) Notify(context.Context, domain.Notification) []domain.StepResult { return nil }
