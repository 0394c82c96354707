package ck

import (
	"context"
	"errors"
	"fmt"

	"github.com/nacionmx/nacion/internal/domain"
)

// Snapshot is the read-only capture of a citizen before a CK.
type Snapshot struct {
	Backup    *domain.Backup
	Balance   domain.Balance
	CitizenID string
	Report    domain.Report // failed fetches; the snapshot is still usable
}

// BuildSnapshot reads every piece of citizen state the reset will touch.
// Individual fetch failures leave that field empty and are reported; only an
// unreadable balance is fatal.
func (s *Service) BuildSnapshot(ctx context.Context, guildID, userID string) (*Snapshot, error) {
	snap := &Snapshot{Backup: &domain.Backup{
		Cards:       []domain.Card{},
		Companies:   []domain.Company{},
		Purchases:   []domain.Purchase{},
		Employments: []domain.Employment{},
	}}
	b := snap.Backup

	fail := func(what string, err error) {
		s.log.Warn("snapshot fetch failed", "user_id", userID, "field", what, "error", err)
		res := domain.Failed(domain.StepSnapshot, err)
		res.Detail = what
		snap.Report.Add(res)
	}

	if dni, err := s.store.GetDNI(ctx, userID); err != nil {
		fail("dni", err)
	} else {
		b.DNI = dni
	}

	citizenID, err := s.store.CitizenID(ctx, userID)
	if err != nil {
		fail("citizen", err)
	}
	snap.CitizenID = citizenID

	if cards, err := s.store.ListCards(ctx, userID, citizenID); err != nil {
		fail("cards", err)
	} else if cards != nil {
		b.Cards = cards
	}

	if purchases, err := s.store.ListPurchases(ctx, userID, domain.PurchaseActive); err != nil {
		fail("purchases", err)
	} else if purchases != nil {
		b.Purchases = purchases
	}

	if companies, err := s.store.ListCompaniesByOwner(ctx, userID); err != nil {
		fail("companies", err)
	} else {
		for _, c := range companies {
			b.Companies = append(b.Companies, c.Clone())
		}
	}

	if emps, err := s.store.ListEmployments(ctx, userID); err != nil {
		fail("employments", err)
	} else if emps != nil {
		b.Employments = emps
	}

	bal, err := s.resolveBalance(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	snap.Balance = bal

	snap.Report.Add(domain.OK(domain.StepSnapshot, fmt.Sprintf(
		"%d cards, %d companies, %d purchases, balance %d (%s)",
		len(b.Cards), len(b.Companies), len(b.Purchases), bal.Total(), bal.Source)))
	return snap, nil
}

// resolveBalance picks the authoritative balance. An enabled ledger is the
// only source, even when it reports zero; a failed ledger read aborts the CK
// because the ledger would be zeroed against an amount nobody recorded. The
// local table is used only when no ledger is configured.
func (s *Service) resolveBalance(ctx context.Context, guildID, userID string) (domain.Balance, error) {
	if s.ledger.Enabled() {
		bal, err := s.ledger.GetBalance(ctx, guildID, userID)
		if err != nil {
			s.log.Warn("ledger balance read failed", "user_id", userID, "error", err)
			return domain.Balance{}, fmt.Errorf("%w: ledger: %v", domain.ErrBalanceUnknown, err)
		}
		bal.Source = domain.SourceLedger
		return bal, nil
	}

	local, err := s.store.GetLocalBalance(ctx, guildID, userID)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("%w: local: %v", domain.ErrBalanceUnknown, err)
	}
	if local == nil {
		// No ledger and no row: the user never had money
		return domain.Balance{Source: domain.SourceLocal}, nil
	}
	local.Source = domain.SourceLocal
	return *local, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
