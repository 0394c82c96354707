package ck

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nacionmx/nacion/internal/domain"
	"github.com/nacionmx/nacion/internal/infra/observability"
)

// RevertRequest asks to undo the user's latest CK.
type RevertRequest struct {
	GuildID string
	UserID  string
	ActorID string
	Reason  string
}

// RevertResult reports what a reversal restored.
type RevertResult struct {
	Record        *domain.CKRecord
	Report        domain.Report
	RolesRestored int
	Reversed      bool // false when a step failed; the reversal may be retried
}

// Revert restores the user's latest CK from its snapshot. Every restore step
// runs even if an earlier one failed. The record is marked reversed only
// when all of them succeeded; otherwise it keeps its status so the same
// idempotent reversal can be retried.
func (s *Service) Revert(ctx context.Context, req RevertRequest) (*RevertResult, error) {
	if req.UserID == "" || req.ActorID == "" {
		return nil, fmt.Errorf("user and actor are required")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("reason is required")
	}

	release, err := s.locks.Acquire(req.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := observability.StartSpan(ctx, "ck.revert", map[string]string{"user_id": req.UserID})
	defer span.End()

	// ─── Preconditions ──────────────────────────────────────────────────
	rec, err := s.store.LatestCK(ctx, req.UserID)
	if err != nil {
		observability.CKReversals.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if rec.Backup == nil {
		observability.CKReversals.WithLabelValues("rejected").Inc()
		return nil, domain.ErrNoBackup
	}
	if !rec.Status.Reversible() {
		observability.CKReversals.WithLabelValues("rejected").Inc()
		return nil, domain.ErrAlreadyReversed
	}
	guildID := rec.GuildID
	if req.GuildID != "" && req.GuildID != guildID {
		s.log.Warn("revert requested from another guild, using the record's", "ck_id", rec.ID, "guild_id", req.GuildID)
	}
	if _, err := s.guild.Member(ctx, guildID, req.UserID); err != nil {
		observability.CKReversals.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("fetch member: %w", err)
	}

	log := s.log.With("ck_id", rec.ID, "user_id", rec.UserID, "actor_id", req.ActorID)
	log.Info("reverting CK", "status", rec.Status, "previous_total", rec.PreviousTotal())

	// ─── Restore ────────────────────────────────────────────────────────
	detached := context.WithoutCancel(ctx)
	res := &RevertResult{Record: rec}
	steps := []struct {
		name domain.StepName
		fn   stepFunc
	}{
		{domain.StepRestoreBalance, func(ctx context.Context) domain.StepResult { return s.restoreBalance(ctx, rec) }},
		{domain.StepRestoreDNI, func(ctx context.Context) domain.StepResult { return s.restoreDNI(ctx, rec) }},
		{domain.StepRestoreCards, func(ctx context.Context) domain.StepResult { return s.restoreCards(ctx, rec) }},
		{domain.StepRestoreCompanies, func(ctx context.Context) domain.StepResult { return s.restoreCompanies(ctx, rec) }},
		{domain.StepRestoreEmployments, func(ctx context.Context) domain.StepResult { return s.restoreEmployments(ctx, rec) }},
		{domain.StepRestorePurchases, func(ctx context.Context) domain.StepResult { return s.restorePurchases(ctx, rec) }},
		{domain.StepRestoreRoles, func(ctx context.Context) domain.StepResult {
			r, n := s.restoreRoles(ctx, rec)
			res.RolesRestored = n
			return r
		}},
	}
	for _, st := range steps {
		res.Report.Add(s.runStep(detached, rec, st.name, st.fn))
	}

	// ─── Mark Reversed ──────────────────────────────────────────────────
	if failed := res.Report.Failed(); len(failed) > 0 {
		res.Report.Add(domain.Skipped(domain.StepMarkReversed,
			fmt.Sprintf("%d restore steps failed; record kept %s for retry", len(failed), rec.Status)))
	} else {
		at := s.now()
		mark := s.runStep(detached, rec, domain.StepMarkReversed, func(ctx context.Context) domain.StepResult {
			if err := s.store.MarkReversed(ctx, rec.ID, req.ActorID, req.Reason, at); err != nil {
				return domain.Failed(domain.StepMarkReversed, err)
			}
			return domain.OK(domain.StepMarkReversed, "reversed")
		})
		res.Report.Add(mark)
		if mark.Status == domain.StepOK {
			rec.Status = domain.CKReversed
			rec.ReversedAt = &at
			rec.ReversedBy = req.ActorID
			rec.ReverseReason = req.Reason
			res.Reversed = true
			res.Report.Add(s.runStep(detached, rec, domain.StepTransactionLog, func(ctx context.Context) domain.StepResult {
				return s.logReversal(ctx, rec, req.ActorID)
			}))
		}
	}

	outcome := "partial"
	if res.Reversed {
		outcome = "reversed"
		s.reversed.Add(1)
	}
	observability.CKReversals.WithLabelValues(outcome).Inc()
	log.Info("reversal finished", "outcome", outcome, "roles_restored", res.RolesRestored, "failed_steps", len(res.Report.Failed()))

	for _, n := range s.notifier.Notify(detached, domain.Notification{
		Kind:     domain.NotifyReversed,
		GuildID:  guildID,
		UserID:   rec.UserID,
		ActorID:  req.ActorID,
		Record:   rec,
		Reason:   req.Reason,
		Restored: res.RolesRestored,
		Report:   &res.Report,
	}) {
		res.Report.Add(n)
	}
	return res, nil
}

// ─── Restore Steps ──────────────────────────────────────────────────────────

func (s *Service) restoreBalance(ctx context.Context, rec *domain.CKRecord) domain.StepResult {
	prev := domain.Balance{Cash: rec.PreviousCash, Bank: rec.PreviousBank}
	var errs []error
	if err := s.store.UpsertLocalBalance(ctx, rec.GuildID, rec.UserID, prev); err != nil {
		errs = append(errs, fmt.Errorf("local balance: %w", err))
	}
	if !s.ledger.Enabled() {
		if len(errs) == 0 {
			return domain.Skipped(domain.StepRestoreBalance, fmt.Sprintf("ledger disabled; local balance set to %d", prev.Total()))
		}
		return joinErrs(domain.StepRestoreBalance, "", errs)
	}
	reason := "Reversión de CK: " + rec.ID
	if err := s.ledger.SetBalance(ctx, rec.GuildID, rec.UserID, prev, reason); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}
	return joinErrs(domain.StepRestoreBalance, fmt.Sprintf("cash %d, bank %d", prev.Cash, prev.Bank), errs)
}

func (s *Service) restoreDNI(ctx context.Context, rec *domain.CKRecord) domain.StepResult {
	if rec.Backup.DNI == nil {
		return domain.Skipped(domain.StepRestoreDNI, "no DNI in snapshot")
	}
	if err := s.store.UpsertDNI(ctx, *rec.Backup.DNI); err != nil {
		return domain.Failed(domain.StepRestoreDNI, err)
	}
	return domain.OK(domain.StepRestoreDNI, rec.Backup.DNI.DNINumber)
}

// restoreCards reactivates cards that still exist and re-inserts the ones
// the CK hard-deleted, each with its snapshot active flag.
func (s *Service) restoreCards(ctx context.Context, rec *domain.CKRecord) domain.StepResult {
	cards := rec.Backup.Cards
	if len(cards) == 0 {
		return domain.Skipped(domain.StepRestoreCards, "no cards in snapshot")
	}
	var active []domain.Card
	for _, c := range cards {
		if c.Active {
			active = append(active, c)
		}
	}
	found, err := s.store.ReactivateCards(ctx, active)
	if err != nil {
		return domain.Failed(domain.StepRestoreCards, err)
	}
	existing := make(map[string]bool, len(found))
	for _, id := range found {
		existing[id] = true
	}

	var errs []error
	inserted := 0
	for _, c := range cards {
		if existing[c.ID] {
			continue
		}
		if err := s.store.InsertCard(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Masked(), err))
			continue
		}
		inserted++
	}
	return joinErrs(domain.StepRestoreCards, fmt.Sprintf("%d reactivated, %d re-created", len(found), inserted), errs)
}

// restoreCompanies reconciles each backed-up company with its current row:
// the user is added back to the owners, a seized company becomes active and
// gets its snapshot name back. Owners added since the CK are kept.
func (s *Service) restoreCompanies(ctx context.Context, rec *domain.CKRecord) domain.StepResult {
	if len(rec.Backup.Companies) == 0 {
		return domain.Skipped(domain.StepRestoreCompanies, "no companies in snapshot")
	}
	var errs []error
	restored := 0
	for _, snapCompany := range rec.Backup.Companies {
		current, err := s.store.GetCompany(ctx, snapCompany.ID)
		if err != nil {
			if isNotFound(err) {
				err = errors.New("company no longer exists")
			}
			errs = append(errs, fmt.Errorf("%s: %w", snapCompany.Name, err))
			continue
		}
		status := current.Status
		if status == domain.CompanySeized {
			status = domain.CompanyActive
		}
		if err := s.store.UpdateOwnership(ctx, current.ID, current.WithOwner(rec.UserID), status, snapCompany.Name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", snapCompany.Name, err))
			continue
		}
		restored++
	}
	return joinErrs(domain.StepRestoreCompanies, fmt.Sprintf("%d restored", restored), errs)
}

func (s *Service) restoreEmployments(ctx context.Context, rec *domain.CKRecord) domain.StepResult {
	if len(rec.Backup.Employments) == 0 {
		return domain.Skipped(domain.StepRestoreEmployments, "no employments in snapshot")
	}
	var errs []error
	for _, e := range rec.Backup.Employments {
		if err := s.store.UpsertEmployment(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("company %s: %w", e.CompanyID, err))
		}
	}
	return joinErrs(domain.StepRestoreEmployments, fmt.Sprintf("%d restored", len(rec.Backup.Employments)-len(errs)), errs)
}

// restorePurchases replaces the user's current purchases with the snapshot
// ones, re-created as fresh active rows. Purchases made after the CK are
// left alone when the snapshot had none.
func (s *Service) restorePurchases(ctx context.Context, rec *domain.CKRecord) domain.StepResult {
	if len(rec.Backup.Purchases) == 0 {
		return domain.Skipped(domain.StepRestorePurchases, "no purchases in snapshot")
	}
	if _, err := s.store.DeletePurchases(ctx, rec.UserID); err != nil {
		return domain.Failed(domain.StepRestorePurchases, fmt.Errorf("clear current purchases: %w", err))
	}
	now := s.now()
	var errs []error
	for _, p := range rec.Backup.Purchases {
		p.ID = s.newID()
		p.Status = domain.PurchaseActive
		p.CreatedAt = now
		p.UpdatedAt = now
		if err := s.store.InsertPurchase(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.ItemKey, err))
		}
	}
	return joinErrs(domain.StepRestorePurchases, fmt.Sprintf("%d restored", len(rec.Backup.Purchases)-len(errs)), errs)
}

// restoreRoles re-adds removed roles by id, falling back to name for legacy
// entries. Roles deleted from the guild are reported but do not fail the step.
func (s *Service) restoreRoles(ctx context.Context, rec *domain.CKRecord) (domain.StepResult, int) {
	if len(rec.RolesRemoved) == 0 {
		return domain.Skipped(domain.StepRestoreRoles, "no roles removed"), 0
	}
	guildRoles, err := s.guild.Roles(ctx, rec.GuildID)
	if err != nil {
		return domain.Failed(domain.StepRestoreRoles, err), 0
	}
	byID := make(map[string]domain.Role, len(guildRoles))
	byName := make(map[string]domain.Role, len(guildRoles))
	for _, r := range guildRoles {
		byID[r.ID] = r
		byName[r.Name] = r
	}

	var errs []error
	var missing []string
	restored := 0
	for _, removed := range rec.RolesRemoved {
		role, ok := byID[removed.ID]
		if !ok && removed.ID == "" {
			role, ok = byName[removed.Name]
		}
		if !ok {
			missing = append(missing, removed.Name)
			continue
		}
		if err := s.guild.AddRole(ctx, rec.GuildID, rec.UserID, role.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", role.Name, err))
			continue
		}
		restored++
	}

	detail := fmt.Sprintf("%d/%d restored", restored, len(rec.RolesRemoved))
	if len(missing) > 0 {
		detail += "; no longer exist: " + strings.Join(missing, ", ")
	}
	return joinErrs(domain.StepRestoreRoles, detail, errs), restored
}

func (s *Service) logReversal(ctx context.Context, rec *domain.CKRecord, actorID string) domain.StepResult {
	err := s.store.AppendTransaction(ctx, domain.TransactionEntry{
		GuildID:         rec.GuildID,
		UserID:          rec.UserID,
		TransactionType: "character_kill_reversal",
		Amount:          rec.PreviousTotal(),
		CurrencyType:    "cash",
		Reason:          rec.ReverseReason,
		Metadata:        map[string]any{"ck_id": rec.ID},
		CreatedBy:       actorID,
		CommandName:     "ck revertir",
		CreatedAt:       s.now(),
	})
	if err != nil {
		return domain.Failed(domain.StepTransactionLog, err)
	}
	return domain.OK(domain.StepTransactionLog, "character_kill_reversal")
}
