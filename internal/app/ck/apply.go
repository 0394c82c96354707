package ck

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nacionmx/nacion/internal/domain"
	"github.com/nacionmx/nacion/internal/infra/observability"
)

// Outcome is the result class of an apply or resume.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomePartial   Outcome = "partial" // record left applying; resumable
	OutcomeLifeSaved Outcome = "life_saved"
)

// ApplyRequest is a confirmed CK order from staff.
type ApplyRequest struct {
	GuildID     string
	UserID      string
	ActorID     string
	Type        domain.CKType
	Reason      string
	EvidenceURL string
}

// Validate checks request fields.
func (r ApplyRequest) Validate() error {
	switch {
	case r.GuildID == "" || r.UserID == "" || r.ActorID == "":
		return fmt.Errorf("guild, user and actor are required")
	case !r.Type.Valid():
		return fmt.Errorf("%w: %q", domain.ErrInvalidCKType, r.Type)
	case strings.TrimSpace(r.Reason) == "":
		return fmt.Errorf("reason is required")
	case strings.TrimSpace(r.EvidenceURL) == "":
		return domain.ErrMissingEvidence
	}
	return nil
}

// ApplyResult is what the moderator sees after a CK.
type ApplyResult struct {
	Outcome Outcome
	Record  *domain.CKRecord // nil when insurance saved the user
	Report  domain.Report
}

// Apply runs a CK. Validation, locking, membership and snapshot failures are
// returned as errors with nothing mutated. Once the audit record exists the
// steps run to the end on a context detached from ctx; step failures are in
// the report, not the error.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	release, err := s.locks.Acquire(req.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := observability.StartSpan(ctx, "ck.apply", map[string]string{
		"user_id": req.UserID,
		"ck_type": string(req.Type),
	})
	defer span.End()

	log := s.log.With("user_id", req.UserID, "actor_id", req.ActorID, "ck_type", req.Type)

	member, err := s.guild.Member(ctx, req.GuildID, req.UserID)
	if err != nil {
		observability.CKOutcomes.WithLabelValues(string(req.Type), "rejected").Inc()
		return nil, fmt.Errorf("fetch member: %w", err)
	}

	// ─── Insurance Gate ─────────────────────────────────────────────────
	if !req.Type.BypassesInsurance() {
		saved, res, err := s.insuranceGate(ctx, req, member)
		if err != nil {
			observability.CKOutcomes.WithLabelValues(string(req.Type), "rejected").Inc()
			return nil, err
		}
		if saved {
			log.Info("anti-CK insurance consumed, CK cancelled")
			s.lifeSaved.Add(1)
			observability.CKOutcomes.WithLabelValues(string(req.Type), string(OutcomeLifeSaved)).Inc()
			return res, nil
		}
	}

	// ─── Snapshot ───────────────────────────────────────────────────────
	snap, err := s.BuildSnapshot(ctx, req.GuildID, req.UserID)
	if err != nil {
		observability.CKOutcomes.WithLabelValues(string(req.Type), "rejected").Inc()
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	// ─── Audit Open ─────────────────────────────────────────────────────
	rec := &domain.CKRecord{
		ID:            s.newID(),
		GuildID:       req.GuildID,
		UserID:        req.UserID,
		AppliedBy:     req.ActorID,
		Type:          req.Type,
		Reason:        req.Reason,
		EvidenceURL:   req.EvidenceURL,
		CreatedAt:     s.now(),
		PreviousCash:  snap.Balance.Cash,
		PreviousBank:  snap.Balance.Bank,
		BalanceSource: snap.Balance.Source,
		RolesRemoved:  []domain.RemovedRole{},
		Backup:        snap.Backup,
		Status:        domain.CKApplying,
		PolicyVersion: s.policy.Version,
	}

	result := &ApplyResult{Record: rec}
	result.Report.Steps = append(result.Report.Steps, snap.Report.Steps...)
	result.Report.Add(domain.Skipped(domain.StepInsurance, insuranceSkipDetail(req.Type)))

	if err := s.store.InsertCK(ctx, rec); err != nil {
		observability.CKOutcomes.WithLabelValues(string(req.Type), "rejected").Inc()
		return nil, fmt.Errorf("open audit record: %w", err)
	}
	result.Report.Add(domain.OK(domain.StepAuditOpen, rec.ID))
	log.Info("CK audit record opened", "ck_id", rec.ID, "previous_total", rec.PreviousTotal(), "balance_source", rec.BalanceSource)

	// No cancellation point from here on
	detached := context.WithoutCancel(ctx)
	s.runSaga(detached, rec, snap.CitizenID, &result.Report, nil)
	result.Outcome = s.finish(detached, rec, &result.Report)

	for _, n := range s.notifier.Notify(detached, domain.Notification{
		Kind:    domain.NotifyApplied,
		GuildID: rec.GuildID,
		UserID:  rec.UserID,
		ActorID: rec.AppliedBy,
		Record:  rec,
		Reason:  rec.Reason,
		Report:  &result.Report,
	}) {
		result.Report.Add(n)
	}
	return result, nil
}

func insuranceSkipDetail(t domain.CKType) string {
	if t.BypassesInsurance() {
		return "bypassed by " + string(t)
	}
	return "no active insurance"
}

// insuranceGate cancels the CK when the user holds anti-CK insurance. The
// role is removed and one purchase consumed; nothing else is touched and no
// record is written. A failed purchase lookup aborts the CK.
func (s *Service) insuranceGate(ctx context.Context, req ApplyRequest, member *domain.Member) (bool, *ApplyResult, error) {
	hasRole := s.policy.AntiCKRoleID != "" && member.HasRole(s.policy.AntiCKRoleID)
	purchase, err := s.store.FindActivePurchase(ctx, req.UserID, s.policy.AntiCKItemKey)
	if err != nil {
		return false, nil, fmt.Errorf("insurance lookup: %w", err)
	}
	if !hasRole && purchase == nil {
		return false, nil, nil
	}

	res := &ApplyResult{Outcome: OutcomeLifeSaved}
	var errs []error
	var done []string
	if hasRole {
		if err := s.guild.RemoveRole(ctx, req.GuildID, req.UserID, s.policy.AntiCKRoleID); err != nil {
			errs = append(errs, fmt.Errorf("remove insurance role: %w", err))
		} else {
			done = append(done, "role removed")
		}
	}
	if purchase != nil {
		if err := s.store.ConsumePurchase(ctx, purchase.ID, s.now()); err != nil {
			errs = append(errs, fmt.Errorf("consume purchase %s: %w", purchase.ID, err))
		} else {
			done = append(done, "purchase consumed")
			observability.InsuranceConsumed.Inc()
		}
	}
	res.Report.Add(joinErrs(domain.StepInsurance, strings.Join(done, ", "), errs))

	for _, n := range s.notifier.Notify(ctx, domain.Notification{
		Kind:    domain.NotifyLifeSaved,
		GuildID: req.GuildID,
		UserID:  req.UserID,
		ActorID: req.ActorID,
		Reason:  req.Reason,
		Report:  &res.Report,
	}) {
		res.Report.Add(n)
	}
	return true, res, nil
}

// ─── Reset Steps ────────────────────────────────────────────────────────────

// runSaga runs every reset step not yet done on rec, then the transaction
// log entry. force lists steps to re-run even if recorded as done.
func (s *Service) runSaga(ctx context.Context, rec *domain.CKRecord, citizenID string, report *domain.Report, force map[domain.StepName]bool) {
	steps := append(slices.Clone(domain.ResetSteps), domain.StepTransactionLog)
	for _, step := range steps {
		if rec.StepDone(step) && !force[step] {
			continue
		}
		fn := s.resetStep(rec, step, citizenID)
		res := s.runStep(ctx, rec, step, fn)
		rec.RecordStep(res)
		report.Add(res)

		if err := s.store.UpdateCKProgress(ctx, rec); err != nil {
			s.log.Error("persist step progress failed", "ck_id", rec.ID, "step", step, "error", err)
		}
	}
}

func (s *Service) resetStep(rec *domain.CKRecord, step domain.StepName, citizenID string) stepFunc {
	switch step {
	case domain.StepBalance:
		return func(ctx context.Context) domain.StepResult { return s.zeroBalance(ctx, rec) }
	case domain.StepCompanies:
		return func(ctx context.Context) domain.StepResult { return s.seizeCompanies(ctx, rec) }
	case domain.StepEmployments:
		return func(ctx context.Context) domain.StepResult {
			n, err := s.store.DeleteEmployments(ctx, rec.UserID)
			if err != nil {
				return domain.Failed(step, err)
			}
			return domain.OK(step, fmt.Sprintf("%d removed", n))
		}
	case domain.StepCards:
		return func(ctx context.Context) domain.StepResult { return s.deleteCards(ctx, rec, citizenID) }
	case domain.StepRoles:
		return func(ctx context.Context) domain.StepResult { return s.removeRoles(ctx, rec) }
	case domain.StepCooldowns:
		return func(ctx context.Context) domain.StepResult { return s.writeCooldowns(ctx, rec) }
	case domain.StepDNI:
		return func(ctx context.Context) domain.StepResult {
			if err := s.store.DeleteDNI(ctx, rec.UserID); err != nil {
				return domain.Failed(step, err)
			}
			return domain.OK(step, "deleted")
		}
	case domain.StepPurchases:
		return func(ctx context.Context) domain.StepResult {
			n, err := s.store.DeletePurchases(ctx, rec.UserID)
			if err != nil {
				return domain.Failed(step, err)
			}
			return domain.OK(step, fmt.Sprintf("%d removed", n))
		}
	case domain.StepTransactionLog:
		return func(ctx context.Context) domain.StepResult { return s.logTransaction(ctx, rec) }
	}
	return func(context.Context) domain.StepResult {
		return domain.Failed(step, fmt.Errorf("unknown step %q", step))
	}
}

func (s *Service) zeroBalance(ctx context.Context, rec *domain.CKRecord) domain.StepResult {
	zero := domain.Balance{}
	if err := s.store.UpsertLocalBalance(ctx, rec.GuildID, rec.UserID, zero); err != nil {
		return domain.Failed(domain.StepBalance, fmt.Errorf("local balance: %w", err))
	}
	if !s.ledger.Enabled() {
		s.log.Warn("ledger disabled, only the local balance was zeroed", "ck_id", rec.ID)
		return domain.Skipped(domain.StepBalance, "ledger disabled; local balance zeroed")
	}
	reason := fmt.Sprintf("%s: %s", rec.Type, rec.Reason)
	if err := s.ledger.SetBalance(ctx, rec.GuildID, rec.UserID, zero, reason); err != nil {
		return domain.Failed(domain.StepBalance, fmt.Errorf("ledger: %w", err))
	}
	return domain.OK(domain.StepBalance, fmt.Sprintf("%d removed", rec.PreviousTotal()))
}

// seizeCompanies removes the user from each backed-up company. A company
// left without owners is seized and renamed from its snapshot name, so
// re-running never stacks suffixes.
func (s *Service) seizeCompanies(ctx context.Context, rec *domain.CKRecord) domain.StepResult {
	var errs []error
	seized, reduced := 0, 0
	for _, snapCompany := range rec.Backup.Companies {
		current, err := s.store.GetCompany(ctx, snapCompany.ID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", snapCompany.Name, err))
			continue
		}
		owners := current.WithoutOwner(rec.UserID)
		if len(owners) == 0 {
			err = s.store.UpdateOwnership(ctx, current.ID, owners, domain.CompanySeized, s.policy.SeizedName(snapCompany.Name))
			if err == nil {
				seized++
			}
		} else {
			err = s.store.UpdateOwnership(ctx, current.ID, owners, current.Status, current.Name)
			if err == nil {
				reduced++
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", snapCompany.Name, err))
		}
	}
	return joinErrs(domain.StepCompanies, fmt.Sprintf("%d seized, %d co-owned", seized, reduced), errs)
}

// deleteCards hard-deletes cards through every owner column. Each path is
// independent; one failing does not stop the others.
func (s *Service) deleteCards(ctx context.Context, rec *domain.CKRecord, citizenID string) domain.StepResult {
	citizens := map[string]bool{}
	if citizenID != "" {
		citizens[citizenID] = true
	}
	for _, c := range rec.Backup.Cards {
		if c.CitizenID != "" {
			citizens[c.CitizenID] = true
		}
	}

	var errs []error
	var total int64
	for cid := range citizens {
		n, err := s.store.DeleteCardsByCitizen(ctx, cid)
		if err != nil {
			errs = append(errs, fmt.Errorf("by citizen: %w", err))
		}
		total += n
	}
	n, err := s.store.DeleteCardsByUser(ctx, rec.UserID)
	if err != nil {
		errs = append(errs, fmt.Errorf("by user: %w", err))
	}
	total += n
	n, err = s.store.DeleteCardsByDiscordID(ctx, rec.UserID)
	if err != nil {
		errs = append(errs, fmt.Errorf("by discord id: %w", err))
	}
	total += n
	return joinErrs(domain.StepCards, fmt.Sprintf("%d deleted", total), errs)
}

// removeRoles strips every role the policy allows. Roles already recorded
// from an earlier attempt are kept.
func (s *Service) removeRoles(ctx context.Context, rec *domain.CKRecord) domain.StepResult {
	member, err := s.guild.Member(ctx, rec.GuildID, rec.UserID)
	if err != nil {
		return domain.Failed(domain.StepRoles, err)
	}

	recorded := make(map[string]bool, len(rec.RolesRemoved))
	for _, r := range rec.RolesRemoved {
		recorded[r.ID] = true
	}

	var errs []error
	removed := 0
	for _, role := range member.Roles {
		if !s.policy.ShouldRemove(role, rec.GuildID) {
			continue
		}
		if err := s.guild.RemoveRole(ctx, rec.GuildID, rec.UserID, role.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", role.Name, err))
			continue
		}
		removed++
		if !recorded[role.ID] {
			rec.RolesRemoved = append(rec.RolesRemoved, domain.RemovedRole{ID: role.ID, Name: role.Name})
			recorded[role.ID] = true
		}
	}
	return joinErrs(domain.StepRoles, fmt.Sprintf("%d removed", removed), errs)
}

func (s *Service) writeCooldowns(ctx context.Context, rec *domain.CKRecord) domain.StepResult {
	expires := s.now().Add(s.policy.Cooldown)
	var cds []domain.RoleCooldown
	for _, r := range rec.RolesRemoved {
		if r.ID == "" || !s.policy.CooldownApplies(r.ID) {
			continue
		}
		cds = append(cds, domain.RoleCooldown{UserID: rec.UserID, RoleID: r.ID, RoleName: r.Name, ExpiresAt: expires})
	}
	if err := s.store.UpsertCooldowns(ctx, cds); err != nil {
		return domain.Failed(domain.StepCooldowns, err)
	}
	return domain.OK(domain.StepCooldowns, fmt.Sprintf("%d roles until %s", len(cds), expires.Format("2006-01-02")))
}

func (s *Service) logTransaction(ctx context.Context, rec *domain.CKRecord) domain.StepResult {
	err := s.store.AppendTransaction(ctx, domain.TransactionEntry{
		GuildID:         rec.GuildID,
		UserID:          rec.UserID,
		TransactionType: "character_kill",
		Amount:          -rec.PreviousTotal(),
		CurrencyType:    "cash",
		Reason:          fmt.Sprintf("%s: %s", rec.Type, rec.Reason),
		Metadata: map[string]any{
			"ck_id":         rec.ID,
			"ck_type":       string(rec.Type),
			"previous_cash": rec.PreviousCash,
			"previous_bank": rec.PreviousBank,
		},
		CreatedBy:   rec.AppliedBy,
		CommandName: "ck",
		CanRollback: true,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return domain.Failed(domain.StepTransactionLog, err)
	}
	return domain.OK(domain.StepTransactionLog, "character_kill")
}
