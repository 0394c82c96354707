package ck

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nacionmx/nacion/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════
// End-to-End
// ═══════════════════════════════════════════════════════════════════════════

func TestApplyAndRevert_Acme(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()

	// ─── Apply ──────────────────────────────────────────────────────────
	res, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome, res.Report.Summary())
	require.Empty(t, res.Report.Failed(), res.Report.Summary())

	assert.Equal(t, domain.Balance{}, f.ledger.balance(userU), "ledger zeroed")

	cards, err := f.db.ListCards(ctx, userU, "cit-u")
	require.NoError(t, err)
	assert.Empty(t, cards, "card row deleted")

	acme, err := f.db.GetCompany(ctx, "co-acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme (Expropiada)", acme.Name)
	assert.Empty(t, acme.OwnerIDs)
	assert.Equal(t, domain.CompanySeized, acme.Status)

	dni, err := f.db.GetDNI(ctx, userU)
	require.NoError(t, err)
	assert.Nil(t, dni)

	purchases, _ := f.db.ListPurchases(ctx, userU, "")
	assert.Empty(t, purchases)
	jobs, _ := f.db.ListEmployments(ctx, userU)
	assert.Empty(t, jobs)

	rec, err := f.db.LatestCK(ctx, userU)
	require.NoError(t, err)
	assert.Equal(t, domain.CKApplied, rec.Status)
	assert.Equal(t, int64(1000), rec.PreviousCash)
	assert.Equal(t, int64(5000), rec.PreviousBank)
	assert.Equal(t, domain.SourceLedger, rec.BalanceSource)
	assert.Equal(t, "test-1", rec.PolicyVersion)
	require.NotNil(t, rec.Backup)
	require.Len(t, rec.Backup.Companies, 1)
	backed := rec.Backup.Companies[0]
	assert.Equal(t, "co-acme", backed.ID)
	assert.Equal(t, "Acme", backed.Name)
	assert.Equal(t, []string{userU}, backed.OwnerIDs)
	assert.Equal(t, domain.CompanyActive, backed.Status)

	// Protected, managed and @everyone roles stay; the rest are recorded by id
	assert.ElementsMatch(t, []string{roleCivil.ID, roleStaff.ID, roleBot.ID, guildID}, f.guild.roleIDs(userU))
	assert.ElementsMatch(t, []domain.RemovedRole{
		{ID: rolePolice.ID, Name: rolePolice.Name},
		{ID: roleDriving.ID, Name: roleDriving.Name},
	}, rec.RolesRemoved)

	// The driving license is cooldown exempt
	cds, err := f.db.ActiveCooldowns(ctx, userU, f.clock)
	require.NoError(t, err)
	require.Len(t, cds, 1)
	assert.Equal(t, rolePolice.ID, cds[0].RoleID)
	assert.True(t, f.clock.Add(domain.DefaultCooldown).Equal(cds[0].ExpiresAt), cds[0].ExpiresAt)

	txs, err := f.db.ListTransactions(ctx, userU)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "character_kill", txs[0].TransactionType)
	assert.Equal(t, int64(-6000), txs[0].Amount)

	// ─── Revert ─────────────────────────────────────────────────────────
	rev, err := f.svc.Revert(ctx, RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "error de staff"})
	require.NoError(t, err)
	require.True(t, rev.Reversed, rev.Report.Summary())
	assert.Equal(t, 2, rev.RolesRestored)

	assert.Equal(t, domain.Balance{Cash: 1000, Bank: 5000}, f.ledger.balance(userU))

	acme, err = f.db.GetCompany(ctx, "co-acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme", acme.Name)
	assert.Equal(t, domain.CompanyActive, acme.Status)
	assert.Contains(t, acme.OwnerIDs, userU)

	dni, _ = f.db.GetDNI(ctx, userU)
	require.NotNil(t, dni)
	assert.Equal(t, "MX-123", dni.DNINumber)

	cards, _ = f.db.ListCards(ctx, userU, "cit-u")
	require.Len(t, cards, 1)
	assert.Equal(t, "card-1", cards[0].ID)
	assert.True(t, cards[0].Active)

	purchases, _ = f.db.ListPurchases(ctx, userU, domain.PurchaseActive)
	require.Len(t, purchases, 1)
	assert.Equal(t, "vip_pass", purchases[0].ItemKey)
	assert.NotEqual(t, "pur-1", purchases[0].ID, "restored purchases get fresh ids")

	jobs, _ = f.db.ListEmployments(ctx, userU)
	assert.Len(t, jobs, 1)

	assert.ElementsMatch(t,
		[]string{roleCivil.ID, roleStaff.ID, roleBot.ID, guildID, rolePolice.ID, roleDriving.ID},
		f.guild.roleIDs(userU))

	rec, _ = f.db.GetCK(ctx, rec.ID)
	assert.Equal(t, domain.CKReversed, rec.Status)
	assert.Equal(t, adminID, rec.ReversedBy)
	assert.Equal(t, "error de staff", rec.ReverseReason)
	require.NotNil(t, rec.ReversedAt)
	// The snapshot is never rewritten by a reversal
	assert.Equal(t, int64(1000), rec.PreviousCash)
	assert.Equal(t, "Acme", rec.Backup.Companies[0].Name)

	assert.Equal(t, []domain.NotificationKind{domain.NotifyApplied, domain.NotifyReversed}, f.notifier.kinds())
}

// ═══════════════════════════════════════════════════════════════════════════
// Company Reconciliation
// ═══════════════════════════════════════════════════════════════════════════

func TestRevert_CompanyGainedNewOwner_IsUnion(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)

	// The government sold the seized company before the reversal
	require.NoError(t, f.db.UpdateOwnership(ctx, "co-acme", []string{"buyer"}, domain.CompanyActive, "Acme Nueva"))

	rev, err := f.svc.Revert(ctx, RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "apelación"})
	require.NoError(t, err)
	require.True(t, rev.Reversed, rev.Report.Summary())

	acme, err := f.db.GetCompany(ctx, "co-acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"buyer", userU}, acme.OwnerIDs)
	assert.Equal(t, domain.CompanyActive, acme.Status)
	assert.Equal(t, "Acme", acme.Name)
}

func TestApply_CoOwnedCompanyStaysActive(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	require.NoError(t, f.db.UpsertCompany(ctx, domain.Company{ID: "co-shared", Name: "Bodega", OwnerIDs: []string{userU, "partner"}, Status: domain.CompanyActive}))

	_, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)

	shared, err := f.db.GetCompany(ctx, "co-shared")
	require.NoError(t, err)
	assert.Equal(t, []string{"partner"}, shared.OwnerIDs)
	assert.Equal(t, domain.CompanyActive, shared.Status)
	assert.Equal(t, "Bodega", shared.Name)
}

func TestRevert_DeletedCompanyIsReported(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	f.store.goneCompany = "co-acme"

	rev, err := f.svc.Revert(ctx, RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "x"})
	require.NoError(t, err)
	assert.False(t, rev.Reversed)

	step, ok := rev.Report.Get(domain.StepRestoreCompanies)
	require.True(t, ok)
	assert.Equal(t, domain.StepFailed, step.Status)
	assert.Contains(t, step.Err, "no longer exists")
}

// ═══════════════════════════════════════════════════════════════════════════
// Insurance
// ═══════════════════════════════════════════════════════════════════════════

func TestApply_InsuranceSavesLife(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	require.NoError(t, f.db.InsertPurchase(ctx, domain.Purchase{ID: "ins-1", UserID: userU, ItemKey: "anti_ck", Status: domain.PurchaseActive, UsesRemaining: 1}))
	require.NoError(t, f.db.InsertPurchase(ctx, domain.Purchase{ID: "ins-2", UserID: userU, ItemKey: "anti_ck", Status: domain.PurchaseActive, UsesRemaining: 1}))
	f.guild.join(userU, roleCivil.ID, rolePolice.ID, roleAntiCK.ID)

	res, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	assert.Equal(t, OutcomeLifeSaved, res.Outcome)
	assert.Nil(t, res.Record)

	// Nothing but the insurance changed
	assert.Equal(t, 0, f.ledger.sets)
	assert.Equal(t, domain.Balance{Cash: 1000, Bank: 5000}, f.ledger.balance(userU))
	dni, _ := f.db.GetDNI(ctx, userU)
	assert.NotNil(t, dni)
	cards, _ := f.db.ListCards(ctx, userU, "cit-u")
	assert.Len(t, cards, 1)
	assert.ElementsMatch(t, []string{roleCivil.ID, rolePolice.ID}, f.guild.roleIDs(userU))

	_, err = f.db.LatestCK(ctx, userU)
	assert.ErrorIs(t, err, domain.ErrNoCKRecord)

	// Exactly one policy was used up
	consumed, _ := f.db.ListPurchases(ctx, userU, domain.PurchaseConsumed)
	assert.Len(t, consumed, 1)
	active, _ := f.db.ListPurchases(ctx, userU, domain.PurchaseActive)
	assert.Len(t, active, 2, "vip_pass and the second anti_ck stay active")

	assert.Equal(t, []domain.NotificationKind{domain.NotifyLifeSaved}, f.notifier.kinds())
}

func TestApply_InsuranceLookupFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	require.NoError(t, f.db.InsertPurchase(ctx, domain.Purchase{ID: "ins-1", UserID: userU, ItemKey: "anti_ck", Status: domain.PurchaseActive, UsesRemaining: 1}))
	f.store.failFindBuy = errBoom

	_, err := f.svc.Apply(ctx, f.applyReq())
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, 0, f.ledger.sets)
	active, _ := f.db.ListPurchases(ctx, userU, domain.PurchaseActive)
	assert.Len(t, active, 2, "insurance and vip_pass untouched")
	dni, _ := f.db.GetDNI(ctx, userU)
	assert.NotNil(t, dni)
	assert.Len(t, f.guild.roleIDs(userU), 6)
	_, err = f.db.LatestCK(ctx, userU)
	assert.ErrorIs(t, err, domain.ErrNoCKRecord)
	assert.Empty(t, f.notifier.kinds())
}

func TestApply_AdminCKBypassesInsurance(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	f.guild.join(userU, rolePolice.ID, roleAntiCK.ID)

	req := f.applyReq()
	req.Type = domain.CKAdmin
	res, err := f.svc.Apply(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	require.NotNil(t, res.Record)

	step, ok := res.Report.Get(domain.StepInsurance)
	require.True(t, ok)
	assert.Equal(t, domain.StepSkipped, step.Status)
	assert.Equal(t, 1, f.ledger.sets)
}

// ═══════════════════════════════════════════════════════════════════════════
// Preconditions
// ═══════════════════════════════════════════════════════════════════════════

func TestApply_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := f.applyReq()
	bad.Type = "CK Falso"
	_, err := f.svc.Apply(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidCKType)

	bad = f.applyReq()
	bad.EvidenceURL = " "
	_, err = f.svc.Apply(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrMissingEvidence)

	// Not in the guild
	_, err = f.svc.Apply(ctx, f.applyReq())
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)
}

func TestApply_BalanceUnknownAbortsBeforeMutation(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	f.ledger.getErr = errBoom
	f.store.failLocal = errBoom

	_, err := f.svc.Apply(ctx, f.applyReq())
	require.ErrorIs(t, err, domain.ErrBalanceUnknown)
	assert.True(t, domain.IsPrecondition(err))

	assert.Equal(t, 0, f.ledger.sets)
	dni, _ := f.db.GetDNI(ctx, userU)
	assert.NotNil(t, dni)
	_, err = f.db.LatestCK(ctx, userU)
	assert.ErrorIs(t, err, domain.ErrNoCKRecord)
}

func TestApply_LedgerReadFailureAbortsBeforeMutation(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	// A stale local row must not stand in for the ledger
	require.NoError(t, f.db.UpsertLocalBalance(ctx, guildID, userU, domain.Balance{}))
	f.ledger.getErr = errBoom

	_, err := f.svc.Apply(ctx, f.applyReq())
	require.ErrorIs(t, err, domain.ErrBalanceUnknown)

	assert.Equal(t, 0, f.ledger.sets)
	assert.Equal(t, domain.Balance{Cash: 1000, Bank: 5000}, f.ledger.balance(userU))
	dni, _ := f.db.GetDNI(ctx, userU)
	assert.NotNil(t, dni)
	_, err = f.db.LatestCK(ctx, userU)
	assert.ErrorIs(t, err, domain.ErrNoCKRecord)

	// Once the ledger answers, the full amount is recorded and restored
	f.ledger.getErr = nil
	res, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	assert.Equal(t, int64(6000), res.Record.PreviousTotal())
	assert.Equal(t, domain.SourceLedger, res.Record.BalanceSource)

	rev, err := f.svc.Revert(ctx, RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "x"})
	require.NoError(t, err)
	assert.True(t, rev.Reversed)
	assert.Equal(t, domain.Balance{Cash: 1000, Bank: 5000}, f.ledger.balance(userU))
}

func TestApply_LedgerZeroIsAuthoritative(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	f.ledger.balances[userU] = domain.Balance{}
	require.NoError(t, f.db.UpsertLocalBalance(ctx, guildID, userU, domain.Balance{Cash: 500, Bank: 500}))

	res, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Record.PreviousTotal())
	assert.Equal(t, domain.SourceLedger, res.Record.BalanceSource)
}

func TestApply_LedgerDisabledUsesLocal(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	f.ledger.enabled = false
	require.NoError(t, f.db.UpsertLocalBalance(ctx, guildID, userU, domain.Balance{Cash: 10, Bank: 20}))

	res, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, int64(30), res.Record.PreviousTotal())

	step, _ := res.Report.Get(domain.StepBalance)
	assert.Equal(t, domain.StepSkipped, step.Status)
	assert.Equal(t, 0, f.ledger.sets)
}

func TestApply_AuditInsertFailureMutatesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	f.store.failInsertCK = errBoom

	_, err := f.svc.Apply(ctx, f.applyReq())
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, f.ledger.sets)
	assert.Len(t, f.guild.roleIDs(userU), 6)
}

func TestApply_UserLocked(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)

	release, err := f.svc.locks.Acquire(userU)
	require.NoError(t, err)
	defer release()

	_, err = f.svc.Apply(context.Background(), f.applyReq())
	assert.ErrorIs(t, err, domain.ErrCKInProgress)
	_, err = f.svc.Revert(context.Background(), RevertRequest{UserID: userU, ActorID: adminID, Reason: "x"})
	assert.ErrorIs(t, err, domain.ErrCKInProgress)
}

func TestApply_CanceledContextStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)

	// The caller goes away right after the audit record is written
	ctx, cancel := context.WithCancel(context.Background())
	f.store.onInsertCK = cancel
	res, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome, res.Report.Summary())

	dni, err := f.db.GetDNI(context.Background(), userU)
	require.NoError(t, err)
	assert.Nil(t, dni)
}

// ═══════════════════════════════════════════════════════════════════════════
// Saga: Partial Failure and Resume
// ═══════════════════════════════════════════════════════════════════════════

func TestApply_PartialFailureThenResume(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	f.store.failCards = errBoom
	f.store.failDNI = errBoom

	res, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)

	var failed []domain.StepName
	for _, s := range res.Report.Failed() {
		failed = append(failed, s.Step)
	}
	assert.ElementsMatch(t, []domain.StepName{domain.StepCards, domain.StepDNI}, failed)
	// Later steps still ran
	purchases, _ := f.db.ListPurchases(ctx, userU, "")
	assert.Empty(t, purchases)

	rec, err := f.db.GetCK(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CKApplying, rec.Status)
	assert.False(t, rec.StepDone(domain.StepDNI))
	assert.True(t, rec.StepDone(domain.StepBalance))

	f.store.heal()
	resumed, err := f.svc.Resume(ctx, ResumeRequest{RecordID: rec.ID, ActorID: adminID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, resumed.Outcome, resumed.Report.Summary())

	// Only the failed steps ran again
	for _, s := range resumed.Report.Steps {
		assert.NotEqual(t, domain.StepBalance, s.Step)
	}
	assert.Equal(t, 1, f.ledger.sets)

	dni, _ := f.db.GetDNI(ctx, userU)
	assert.Nil(t, dni)
	rec, _ = f.db.GetCK(ctx, rec.ID)
	assert.Equal(t, domain.CKApplied, rec.Status)

	_, err = f.svc.Resume(ctx, ResumeRequest{RecordID: rec.ID, ActorID: adminID})
	assert.ErrorIs(t, err, domain.ErrNotApplying)
}

func TestResume_UnknownRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Resume(context.Background(), ResumeRequest{RecordID: "nope"})
	assert.ErrorIs(t, err, domain.ErrNoCKRecord)
}

func TestResume_RoleRetryRefreshesCooldowns(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	f.guild.failRemove[rolePolice.ID] = errBoom

	res, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	require.Equal(t, OutcomePartial, res.Outcome)
	cds, _ := f.db.ActiveCooldowns(ctx, userU, f.clock)
	assert.Empty(t, cds, "police was not removed yet")

	delete(f.guild.failRemove, rolePolice.ID)
	resumed, err := f.svc.Resume(ctx, ResumeRequest{RecordID: res.Record.ID})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, resumed.Outcome, resumed.Report.Summary())

	cds, _ = f.db.ActiveCooldowns(ctx, userU, f.clock)
	require.Len(t, cds, 1)
	assert.Equal(t, rolePolice.ID, cds[0].RoleID)
}

func TestRevert_FromApplyingRecord(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	f.store.failDNI = errBoom

	res, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	require.Equal(t, OutcomePartial, res.Outcome)
	f.store.heal()

	rev, err := f.svc.Revert(ctx, RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "abortado"})
	require.NoError(t, err)
	assert.True(t, rev.Reversed, rev.Report.Summary())
	assert.Equal(t, domain.Balance{Cash: 1000, Bank: 5000}, f.ledger.balance(userU))
}

// ═══════════════════════════════════════════════════════════════════════════
// Reversal
// ═══════════════════════════════════════════════════════════════════════════

func TestRevert_NoRecord(t *testing.T) {
	f := newFixture(t)
	f.guild.join(userU)
	_, err := f.svc.Revert(context.Background(), RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "x"})
	assert.ErrorIs(t, err, domain.ErrNoCKRecord)
}

func TestRevert_LegacyRecordRefusedWithoutPartialRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.guild.join(userU, roleCivil.ID)
	require.NoError(t, f.db.InsertCK(ctx, &domain.CKRecord{
		ID:           "legacy",
		GuildID:      guildID,
		UserID:       userU,
		AppliedBy:    modID,
		Type:         domain.CKNormal,
		Reason:       "antes de backups",
		PreviousCash: 999,
		RolesRemoved: []domain.RemovedRole{{Name: rolePolice.Name}},
		Status:       domain.CKApplied,
	}))

	_, err := f.svc.Revert(ctx, RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "x"})
	require.ErrorIs(t, err, domain.ErrNoBackup)

	assert.Equal(t, 0, f.ledger.sets)
	assert.Equal(t, []string{roleCivil.ID}, f.guild.roleIDs(userU))
	local, _ := f.db.GetLocalBalance(ctx, guildID, userU)
	assert.Nil(t, local)
	rec, _ := f.db.GetCK(ctx, "legacy")
	assert.Equal(t, domain.CKApplied, rec.Status)
	assert.Empty(t, f.notifier.kinds())
}

func TestRevert_TwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	req := RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "x"}
	_, err = f.svc.Revert(ctx, req)
	require.NoError(t, err)

	f.ledger.balances[userU] = domain.Balance{Cash: 1}
	_, err = f.svc.Revert(ctx, req)
	assert.ErrorIs(t, err, domain.ErrAlreadyReversed)
	assert.Equal(t, domain.Balance{Cash: 1}, f.ledger.balance(userU), "second reversal must not pay out again")
}

func TestRevert_KeepsPurchasesBoughtAfterCK(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()
	_, err := f.db.DeletePurchases(ctx, userU)
	require.NoError(t, err)

	_, err = f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	require.NoError(t, f.db.InsertPurchase(ctx, domain.Purchase{ID: "ins-new", UserID: userU, ItemKey: "anti_ck", Status: domain.PurchaseActive, UsesRemaining: 1}))

	res, err := f.svc.Revert(ctx, RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "x"})
	require.NoError(t, err)
	assert.True(t, res.Reversed)

	step, ok := res.Report.Get(domain.StepRestorePurchases)
	require.True(t, ok)
	assert.Equal(t, domain.StepSkipped, step.Status)

	active, _ := f.db.ListPurchases(ctx, userU, domain.PurchaseActive)
	require.Len(t, active, 1)
	assert.Equal(t, "ins-new", active[0].ID)
}

func TestRevert_MemberLeftGuild(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	sets := f.ledger.sets
	delete(f.guild.members, userU)

	_, err = f.svc.Revert(ctx, RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "x"})
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)
	assert.Equal(t, sets, f.ledger.sets)
}

func TestRevert_DeletedRoleIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)

	// Police role deleted from the guild, license role renamed
	f.guild.roles = []domain.Role{roleCivil, {ID: roleDriving.ID, Name: "Conducir"}, roleStaff, roleBot}

	rev, err := f.svc.Revert(ctx, RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "x"})
	require.NoError(t, err)
	assert.True(t, rev.Reversed, rev.Report.Summary())
	assert.Equal(t, 1, rev.RolesRestored)

	step, _ := rev.Report.Get(domain.StepRestoreRoles)
	assert.Equal(t, domain.StepOK, step.Status)
	assert.Contains(t, step.Detail, rolePolice.Name)
	assert.Contains(t, f.guild.roleIDs(userU), roleDriving.ID)
}

func TestRevert_FailedStepKeepsRecordForRetry(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()

	res, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)

	f.ledger.setErr = errBoom
	req := RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "x"}
	rev, err := f.svc.Revert(ctx, req)
	require.NoError(t, err)
	assert.False(t, rev.Reversed)
	mark, _ := rev.Report.Get(domain.StepMarkReversed)
	assert.Equal(t, domain.StepSkipped, mark.Status)

	rec, _ := f.db.GetCK(ctx, res.Record.ID)
	assert.Equal(t, domain.CKApplied, rec.Status)

	// Retry is idempotent: no duplicate cards, owners or purchases
	f.ledger.setErr = nil
	rev, err = f.svc.Revert(ctx, req)
	require.NoError(t, err)
	assert.True(t, rev.Reversed, rev.Report.Summary())

	cards, _ := f.db.ListCards(ctx, userU, "cit-u")
	assert.Len(t, cards, 1)
	acme, _ := f.db.GetCompany(ctx, "co-acme")
	assert.Equal(t, []string{userU}, acme.OwnerIDs)
	purchases, _ := f.db.ListPurchases(ctx, userU, "")
	assert.Len(t, purchases, 1)
	assert.Equal(t, domain.Balance{Cash: 1000, Bank: 5000}, f.ledger.balance(userU))
}

// ═══════════════════════════════════════════════════════════════════════════
// History and Stats
// ═══════════════════════════════════════════════════════════════════════════

func TestHistoryAndStats(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, f.applyReq())
	require.NoError(t, err)
	_, err = f.svc.Revert(ctx, RevertRequest{GuildID: guildID, UserID: userU, ActorID: adminID, Reason: "x"})
	require.NoError(t, err)

	hist, err := f.svc.History(ctx, userU)
	require.NoError(t, err)
	require.Len(t, hist, 1)

	got, err := f.svc.Record(ctx, hist[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CKReversed, got.Status)

	st := f.svc.Stats()
	assert.Equal(t, int64(1), st.Applied)
	assert.Equal(t, int64(1), st.Reversed)
	assert.Equal(t, 0, st.Active)

	totals, err := f.svc.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.CKStatus]int{domain.CKReversed: 1}, totals)

	txs, err := f.svc.Transactions(ctx, userU)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "character_kill", txs[0].TransactionType)
	assert.Equal(t, "character_kill_reversal", txs[1].TransactionType)
}

// ═══════════════════════════════════════════════════════════════════════════
// Locks
// ═══════════════════════════════════════════════════════════════════════════

func TestUserLocks_OnlyOneHolder(t *testing.T) {
	defer goleak.VerifyNone(t)

	locks := newUserLocks()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var releases []func()
	busy := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire("u1")
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, domain.ErrCKInProgress) {
				busy++
				return
			}
			releases = append(releases, release)
		}()
	}
	wg.Wait()

	require.Len(t, releases, 1)
	assert.Equal(t, 19, busy)
	assert.Equal(t, 1, locks.Len())

	// Release is idempotent
	releases[0]()
	releases[0]()
	assert.Equal(t, 0, locks.Len())

	_, err := locks.Acquire("u1")
	assert.NoError(t, err)
	_, err = locks.Acquire("u2")
	assert.NoError(t, err)
}

func TestReportSummaryMentionsFailures(t *testing.T) {
	f := newFixture(t)
	f.seedAcme(t)
	f.store.failDNI = errBoom

	res, err := f.svc.Apply(context.Background(), f.applyReq())
	require.NoError(t, err)
	assert.True(t, strings.Contains(res.Report.Summary(), "❌ dni"), res.Report.Summary())
}
