package ck

import (
	"context"
	"fmt"

	"github.com/nacionmx/nacion/internal/domain"
	"github.com/nacionmx/nacion/internal/infra/observability"
)

// finish closes the audit record. It flips the status to applied only when
// every reset step is done; otherwise the record stays applying.
func (s *Service) finish(ctx context.Context, rec *domain.CKRecord, report *domain.Report) Outcome {
	outcome := OutcomeApplied
	for _, step := range domain.ResetSteps {
		if !rec.StepDone(step) {
			outcome = OutcomePartial
		}
	}
	if !rec.StepDone(domain.StepTransactionLog) {
		outcome = OutcomePartial
	}

	if outcome == OutcomeApplied {
		rec.Status = domain.CKApplied
	}
	if err := s.store.UpdateCKProgress(ctx, rec); err != nil {
		s.log.Error("close audit record failed", "ck_id", rec.ID, "error", err)
		report.Add(domain.Failed(domain.StepAuditClose, err))
		if outcome == OutcomeApplied {
			// The row still says applying; resume will close it
			outcome = OutcomePartial
			rec.Status = domain.CKApplying
		}
	} else {
		report.Add(domain.OK(domain.StepAuditClose, string(rec.Status)))
	}

	switch outcome {
	case OutcomeApplied:
		s.applied.Add(1)
	default:
		s.partial.Add(1)
	}
	observability.CKOutcomes.WithLabelValues(string(rec.Type), string(outcome)).Inc()
	s.log.Info("CK finished", "ck_id", rec.ID, "user_id", rec.UserID, "outcome", outcome, "failed_steps", len(report.Failed()))
	return outcome
}

// ResumeRequest asks to complete a record left applying.
type ResumeRequest struct {
	RecordID string
	ActorID  string
}

// Resume re-runs every reset step of an applying record that did not
// succeed, using the stored snapshot. Re-running roles also re-runs
// cooldowns so late removals get one.
func (s *Service) Resume(ctx context.Context, req ResumeRequest) (*ApplyResult, error) {
	rec, err := s.store.GetCK(ctx, req.RecordID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNoCKRecord, req.RecordID)
		}
		return nil, err
	}

	release, err := s.locks.Acquire(rec.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the lock
	rec, err = s.store.GetCK(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.CKApplying {
		return nil, fmt.Errorf("%w: status %s", domain.ErrNotApplying, rec.Status)
	}
	if rec.Backup == nil {
		return nil, domain.ErrNoBackup
	}

	ctx, span := observability.StartSpan(ctx, "ck.resume", map[string]string{"ck_id": rec.ID})
	defer span.End()

	s.log.Info("resuming CK", "ck_id", rec.ID, "user_id", rec.UserID, "actor_id", req.ActorID)

	citizenID, err := s.store.CitizenID(ctx, rec.UserID)
	if err != nil {
		s.log.Warn("citizen lookup failed, using card snapshot ids", "ck_id", rec.ID, "error", err)
	}

	force := map[domain.StepName]bool{}
	if !rec.StepDone(domain.StepRoles) {
		force[domain.StepCooldowns] = true
	}

	result := &ApplyResult{Record: rec}
	detached := context.WithoutCancel(ctx)
	s.runSaga(detached, rec, citizenID, &result.Report, force)
	result.Outcome = s.finish(detached, rec, &result.Report)
	return result, nil
}
