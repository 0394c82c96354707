package ck

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nacionmx/nacion/internal/domain"
	"github.com/nacionmx/nacion/internal/infra/observability"
)

type stepFunc func(ctx context.Context) domain.StepResult

// runStep executes fn under the per-step timeout with a span, metrics and
// a log line. A panic inside fn is turned into a failed result.
func (s *Service) runStep(ctx context.Context, rec *domain.CKRecord, step domain.StepName, fn stepFunc) (res domain.StepResult) {
	stepCtx, cancel := context.WithTimeout(ctx, s.config.StepTimeout)
	defer cancel()

	stepCtx, span := observability.StartSpan(stepCtx, "ck.step."+string(step), map[string]string{
		"ck_id":   rec.ID,
		"user_id": rec.UserID,
	})
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("step panicked", "step", step, "ck_id", rec.ID, "panic", r)
			res = domain.Failed(step, errors.New("internal error"))
		}
		res.Step = step

		var spanErr error
		if res.Status == domain.StepFailed {
			spanErr = errors.New(res.Err)
			observability.CKStepFailures.WithLabelValues(string(step)).Inc()
			s.log.Warn("step failed", "step", step, "ck_id", rec.ID, "user_id", rec.UserID, "error", res.Err, "detail", res.Detail)
		} else {
			s.log.Info("step done", "step", step, "ck_id", rec.ID, "status", res.Status, "detail", res.Detail)
		}
		observability.CKStepDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
		observability.EndSpan(span, spanErr)
	}()

	return fn(stepCtx)
}

// joinErrs renders a failed result from several independent sub-errors.
func joinErrs(step domain.StepName, detail string, errs []error) domain.StepResult {
	if len(errs) == 0 {
		return domain.OK(step, detail)
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	res := domain.Failed(step, errors.New(strings.Join(msgs, "; ")))
	res.Detail = detail
	return res
}
