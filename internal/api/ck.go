package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nacionmx/nacion/internal/app/ck"
	"github.com/nacionmx/nacion/internal/domain"
)

// ─── CK API ─────────────────────────────────────────────────────────────────
// Staff tooling over the CK service. All routes require the bearer token.
//
// GET  /api/ck/stats                       process counters and stored totals
// POST /api/ck/apply                       apply a CK (no confirmation step)
// GET  /api/ck/users/{userID}/history      records for a user, newest first
// GET  /api/ck/users/{userID}/transactions audit rows for a user, oldest first
// POST /api/ck/users/{userID}/revert  reverse the user's latest CK
// GET  /api/ck/records/{id}           one record with its snapshot
// POST /api/ck/records/{id}/resume    finish a record left applying

// CKService is the use-case surface exposed over HTTP.
type CKService interface {
	Apply(ctx context.Context, req ck.ApplyRequest) (*ck.ApplyResult, error)
	Revert(ctx context.Context, req ck.RevertRequest) (*ck.RevertResult, error)
	Resume(ctx context.Context, req ck.ResumeRequest) (*ck.ApplyResult, error)
	History(ctx context.Context, userID string) ([]domain.CKRecord, error)
	Transactions(ctx context.Context, userID string) ([]domain.TransactionEntry, error)
	Record(ctx context.Context, id string) (*domain.CKRecord, error)
	Stats() ck.Stats
	Totals(ctx context.Context) (map[domain.CKStatus]int, error)
}

// CKAPI holds the CK handlers.
type CKAPI struct {
	Service CKService
	GuildID string // default guild for requests that omit it
}

type applyBody struct {
	GuildID     string `json:"guild_id"`
	UserID      string `json:"user_id"`
	ActorID     string `json:"actor_id"`
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	EvidenceURL string `json:"evidence_url"`
}

type revertBody struct {
	GuildID string `json:"guild_id"`
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

type resumeBody struct {
	ActorID string `json:"actor_id"`
}

// HandleStats returns the process counters and the stored per-status totals.
// GET /api/ck/stats
func (a *CKAPI) HandleStats(w http.ResponseWriter, r *http.Request) {
	totals, err := a.Service.Totals(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	st := a.Service.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"applied":    st.Applied,
		"partial":    st.Partial,
		"life_saved": st.LifeSaved,
		"reversed":   st.Reversed,
		"active":     st.Active,
		"totals":     totals,
	})
}

// HandleApply runs a CK.
// POST /api/ck/apply
func (a *CKAPI) HandleApply(w http.ResponseWriter, r *http.Request) {
	var body applyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req := ck.ApplyRequest{
		GuildID:     a.guild(body.GuildID),
		UserID:      body.UserID,
		ActorID:     body.ActorID,
		Type:        domain.CKType(body.Type),
		Reason:      body.Reason,
		EvidenceURL: body.EvidenceURL,
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	res, err := a.Service.Apply(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome": res.Outcome,
		"record":  res.Record,
		"steps":   res.Report.Steps,
	})
}

// HandleHistory lists a user's CK records.
// GET /api/ck/users/{userID}/history
func (a *CKAPI) HandleHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := a.Service.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.CKRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": recs,
		"count":   len(recs),
	})
}

// HandleTransactions lists a user's audit transaction rows.
// GET /api/ck/users/{userID}/transactions
func (a *CKAPI) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := a.Service.Transactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if txs == nil {
		txs = []domain.TransactionEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// HandleRevert reverses the user's latest CK.
// POST /api/ck/users/{userID}/revert
func (a *CKAPI) HandleRevert(w http.ResponseWriter, r *http.Request) {
	var body revertBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ActorID == "" || strings.TrimSpace(body.Reason) == "" {
		writeError(w, http.StatusUnprocessableEntity, "actor_id and reason are required")
		return
	}

	res, err := a.Service.Revert(r.Context(), ck.RevertRequest{
		GuildID: a.guild(body.GuildID),
		UserID:  chi.URLParam(r, "userID"),
		ActorID: body.ActorID,
		Reason:  body.Reason,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reversed":       res.Reversed,
		"roles_restored": res.RolesRestored,
		"record":         res.Record,
		"steps":          res.Report.Steps,
	})
}

// HandleRecord returns one record.
// GET /api/ck/records/{id}
func (a *CKAPI) HandleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Service.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleResume completes a record left applying.
// POST /api/ck/records/{id}/resume
func (a *CKAPI) HandleResume(w http.ResponseWriter, r *http.Request) {
	var body resumeBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	res, err := a.Service.Resume(r.Context(), ck.ResumeRequest{
		RecordID: chi.URLParam(r, "id"),
		ActorID:  body.ActorID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome": res.Outcome,
		"record":  res.Record,
		"steps":   res.Report.Steps,
	})
}

func (a *CKAPI) guild(id string) string {
	if id != "" {
		return id
	}
	return a.GuildID
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNoCKRecord), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyReversed), errors.Is(err, domain.ErrCKInProgress), errors.Is(err, domain.ErrNotApplying):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNoBackup), errors.Is(err, domain.ErrInvalidCKType),
		errors.Is(err, domain.ErrMissingEvidence), errors.Is(err, domain.ErrMemberNotFound),
		errors.Is(err, domain.ErrBalanceUnknown):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
