package domain

import (
	"fmt"
	"strings"
	"time"
)

// ─── Character Kill ─────────────────────────────────────────────────────────

// CKType is the kind of character kill requested by staff.
type CKType string

const (
	CKNormal CKType = "CK Normal"
	CKAdmin  CKType = "CK Administrativo"
	CKAuto   CKType = "Auto CK"
)

// Valid reports whether t is a known CK type.
func (t CKType) Valid() bool {
	switch t {
	case CKNormal, CKAdmin, CKAuto:
		return true
	}
	return false
}

// BypassesInsurance reports whether anti-CK insurance is ignored for t.
func (t CKType) BypassesInsurance() bool { return t == CKAdmin }

// CKStatus is the lifecycle state of a CK record.
//
//	applying → applied → reversed
type CKStatus string

const (
	CKApplying CKStatus = "applying"
	CKApplied  CKStatus = "applied"
	CKReversed CKStatus = "reversed"
)

// Reversible reports whether a record in status s may be reversed.
func (s CKStatus) Reversible() bool {
	return s == CKApplying || s == CKApplied
}

// RemovedRole is a role stripped during a CK. Name is a display cache;
// restoration keys on ID. Legacy rows carry only Name.
type RemovedRole struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Backup is the snapshot of a citizen taken before a CK mutates anything.
// Every slice element is a full copy of the pre-reset row.
type Backup struct {
	DNI         *DNI         `json:"dni"`
	Cards       []Card       `json:"cards"`
	Companies   []Company    `json:"companies"`
	Purchases   []Purchase   `json:"purchases"`
	Employments []Employment `json:"employments,omitempty"`
}

// CKRecord is the persisted audit row of one CK event.
type CKRecord struct {
	ID            string        `json:"id"`
	Seq           int64         `json:"seq"`
	GuildID       string        `json:"guild_id"`
	UserID        string        `json:"user_id"`
	AppliedBy     string        `json:"applied_by"`
	Type          CKType        `json:"ck_type"`
	Reason        string        `json:"reason"`
	EvidenceURL   string        `json:"evidence_url"`
	CreatedAt     time.Time     `json:"created_at"`
	PreviousCash  int64         `json:"previous_cash"`
	PreviousBank  int64         `json:"previous_bank"`
	BalanceSource BalanceSource `json:"balance_source,omitempty"`
	RolesRemoved  []RemovedRole `json:"roles_removed"`
	Backup        *Backup       `json:"backup_data"`
	Status        CKStatus      `json:"status"`
	Steps         []StepResult  `json:"steps,omitempty"`
	PolicyVersion string        `json:"policy_version,omitempty"`
	ReversedAt    *time.Time    `json:"reversed_at,omitempty"`
	ReversedBy    string        `json:"reversed_by,omitempty"`
	ReverseReason string        `json:"revert_reason,omitempty"`
}

// PreviousTotal returns the money removed by this CK.
func (r *CKRecord) PreviousTotal() int64 { return r.PreviousCash + r.PreviousBank }

// StepDone reports whether step completed successfully in this record.
func (r *CKRecord) StepDone(step StepName) bool {
	for _, s := range r.Steps {
		if s.Step == step && s.Status != StepFailed {
			return true
		}
	}
	return false
}

// RecordStep replaces or appends the result for res.Step.
func (r *CKRecord) RecordStep(res StepResult) {
	for i, s := range r.Steps {
		if s.Step == res.Step {
			r.Steps[i] = res
			return
		}
	}
	r.Steps = append(r.Steps, res)
}

// ─── Step Results ───────────────────────────────────────────────────────────

// StepName identifies one unit of the reset or reversal sequence.
type StepName string

const (
	StepSnapshot       StepName = "snapshot"
	StepInsurance      StepName = "insurance"
	StepAuditOpen      StepName = "audit_open"
	StepBalance        StepName = "balance"
	StepCompanies      StepName = "companies"
	StepEmployments    StepName = "employments"
	StepCards          StepName = "cards"
	StepRoles          StepName = "roles"
	StepCooldowns      StepName = "cooldowns"
	StepDNI            StepName = "dni"
	StepPurchases      StepName = "purchases"
	StepAuditClose     StepName = "audit_close"
	StepTransactionLog StepName = "transaction_log"
	StepNotify         StepName = "notify"

	StepRestoreBalance     StepName = "restore_balance"
	StepRestoreDNI         StepName = "restore_dni"
	StepRestoreCards       StepName = "restore_cards"
	StepRestoreCompanies   StepName = "restore_companies"
	StepRestoreEmployments StepName = "restore_employments"
	StepRestorePurchases   StepName = "restore_purchases"
	StepRestoreRoles       StepName = "restore_roles"
	StepMarkReversed       StepName = "mark_reversed"
)

// ResetSteps is the destructive sequence in execution order.
var ResetSteps = []StepName{
	StepBalance,
	StepCompanies,
	StepEmployments,
	StepCards,
	StepRoles,
	StepCooldowns,
	StepDNI,
	StepPurchases,
}

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult is the outcome of one step, surfaced to the moderator.
type StepResult struct {
	Step   StepName   `json:"step"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	Err    string     `json:"error,omitempty"`
}

// OK builds a successful step result.
func OK(step StepName, detail string) StepResult {
	return StepResult{Step: step, Status: StepOK, Detail: detail}
}

// Failed builds a failed step result.
func Failed(step StepName, err error) StepResult {
	res := StepResult{Step: step, Status: StepFailed}
	if err != nil {
		res.Err = err.Error()
	}
	return res
}

// Skipped builds a skipped step result.
func Skipped(step StepName, detail string) StepResult {
	return StepResult{Step: step, Status: StepSkipped, Detail: detail}
}

// Report aggregates step results of one operation.
type Report struct {
	Steps []StepResult `json:"steps"`
}

// Add appends a result.
func (r *Report) Add(res StepResult) { r.Steps = append(r.Steps, res) }

// Failed returns the failed steps.
func (r *Report) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the last result recorded for step.
func (r *Report) Get(step StepName) (StepResult, bool) {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Step == step {
			return r.Steps[i], true
		}
	}
	return StepResult{}, false
}

// Summary renders one line per step for chat output.
func (r *Report) Summary() string {
	var b strings.Builder
	for _, s := range r.Steps {
		mark := "✅"
		switch s.Status {
		case StepFailed:
			mark = "❌"
		case StepSkipped:
			mark = "⏭️"
		}
		fmt.Fprintf(&b, "%s %s", mark, s.Step)
		if s.Detail != "" {
			fmt.Fprintf(&b, ": %s", s.Detail)
		}
		if s.Err != "" {
			fmt.Fprintf(&b, " (%s)", s.Err)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
