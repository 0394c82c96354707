package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Store errors
	ErrNotFound = errors.New("record not found")

	// Precondition errors: reported to the invoker, nothing mutated
	ErrNoCKRecord       = errors.New("no CK record for user")
	ErrNoBackup         = errors.New("CK record predates backups; only roles can be restored manually")
	ErrAlreadyReversed  = errors.New("CK record already reversed")
	ErrNotApplying      = errors.New("CK record is not in progress")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMemberNotFound   = errors.New("user is not a member of the guild")
	ErrInvalidCKType    = errors.New("invalid CK type")
	ErrMissingEvidence  = errors.New("evidence attachment is required")
	ErrCKInProgress     = errors.New("another CK operation is running for this user")

	// Balance errors
	ErrBalanceUnknown    = errors.New("current balance could not be read from any source")
	ErrLedgerUnavailable = errors.New("ledger service is not configured")
)

// IsPrecondition reports whether err is a precondition failure that leaves
// state untouched.
func IsPrecondition(err error) bool {
	for _, target := range []error{
		ErrNoCKRecord, ErrNoBackup, ErrAlreadyReversed, ErrNotApplying,
		ErrPermissionDenied, ErrMemberNotFound, ErrInvalidCKType,
		ErrMissingEvidence, ErrCKInProgress, ErrBalanceUnknown,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
