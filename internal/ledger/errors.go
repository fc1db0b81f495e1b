package ledger

import "errors"

var (
	// ErrEmptyUserID is returned when an operation is called without a user id.
	ErrEmptyUserID = errors.New("ledger: empty user id")
	// ErrInvalidAmount is returned for a non-positive credit amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInvalidType is returned when a transaction type cannot be used to add credits.
	ErrInvalidType = errors.New("ledger: invalid transaction type")
	// ErrUnknownActionType is returned when an action has no active consumption config.
	ErrUnknownActionType = errors.New("ledger: unknown action type")
	// ErrDuplicateRechargeCredit is returned when a recharge already has its ledger entry.
	ErrDuplicateRechargeCredit = errors.New("ledger: recharge already credited")
	// ErrNegativeLedger is returned when a user's transaction log sums to a negative balance.
	ErrNegativeLedger = errors.New("ledger: transaction log sums to a negative balance")
)
