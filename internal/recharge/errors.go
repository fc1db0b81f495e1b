package recharge

import "errors"

var (
	// ErrPackageNotFound is returned for a missing or inactive credit package.
	ErrPackageNotFound = errors.New("recharge: package not found")
	// ErrRechargeNotFound is returned when no recharge has the given id.
	ErrRechargeNotFound = errors.New("recharge: recharge not found")
	// ErrReferenceMismatch is returned when a payment reference does not belong to the recharge.
	ErrReferenceMismatch = errors.New("recharge: payment reference mismatch")
	// ErrInvalidTransition is returned for a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("recharge: invalid status transition")
	// ErrMissingIdempotencyKey is returned when an explicit create has no key.
	ErrMissingIdempotencyKey = errors.New("recharge: missing idempotency key")
)
