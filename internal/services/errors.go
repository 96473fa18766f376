package services

import "errors"

// Transfer failure kinds. Handlers match these with errors.Is to pick the
// HTTP status; insufficient funds and unknown accounts are caller errors and
// must never surface as generic 500s.
var (
	// ErrAccountNotFound means an identifier did not resolve to any account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAmount means the requested amount was zero or negative.
	ErrInvalidAmount = errors.New("amount must be a positive integer")

	// ErrSelfTransfer means source and destination resolved to the same
	// non-privileged account.
	ErrSelfTransfer = errors.New("cannot transfer points to the same account")

	// ErrAccountDisabled means the acting account has been soft-disabled.
	// Disabled accounts still resolve and may receive points, but they can
	// neither authenticate nor send.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrInsufficientFunds means a non-privileged sender's balance does not
	// cover the amount. Checked before the transaction and again against the
	// locked row.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSystemAccountMissing means the configured system issuer account does
	// not exist. This is an operator-facing configuration error, not a
	// per-request condition.
	ErrSystemAccountMissing = errors.New("system issuer account not found")

	// ErrTransferFailed wraps storage, lock, or timeout failures during the
	// transfer transaction. The engine never retries; callers may, with their
	// own idempotency handling.
	ErrTransferFailed = errors.New("transfer failed")
)
