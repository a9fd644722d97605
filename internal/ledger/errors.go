package ledger

import "errors"

// Error taxonomy for ledger-mutating operations. Every apply is all-or-nothing
// per event; these sentinels tell the caller which recovery path applies.
var (
	// ErrMalformedEvent marks unparseable or incomplete input. Dropped and
	// logged by the caller, never retried.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrDuplicateEvent marks an idempotency key that was already applied.
	// Callers treat it as a silent no-op, not a failure.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrOutOfOrderEvent marks a withdraw or harvest that references state
	// which does not exist yet, or an ordering-key regression. The caller
	// must re-sync the user from authoritative on-chain state.
	ErrOutOfOrderEvent = errors.New("out of order event")

	// ErrInsufficientPoints rejects a redemption exceeding the wallet balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrNegativeAward rejects negative award amounts; debits go through Redeem.
	ErrNegativeAward = errors.New("award amount cannot be negative")

	// ErrTierDowngrade rejects a tier-change event that would silently lower
	// a user's tier.
	ErrTierDowngrade = errors.New("tier downgrade requires explicit governance action")
)
