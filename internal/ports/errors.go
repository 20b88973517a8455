package ports

import "errors"

// Sentinel errors shared across the engine. Adapters wrap underlying
// infrastructure errors with these so callers branch with errors.Is
// instead of string-matching venue or driver messages.
var (
	// ErrNotFound marks a lookup (trade, order) that matched nothing.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidAPIKeys marks a user with missing or unusable venue
	// credentials; broadcast fan-out counts these as skipped.
	ErrInvalidAPIKeys = errors.New("invalid API keys or permissions")

	// Domain dispositions. Each is implemented by the component that
	// detects it; these sentinels let callers branch on errors.Is
	// without string-matching messages.

	// ErrSignalRejected marks a rejection with no venue side-effects:
	// dedupe hit, whitelist miss, bad stop-loss, price deviation, DCA
	// limits. The executor always wraps the specific reason.
	ErrSignalRejected = errors.New("signal rejected")

	// ErrVenueUnreachable marks a transport/IO failure talking to the
	// venue. SL/TP placement retries up to 3x on this error only.
	ErrVenueUnreachable = errors.New("venue unreachable")

	// ErrVenueRejected marks a venue HTTP 4xx error body: the request
	// reached the venue and was refused. Never retried.
	ErrVenueRejected = errors.New("venue rejected request")

	// ErrInternalInconsistency marks a pre-flight query failure (I/O or
	// JSON-parse) on a guard query; the operation must reject rather
	// than proceed under uncertainty.
	ErrInternalInconsistency = errors.New("pre-flight check failed")

	// ErrPartialFailure marks the fail-safe escalation path: an entry
	// order succeeded but its stop-loss could not be placed.
	ErrPartialFailure = errors.New("partial failure, fail-safe engaged")

	// ErrCircuitBreakerTripped marks a rejection because the day's
	// realised loss has reached the configured limit.
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")

	// ErrAccountingSkipped is not a failure: it marks that profit
	// accounting was deliberately left nil because a required price
	// field was missing, rather than fabricating a number.
	ErrAccountingSkipped = errors.New("accounting skipped, missing price fields")
)
