package pipeline

import "errors"

// ValidationError wraps a synchronous, client-visible input error:
// malformed token/network/timestamp. Never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// OracleTransientError wraps a timeout, 5xx, or rate-limit from the
// upstream oracle. Not a pipeline failure: the caller falls through to
// interpolation and then the deferred-fill queue.
type OracleTransientError struct {
	Cause error
}

func (e *OracleTransientError) Error() string { return "oracle transient error: " + e.Cause.Error() }
func (e *OracleTransientError) Unwrap() error { return e.Cause }

// OracleDefinitiveError marks a genuine oracle absence (unknown token, no
// price exists). Falls through to interpolation and the queue the same as
// a transient error, but is never retried at the oracle tier.
type OracleDefinitiveError struct{}

func (e *OracleDefinitiveError) Error() string { return "oracle: no data for request" }

// InterpolationDeclinedError marks insufficient or low-confidence data at
// the Interpolation Engine. Falls through to the deferred-fill queue.
type InterpolationDeclinedError struct{}

func (e *InterpolationDeclinedError) Error() string { return "interpolation declined" }

// StoreError wraps a Durable Store failure. Surfaced as a 5xx for reads;
// for background work, logged and the job fails (retryable).
type StoreError struct {
	Cause error
}

func (e *StoreError) Error() string { return "store error: " + e.Cause.Error() }
func (e *StoreError) Unwrap() error { return e.Cause }

// CacheError wraps a Cache failure. Always logged and treated as a miss
// (get) or silently dropped (set) — cache unavailability degrades
// performance, never correctness.
type CacheError struct {
	Cause error
}

func (e *CacheError) Error() string { return "cache error: " + e.Cause.Error() }
func (e *CacheError) Unwrap() error { return e.Cause }

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsStoreError reports whether err is (or wraps) a StoreError.
func IsStoreError(err error) bool {
	var s *StoreError
	return errors.As(err, &s)
}
