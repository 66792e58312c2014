// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates a temporary block due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Key material and grant sentinels.
var (
	// ErrDerivation indicates malformed key material or derivation inputs. Never retried.
	ErrDerivation = errors.New("key derivation failure")

	// ErrEncryption indicates an AEAD seal/open failure. Never retried.
	ErrEncryption = errors.New("encryption failure")

	// ErrExpiredGrant indicates the grant passed its expiry.
	ErrExpiredGrant = errors.New("grant expired")

	// ErrRevokedGrant indicates the grant was revoked.
	ErrRevokedGrant = errors.New("grant revoked")

	// ErrAccessDenied is the only externally visible outcome of a failed grant check.
	// Expired, revoked, unknown and out-of-scope all collapse into it.
	ErrAccessDenied = errors.New("not available")

	// ErrScopeViolation indicates a scope exceeding the issuer's effective scope.
	ErrScopeViolation = errors.New("scope violation")

	// ErrDelegationDepth indicates a delegation chain longer than allowed.
	ErrDelegationDepth = errors.New("delegation depth exceeded")

	// ErrConcurrentRotation indicates another rotation is in flight for the owner. Retryable.
	ErrConcurrentRotation = errors.New("concurrent rotation conflict")

	// ErrPartialRotation indicates a re-derivation failure inside a rotation.
	// It always triggers rollback and never leaves the coordinator.
	ErrPartialRotation = errors.New("partial rotation failure")

	// ErrLocked indicates the owner secret reference is unknown or was locked.
	ErrLocked = errors.New("secret locked")

	// ErrRetentionHorizon indicates a purge request inside the audit retention window.
	ErrRetentionHorizon = errors.New("inside retention horizon")
)

// Opaque maps grant-check failures to ErrAccessDenied so callers cannot
// tell which case occurred. Other errors pass through unchanged.
func Opaque(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrExpiredGrant),
		errors.Is(err, ErrRevokedGrant),
		errors.Is(err, ErrScopeViolation),
		errors.Is(err, ErrAccessDenied):
		return ErrAccessDenied
	default:
		return err
	}
}
