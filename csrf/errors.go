package csrf

import "errors"

var (
	// ErrIssuanceRateLimited is returned when one IP requests tokens faster than its budget.
	ErrIssuanceRateLimited = errors.New("csrf token issuance rate limited")

	// ErrTokenGeneration is returned when a token cannot be generated or persisted.
	ErrTokenGeneration = errors.New("csrf token generation failed")

	// ErrMissingSecret is returned by New without Config.Secret.
	ErrMissingSecret = errors.New("csrf secret is required")
)
