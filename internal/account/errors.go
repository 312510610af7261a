package account

import "errors"

var (
	// ErrValidation indicates malformed or missing request fields.
	ErrValidation = errors.New("account: invalid input")
	// ErrUserNotFound indicates no user exists for the given id.
	ErrUserNotFound = errors.New("account: user not found")
	// ErrIdentityMismatch indicates the stored username does not match the
	// claimed one; distinct from ErrUserNotFound to catch a stolen or
	// mistyped user id presented with another identity.
	ErrIdentityMismatch = errors.New("account: identity mismatch")
	// ErrInvalidCredentials indicates the current password did not verify.
	ErrInvalidCredentials = errors.New("account: invalid credentials")
	// ErrUpdateFailed indicates the password update touched zero rows; a
	// consistency anomaly, not an expected condition.
	ErrUpdateFailed = errors.New("account: password update affected no rows")
	// ErrRateLimited indicates too many attempts for this user.
	ErrRateLimited = errors.New("account: rate limited")
)
