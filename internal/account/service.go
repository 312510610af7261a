// Package account orchestrates password changes: policy validation, identity
// verification, the transactional hash update and conditional session token
// cleanup, with an audit event at every decision point.
package account

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/vk74/admincore/internal/events"
	"github.com/vk74/admincore/internal/obs"
	"github.com/vk74/admincore/internal/password"
	"github.com/vk74/admincore/internal/ratelimit"
	"github.com/vk74/admincore/internal/settings"
	"github.com/vk74/admincore/internal/token"
)

// Service coordinates the password change flows. Expected failures come back
// inside Result with a nil error; a non-nil error means an infrastructure
// fault (the transaction was rolled back and the caller should surface a
// generic failure).
type Service struct {
	db        *sql.DB
	validator *password.Validator
	cleanup   *token.CleanupEngine
	bus       events.Publisher
	limiter   *ratelimit.PerKey
}

// Option configures Service behavior.
type Option func(*Service)

// WithAttemptLimiter throttles self-service attempts per user id.
func WithAttemptLimiter(l *ratelimit.PerKey) Option {
	return func(s *Service) { s.limiter = l }
}

// NewService constructs the orchestrator. bus may be nil in tests; every
// other dependency is required.
func NewService(db *sql.DB, validator *password.Validator, cleanup *token.CleanupEngine, bus events.Publisher, opts ...Option) *Service {
	s := &Service{db: db, validator: validator, cleanup: cleanup, bus: bus}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChangePassword runs the self-service flow: required fields, policy, then a
// single transaction covering user lookup, identity check, current password
// verification, hash update and (fingerprint permitting) token cleanup.
func (s *Service) ChangePassword(ctx context.Context, req ChangePasswordRequest) (Result, error) {
	if !s.limiter.Allow(req.UserID) {
		s.publish(ctx, evChangeRateLimited, events.SeverityWarning,
			"password change rate limited", map[string]string{"user_id": req.UserID}, nil)
		obs.PasswordChange("self", "rate_limited")
		return Result{Message: msgRateLimited, Err: ErrRateLimited}, nil
	}

	if strings.TrimSpace(req.UserID) == "" ||
		strings.TrimSpace(req.Username) == "" ||
		req.CurrentPassword == "" ||
		req.NewPassword == "" {
		s.publish(ctx, evChangeValidationFailed, events.SeverityWarning,
			"password change request missing required fields",
			map[string]string{"user_id": req.UserID}, nil)
		obs.PasswordChange("self", "validation_failed")
		return Result{Message: msgMissingFields, Err: ErrValidation}, nil
	}

	s.publish(ctx, evChangeStarted, events.SeverityDebug, "password change started",
		map[string]string{"user_id": req.UserID, "username": req.Username,
			"fingerprint_present": boolString(req.DeviceFingerprint != "")}, nil)

	// reject a bad password before spending a transaction on it
	if res, ok := s.validatePolicy(ctx, req.NewPassword, req.UserID, flowChange); !ok {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{Message: msgUpdateFailed, Err: err}, err
	}
	defer func() { _ = tx.Rollback() }()

	var storedUsername, storedHash string
	err = tx.QueryRowContext(ctx,
		`select username, hashed_password from users where user_id=$1`, req.UserID).
		Scan(&storedUsername, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		s.publish(ctx, evChangeUserNotFound, events.SeverityWarning,
			"password change for unknown user", map[string]string{"user_id": req.UserID}, nil)
		obs.PasswordChange("self", "user_not_found")
		return Result{Message: msgVerificationFailed, Err: ErrUserNotFound}, nil
	}
	if err != nil {
		return Result{Message: msgUpdateFailed, Err: err}, err
	}

	if storedUsername != req.Username {
		s.publish(ctx, evChangeIdentityMismatch, events.SeverityWarning,
			"claimed username does not match the account",
			map[string]string{"user_id": req.UserID}, nil)
		obs.PasswordChange("self", "identity_mismatch")
		return Result{Message: msgVerificationFailed, Err: ErrIdentityMismatch}, nil
	}

	if err := password.Verify(storedHash, req.CurrentPassword); err != nil {
		s.publish(ctx, evChangeInvalidCredentials, events.SeverityWarning,
			"current password verification failed",
			map[string]string{"user_id": req.UserID}, nil)
		obs.PasswordChange("self", "invalid_credentials")
		return Result{Message: msgWrongPassword, Err: ErrInvalidCredentials}, nil
	}

	return s.finishUpdate(ctx, tx, flowChange, req.UserID, req.NewPassword, req.DeviceFingerprint)
}

// ResetPassword runs the admin flow: same shape minus the current-password
// and username checks. Caller privilege is verified upstream.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) (Result, error) {
	if strings.TrimSpace(req.UserID) == "" || req.NewPassword == "" {
		s.publish(ctx, evResetValidationFailed, events.SeverityWarning,
			"password reset request missing required fields",
			map[string]string{"user_id": req.UserID}, nil)
		obs.PasswordChange("admin", "validation_failed")
		return Result{Message: msgMissingFields, Err: ErrValidation}, nil
	}

	s.publish(ctx, evResetStarted, events.SeverityDebug, "password reset started",
		map[string]string{"user_id": req.UserID}, nil)

	if res, ok := s.validatePolicy(ctx, req.NewPassword, req.UserID, flowReset); !ok {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{Message: msgUpdateFailed, Err: err}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`select true from users where user_id=$1`, req.UserID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		s.publish(ctx, evResetUserNotFound, events.SeverityWarning,
			"password reset for unknown user", map[string]string{"user_id": req.UserID}, nil)
		obs.PasswordChange("admin", "user_not_found")
		return Result{Message: msgVerificationFailed, Err: ErrUserNotFound}, nil
	}
	if err != nil {
		return Result{Message: msgUpdateFailed, Err: err}, err
	}

	return s.finishUpdate(ctx, tx, flowReset, req.UserID, req.NewPassword, req.DeviceFingerprint)
}

type flow struct {
	name           string // metrics label
	policyRejected string
	configError    string
	updateFailed   string
	cleanupFailed  string
	succeeded      string
}

var (
	flowChange = flow{
		name:           "self",
		policyRejected: evChangePolicyRejected,
		configError:    evChangeConfigError,
		updateFailed:   evChangeUpdateFailed,
		cleanupFailed:  evChangeCleanupFailed,
		succeeded:      evChangeSucceeded,
	}
	flowReset = flow{
		name:           "admin",
		policyRejected: evResetPolicyRejected,
		configError:    evResetConfigError,
		updateFailed:   evResetUpdateFailed,
		cleanupFailed:  evResetCleanupFailed,
		succeeded:      evResetSucceeded,
	}
)

// validatePolicy translates validator errors into results: violations are a
// user problem, missing settings are an operator problem.
func (s *Service) validatePolicy(ctx context.Context, candidate, userID string, f flow) (Result, bool) {
	err := s.validator.Validate(candidate)
	if err == nil {
		return Result{}, true
	}

	var pv *password.PolicyViolationError
	if errors.As(err, &pv) {
		s.publish(ctx, f.policyRejected, events.SeverityWarning,
			"new password rejected by policy",
			map[string]string{"user_id": userID, "rules": strings.Join(pv.Rules(), ",")}, nil)
		obs.PasswordChange(f.name, "policy_rejected")
		return Result{Message: strings.Join(pv.Messages(), "; "), Err: pv}, false
	}

	var keyErr *settings.KeyError
	if errors.As(err, &keyErr) {
		s.publish(ctx, f.configError, events.SeverityError,
			"password policy configuration missing",
			map[string]string{"user_id": userID, "category": keyErr.Category, "key": keyErr.Key}, err)
		obs.PasswordChange(f.name, "config_error")
		return Result{Message: msgConfigError, Err: keyErr}, false
	}

	obs.PasswordChange(f.name, "config_error")
	return Result{Message: msgConfigError, Err: err}, false
}

// finishUpdate performs HASH_NEW_PASSWORD → DB_UPDATE → TOKEN_CLEANUP →
// COMMIT on the supplied transaction.
func (s *Service) finishUpdate(ctx context.Context, tx *sql.Tx, f flow, userID, newPassword, fingerprint string) (Result, error) {
	newHash, err := password.Hash(newPassword)
	if err != nil {
		return Result{Message: msgUpdateFailed, Err: err}, err
	}

	res, err := tx.ExecContext(ctx,
		`update users set hashed_password=$1 where user_id=$2`, newHash, userID)
	if err != nil {
		return Result{Message: msgUpdateFailed, Err: err}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Result{Message: msgUpdateFailed, Err: err}, err
	}
	if affected == 0 {
		s.publish(ctx, f.updateFailed, events.SeverityError,
			"password update affected no rows",
			map[string]string{"user_id": userID}, ErrUpdateFailed)
		obs.PasswordChange(f.name, "update_failed")
		return Result{Message: msgUpdateFailed, Err: ErrUpdateFailed}, nil
	}

	var kept string
	var revoked int
	if fingerprint != "" {
		// cleanup shares the transaction: a failure here must undo the
		// hash update, never leave old sessions alive past a reset
		cres, err := s.cleanup.Cleanup(ctx, tx, userID, fingerprint)
		if err != nil {
			s.publish(ctx, f.cleanupFailed, events.SeverityError,
				"token cleanup failed, password change rolled back",
				map[string]string{"user_id": userID}, err)
			obs.PasswordChange(f.name, "cleanup_failed")
			return Result{Message: msgUpdateFailed, Err: err}, err
		}
		kept = cres.KeptTokenID
		revoked = cres.Revoked
	}

	if err := tx.Commit(); err != nil {
		return Result{Message: msgUpdateFailed, Err: err}, err
	}

	payload := map[string]string{"user_id": userID}
	if fingerprint != "" {
		payload["kept_token_id"] = kept
		payload["revoked_count"] = strconv.Itoa(revoked)
	}
	s.publish(ctx, f.succeeded, events.SeverityInfo, "password changed", payload, nil)
	obs.PasswordChange(f.name, "success")
	return Result{Success: true, Message: msgSuccess}, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
