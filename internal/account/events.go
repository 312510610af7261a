package account

import (
	"context"

	"github.com/vk74/admincore/internal/events"
)

const source = "account"

// Canonical event names for the self-service flow. The admin flow mirrors
// them under account.password_reset.
const (
	evChangeStarted            = "account.password_change.started"
	evChangeValidationFailed   = "account.password_change.validation_failed"
	evChangePolicyRejected     = "account.password_change.policy_rejected"
	evChangeConfigError        = "account.password_change.config_error"
	evChangeUserNotFound       = "account.password_change.user_not_found"
	evChangeIdentityMismatch   = "account.password_change.identity_mismatch"
	evChangeInvalidCredentials = "account.password_change.invalid_credentials"
	evChangeRateLimited        = "account.password_change.rate_limited"
	evChangeUpdateFailed       = "account.password_change.update_failed"
	evChangeCleanupFailed      = "account.password_change.cleanup_failed"
	evChangeSucceeded          = "account.password_change.succeeded"

	evResetStarted          = "account.password_reset.started"
	evResetValidationFailed = "account.password_reset.validation_failed"
	evResetPolicyRejected   = "account.password_reset.policy_rejected"
	evResetConfigError      = "account.password_reset.config_error"
	evResetUserNotFound     = "account.password_reset.user_not_found"
	evResetUpdateFailed     = "account.password_reset.update_failed"
	evResetCleanupFailed    = "account.password_reset.cleanup_failed"
	evResetSucceeded        = "account.password_reset.succeeded"
)

func (s *Service) publish(ctx context.Context, name string, severity events.Severity, message string, payload map[string]string, cause error) {
	if s.bus == nil {
		return
	}
	event := events.New(name, source, events.TypeSecurity, severity, message, payload)
	if cause != nil {
		event = event.WithError(cause)
	}
	s.bus.Publish(ctx, event)
}
