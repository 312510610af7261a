package account

// ChangePasswordRequest is the self-service variant: the caller proves
// knowledge of the current password. It is consumed within one orchestration
// call and never stored.
type ChangePasswordRequest struct {
	UserID            string
	Username          string
	CurrentPassword   string
	NewPassword       string
	DeviceFingerprint string // optional, hashed form; enables token cleanup when present
}

// ResetPasswordRequest is the admin variant: no current-password proof,
// id-only lookup. Authorization is the caller's concern.
type ResetPasswordRequest struct {
	UserID            string
	NewPassword       string
	DeviceFingerprint string
}

// Result is the orchestrator's total return contract. Message is safe to
// show to the user; Err carries developer detail and must never be rendered
// to the client.
type Result struct {
	Success bool
	Message string
	Err     error
}

// User-facing messages. Lookup and identity failures share one generic
// message so responses do not reveal whether an account exists.
const (
	msgSuccess            = "Password changed successfully"
	msgMissingFields      = "All required fields must be provided"
	msgVerificationFailed = "User verification failed"
	msgWrongPassword      = "Current password is incorrect"
	msgUpdateFailed       = "Failed to update password"
	msgConfigError        = "Password policy is not configured. Contact administrator"
	msgRateLimited        = "Too many password change attempts. Try again later"
)
