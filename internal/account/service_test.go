package account

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/vk74/admincore/internal/events"
	"github.com/vk74/admincore/internal/password"
	"github.com/vk74/admincore/internal/ratelimit"
	"github.com/vk74/admincore/internal/settings"
	"github.com/vk74/admincore/internal/token"
)

type fakeCache map[string]string

func (f fakeCache) Get(category, key string) (settings.Setting, bool) {
	raw, ok := f[category+"/"+key]
	if !ok {
		return settings.Setting{}, false
	}
	return settings.Setting{Category: category, Key: key, RawValue: raw}, true
}

func fullCache() fakeCache {
	pp := settings.CategoryPasswordPolicies + "/"
	return fakeCache{
		pp + settings.KeyMinLength:           "10",
		pp + settings.KeyMaxLength:           "64",
		pp + settings.KeyRequireUppercase:    "true",
		pp + settings.KeyRequireLowercase:    "true",
		pp + settings.KeyRequireNumbers:      "true",
		pp + settings.KeyRequireSpecialChars: "true",
		pp + settings.KeyAllowedSpecialChars: "!@#$%",

		settings.CategorySessions + "/" + settings.KeyCleanupOnPasswordChange: "true",
	}
}

// recordingBus delivers synchronously so tests can assert immediately.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.events))
	for i, e := range b.events {
		names[i] = e.Name
	}
	return names
}

// terminal returns the account.* events that are not the started marker.
func (b *recordingBus) terminal() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if strings.HasPrefix(e.Name, "account.") && !strings.HasSuffix(e.Name, ".started") {
			out = append(out, e)
		}
	}
	return out
}

const (
	goodPassword = "NewPass#2024x"
	currentPass  = "OldPass#2023x"
)

func newService(t *testing.T, cache fakeCache, bus events.Publisher) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	validator := password.NewValidator(cache)
	cleanup := token.NewCleanupEngine(cache, token.NewPGStore(), bus)
	svc := NewService(db, validator, cleanup, bus)
	return svc, mock, func() { db.Close() }
}

func storedHash(t *testing.T) string {
	t.Helper()
	hash, err := password.Hash(currentPass)
	if err != nil {
		t.Fatalf("hash fixture: %v", err)
	}
	return hash
}

func tokenRows(now time.Time) *sqlmock.Rows {
	// newest first, as the store query orders them
	return sqlmock.NewRows([]string{"id", "user_uuid", "token_hash", "issued_at", "expires_at", "revoked", "device_fingerprint_hash"}).
		AddRow("tok-a", "u-1", "h-a", now.Add(-1*time.Hour), now.Add(24*time.Hour), false, "abc123").
		AddRow("tok-b", "u-1", "h-b", now.Add(-2*time.Hour), now.Add(24*time.Hour), false, "abc120").
		AddRow("tok-c", "u-1", "h-c", now.Add(-3*time.Hour), now.Add(24*time.Hour), false, "xyz999")
}

func expectUserLookup(mock sqlmock.Sqlmock, hash string) {
	mock.ExpectQuery("select username, hashed_password from users").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"username", "hashed_password"}).AddRow("alice", hash))
}

func TestChangePasswordKeepsMatchingFingerprint(t *testing.T) {
	bus := &recordingBus{}
	svc, mock, done := newService(t, fullCache(), bus)
	defer done()

	mock.ExpectBegin()
	expectUserLookup(mock, storedHash(t))
	mock.ExpectExec("update users set hashed_password").
		WithArgs(sqlmock.AnyArg(), "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select id, user_uuid, token_hash").
		WithArgs("u-1", sqlmock.AnyArg()).
		WillReturnRows(tokenRows(time.Now().UTC()))
	// tok-a matches the current fingerprint at 100%: the other two go
	mock.ExpectExec("update tokens set revoked=true").WithArgs("tok-b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update tokens set revoked=true").WithArgs("tok-c").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := svc.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:            "u-1",
		Username:          "alice",
		CurrentPassword:   currentPass,
		NewPassword:       goodPassword,
		DeviceFingerprint: "abc123",
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}

	terminal := bus.terminal()
	if len(terminal) != 1 || terminal[0].Name != evChangeSucceeded {
		t.Fatalf("terminal events = %v, want exactly [%s]", bus.names(), evChangeSucceeded)
	}
	if terminal[0].Severity != events.SeverityInfo {
		t.Fatalf("success severity = %s, want info", terminal[0].Severity)
	}
	if terminal[0].Payload["kept_token_id"] != "tok-a" || terminal[0].Payload["revoked_count"] != "2" {
		t.Fatalf("unexpected payload: %v", terminal[0].Payload)
	}
}

func TestChangePasswordRecencyFallback(t *testing.T) {
	bus := &recordingBus{}
	svc, mock, done := newService(t, fullCache(), bus)
	defer done()

	mock.ExpectBegin()
	expectUserLookup(mock, storedHash(t))
	mock.ExpectExec("update users set hashed_password").
		WithArgs(sqlmock.AnyArg(), "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select id, user_uuid, token_hash").
		WithArgs("u-1", sqlmock.AnyArg()).
		WillReturnRows(tokenRows(time.Now().UTC()))
	// "qqq000" matches nothing at 95%: the newest token survives
	mock.ExpectExec("update tokens set revoked=true").WithArgs("tok-b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update tokens set revoked=true").WithArgs("tok-c").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := svc.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:            "u-1",
		Username:          "alice",
		CurrentPassword:   currentPass,
		NewPassword:       goodPassword,
		DeviceFingerprint: "qqq000",
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChangePasswordPolicyRejectedBeforeTransaction(t *testing.T) {
	bus := &recordingBus{}
	cache := fullCache()
	// min length 10, nothing else to trip over for "short1!A"
	cache[settings.CategoryPasswordPolicies+"/"+settings.KeyRequireUppercase] = "false"
	cache[settings.CategoryPasswordPolicies+"/"+settings.KeyRequireSpecialChars] = "false"
	svc, mock, done := newService(t, cache, bus)
	defer done()

	res, err := svc.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:          "u-1",
		Username:        "alice",
		CurrentPassword: currentPass,
		NewPassword:     "short1",
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Message, "at least 10 characters") {
		t.Fatalf("message = %q, want the min-length violation", res.Message)
	}
	var pv *password.PolicyViolationError
	if !errors.As(res.Err, &pv) {
		t.Fatalf("expected PolicyViolationError, got %T", res.Err)
	}
	// no transaction was opened, no database writes attempted
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database activity: %v", err)
	}

	terminal := bus.terminal()
	if len(terminal) != 1 || terminal[0].Name != evChangePolicyRejected {
		t.Fatalf("terminal events = %v, want [%s]", bus.names(), evChangePolicyRejected)
	}
	if terminal[0].Severity != events.SeverityWarning {
		t.Fatalf("severity = %s, want warning", terminal[0].Severity)
	}
}

func TestChangePasswordConfigErrorDistinctFromViolation(t *testing.T) {
	bus := &recordingBus{}
	cache := fullCache()
	delete(cache, settings.CategoryPasswordPolicies+"/"+settings.KeyMinLength)
	svc, mock, done := newService(t, cache, bus)
	defer done()

	res, err := svc.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:          "u-1",
		Username:        "alice",
		CurrentPassword: currentPass,
		NewPassword:     goodPassword,
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Message, "Contact administrator") {
		t.Fatalf("message = %q, want the operator-facing message", res.Message)
	}
	var keyErr *settings.KeyError
	if !errors.As(res.Err, &keyErr) {
		t.Fatalf("expected settings.KeyError, got %T", res.Err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database activity: %v", err)
	}

	terminal := bus.terminal()
	if len(terminal) != 1 || terminal[0].Name != evChangeConfigError {
		t.Fatalf("terminal events = %v, want [%s]", bus.names(), evChangeConfigError)
	}
	if terminal[0].Severity != events.SeverityError {
		t.Fatalf("severity = %s, want error", terminal[0].Severity)
	}
}

func TestChangePasswordWrongCurrentPassword(t *testing.T) {
	bus := &recordingBus{}
	svc, mock, done := newService(t, fullCache(), bus)
	defer done()

	mock.ExpectBegin()
	expectUserLookup(mock, storedHash(t))
	mock.ExpectRollback()

	res, err := svc.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:          "u-1",
		Username:        "alice",
		CurrentPassword: "not-the-password",
		NewPassword:     goodPassword,
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Message != msgWrongPassword {
		t.Fatalf("message = %q, want %q", res.Message, msgWrongPassword)
	}
	if !errors.Is(res.Err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", res.Err)
	}
	// the new hash was never written
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}

	terminal := bus.terminal()
	if len(terminal) != 1 || terminal[0].Name != evChangeInvalidCredentials {
		t.Fatalf("terminal events = %v, want [%s]", bus.names(), evChangeInvalidCredentials)
	}
}

func TestChangePasswordUserNotFound(t *testing.T) {
	bus := &recordingBus{}
	svc, mock, done := newService(t, fullCache(), bus)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("select username, hashed_password from users").
		WithArgs("u-404").
		WillReturnRows(sqlmock.NewRows([]string{"username", "hashed_password"}))
	mock.ExpectRollback()

	res, err := svc.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:          "u-404",
		Username:        "alice",
		CurrentPassword: currentPass,
		NewPassword:     goodPassword,
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if res.Success || !errors.Is(res.Err, ErrUserNotFound) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Message != msgVerificationFailed {
		t.Fatalf("message = %q, must not reveal lookup failure", res.Message)
	}
}

func TestChangePasswordIdentityMismatch(t *testing.T) {
	bus := &recordingBus{}
	svc, mock, done := newService(t, fullCache(), bus)
	defer done()

	mock.ExpectBegin()
	expectUserLookup(mock, storedHash(t)) // stored username is "alice"
	mock.ExpectRollback()

	res, err := svc.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:          "u-1",
		Username:        "mallory",
		CurrentPassword: currentPass,
		NewPassword:     goodPassword,
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if res.Success || !errors.Is(res.Err, ErrIdentityMismatch) {
		t.Fatalf("unexpected result: %+v", res)
	}
	// same user-facing message as user-not-found
	if res.Message != msgVerificationFailed {
		t.Fatalf("message = %q, want %q", res.Message, msgVerificationFailed)
	}
	terminal := bus.terminal()
	if len(terminal) != 1 || terminal[0].Name != evChangeIdentityMismatch {
		t.Fatalf("terminal events = %v, want [%s]", bus.names(), evChangeIdentityMismatch)
	}
}

func TestChangePasswordMissingFields(t *testing.T) {
	bus := &recordingBus{}
	svc, mock, done := newService(t, fullCache(), bus)
	defer done()

	res, err := svc.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:      "u-1",
		NewPassword: goodPassword,
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if res.Success || !errors.Is(res.Err, ErrValidation) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database activity: %v", err)
	}
	terminal := bus.terminal()
	if len(terminal) != 1 || terminal[0].Name != evChangeValidationFailed {
		t.Fatalf("terminal events = %v, want [%s]", bus.names(), evChangeValidationFailed)
	}
}

func TestChangePasswordUpdateAffectsNoRows(t *testing.T) {
	bus := &recordingBus{}
	svc, mock, done := newService(t, fullCache(), bus)
	defer done()

	mock.ExpectBegin()
	expectUserLookup(mock, storedHash(t))
	mock.ExpectExec("update users set hashed_password").
		WithArgs(sqlmock.AnyArg(), "u-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	res, err := svc.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:          "u-1",
		Username:        "alice",
		CurrentPassword: currentPass,
		NewPassword:     goodPassword,
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if res.Success || !errors.Is(res.Err, ErrUpdateFailed) {
		t.Fatalf("unexpected result: %+v", res)
	}
	terminal := bus.terminal()
	if len(terminal) != 1 || terminal[0].Name != evChangeUpdateFailed {
		t.Fatalf("terminal events = %v, want [%s]", bus.names(), evChangeUpdateFailed)
	}
	if terminal[0].Severity != events.SeverityError {
		t.Fatalf("severity = %s, want error", terminal[0].Severity)
	}
}

func TestChangePasswordCleanupFailureRollsBackEverything(t *testing.T) {
	bus := &recordingBus{}
	svc, mock, done := newService(t, fullCache(), bus)
	defer done()

	mock.ExpectBegin()
	expectUserLookup(mock, storedHash(t))
	mock.ExpectExec("update users set hashed_password").
		WithArgs(sqlmock.AnyArg(), "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select id, user_uuid, token_hash").
		WithArgs("u-1", sqlmock.AnyArg()).
		WillReturnRows(tokenRows(time.Now().UTC()))
	// first revocation lands, the second blows up mid-way
	mock.ExpectExec("update tokens set revoked=true").WithArgs("tok-b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update tokens set revoked=true").WithArgs("tok-c").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	res, err := svc.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:            "u-1",
		Username:          "alice",
		CurrentPassword:   currentPass,
		NewPassword:       goodPassword,
		DeviceFingerprint: "abc123",
	})
	if err == nil {
		t.Fatal("cleanup failure must propagate as an error")
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	// rollback covers the hash update: no commit expectation, rollback met
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	terminal := bus.terminal()
	if len(terminal) != 1 || terminal[0].Name != evChangeCleanupFailed {
		t.Fatalf("terminal events = %v, want [%s]", bus.names(), evChangeCleanupFailed)
	}
	if terminal[0].ErrorData == "" {
		t.Fatal("cleanup failure event must carry error data")
	}
}

func TestChangePasswordWithoutFingerprintSkipsCleanup(t *testing.T) {
	bus := &recordingBus{}
	svc, mock, done := newService(t, fullCache(), bus)
	defer done()

	mock.ExpectBegin()
	expectUserLookup(mock, storedHash(t))
	mock.ExpectExec("update users set hashed_password").
		WithArgs(sqlmock.AnyArg(), "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := svc.ChangePassword(context.Background(), ChangePasswordRequest{
		UserID:          "u-1",
		Username:        "alice",
		CurrentPassword: currentPass,
		NewPassword:     goodPassword,
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChangePasswordRateLimited(t *testing.T) {
	bus := &recordingBus{}
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	cache := fullCache()
	validator := password.NewValidator(cache)
	cleanup := token.NewCleanupEngine(cache, token.NewPGStore(), bus)
	svc := NewService(db, validator, cleanup, bus, WithAttemptLimiter(ratelimit.New(1, 1)))

	req := ChangePasswordRequest{
		UserID:          "u-1",
		Username:        "alice",
		CurrentPassword: "wrong",
		NewPassword:     goodPassword,
	}

	mock.ExpectBegin()
	expectUserLookup(mock, storedHash(t))
	mock.ExpectRollback()
	if _, err := svc.ChangePassword(context.Background(), req); err != nil {
		t.Fatalf("first attempt: %v", err)
	}

	res, err := svc.ChangePassword(context.Background(), req)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if res.Success || !errors.Is(res.Err, ErrRateLimited) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Message != msgRateLimited {
		t.Fatalf("message = %q, want %q", res.Message, msgRateLimited)
	}
}

func TestResetPasswordAdminFlow(t *testing.T) {
	bus := &recordingBus{}
	svc, mock, done := newService(t, fullCache(), bus)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("select true from users").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"true"}).AddRow(true))
	mock.ExpectExec("update users set hashed_password").
		WithArgs(sqlmock.AnyArg(), "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := svc.ResetPassword(context.Background(), ResetPasswordRequest{
		UserID:      "u-1",
		NewPassword: goodPassword,
	})
	if err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	terminal := bus.terminal()
	if len(terminal) != 1 || terminal[0].Name != evResetSucceeded {
		t.Fatalf("terminal events = %v, want [%s]", bus.names(), evResetSucceeded)
	}
}

func TestResetPasswordUnknownUser(t *testing.T) {
	bus := &recordingBus{}
	svc, mock, done := newService(t, fullCache(), bus)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("select true from users").
		WithArgs("u-404").
		WillReturnRows(sqlmock.NewRows([]string{"true"}))
	mock.ExpectRollback()

	res, err := svc.ResetPassword(context.Background(), ResetPasswordRequest{
		UserID:      "u-404",
		NewPassword: goodPassword,
	})
	if err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if res.Success || !errors.Is(res.Err, ErrUserNotFound) {
		t.Fatalf("unexpected result: %+v", res)
	}
}
