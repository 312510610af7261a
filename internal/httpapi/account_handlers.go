package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/vk74/admincore/internal/account"
	"github.com/vk74/admincore/internal/password"
	"github.com/vk74/admincore/internal/token"
)

type loginRequest struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type loginResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type changePasswordRequest struct {
	UserID            string `json:"user_id"`
	Username          string `json:"username"`
	CurrentPassword   string `json:"current_password"`
	NewPassword       string `json:"new_password"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type resetPasswordRequest struct {
	UserID            string `json:"user_id"`
	NewPassword       string `json:"new_password"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type accountResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Login проверяет учётные данные и выдаёт пару access/refresh токенов.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "username and password are required"})
		return
	}

	var userID, hash string
	err := a.db.QueryRowContext(r.Context(),
		`select user_id, hashed_password from users where username = $1`,
		username).Scan(&userID, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "lookup failed"})
		return
	}
	if err := password.Verify(hash, req.Password); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}

	session, err := a.sessions.Issue(r.Context(), a.db, userID, fingerprintHash(req.DeviceFingerprint))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "session issue failed"})
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:      session.AccessToken,
		AccessExpiresAt:  session.AccessExpiresAt,
		RefreshToken:     session.RefreshToken,
		RefreshExpiresAt: session.RefreshExpiresAt,
	})
}

// ChangePassword — самостоятельная смена пароля пользователем.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	result, err := a.accounts.ChangePassword(r.Context(), account.ChangePasswordRequest{
		UserID:            req.UserID,
		Username:          req.Username,
		CurrentPassword:   req.CurrentPassword,
		NewPassword:       req.NewPassword,
		DeviceFingerprint: fingerprintHash(req.DeviceFingerprint),
	})
	writeAccountResult(w, result, err)
}

// ResetPassword — административный сброс пароля без проверки текущего.
func (a *API) ResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	result, err := a.accounts.ResetPassword(r.Context(), account.ResetPasswordRequest{
		UserID:            req.UserID,
		NewPassword:       req.NewPassword,
		DeviceFingerprint: fingerprintHash(req.DeviceFingerprint),
	})
	writeAccountResult(w, result, err)
}

// fingerprintHash normalizes a client-supplied fingerprint to the hashed
// form stored on token rows. Every fingerprint crossing this boundary must go
// through it, or the cleanup engine compares a digest against plaintext and
// silently falls back to recency.
func fingerprintHash(raw string) string {
	fp := strings.TrimSpace(raw)
	if fp == "" {
		return ""
	}
	return token.HashValue(fp)
}

// writeAccountResult maps the orchestrator's total contract onto HTTP. Only
// infrastructure faults surface as 500; expected failures keep the safe
// user-facing message from Result.
func writeAccountResult(w http.ResponseWriter, result account.Result, err error) {
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, accountResponse{
			Success: false,
			Message: "Internal error",
		})
		return
	}
	code := http.StatusOK
	if !result.Success {
		switch {
		case errors.Is(result.Err, account.ErrRateLimited):
			code = http.StatusTooManyRequests
		case errors.Is(result.Err, account.ErrInvalidCredentials),
			errors.Is(result.Err, account.ErrUserNotFound),
			errors.Is(result.Err, account.ErrIdentityMismatch):
			code = http.StatusUnauthorized
		default:
			code = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, code, accountResponse{
		Success: result.Success,
		Message: result.Message,
	})
}
