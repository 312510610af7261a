package settings

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValueType declares how a raw stored value must be coerced.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeBool   ValueType = "boolean"
	TypeNumber ValueType = "number"
)

// Well-known categories and keys used by the security subsystem.
const (
	CategoryPasswordPolicies = "Application.Security.PasswordPolicies"
	CategorySessions         = "Application.Security.Sessions"

	KeyMinLength           = "MinLength"
	KeyMaxLength           = "MaxLength"
	KeyRequireUppercase    = "RequireUppercase"
	KeyRequireLowercase    = "RequireLowercase"
	KeyRequireNumbers      = "RequireNumbers"
	KeyRequireSpecialChars = "RequireSpecialChars"
	KeyAllowedSpecialChars = "AllowedSpecialChars"

	KeyCleanupOnPasswordChange = "CleanupOnPasswordChange"
)

var (
	// ErrNotLoaded indicates reads were attempted before the initial bulk load.
	ErrNotLoaded = errors.New("settings: cache not loaded")
)

// Setting is a single configuration value as stored, plus its declared type.
type Setting struct {
	Category  string
	Key       string
	RawValue  string
	Type      ValueType
	UpdatedAt time.Time
}

// KeyError reports a missing or malformed required setting. It is the
// configuration-error kind: callers must surface it as an operator problem,
// never as user input validation.
type KeyError struct {
	Category string
	Key      string
	Reason   string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("settings: %s/%s: %s", e.Category, e.Key, e.Reason)
}

// MissingKey constructs the canonical error for an absent required setting.
func MissingKey(category, key string) *KeyError {
	return &KeyError{Category: category, Key: key, Reason: "not configured"}
}

// Bool coerces the raw value. "true"/"1" and "false"/"0" are accepted
// case-insensitively; anything else is a KeyError. In particular the string
// "false" parses to false, never truthy-by-non-empty.
func (s Setting) Bool() (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s.RawValue)) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, &KeyError{Category: s.Category, Key: s.Key, Reason: fmt.Sprintf("not a boolean: %q", s.RawValue)}
	}
}

// Int coerces the raw value to an integer.
func (s Setting) Int() (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s.RawValue))
	if err != nil {
		return 0, &KeyError{Category: s.Category, Key: s.Key, Reason: fmt.Sprintf("not a number: %q", s.RawValue)}
	}
	return n, nil
}

// String returns the raw value unchanged.
func (s Setting) String() string { return s.RawValue }
