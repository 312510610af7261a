// Package password validates candidate passwords against runtime-configured
// policy rules and owns the hashing scheme used for stored credentials.
package password

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vk74/admincore/internal/settings"
)

// FallbackAllowedSpecialChars is the documented default used when the
// AllowedSpecialChars setting is absent. It is the only policy setting with a
// fallback; every other missing key is a configuration error.
const FallbackAllowedSpecialChars = "!@#$%^&*()_+-=[]{}|;:,.<>?"

// Violation identifies one way a candidate password fails policy.
type Violation struct {
	Rule    string
	Message string
}

// PolicyViolationError carries the full list of violated rules, not just the
// first, so the caller can display all of them at once.
type PolicyViolationError struct {
	Violations []Violation
}

func (e *PolicyViolationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return "password: policy violations: " + strings.Join(msgs, "; ")
}

// Messages returns the user-facing violation messages in check order.
func (e *PolicyViolationError) Messages() []string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return msgs
}

// Rules returns the violated rule identifiers, safe for event payloads.
func (e *PolicyViolationError) Rules() []string {
	rules := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		rules[i] = v.Rule
	}
	return rules
}

// Validator checks candidate passwords against the policy held in the
// settings cache. Rules are re-read on every call, so a settings reload takes
// effect without restarting.
type Validator struct {
	cache settings.Reader
}

// NewValidator constructs a Validator over the given settings view.
func NewValidator(cache settings.Reader) *Validator {
	return &Validator{cache: cache}
}

type policy struct {
	minLength      int
	maxLength      int
	requireUpper   bool
	requireLower   bool
	requireNumbers bool
	requireSpecial bool
	allowedSpecial string
}

func (v *Validator) loadPolicy() (policy, error) {
	var p policy
	var err error

	if p.minLength, err = v.requireInt(settings.KeyMinLength); err != nil {
		return policy{}, err
	}
	if p.maxLength, err = v.requireInt(settings.KeyMaxLength); err != nil {
		return policy{}, err
	}
	if p.requireUpper, err = v.requireBool(settings.KeyRequireUppercase); err != nil {
		return policy{}, err
	}
	if p.requireLower, err = v.requireBool(settings.KeyRequireLowercase); err != nil {
		return policy{}, err
	}
	if p.requireNumbers, err = v.requireBool(settings.KeyRequireNumbers); err != nil {
		return policy{}, err
	}
	if p.requireSpecial, err = v.requireBool(settings.KeyRequireSpecialChars); err != nil {
		return policy{}, err
	}

	// the single documented fallback
	if s, ok := v.cache.Get(settings.CategoryPasswordPolicies, settings.KeyAllowedSpecialChars); ok {
		p.allowedSpecial = s.String()
	} else {
		p.allowedSpecial = FallbackAllowedSpecialChars
	}
	return p, nil
}

func (v *Validator) requireInt(key string) (int, error) {
	s, ok := v.cache.Get(settings.CategoryPasswordPolicies, key)
	if !ok {
		return 0, settings.MissingKey(settings.CategoryPasswordPolicies, key)
	}
	return s.Int()
}

func (v *Validator) requireBool(key string) (bool, error) {
	s, ok := v.cache.Get(settings.CategoryPasswordPolicies, key)
	if !ok {
		return false, settings.MissingKey(settings.CategoryPasswordPolicies, key)
	}
	return s.Bool()
}

// Validate checks the candidate against the configured rules. It returns nil
// when the password passes, a *PolicyViolationError listing every failed rule,
// or a *settings.KeyError when a required setting is missing or malformed.
// The two error kinds must be surfaced differently: violations go to the
// user, key errors go to the operator.
func (v *Validator) Validate(candidate string) error {
	p, err := v.loadPolicy()
	if err != nil {
		return err
	}

	var violations []Violation
	length := utf8.RuneCountInString(candidate)
	if length < p.minLength {
		violations = append(violations, Violation{
			Rule:    "min_length",
			Message: fmt.Sprintf("password must be at least %d characters long", p.minLength),
		})
	}
	if length > p.maxLength {
		violations = append(violations, Violation{
			Rule:    "max_length",
			Message: fmt.Sprintf("password must be at most %d characters long", p.maxLength),
		})
	}
	if p.requireUpper && !strings.ContainsAny(candidate, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		violations = append(violations, Violation{
			Rule:    "require_uppercase",
			Message: "password must contain at least one uppercase letter",
		})
	}
	if p.requireLower && !strings.ContainsAny(candidate, "abcdefghijklmnopqrstuvwxyz") {
		violations = append(violations, Violation{
			Rule:    "require_lowercase",
			Message: "password must contain at least one lowercase letter",
		})
	}
	if p.requireNumbers && !strings.ContainsAny(candidate, "0123456789") {
		violations = append(violations, Violation{
			Rule:    "require_numbers",
			Message: "password must contain at least one number",
		})
	}
	if p.requireSpecial {
		// literal set membership; the configured string may contain
		// characters that are significant in pattern syntax, so it is
		// never interpolated into a regexp
		if !strings.ContainsAny(candidate, p.allowedSpecial) {
			violations = append(violations, Violation{
				Rule:    "require_special_chars",
				Message: fmt.Sprintf("password must contain at least one special character (%s)", p.allowedSpecial),
			})
		}
	}

	if len(violations) > 0 {
		return &PolicyViolationError{Violations: violations}
	}
	return nil
}
