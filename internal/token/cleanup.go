package token

import (
	"context"
	"strconv"
	"time"

	"github.com/vk74/admincore/internal/events"
	"github.com/vk74/admincore/internal/obs"
	"github.com/vk74/admincore/internal/settings"
)

// keepThreshold is the similarity (in percent) at or above which a token is
// considered the same device lineage as the one performing the change.
const keepThreshold = 95.0

const cleanupSource = "token.cleanup"

// CleanupResult summarizes one cleanup run.
type CleanupResult struct {
	Skipped     bool   // cleanup disabled by configuration
	KeptTokenID string // empty when there was nothing to keep
	Revoked     int
}

// CleanupEngine revokes a user's stale sessions on password change while
// preserving the session that most plausibly belongs to the device that
// initiated it.
type CleanupEngine struct {
	cache settings.Reader
	store Store
	bus   events.Publisher
	now   func() time.Time
}

// NewCleanupEngine constructs the engine. bus may be nil in tests.
func NewCleanupEngine(cache settings.Reader, store Store, bus events.Publisher) *CleanupEngine {
	return &CleanupEngine{cache: cache, store: store, bus: bus, now: time.Now}
}

// Enabled reads the cleanup flag. A missing flag is a critical
// misconfiguration, not a feature defaulting to off.
func (e *CleanupEngine) Enabled() (bool, error) {
	s, ok := e.cache.Get(settings.CategorySessions, settings.KeyCleanupOnPasswordChange)
	if !ok {
		return false, settings.MissingKey(settings.CategorySessions, settings.KeyCleanupOnPasswordChange)
	}
	return s.Bool()
}

// Cleanup revokes every active token for userID except the one selected by
// findTokenToKeep. It runs against the caller's querier so the orchestrator
// can keep it inside the password-change transaction; any storage error
// propagates up so the caller rolls the whole operation back.
func (e *CleanupEngine) Cleanup(ctx context.Context, q Querier, userID, fingerprintHash string) (CleanupResult, error) {
	enabled, err := e.Enabled()
	if err != nil {
		return CleanupResult{}, err
	}
	if !enabled {
		e.publish(ctx, events.New("token.cleanup.skipped_disabled", cleanupSource,
			events.TypeSecurity, events.SeverityDebug, "token cleanup disabled by configuration",
			map[string]string{"user_id": userID}))
		return CleanupResult{Skipped: true}, nil
	}

	active, err := e.store.ActiveByUser(ctx, q, userID, e.now().UTC())
	if err != nil {
		return CleanupResult{}, err
	}
	if len(active) == 0 {
		return CleanupResult{}, nil
	}

	kept, ok := findTokenToKeep(active, fingerprintHash)
	var revoke []string
	for _, t := range active {
		if ok && t.ID == kept.ID {
			continue
		}
		revoke = append(revoke, t.ID)
	}

	n, err := e.store.Revoke(ctx, q, revoke)
	if err != nil {
		return CleanupResult{}, err
	}
	obs.TokensRevoked(int(n))

	res := CleanupResult{Revoked: int(n)}
	if ok {
		res.KeptTokenID = kept.ID
	}
	e.publish(ctx, events.New("token.cleanup.completed", cleanupSource,
		events.TypeSecurity, events.SeverityInfo, "stale session tokens revoked",
		map[string]string{
			"user_id":       userID,
			"kept_token_id": res.KeptTokenID,
			"revoked_count": strconv.Itoa(res.Revoked),
		}))
	return res, nil
}

func (e *CleanupEngine) publish(ctx context.Context, event events.Event) {
	if e.bus != nil {
		e.bus.Publish(ctx, event)
	}
}

// findTokenToKeep picks the survivor among the active tokens, newest first.
// A fingerprint match at or above keepThreshold identifies the same device
// even after token rotation; below it the most recently issued token is kept
// so that some session always survives a password change.
func findTokenToKeep(tokens []Token, fingerprintHash string) (Token, bool) {
	if len(tokens) == 0 {
		return Token{}, false
	}

	best := -1.0
	var bestToken Token
	if fingerprintHash != "" {
		for _, t := range tokens {
			if t.DeviceFingerprintHash == "" {
				continue
			}
			// strictly-greater keeps the newest token on ties, since
			// the list is ordered newest-issued first
			if s := Similarity(t.DeviceFingerprintHash, fingerprintHash); s > best {
				best = s
				bestToken = t
			}
		}
	}
	if best >= keepThreshold {
		return bestToken, true
	}
	return tokens[0], true
}

// Similarity scores two fingerprint hashes as the percentage of character
// positions that match, compared position-by-position up to the length of
// the shorter string. Case-sensitive, no normalization. Deterministic and
// always within [0, 100].
func Similarity(a, b string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	matches := 0
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(n) * 100
}
