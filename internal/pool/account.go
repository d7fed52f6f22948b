// Package pool manages the set of credentialed backend accounts, their
// per-quota-key rate-limit state, and the rotation cursor used to spread load
// across them. All state is in memory; persistence is delegated to a Store
// collaborator. Mutations are short and synchronous, guarded by a single lock;
// network I/O (token refresh, backend calls) must happen outside of it.
package pool

import (
	"time"

	"github.com/lyralabs/gravityrouter/internal/registry"
)

// HeaderStyle selects one of the two fixed header bundles. Within the Gemini
// family the two bundles count against independent backend quota pools.
type HeaderStyle string

const (
	// StyleAntigravity is the IDE-attributed bundle (style X, preferred).
	StyleAntigravity HeaderStyle = "antigravity"
	// StyleGeminiCLI is the CLI-attributed bundle (style Y, fallback).
	StyleGeminiCLI HeaderStyle = "gemini-cli"
)

// QuotaKey is the finest-grained unit of rate-limit tracking. The Claude
// family has a single pool; the Gemini family has one pool per header style
// plus a dedicated pool for image generation.
type QuotaKey string

const (
	QuotaKeyClaude            QuotaKey = "claude"
	QuotaKeyGeminiAntigravity QuotaKey = "gemini-antigravity"
	QuotaKeyGeminiCLI         QuotaKey = "gemini-cli"
	QuotaKeyGeminiImage       QuotaKey = "gemini-image"
)

// RequestKind distinguishes image generation, which has its own quota pool
// regardless of header style.
type RequestKind string

const (
	KindText  RequestKind = "text"
	KindImage RequestKind = "image"
)

// QuotaKeyFor computes the quota key a request counts against.
func QuotaKeyFor(family registry.Family, style HeaderStyle, kind RequestKind) QuotaKey {
	if family == registry.FamilyClaude {
		return QuotaKeyClaude
	}
	if kind == KindImage {
		return QuotaKeyGeminiImage
	}
	if style == StyleGeminiCLI {
		return QuotaKeyGeminiCLI
	}
	return QuotaKeyGeminiAntigravity
}

// Reason classifies why an account was marked rate limited. It selects the
// default cooldown when the backend did not supply an explicit retry delay.
type Reason string

const (
	ReasonQuotaExhausted    Reason = "quota_exhausted"
	ReasonRateLimitExceeded Reason = "rate_limit_exceeded"
	ReasonServerError       Reason = "server_error"
	ReasonUnknown           Reason = "unknown"
)

// CooldownFor returns the default cooldown applied for a reason.
func CooldownFor(reason Reason) time.Duration {
	switch reason {
	case ReasonQuotaExhausted:
		return time.Hour
	case ReasonRateLimitExceeded:
		return 30 * time.Second
	case ReasonServerError:
		return 20 * time.Second
	default:
		return time.Minute
	}
}

// SwitchReason records why the family pointer last moved to an account.
type SwitchReason string

const (
	SwitchReasonNone      SwitchReason = ""
	SwitchReasonRateLimit SwitchReason = "rate-limit"
)

// Account is a single backend credential with its runtime quota state.
// Accounts are exclusively owned by the Manager; read operations hand out
// copies, never aliases.
type Account struct {
	// Index is the dense position of the account within the pool. Reassigned
	// on removal so indices stay 0..N-1.
	Index        int
	Email        string
	ProjectID    string
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
	AddedAt      time.Time
	LastUsed     time.Time
	// RateLimitResets maps quota keys to absolute reset timestamps. Entries
	// at or before now are logically absent (lazy eviction).
	RateLimitResets  map[QuotaKey]time.Time
	LastSwitchReason SwitchReason
}

// clone returns a deep copy safe to hand outside the pool lock.
func (a *Account) clone() Account {
	cp := *a
	if a.RateLimitResets != nil {
		cp.RateLimitResets = make(map[QuotaKey]time.Time, len(a.RateLimitResets))
		for k, v := range a.RateLimitResets {
			cp.RateLimitResets[k] = v
		}
	}
	return cp
}

// expireStale drops reset entries at or before now. Invoked at the top of
// every state-reading operation instead of a background sweeper, so there is
// only one mutation surface to synchronise.
func (a *Account) expireStale(now time.Time) {
	for key, reset := range a.RateLimitResets {
		if !reset.After(now) {
			delete(a.RateLimitResets, key)
		}
	}
}

// limitedOn reports whether the key currently blocks the account.
func (a *Account) limitedOn(key QuotaKey, now time.Time) bool {
	reset, ok := a.RateLimitResets[key]
	return ok && reset.After(now)
}

// waitOn returns the remaining cooldown on a key, zero when unblocked.
func (a *Account) waitOn(key QuotaKey, now time.Time) time.Duration {
	reset, ok := a.RateLimitResets[key]
	if !ok || !reset.After(now) {
		return 0
	}
	return reset.Sub(now)
}

// blockedForFamily applies the family blocking rule. Claude accounts are
// blocked by their single pool. Gemini accounts stay usable while either
// header-style pool is free; only both pools being exhausted blocks them.
func (a *Account) blockedForFamily(family registry.Family, now time.Time) bool {
	if family == registry.FamilyClaude {
		return a.limitedOn(QuotaKeyClaude, now)
	}
	return a.limitedOn(QuotaKeyGeminiAntigravity, now) && a.limitedOn(QuotaKeyGeminiCLI, now)
}

// familyWait returns how long until the account becomes usable for a family.
func (a *Account) familyWait(family registry.Family, now time.Time) time.Duration {
	if family == registry.FamilyClaude {
		return a.waitOn(QuotaKeyClaude, now)
	}
	waitX := a.waitOn(QuotaKeyGeminiAntigravity, now)
	waitY := a.waitOn(QuotaKeyGeminiCLI, now)
	if waitX < waitY {
		return waitX
	}
	return waitY
}

// Credential is the input shape for adding or updating an account.
type Credential struct {
	Email        string    `json:"email,omitempty"`
	ProjectID    string    `json:"projectId,omitempty"`
	RefreshToken string    `json:"refreshToken"`
	AccessToken  string    `json:"accessToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}
