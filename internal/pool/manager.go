package pool

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lyralabs/gravityrouter/internal/registry"
)

// cursorResetThreshold guards the monotonically increasing rotation cursor
// against overflow, mirroring the wrap point used elsewhere in the codebase.
const cursorResetThreshold = 2_147_483_640

// Manager owns the account pool. Every operation takes the single pool lock;
// none of them performs network I/O, so the critical sections stay short.
// Callers acquire an account, release the lock implicitly, perform their
// request, and report the outcome back through MarkRateLimited or UpdateToken.
type Manager struct {
	mu       sync.Mutex
	accounts []*Account
	current  map[registry.Family]int
	cursor   int

	store Store
	now   func() time.Time
}

// NewManager builds an empty pool. store may be nil for purely in-memory use.
func NewManager(store Store) *Manager {
	return &Manager{
		current: map[registry.Family]int{
			registry.FamilyClaude: -1,
			registry.FamilyGemini: -1,
		},
		store: store,
		now:   time.Now,
	}
}

// Load replaces the pool atomically from a persisted snapshot. The rotation
// cursor resets and both family pointers are clamped into [0,len), defaulting
// to 0 for a non-empty pool and -1 for an empty one.
func (m *Manager) Load(data *StorageData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = m.accounts[:0]
	if data != nil {
		for i, stored := range data.Accounts {
			acc := &Account{
				Index:        i,
				Email:        stored.Email,
				ProjectID:    stored.ProjectID,
				RefreshToken: stored.RefreshToken,
				AddedAt:      stored.AddedAt,
				LastUsed:     stored.LastUsed,
			}
			if len(stored.RateLimitResetTimes) > 0 {
				acc.RateLimitResets = make(map[QuotaKey]time.Time, len(stored.RateLimitResetTimes))
				for key, reset := range stored.RateLimitResetTimes {
					acc.RateLimitResets[QuotaKey(key)] = reset
				}
			}
			m.accounts = append(m.accounts, acc)
		}
	}

	m.cursor = 0
	claudeIdx, geminiIdx := -1, -1
	if data != nil {
		claudeIdx = data.ActiveIndexByFamily.Claude
		geminiIdx = data.ActiveIndexByFamily.Gemini
	}
	m.current[registry.FamilyClaude] = clampIndex(claudeIdx, len(m.accounts))
	m.current[registry.FamilyGemini] = clampIndex(geminiIdx, len(m.accounts))
	log.Infof("pool: loaded %d accounts", len(m.accounts))
}

func clampIndex(idx, length int) int {
	if length == 0 {
		return -1
	}
	if idx < 0 || idx >= length {
		return 0
	}
	return idx
}

// AddOrUpdate inserts a credential or refreshes an existing account matched
// by email or refresh token. Updates overwrite the token fields in place and
// preserve rate-limit history. The first account added to an empty pool
// becomes the active account for both families.
func (m *Manager) AddOrUpdate(cred Credential) Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		sameEmail := cred.Email != "" && acc.Email == cred.Email
		sameToken := cred.RefreshToken != "" && acc.RefreshToken == cred.RefreshToken
		if !sameEmail && !sameToken {
			continue
		}
		if cred.Email != "" {
			acc.Email = cred.Email
		}
		if cred.ProjectID != "" {
			acc.ProjectID = cred.ProjectID
		}
		if cred.RefreshToken != "" {
			acc.RefreshToken = cred.RefreshToken
		}
		acc.AccessToken = cred.AccessToken
		acc.ExpiresAt = cred.ExpiresAt
		m.persistLocked()
		log.Debugf("pool: updated account %d (%s)", acc.Index, acc.Email)
		return acc.clone()
	}

	wasEmpty := len(m.accounts) == 0
	acc := &Account{
		Index:        len(m.accounts),
		Email:        cred.Email,
		ProjectID:    cred.ProjectID,
		RefreshToken: cred.RefreshToken,
		AccessToken:  cred.AccessToken,
		ExpiresAt:    cred.ExpiresAt,
		AddedAt:      m.now(),
	}
	m.accounts = append(m.accounts, acc)
	if wasEmpty {
		m.current[registry.FamilyClaude] = acc.Index
		m.current[registry.FamilyGemini] = acc.Index
	}
	m.persistLocked()
	log.Infof("pool: added account %d (%s)", acc.Index, acc.Email)
	return acc.clone()
}

// Remove deletes the account at index and re-densifies the remaining indices.
// Family pointers and the rotation cursor are repaired to stay within bounds;
// any pointer at or after the removed index is decremented. Returns false for
// an out-of-range index.
func (m *Manager) Remove(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return false
	}
	removed := m.accounts[index]
	m.accounts = append(m.accounts[:index], m.accounts[index+1:]...)
	for i, acc := range m.accounts {
		acc.Index = i
	}
	for family, ptr := range m.current {
		switch {
		case len(m.accounts) == 0:
			m.current[family] = -1
		case ptr >= index:
			ptr--
			if ptr < 0 {
				ptr = 0
			}
			m.current[family] = ptr
		}
	}
	if len(m.accounts) == 0 {
		m.cursor = 0
	} else {
		m.cursor %= len(m.accounts)
	}
	m.persistLocked()
	log.Infof("pool: removed account %d (%s), %d remaining", index, removed.Email, len(m.accounts))
	return true
}

// Len returns the number of accounts in the pool.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// Accounts returns copies of all accounts in index order.
func (m *Manager) Accounts() []Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, acc.clone())
	}
	return out
}

// CurrentForFamily is a pure read of the family pointer.
func (m *Manager) CurrentForFamily(family registry.Family) (Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.current[family]
	if idx < 0 || idx >= len(m.accounts) {
		return Account{}, false
	}
	return m.accounts[idx].clone(), true
}

// AcquireForFamily is the selection entry point. The current account is
// returned as long as it is not blocked for the family; otherwise the pool is
// scanned for unblocked accounts and the rotation cursor picks the next one
// round-robin. Returns false only when every account is currently blocked.
func (m *Manager) AcquireForFamily(family registry.Family) (Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if idx := m.current[family]; idx >= 0 && idx < len(m.accounts) {
		acc := m.accounts[idx]
		acc.expireStale(now)
		if !acc.blockedForFamily(family, now) {
			acc.LastUsed = now
			return acc.clone(), true
		}
	}

	available := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		acc.expireStale(now)
		if acc.blockedForFamily(family, now) {
			continue
		}
		available = append(available, acc)
	}
	if len(available) == 0 {
		return Account{}, false
	}

	if m.cursor >= cursorResetThreshold {
		m.cursor = 0
	}
	winner := available[m.cursor%len(available)]
	m.cursor++
	m.current[family] = winner.Index
	winner.LastSwitchReason = SwitchReasonRateLimit
	winner.LastUsed = now
	log.Debugf("pool: rotated %s family to account %d (%s)", family, winner.Index, winner.Email)
	return winner.clone(), true
}

// HeaderStyleFor picks the header bundle the account should use for a family.
// Claude accounts always use the IDE bundle when their pool is free. Gemini
// accounts prefer the IDE bundle and fall back to the CLI bundle when the IDE
// pool is exhausted; false means both pools are blocked.
func (m *Manager) HeaderStyleFor(index int, family registry.Family) (HeaderStyle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return "", false
	}
	acc := m.accounts[index]
	now := m.now()
	acc.expireStale(now)

	if family == registry.FamilyClaude {
		if acc.limitedOn(QuotaKeyClaude, now) {
			return "", false
		}
		return StyleAntigravity, true
	}
	if !acc.limitedOn(QuotaKeyGeminiAntigravity, now) {
		return StyleAntigravity, true
	}
	if !acc.limitedOn(QuotaKeyGeminiCLI, now) {
		return StyleGeminiCLI, true
	}
	return "", false
}

// MarkRateLimited records a rate-limit outcome against the quota key derived
// from (family, headerStyle, requestKind). retryAfter <= 0 falls back to the
// default cooldown for the reason. Out-of-range indices are ignored; this
// operation never fails.
func (m *Manager) MarkRateLimited(index int, retryAfter time.Duration, family registry.Family, style HeaderStyle, kind RequestKind, reason Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return
	}
	acc := m.accounts[index]
	if acc.RateLimitResets == nil {
		acc.RateLimitResets = make(map[QuotaKey]time.Time)
	}
	delay := retryAfter
	if delay <= 0 {
		delay = CooldownFor(reason)
	}
	key := QuotaKeyFor(family, style, kind)
	reset := m.now().Add(delay)
	acc.RateLimitResets[key] = reset
	m.persistLocked()
	log.Infof("pool: account %d (%s) limited on %s until %s (%s)", index, acc.Email, key, reset.Format(time.RFC3339), reason)
}

// UpdateToken stores a refreshed access token on an account. Token refresh
// itself happens outside the pool lock; only the result is reported here.
func (m *Manager) UpdateToken(index int, accessToken string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.accounts) {
		return
	}
	acc := m.accounts[index]
	acc.AccessToken = accessToken
	acc.ExpiresAt = expiresAt
	m.persistLocked()
}

// AllRateLimited reports whether every account is currently blocked for the
// family. An empty pool returns false; that is "no accounts", not exhaustion.
func (m *Manager) AllRateLimited(family registry.Family) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.accounts) == 0 {
		return false
	}
	now := m.now()
	for _, acc := range m.accounts {
		acc.expireStale(now)
		if !acc.blockedForFamily(family, now) {
			return false
		}
	}
	return true
}

// MinWait returns the shortest time until any account becomes usable for the
// family. A Gemini account's wait is the minimum of its two style pools; an
// account with no recorded limit contributes zero.
func (m *Manager) MinWait(family registry.Family) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var min time.Duration
	first := true
	for _, acc := range m.accounts {
		acc.expireStale(now)
		wait := acc.familyWait(family, now)
		if first || wait < min {
			min = wait
			first = false
		}
	}
	if first {
		return 0
	}
	return min
}

// Snapshot serialises the pool into the persisted storage shape.
func (m *Manager) Snapshot() *StorageData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() *StorageData {
	data := &StorageData{
		Version: StorageVersion,
		ActiveIndexByFamily: ActiveIndexes{
			Claude: m.current[registry.FamilyClaude],
			Gemini: m.current[registry.FamilyGemini],
		},
	}
	for _, acc := range m.accounts {
		stored := StoredAccount{
			Email:        acc.Email,
			ProjectID:    acc.ProjectID,
			RefreshToken: acc.RefreshToken,
			AddedAt:      acc.AddedAt,
			LastUsed:     acc.LastUsed,
		}
		if len(acc.RateLimitResets) > 0 {
			stored.RateLimitResetTimes = make(map[string]time.Time, len(acc.RateLimitResets))
			for key, reset := range acc.RateLimitResets {
				stored.RateLimitResetTimes[string(key)] = reset
			}
		}
		data.Accounts = append(data.Accounts, stored)
	}
	return data
}

func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.snapshotLocked()); err != nil {
		log.Warnf("pool: persist failed: %v", err)
	}
}
