package pool

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lyralabs/gravityrouter/internal/registry"
)

func newTestManager(t *testing.T, emails ...string) *Manager {
	t.Helper()
	m := NewManager(nil)
	for _, email := range emails {
		m.AddOrUpdate(Credential{
			Email:        email,
			ProjectID:    "proj-" + email,
			RefreshToken: "rt-" + email,
		})
	}
	return m
}

func TestAcquireVisitsEachAccountOnce(t *testing.T) {
	m := newTestManager(t, "a", "b", "c", "d")

	visited := make(map[int]int)
	for i := 0; i < 4; i++ {
		acc, ok := m.AcquireForFamily(registry.FamilyClaude)
		if !ok {
			t.Fatalf("acquire %d failed with unblocked accounts remaining", i)
		}
		visited[acc.Index]++
		m.MarkRateLimited(acc.Index, time.Hour, registry.FamilyClaude, StyleAntigravity, KindText, ReasonQuotaExhausted)
	}

	if len(visited) != 4 {
		t.Fatalf("visited %d distinct accounts, want 4", len(visited))
	}
	for idx, count := range visited {
		if count != 1 {
			t.Errorf("account %d served %d times, want 1", idx, count)
		}
	}
	if _, ok := m.AcquireForFamily(registry.FamilyClaude); ok {
		t.Fatal("acquire succeeded with every account limited")
	}
	if !m.AllRateLimited(registry.FamilyClaude) {
		t.Fatal("AllRateLimited = false with every account limited")
	}
}

func TestAcquireSticksToCurrentAccount(t *testing.T) {
	m := newTestManager(t, "a", "b", "c")

	first, ok := m.AcquireForFamily(registry.FamilyGemini)
	if !ok {
		t.Fatal("acquire failed")
	}
	for i := 0; i < 5; i++ {
		acc, okAgain := m.AcquireForFamily(registry.FamilyGemini)
		if !okAgain || acc.Index != first.Index {
			t.Fatalf("acquire moved from account %d to %d without a limit", first.Index, acc.Index)
		}
	}
}

func TestGeminiBlockedOnlyWhenBothStylesLimited(t *testing.T) {
	m := newTestManager(t, "solo")

	m.MarkRateLimited(0, time.Hour, registry.FamilyGemini, StyleAntigravity, KindText, ReasonRateLimitExceeded)
	acc, ok := m.AcquireForFamily(registry.FamilyGemini)
	if !ok {
		t.Fatal("account blocked with only one style limited")
	}
	style, free := m.HeaderStyleFor(acc.Index, registry.FamilyGemini)
	if !free || style != StyleGeminiCLI {
		t.Fatalf("HeaderStyleFor = %q, %v; want fallback style with preferred pool limited", style, free)
	}

	m.MarkRateLimited(0, time.Hour, registry.FamilyGemini, StyleGeminiCLI, KindText, ReasonRateLimitExceeded)
	if _, ok = m.AcquireForFamily(registry.FamilyGemini); ok {
		t.Fatal("account still acquirable with both style pools limited")
	}
	// The Claude pool is untouched.
	if _, ok = m.AcquireForFamily(registry.FamilyClaude); !ok {
		t.Fatal("claude family blocked by gemini limits")
	}
}

func TestImagePoolIsIndependent(t *testing.T) {
	m := newTestManager(t, "solo")

	m.MarkRateLimited(0, time.Hour, registry.FamilyGemini, StyleAntigravity, KindImage, ReasonQuotaExhausted)
	if _, ok := m.AcquireForFamily(registry.FamilyGemini); !ok {
		t.Fatal("text requests blocked by an image-pool limit")
	}
}

func TestDefaultCooldowns(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(t, "a")
	m.now = func() time.Time { return base }

	cases := []struct {
		reason Reason
		want   time.Duration
	}{
		{ReasonQuotaExhausted, time.Hour},
		{ReasonRateLimitExceeded, 30 * time.Second},
		{ReasonServerError, 20 * time.Second},
		{ReasonUnknown, time.Minute},
	}
	for _, tc := range cases {
		m.MarkRateLimited(0, 0, registry.FamilyClaude, StyleAntigravity, KindText, tc.reason)
		if got := m.MinWait(registry.FamilyClaude); got != tc.want {
			t.Errorf("cooldown for %s = %v, want %v", tc.reason, got, tc.want)
		}
		delete(m.accounts[0].RateLimitResets, QuotaKeyClaude)
	}
}

func TestExpiredLimitsEvictLazily(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m := newTestManager(t, "a")
	m.now = func() time.Time { return now }

	m.MarkRateLimited(0, time.Hour, registry.FamilyClaude, StyleAntigravity, KindText, ReasonQuotaExhausted)
	if _, ok := m.AcquireForFamily(registry.FamilyClaude); ok {
		t.Fatal("acquire succeeded during cooldown")
	}

	now = base.Add(2 * time.Hour)
	acc, ok := m.AcquireForFamily(registry.FamilyClaude)
	if !ok {
		t.Fatal("acquire failed after cooldown expired")
	}
	if _, still := acc.RateLimitResets[QuotaKeyClaude]; still {
		t.Error("expired reset entry survived eviction")
	}
}

func TestRemoveRepairsIndices(t *testing.T) {
	m := newTestManager(t, "a", "b", "c")
	if _, ok := m.AcquireForFamily(registry.FamilyClaude); !ok {
		t.Fatal("acquire failed")
	}

	if !m.Remove(0) {
		t.Fatal("remove failed")
	}
	accounts := m.Accounts()
	if len(accounts) != 2 {
		t.Fatalf("len = %d, want 2", len(accounts))
	}
	for i, acc := range accounts {
		if acc.Index != i {
			t.Errorf("account %d carries index %d", i, acc.Index)
		}
	}
	if _, ok := m.CurrentForFamily(registry.FamilyClaude); !ok {
		t.Error("family pointer invalid after removal")
	}
	if m.Remove(5) {
		t.Error("remove of out-of-range index reported success")
	}
}

func TestAddOrUpdateMatchesExisting(t *testing.T) {
	m := newTestManager(t, "a")

	updated := m.AddOrUpdate(Credential{Email: "a", ProjectID: "new-project", RefreshToken: "rt-a"})
	if m.Len() != 1 {
		t.Fatalf("len = %d after update, want 1", m.Len())
	}
	if updated.ProjectID != "new-project" {
		t.Errorf("ProjectID = %q, want new-project", updated.ProjectID)
	}

	m.AddOrUpdate(Credential{Email: "b", RefreshToken: "rt-b"})
	if m.Len() != 2 {
		t.Fatalf("len = %d after add, want 2", m.Len())
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	store := NewFileStore(path)

	m := NewManager(store)
	m.AddOrUpdate(Credential{Email: "a", ProjectID: "p1", RefreshToken: "rt-a", AccessToken: "secret"})
	m.AddOrUpdate(Credential{Email: "b", ProjectID: "p2", RefreshToken: "rt-b"})
	m.MarkRateLimited(1, time.Hour, registry.FamilyGemini, StyleGeminiCLI, KindText, ReasonQuotaExhausted)

	reloaded := NewManager(nil)
	data, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	reloaded.Load(data)

	accounts := reloaded.Accounts()
	if len(accounts) != 2 {
		t.Fatalf("len = %d, want 2", len(accounts))
	}
	if accounts[0].AccessToken != "" {
		t.Error("access token was persisted")
	}
	if accounts[0].RefreshToken != "rt-a" {
		t.Errorf("RefreshToken = %q, want rt-a", accounts[0].RefreshToken)
	}
	if _, limited := accounts[1].RateLimitResets[QuotaKeyGeminiCLI]; !limited {
		t.Error("rate limit state lost across reload")
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))
	data, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(data.Accounts) != 0 {
		t.Fatalf("accounts = %d, want 0", len(data.Accounts))
	}
	if data.ActiveIndexByFamily.Claude != -1 || data.ActiveIndexByFamily.Gemini != -1 {
		t.Errorf("active indexes = %+v, want -1/-1", data.ActiveIndexByFamily)
	}
}

func TestEmptyPool(t *testing.T) {
	m := NewManager(nil)
	if _, ok := m.AcquireForFamily(registry.FamilyClaude); ok {
		t.Fatal("acquire succeeded on empty pool")
	}
	if m.AllRateLimited(registry.FamilyClaude) {
		t.Fatal("empty pool reported as rate limited")
	}
}
