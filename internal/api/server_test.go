package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/lyralabs/gravityrouter/internal/config"
	"github.com/lyralabs/gravityrouter/internal/pool"
	"github.com/lyralabs/gravityrouter/internal/registry"
)

func newTestServer(t *testing.T, backendURL string, accounts ...string) (*Server, *pool.Manager) {
	t.Helper()
	manager := pool.NewManager(nil)
	for _, email := range accounts {
		manager.AddOrUpdate(pool.Credential{
			Email:        email,
			ProjectID:    "proj-" + email,
			RefreshToken: "rt-" + email,
			AccessToken:  "tok-" + email,
			ExpiresAt:    time.Now().Add(time.Hour),
		})
	}
	cfg := &config.Config{Port: 0, EndpointBase: backendURL}
	return NewServer(cfg, manager, ""), manager
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	return rec
}

func TestGenerateUnwrapsBackendResponse(t *testing.T) {
	var seenBody []byte
	var seenAuth, seenPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		seenBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}}`))
	}))
	defer backend.Close()

	srv, _ := newTestServer(t, backend.URL, "a")
	rec := doRequest(srv, http.MethodPost, "/v1beta/models/gemini-3-flash:generateContent", `{"contents":[]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !gjson.Get(rec.Body.String(), "candidates").Exists() {
		t.Errorf("body not unwrapped: %s", rec.Body.String())
	}
	if gjson.Get(rec.Body.String(), "response").Exists() {
		t.Error("envelope leaked to client")
	}
	if seenAuth != "Bearer tok-a" {
		t.Errorf("backend Authorization = %q", seenAuth)
	}
	if seenPath != "/v1internal:generateContent" {
		t.Errorf("backend path = %q", seenPath)
	}
	envelope := gjson.ParseBytes(seenBody)
	if envelope.Get("project").String() != "proj-a" {
		t.Errorf("envelope project = %q", envelope.Get("project").String())
	}
	if envelope.Get("model").String() != "gemini-3-flash" {
		t.Errorf("envelope model = %q", envelope.Get("model").String())
	}
}

func TestGenerateRotatesOnRateLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"response":{"text":"served"}}`))
	}))
	defer backend.Close()

	srv, manager := newTestServer(t, backend.URL, "a", "b")
	rec := doRequest(srv, http.MethodPost, "/v1beta/models/claude-sonnet-4-5:generateContent", `{"contents":[]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	accounts := manager.Accounts()
	if _, limited := accounts[0].RateLimitResets[pool.QuotaKeyClaude]; !limited {
		t.Error("first account not marked rate limited")
	}
	current, ok := manager.CurrentForFamily(registry.FamilyClaude)
	if !ok || current.Email != "b" {
		t.Errorf("current account = %+v, want b", current)
	}
}

func TestGenerateGeminiFallsBackToSecondStyle(t *testing.T) {
	var agents []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents = append(agents, r.Header.Get("User-Agent"))
		if strings.HasPrefix(r.Header.Get("User-Agent"), "antigravity/") {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limit"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"response":{"text":"via cli style"}}`))
	}))
	defer backend.Close()

	srv, _ := newTestServer(t, backend.URL, "solo")
	rec := doRequest(srv, http.MethodPost, "/v1beta/models/gemini-3-pro:generateContent", `{"contents":[]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(agents) != 2 {
		t.Fatalf("backend saw %d attempts, want 2", len(agents))
	}
	if !strings.HasPrefix(agents[1], "google-api-nodejs-client/") {
		t.Errorf("second attempt User-Agent = %q", agents[1])
	}
}

func TestGeneratePoolExhausted(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer backend.Close()

	srv, _ := newTestServer(t, backend.URL, "a")
	rec := doRequest(srv, http.MethodPost, "/v1beta/models/claude-sonnet-4-5:generateContent", `{"contents":[]}`)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if gjson.Get(rec.Body.String(), "error.type").String() != "pool_exhausted" {
		t.Errorf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestGenerateStreaming(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "alt=sse" {
			t.Errorf("backend query = %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"response\":{\"text\":\"a\"}}\n\ndata: {\"response\":{\"text\":\"b\"}}\n\n"))
	}))
	defer backend.Close()

	srv, _ := newTestServer(t, backend.URL, "a")
	rec := doRequest(srv, http.MethodPost, "/v1beta/models/gemini-3-flash:streamGenerateContent", `{"contents":[]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := "data: {\"text\":\"a\"}\n\ndata: {\"text\":\"b\"}\n\n"
	if rec.Body.String() != want {
		t.Errorf("stream body = %q, want %q", rec.Body.String(), want)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestGenerateRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid", "a")
	rec := doRequest(srv, http.MethodPost, "/v1beta/models/gemini-3-flash:generateContent", `{"contents":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGenerateRejectsUnknownAction(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid", "a")
	rec := doRequest(srv, http.MethodPost, "/v1beta/models/gemini-3-flash:embedContent", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGenerateWithoutAccounts(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid")
	rec := doRequest(srv, http.MethodPost, "/v1beta/models/gemini-3-flash:generateContent", `{}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListModels(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid")
	rec := doRequest(srv, http.MethodGet, "/v1beta/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	models := gjson.Get(rec.Body.String(), "models").Array()
	if len(models) == 0 {
		t.Fatal("empty model list")
	}
	found := false
	for _, m := range models {
		if m.Get("name").String() == "models/gemini-3-pro-image-4k-16x9" {
			found = true
		}
	}
	if !found {
		t.Error("generated image variant missing from listing")
	}
}

func TestManagementAuth(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid", "a")

	// No key configured: surface disabled.
	rec := doRequest(srv, http.MethodGet, "/v0/management/accounts", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status without key = %d", rec.Code)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("sekrit"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	srv.mu.Lock()
	srv.cfg.ManagementKey = string(hash)
	srv.mu.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/v0/management/accounts", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong key = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v0/management/accounts", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with valid key = %d, body %s", rec.Code, rec.Body.String())
	}
	account := gjson.Get(rec.Body.String(), "accounts.0")
	if account.Get("email").String() != "a" {
		t.Errorf("account = %s", account.Raw)
	}
	if strings.Contains(rec.Body.String(), "rt-a") || strings.Contains(rec.Body.String(), "tok-a") {
		t.Error("credential material leaked through management listing")
	}
}
