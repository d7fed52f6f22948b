package upstream

import (
	"net/http"
	"testing"
	"time"

	"github.com/lyralabs/gravityrouter/internal/pool"
)

func TestParseDurationString(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"2h1m30s", 2*time.Hour + time.Minute + 30*time.Second, true},
		{"500ms", 500 * time.Millisecond, true},
		{"30s", 30 * time.Second, true},
		{" 45s ", 45 * time.Second, true},
		{"0s", 0, false},
		{"-5s", 0, false},
		{"soon", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseDurationString(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseDurationString(%q) = (%v, %v), want (%v, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   pool.Reason
	}{
		{429, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`, pool.ReasonQuotaExhausted},
		{429, `{"error":{"message":"Quota exceeded for model"}}`, pool.ReasonQuotaExhausted},
		{429, `{"error":{"message":"slow down"}}`, pool.ReasonRateLimitExceeded},
		{500, ``, pool.ReasonServerError},
		{503, `overloaded`, pool.ReasonServerError},
		{400, ``, pool.ReasonUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyFailure(tc.status, []byte(tc.body)); got != tc.want {
			t.Errorf("ClassifyFailure(%d, %q) = %s, want %s", tc.status, tc.body, got, tc.want)
		}
	}
}

func TestIsRateLimit(t *testing.T) {
	for status, want := range map[int]bool{429: true, 500: true, 502: true, 200: false, 400: false, 404: false} {
		if got := IsRateLimit(status); got != want {
			t.Errorf("IsRateLimit(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestRetryDelayHeader(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "90")
	delay, ok := RetryDelay(header, nil)
	if !ok || delay != 90*time.Second {
		t.Errorf("RetryDelay = (%v, %v), want 90s", delay, ok)
	}
}

func TestRetryDelayBodyDetail(t *testing.T) {
	body := []byte(`{"error":{"code":429,"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"41s"}]}}`)
	delay, ok := RetryDelay(nil, body)
	if !ok || delay != 41*time.Second {
		t.Errorf("RetryDelay = (%v, %v), want 41s", delay, ok)
	}
}

func TestRetryDelayAbsent(t *testing.T) {
	if _, ok := RetryDelay(http.Header{}, []byte(`{"error":{"message":"x"}}`)); ok {
		t.Error("RetryDelay found a delay in a body without one")
	}
}

func TestRetryDelayHeaderWinsOverBody(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "10")
	body := []byte(`{"error":{"details":[{"retryDelay":"99s"}]}}`)
	delay, ok := RetryDelay(header, body)
	if !ok || delay != 10*time.Second {
		t.Errorf("RetryDelay = (%v, %v), want 10s", delay, ok)
	}
}
