package upstream

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lyralabs/gravityrouter/internal/pool"
)

// ClassifyFailure maps a backend failure onto a pool cooldown reason.
// 429 bodies mentioning exhausted quota count as quota exhaustion with its
// hour-long default cooldown; other 429s are short-lived rate limits.
func ClassifyFailure(statusCode int, body []byte) pool.Reason {
	switch {
	case statusCode == http.StatusTooManyRequests:
		lower := strings.ToLower(string(body))
		if strings.Contains(lower, "resource_exhausted") || strings.Contains(lower, "quota") {
			return pool.ReasonQuotaExhausted
		}
		return pool.ReasonRateLimitExceeded
	case statusCode >= 500:
		return pool.ReasonServerError
	default:
		return pool.ReasonUnknown
	}
}

// IsRateLimit reports whether a failure should be reported to the pool at
// all. Client errors other than 429 are the caller's problem, not the
// account's.
func IsRateLimit(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// RetryDelay extracts an explicit retry delay from a failure response,
// preferring the Retry-After header and falling back to the RetryInfo detail
// embedded in the JSON error body. Absence or an unparsable value yields
// false; the caller then applies the reason's default cooldown.
func RetryDelay(header http.Header, body []byte) (time.Duration, bool) {
	if header != nil {
		if value := strings.TrimSpace(header.Get("Retry-After")); value != "" {
			if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second, true
			}
		}
	}
	var delay time.Duration
	found := false
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if raw := detail.Get("retryDelay").String(); raw != "" {
			if parsed, ok := ParseDurationString(raw); ok {
				delay = parsed
				found = true
				return false
			}
		}
		return true
	})
	return delay, found
}

// ParseDurationString parses backend duration strings such as "2h1m30s" or
// "500ms". Zero or negative durations are not valid retry delays.
func ParseDurationString(raw string) (time.Duration, bool) {
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || parsed <= 0 {
		return 0, false
	}
	return parsed, true
}
