package cloudcode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseRetryMinutesSeconds(t *testing.T) {
	seconds, ok := parseRetrySeconds("Rate limit exceeded. Try again in 2m 30s")
	require.True(t, ok)
	require.EqualValues(t, 150, seconds)
}

func TestParseGoogleQuotaDelay(t *testing.T) {
	body := `{
		"error": {
			"details": [
				{ "quotaResetDelay": "42s" }
			]
		}
	}`
	seconds, ok := parseRetrySeconds(body)
	require.True(t, ok)
	require.EqualValues(t, 42, seconds)
}

func TestParseGoogleQuotaDelayMilliseconds(t *testing.T) {
	body := `{"error":{"details":[{"quotaResetDelay":"754.431528ms"}]}}`
	seconds, ok := parseRetrySeconds(body)
	require.True(t, ok)
	require.EqualValues(t, 1, seconds, "sub-second delays round up")
}

func TestParseRetryAfterInteger(t *testing.T) {
	seconds, ok := parseRetrySeconds(`{"error":{"retry_after":17}}`)
	require.True(t, ok)
	require.EqualValues(t, 17, seconds)
}

func TestParseRetryAfterIgnoreCase(t *testing.T) {
	seconds, ok := parseRetrySeconds("Quota limit hit. Retry After 99 Seconds")
	require.True(t, ok)
	require.EqualValues(t, 99, seconds)
}

func TestParseBackoffPhrase(t *testing.T) {
	seconds, ok := parseRetrySeconds("server busy, backoff for 42s please")
	require.True(t, ok)
	require.EqualValues(t, 42, seconds)
}

func TestParseQuotaWillReset(t *testing.T) {
	seconds, ok := parseRetrySeconds("Your quota will reset in 3600 seconds.")
	require.True(t, ok)
	require.EqualValues(t, 3600, seconds)
}

func TestParseNoHint(t *testing.T) {
	_, ok := parseRetrySeconds("something went wrong")
	require.False(t, ok)
}

func TestRecordFailureRetryAfterHeader(t *testing.T) {
	tracker := NewRateLimitTracker()
	info := tracker.RecordFailure("a@gmail.com", 429, "30", "")
	require.NotNil(t, info)

	remaining := tracker.Remaining("a@gmail.com")
	require.Greater(t, remaining, 25*time.Second)
	require.LessOrEqual(t, remaining, 30*time.Second)
}

func TestRecordFailureSafetyFloor(t *testing.T) {
	tracker := NewRateLimitTracker()
	tracker.RecordFailure("a@gmail.com", 429, "1", "")

	remaining := tracker.Remaining("a@gmail.com")
	require.Greater(t, remaining, time.Second)
	require.LessOrEqual(t, remaining, 2*time.Second)
}

func TestRecordFailureDefault429(t *testing.T) {
	tracker := NewRateLimitTracker()
	info := tracker.RecordFailure("a@gmail.com", 429, "", "opaque error")
	require.NotNil(t, info)
	require.Equal(t, 60*time.Second, info.RetryAfter)
}

func TestRecordFailureSoftBackoff5xx(t *testing.T) {
	tracker := NewRateLimitTracker()
	for _, status := range []int{500, 503, 529} {
		tracker.Clear("a@gmail.com")
		info := tracker.RecordFailure("a@gmail.com", status, "", "")
		require.NotNil(t, info, "status %d", status)
		require.Equal(t, 20*time.Second, info.RetryAfter, "status %d", status)
	}
}

func TestRecordFailureIgnoresOtherStatuses(t *testing.T) {
	tracker := NewRateLimitTracker()
	require.Nil(t, tracker.RecordFailure("a@gmail.com", 400, "", ""))
	require.Nil(t, tracker.RecordFailure("a@gmail.com", 401, "10", ""))
	require.False(t, tracker.IsCooling("a@gmail.com"))
}

func TestIsCoolingAndExpiry(t *testing.T) {
	tracker := NewRateLimitTracker()
	require.False(t, tracker.IsCooling("a@gmail.com"))

	tracker.RecordFailure("a@gmail.com", 429, "30", "")
	require.True(t, tracker.IsCooling("a@gmail.com"))
	require.False(t, tracker.IsCooling("b@gmail.com"))

	// expired entries disappear on read
	tracker.mu.Lock()
	tracker.limits["a@gmail.com"] = RateLimitInfo{
		ResetTime:  time.Now().Add(-time.Second),
		DetectedAt: time.Now().Add(-time.Minute),
	}
	tracker.mu.Unlock()
	require.False(t, tracker.IsCooling("a@gmail.com"))

	tracker.mu.Lock()
	_, stillThere := tracker.limits["a@gmail.com"]
	tracker.mu.Unlock()
	require.False(t, stillThere)
}

func TestPurgeExpired(t *testing.T) {
	tracker := NewRateLimitTracker()
	tracker.RecordFailure("live@gmail.com", 429, "60", "")

	tracker.mu.Lock()
	tracker.limits["stale@gmail.com"] = RateLimitInfo{ResetTime: time.Now().Add(-time.Minute)}
	tracker.mu.Unlock()

	require.Equal(t, 1, tracker.PurgeExpired())
	require.True(t, tracker.IsCooling("live@gmail.com"))
}
