package runner

import "time"

// backoffFor returns the delay before retry attempt attemptIdx
// (zero-based: 0 is the wait before the second launch). With fewer
// backoff entries than retries the last element repeats; with no
// entries retries happen immediately.
func backoffFor(attemptIdx int, backoff []float64) time.Duration {
	if len(backoff) == 0 {
		return 0
	}
	if attemptIdx >= len(backoff) {
		attemptIdx = len(backoff) - 1
	}
	return time.Duration(backoff[attemptIdx] * float64(time.Second))
}

// shouldRetry decides whether a failed attempt gets another launch. A
// canceled attempt is never retried, nor is a command that could not
// be started at all.
func shouldRetry(maxAttempts int, res *attemptResult, attempts int) bool {
	if attempts >= maxAttempts {
		return false
	}
	if res.canceled || res.startFailed {
		return false
	}
	return res.timedOut || (res.exitCode != nil && *res.exitCode != 0)
}
