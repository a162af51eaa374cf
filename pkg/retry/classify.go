package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Category buckets an error for retry decisions and adaptive widening.
type Category string

const (
	CategoryRateLimit Category = "rate_limit"
	CategoryTimeout   Category = "timeout"
	CategoryNetwork   Category = "network"
	CategoryAuth      Category = "auth"
	CategoryUnknown   Category = "unknown"
)

var categoryHints = []struct {
	category Category
	hints    []string
}{
	{CategoryRateLimit, []string{"rate limit", "too many requests", "429"}},
	{CategoryAuth, []string{"unauthorized", "forbidden", "401", "403", "invalid credentials", "authentication"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryNetwork, []string{"connection refused", "connection reset", "no such host", "broken pipe", "network", "eof"}},
}

// Classify buckets err into a retry category. Unknown is the fallback and is
// treated as non-retryable.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range categoryHints {
		for _, hint := range entry.hints {
			if strings.Contains(msg, hint) {
				return entry.category
			}
		}
	}
	return CategoryUnknown
}

// Retryable reports the default retry eligibility of a category: transient
// failures retry, auth failures never do, unknown failures are surfaced
// immediately rather than hammered.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimit, CategoryTimeout, CategoryNetwork:
		return true
	}
	return false
}
