package ratelimit

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

var retryAfterPattern = regexp.MustCompile(`(?i)Retry after ([0-9TZ:.-]+)`)

var rateLimitPhrases = []string{
	"user-rate limit exceeded",
	"rate limit",
	"quota exceeded",
	"resource_exhausted",
}

type statusCoder interface {
	StatusCode() int
}

type retryAfterHeader interface {
	RetryAfterHeader() string
}

// IsRateLimitError reports a 429 status or a rate limit message anywhere in err
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return true
	}
	var coder statusCoder
	if errors.As(err, &coder) && coder.StatusCode() == http.StatusTooManyRequests {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}
	return false
}

// ExtractRetryAfter reads the wait from a Retry-After header in seconds,
// then from a "Retry after <timestamp>" message, else returns fallback.
func ExtractRetryAfter(err error, now time.Time, fallback time.Duration) time.Duration {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Header != nil {
		if d, ok := storage.RetryAfterSeconds(apiErr.Header.Get("Retry-After")); ok {
			return d
		}
	}
	var header retryAfterHeader
	if errors.As(err, &header) {
		if d, ok := storage.RetryAfterSeconds(header.RetryAfterHeader()); ok {
			return d
		}
	}

	if match := retryAfterPattern.FindStringSubmatch(err.Error()); match != nil {
		if at, parseErr := time.Parse(time.RFC3339Nano, match[1]); parseErr == nil {
			if delay := at.Sub(now); delay > 0 {
				return delay
			}
		}
	}
	return fallback
}
