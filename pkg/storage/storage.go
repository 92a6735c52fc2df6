// Package storage defines the provider contract shared by every backup storage backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Provider is the uniform upload/download/list/delete contract over a backend.
// Paths are relative to the provider's base location.
type Provider interface {
	Name() string
	Upload(ctx context.Context, data []byte, path string) error
	Download(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Entry, error)
	Delete(ctx context.Context, path string) error
}

// Entry is a provider reported view of one stored object. Only Path is
// guaranteed to be set.
type Entry struct {
	Path       string     `json:"path"`
	SizeBytes  *int64     `json:"sizeBytes,omitempty"`
	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`
}

// Size returns SizeBytes or zero
func (e Entry) Size() int64 {
	if e.SizeBytes == nil {
		return 0
	}
	return *e.SizeBytes
}

// Modified returns ModifiedAt or the zero time
func (e Entry) Modified() time.Time {
	if e.ModifiedAt == nil {
		return time.Time{}
	}
	return *e.ModifiedAt
}

// SortOldestFirst orders entries by modification time, oldest first.
// Entries without a time sort first.
func SortOldestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Modified().Before(entries[j].Modified())
	})
}

var (
	// ErrNotFound means the requested path does not exist in the provider
	ErrNotFound = errors.New("backup not found")

	// ErrNotSupported means the provider cannot perform the operation
	ErrNotSupported = errors.New("operation not supported by storage provider")
)

// AuthError reports an expired or invalid credential that could not be recovered
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authorization failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response from a provider REST API
type HTTPError struct {
	Provider   string
	Operation  string
	Status     int
	Body       string
	RetryAfter string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Provider, e.Operation, e.Status, body)
}

// StatusCode returns the HTTP status of the response
func (e *HTTPError) StatusCode() int { return e.Status }

// RetryAfterHeader returns the raw Retry-After header value
func (e *HTTPError) RetryAfterHeader() string { return e.RetryAfter }

// NewHTTPError builds an HTTPError from a response and its body
func NewHTTPError(provider, operation string, resp *http.Response, body []byte) *HTTPError {
	return &HTTPError{
		Provider:   provider,
		Operation:  operation,
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: resp.Header.Get("Retry-After"),
	}
}

// RetryAfterSeconds parses a Retry-After value expressed in seconds
func RetryAfterSeconds(value string) (time.Duration, bool) {
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// CredentialUpdate is a refreshed credential the caller should persist.
// Providers never write credentials themselves.
type CredentialUpdate struct {
	Provider    string
	AccessToken string
	Expiry      time.Time
}

// CredentialReporter is implemented by providers that can refresh tokens.
// TakeCredentialUpdate returns the pending update once and clears it.
type CredentialReporter interface {
	TakeCredentialUpdate() *CredentialUpdate
}

// CredentialSink persists refreshed credentials
type CredentialSink interface {
	SaveCredential(ctx context.Context, update CredentialUpdate) error
}

// DrainCredentials hands any pending credential of p to sink
func DrainCredentials(ctx context.Context, p Provider, sink CredentialSink) error {
	reporter, ok := p.(CredentialReporter)
	if !ok || sink == nil {
		return nil
	}
	update := reporter.TakeCredentialUpdate()
	if update == nil {
		return nil
	}
	return sink.SaveCredential(ctx, *update)
}

// JoinPath joins path segments with forward slashes, dropping empty ones
func JoinPath(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}

// Presigner is implemented by providers that can hand out temporary download URLs
type Presigner interface {
	PresignDownload(ctx context.Context, path string, expiry time.Duration) (string, error)
}
