// Package cloudsync stores backups in a Dropbox-style cloud folder over its REST API.
package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
	"github.com/supporttools/GoBackupGuard/pkg/oauth"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

const (
	DefaultAPIURL     = "https://api.dropboxapi.com"
	DefaultContentURL = "https://content.dropboxapi.com"
	DefaultTokenURL   = "https://api.dropboxapi.com/oauth2/token"
	DefaultBasePath   = "/backups"

	maxRateLimitRetries = 5
	maxRateLimitWait    = 30 * time.Second
)

// Options configures the cloudsync client
type Options struct {
	AccessToken  string
	RefreshToken string
	AppKey       string
	AppSecret    string
	BasePath     string
	APIURL       string
	ContentURL   string
	TokenURL     string
	HTTPClient   *http.Client
}

// OptionsFromConfig reads the cloudsync options of the storage section
func OptionsFromConfig(sc config.StorageConfig) Options {
	return Options{
		AccessToken:  sc.Option(config.ProviderCloudSync, "accessToken"),
		RefreshToken: sc.Option(config.ProviderCloudSync, "refreshToken"),
		AppKey:       sc.Option(config.ProviderCloudSync, "appKey"),
		AppSecret:    sc.Option(config.ProviderCloudSync, "appSecret"),
		BasePath:     sc.Option(config.ProviderCloudSync, "basePath"),
		APIURL:       sc.Option(config.ProviderCloudSync, "apiURL"),
		ContentURL:   sc.Option(config.ProviderCloudSync, "contentURL"),
		TokenURL:     sc.Option(config.ProviderCloudSync, "tokenURL"),
	}
}

// Client talks to the cloud folder API
type Client struct {
	opts      Options
	http      *http.Client
	refresher *oauth.Refresher
	log       logrus.FieldLogger

	mu      sync.Mutex
	token   string
	pending *storage.CredentialUpdate

	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a cloudsync client
func NewClient(opts Options, log logrus.FieldLogger) (*Client, error) {
	if opts.AccessToken == "" && opts.RefreshToken == "" {
		return nil, config.Errorf("storage.options.cloudsync.accessToken", "cloudsync storage requires an access or refresh token")
	}
	if opts.BasePath == "" {
		opts.BasePath = DefaultBasePath
	}
	opts.BasePath = "/" + strings.Trim(opts.BasePath, "/")
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.ContentURL == "" {
		opts.ContentURL = DefaultContentURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")
	opts.ContentURL = strings.TrimRight(opts.ContentURL, "/")

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}

	return &Client{
		opts: opts,
		http: httpClient,
		refresher: oauth.NewRefresher(config.ProviderCloudSync, oauth.Credentials{
			ClientID:     opts.AppKey,
			ClientSecret: opts.AppSecret,
			RefreshToken: opts.RefreshToken,
			TokenURL:     opts.TokenURL,
		}, httpClient),
		log:   logging.OrDiscard(log).WithField("provider", config.ProviderCloudSync),
		token: opts.AccessToken,
		sleep: sleepContext,
	}, nil
}

// Name returns the provider name
func (c *Client) Name() string { return config.ProviderCloudSync }

// TakeCredentialUpdate returns the token obtained by the last refresh, once
func (c *Client) TakeCredentialUpdate() *storage.CredentialUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	update := c.pending
	c.pending = nil
	return update
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// remotePath maps a provider relative path to an absolute folder path
func (c *Client) remotePath(path string) string {
	joined := storage.JoinPath(c.opts.BasePath, path)
	if joined == "" {
		// the API addresses the root folder as ""
		return ""
	}
	return "/" + joined
}

// relativePath strips the base folder from a path returned by the API
func (c *Client) relativePath(remote string) string {
	base := c.opts.BasePath
	if len(remote) >= len(base) && strings.EqualFold(remote[:len(base)], base) {
		remote = remote[len(base):]
	}
	return strings.TrimPrefix(remote, "/")
}

type requestBuilder func(ctx context.Context, token string) (*http.Request, error)

// do sends a request built by build, refreshing the token once on an auth
// failure and waiting out up to maxRateLimitRetries rate limit responses.
func (c *Client) do(ctx context.Context, op string, build requestBuilder) ([]byte, error) {
	refreshed := false
	rateRetries := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxRateLimitWait
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		req, err := build(ctx, c.currentToken())
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("cloudsync %s request failed: %w", op, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("cloudsync %s: reading response: %w", op, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}
		httpErr := storage.NewHTTPError(c.Name(), op, resp, body)

		switch {
		case isAuthFailure(resp.StatusCode, body):
			if refreshed || !c.refresher.CanRefresh() {
				return nil, &storage.AuthError{Provider: c.Name(), Err: httpErr}
			}
			if err := c.refresh(ctx); err != nil {
				return nil, &storage.AuthError{Provider: c.Name(), Err: err}
			}
			refreshed = true
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			if rateRetries >= maxRateLimitRetries {
				return nil, httpErr
			}
			wait, ok := storage.RetryAfterSeconds(httpErr.RetryAfter)
			if !ok {
				wait = bo.NextBackOff()
			}
			rateRetries++
			c.log.WithFields(logrus.Fields{"operation": op, "attempt": rateRetries}).
				Warnf("Rate limited, retrying in %s", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		return nil, httpErr
	}
}

func (c *Client) refresh(ctx context.Context) error {
	token, err := c.refresher.Refresh(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token.AccessToken
	c.pending = &storage.CredentialUpdate{
		Provider:    c.Name(),
		AccessToken: token.AccessToken,
		Expiry:      token.Expiry,
	}
	c.mu.Unlock()
	c.log.Info("Refreshed cloudsync access token")
	return nil
}

// isAuthFailure matches 401s and the 400s the API returns for bad tokens
func isAuthFailure(status int, body []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if status != http.StatusBadRequest {
		return false
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "malformed") ||
		strings.Contains(lower, "expired_access_token") ||
		strings.Contains(lower, "invalid_access_token")
}

// isPathLookup reports a 409 conflict, which the API uses for missing paths
func isPathLookup(err error) bool {
	httpErr, ok := err.(*storage.HTTPError)
	return ok && httpErr.Status == http.StatusConflict
}

func (c *Client) apiRequest(url string, payload interface{}) requestBuilder {
	return func(ctx context.Context, token string) (*http.Request, error) {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

func (c *Client) contentRequest(url string, arg interface{}, data []byte) requestBuilder {
	return func(ctx context.Context, token string) (*http.Request, error) {
		header, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Dropbox-API-Arg", string(header))
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	}
}

func (c *Client) observe(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StorageOperations.WithLabelValues(c.Name(), op, status).Inc()
}

type uploadArg struct {
	Path       string `json:"path"`
	Mode       string `json:"mode"`
	Autorename bool   `json:"autorename"`
	Mute       bool   `json:"mute"`
}

// Upload writes data to path, overwriting any existing file
func (c *Client) Upload(ctx context.Context, data []byte, path string) error {
	arg := uploadArg{Path: c.remotePath(path), Mode: "overwrite", Autorename: false, Mute: true}
	_, err := c.do(ctx, "upload", c.contentRequest(c.opts.ContentURL+"/2/files/upload", arg, data))
	c.observe("upload", err)
	return err
}

// Download reads path; a missing file is storage.ErrNotFound
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	arg := map[string]string{"path": c.remotePath(path)}
	data, err := c.do(ctx, "download", c.contentRequest(c.opts.ContentURL+"/2/files/download", arg, nil))
	if err != nil {
		if isPathLookup(err) {
			return nil, fmt.Errorf("cloudsync: %s: %w", path, storage.ErrNotFound)
		}
		c.observe("download", err)
		return nil, err
	}
	c.observe("download", nil)
	return data, nil
}

type listEntry struct {
	Tag            string    `json:".tag"`
	PathDisplay    string    `json:"path_display"`
	Size           int64     `json:"size"`
	ServerModified time.Time `json:"server_modified"`
}

type listResult struct {
	Entries []listEntry `json:"entries"`
	Cursor  string      `json:"cursor"`
	HasMore bool        `json:"has_more"`
}

// List returns every file under prefix recursively; a missing folder is empty
func (c *Client) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	payload := map[string]interface{}{"path": c.remotePath(prefix), "recursive": true}
	body, err := c.do(ctx, "list", c.apiRequest(c.opts.APIURL+"/2/files/list_folder", payload))
	if err != nil {
		if isPathLookup(err) {
			c.observe("list", nil)
			return nil, nil
		}
		c.observe("list", err)
		return nil, err
	}

	var entries []storage.Entry
	for {
		var page listResult
		if err := json.Unmarshal(body, &page); err != nil {
			c.observe("list", err)
			return nil, fmt.Errorf("cloudsync list: decoding response: %w", err)
		}
		for _, e := range page.Entries {
			if e.Tag != "file" {
				continue
			}
			size := e.Size
			modified := e.ServerModified
			entries = append(entries, storage.Entry{
				Path:       c.relativePath(e.PathDisplay),
				SizeBytes:  &size,
				ModifiedAt: &modified,
			})
		}
		if !page.HasMore {
			break
		}
		body, err = c.do(ctx, "list", c.apiRequest(c.opts.APIURL+"/2/files/list_folder/continue",
			map[string]string{"cursor": page.Cursor}))
		if err != nil {
			c.observe("list", err)
			return nil, err
		}
	}
	c.observe("list", nil)
	return entries, nil
}

// Delete removes path; a missing path counts as deleted
func (c *Client) Delete(ctx context.Context, path string) error {
	payload := map[string]string{"path": c.remotePath(path)}
	_, err := c.do(ctx, "delete", c.apiRequest(c.opts.APIURL+"/2/files/delete_v2", payload))
	if err != nil && isPathLookup(err) {
		err = nil
	}
	c.observe("delete", err)
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
