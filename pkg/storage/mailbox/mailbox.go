// Package mailbox reads backup and import files from mail attachments through the Gmail API.
// It is read-only: Upload and Delete return storage.ErrNotSupported.
package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
	"github.com/supporttools/GoBackupGuard/pkg/oauth"
	"github.com/supporttools/GoBackupGuard/pkg/ratelimit"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

const (
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	user        = "me"
	maxListed   = 10
	noSubject   = "No Subject"
	labelInbox  = "INBOX"
	labelUnread = "UNREAD"
)

// Options configures the mailbox client
type Options struct {
	AccessToken       string
	RefreshToken      string
	ClientID          string
	ClientSecret      string
	SubjectPattern    string
	FromEmail         string
	Endpoint          string
	TokenURL          string
	RequestsPerSecond float64
	// AllowWait sleeps through an active cooldown instead of deferring
	AllowWait  bool
	HTTPClient *http.Client
}

// OptionsFromConfig reads the mailbox options of the storage section
func OptionsFromConfig(sc config.StorageConfig) Options {
	opts := Options{
		AccessToken:    sc.Option(config.ProviderMailbox, "accessToken"),
		RefreshToken:   sc.Option(config.ProviderMailbox, "refreshToken"),
		ClientID:       sc.Option(config.ProviderMailbox, "clientId"),
		ClientSecret:   sc.Option(config.ProviderMailbox, "clientSecret"),
		SubjectPattern: sc.Option(config.ProviderMailbox, "subjectPattern"),
		FromEmail:      sc.Option(config.ProviderMailbox, "fromEmail"),
		Endpoint:       sc.Option(config.ProviderMailbox, "endpoint"),
		TokenURL:       sc.Option(config.ProviderMailbox, "tokenURL"),
	}
	if rps, err := strconv.ParseFloat(sc.Option(config.ProviderMailbox, "requestsPerSecond"), 64); err == nil {
		opts.RequestsPerSecond = rps
	}
	return opts
}

// Attachment is a downloaded attachment and the message it came from
type Attachment struct {
	Data      []byte
	Filename  string
	MessageID string
	Subject   string
}

// Client is the mailbox storage provider
type Client struct {
	opts      Options
	gate      *ratelimit.Gate
	limiter   *rate.Limiter
	refresher *oauth.Refresher
	log       logrus.FieldLogger

	mu      sync.Mutex
	token   string
	svc     *gmail.Service
	pending *storage.CredentialUpdate
}

// NewClient creates a mailbox client. Every API call passes through gate.
func NewClient(ctx context.Context, opts Options, gate *ratelimit.Gate, log logrus.FieldLogger) (*Client, error) {
	if opts.AccessToken == "" && opts.RefreshToken == "" {
		return nil, config.Errorf("storage.options.mailbox.accessToken", "mailbox storage requires an access or refresh token")
	}
	if gate == nil {
		return nil, fmt.Errorf("mailbox storage requires a rate limit gate")
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}

	c := &Client{
		opts: opts,
		gate: gate,
		refresher: oauth.NewRefresher(config.ProviderMailbox, oauth.Credentials{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RefreshToken: opts.RefreshToken,
			TokenURL:     opts.TokenURL,
		}, opts.HTTPClient),
		log:   logging.OrDiscard(log).WithField("provider", config.ProviderMailbox),
		token: opts.AccessToken,
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	if err := c.rebuild(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the provider name
func (c *Client) Name() string { return config.ProviderMailbox }

// TakeCredentialUpdate returns the token obtained by the last refresh, once
func (c *Client) TakeCredentialUpdate() *storage.CredentialUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	update := c.pending
	c.pending = nil
	return update
}

// rebuild creates the API service around the current access token
func (c *Client) rebuild(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	base := c.opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 5 * time.Minute}
	}
	httpClient := &http.Client{
		Timeout: base.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   base.Transport,
		},
	}

	serviceOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.opts.Endpoint != "" {
		serviceOpts = append(serviceOpts, option.WithEndpoint(strings.TrimRight(c.opts.Endpoint, "/")+"/"))
	}
	svc, err := gmail.NewService(ctx, serviceOpts...)
	if err != nil {
		return fmt.Errorf("failed to create mailbox service: %w", err)
	}

	c.mu.Lock()
	c.svc = svc
	c.mu.Unlock()
	return nil
}

func (c *Client) service() *gmail.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.svc
}

// call runs fn through the pacing limiter and the rate limit gate, refreshing
// the token and retrying once on a 401.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context, svc *gmail.Service) error) error {
	refreshed := false
	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		svc := c.service()
		err := c.gate.Execute(ctx, op, c.opts.AllowWait, func(ctx context.Context) error {
			return fn(ctx, svc)
		})
		if !isUnauthorized(err) {
			return err
		}
		if refreshed || !c.refresher.CanRefresh() {
			return &storage.AuthError{Provider: c.Name(), Err: err}
		}
		if err := c.refresh(ctx); err != nil {
			return &storage.AuthError{Provider: c.Name(), Err: err}
		}
		refreshed = true
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
	c.log.Info("Refreshed mailbox access token")
	return c.rebuild(ctx)
}

func isUnauthorized(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}

// BuildQuery builds the search query for a subject pattern. A /regex/
// pattern is passed without its slashes, anything else is matched as a
// quoted subject. Only unread mail is searched when unread is set.
func BuildQuery(pattern, fromEmail string, unread bool) string {
	var parts []string
	if pattern != "" {
		if len(pattern) > 1 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
			parts = append(parts, "subject:"+pattern[1:len(pattern)-1])
		} else {
			parts = append(parts, fmt.Sprintf("subject:%q", pattern))
		}
	}
	if fromEmail != "" {
		parts = append(parts, "from:"+fromEmail)
	}
	if unread {
		parts = append(parts, "is:unread")
	}
	return strings.Join(parts, " ")
}

func (c *Client) query(path string) string {
	pattern := path
	if pattern == "" {
		pattern = c.opts.SubjectPattern
	}
	return BuildQuery(pattern, c.opts.FromEmail, true)
}

func (c *Client) search(ctx context.Context, q string) ([]string, error) {
	var ids []string
	err := c.call(ctx, "search", func(ctx context.Context, svc *gmail.Service) error {
		resp, err := svc.Users.Messages.List(user).Q(q).MaxResults(maxListed).Context(ctx).Do()
		if err != nil {
			return err
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	return ids, err
}

func (c *Client) message(ctx context.Context, id string) (*gmail.Message, error) {
	var msg *gmail.Message
	err := c.call(ctx, "get_message", func(ctx context.Context, svc *gmail.Service) error {
		var err error
		msg, err = svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		return err
	})
	return msg, err
}

// Fetch downloads the first attachment of the newest unread message matching
// query, then archives the message. An archive failure is only logged.
func (c *Client) Fetch(ctx context.Context, query string) (*Attachment, error) {
	q := c.query(query)
	c.log.WithField("query", q).Info("Searching mailbox for messages")

	ids, err := c.search(ctx, q)
	if err != nil {
		metrics.StorageOperations.WithLabelValues(c.Name(), "download", "error").Inc()
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no messages found matching query %s: %w", q, storage.ErrNotFound)
	}

	msgID := ids[0]
	msg, err := c.message(ctx, msgID)
	if err != nil {
		metrics.StorageOperations.WithLabelValues(c.Name(), "download", "error").Inc()
		return nil, err
	}

	part := firstAttachment(msg.Payload)
	if part == nil {
		return nil, fmt.Errorf("no attachment found in message %s: %w", msgID, storage.ErrNotFound)
	}

	data, err := c.attachmentData(ctx, msgID, part)
	if err != nil {
		metrics.StorageOperations.WithLabelValues(c.Name(), "download", "error").Inc()
		return nil, err
	}

	att := &Attachment{
		Data:      data,
		Filename:  part.Filename,
		MessageID: msgID,
		Subject:   header(msg.Payload, "Subject", noSubject),
	}
	c.log.WithFields(logrus.Fields{
		"messageId": msgID,
		"subject":   att.Subject,
		"filename":  att.Filename,
		"size":      len(data),
	}).Info("Attachment downloaded")

	if err := c.archive(ctx, msgID); err != nil {
		c.log.WithError(err).WithField("messageId", msgID).Warn("Failed to archive message")
	}
	metrics.StorageOperations.WithLabelValues(c.Name(), "download", "success").Inc()
	return att, nil
}

func (c *Client) attachmentData(ctx context.Context, msgID string, part *gmail.MessagePart) ([]byte, error) {
	encoded := ""
	if part.Body != nil && part.Body.AttachmentId == "" {
		encoded = part.Body.Data
	} else {
		err := c.call(ctx, "get_attachment", func(ctx context.Context, svc *gmail.Service) error {
			body, err := svc.Users.Messages.Attachments.Get(user, msgID, part.Body.AttachmentId).Context(ctx).Do()
			if err != nil {
				return err
			}
			encoded = body.Data
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return decodeBase64URL(encoded)
}

func (c *Client) archive(ctx context.Context, msgID string) error {
	return c.call(ctx, "archive", func(ctx context.Context, svc *gmail.Service) error {
		_, err := svc.Users.Messages.Modify(user, msgID, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{labelInbox, labelUnread},
		}).Context(ctx).Do()
		return err
	})
}

// Download returns the first attachment of the message matching path
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	att, err := c.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	return att.Data, nil
}

// List returns up to 10 matching messages; Path is the subject
func (c *Client) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	ids, err := c.search(ctx, c.query(prefix))
	if err != nil {
		metrics.StorageOperations.WithLabelValues(c.Name(), "list", "error").Inc()
		return nil, err
	}

	entries := make([]storage.Entry, 0, len(ids))
	for _, id := range ids {
		msg, err := c.message(ctx, id)
		if err != nil {
			if _, deferred := ratelimit.AsDeferred(err); deferred {
				return nil, err
			}
			c.log.WithError(err).WithField("messageId", id).Warn("Failed to get message details")
			continue
		}
		entry := storage.Entry{Path: header(msg.Payload, "Subject", noSubject)}
		if date := header(msg.Payload, "Date", ""); date != "" {
			if t, err := mail.ParseDate(date); err == nil {
				entry.ModifiedAt = &t
			}
		}
		entries = append(entries, entry)
	}
	metrics.StorageOperations.WithLabelValues(c.Name(), "list", "success").Inc()
	return entries, nil
}

// Upload is not supported
func (c *Client) Upload(context.Context, []byte, string) error {
	return fmt.Errorf("mailbox upload: %w", storage.ErrNotSupported)
}

// Delete is not supported
func (c *Client) Delete(context.Context, string) error {
	return fmt.Errorf("mailbox delete: %w", storage.ErrNotSupported)
}

// firstAttachment walks the MIME tree depth first for a named attachment
func firstAttachment(part *gmail.MessagePart) *gmail.MessagePart {
	if part == nil {
		return nil
	}
	if part.Filename != "" && part.Body != nil && (part.Body.AttachmentId != "" || part.Body.Data != "") {
		return part
	}
	for _, child := range part.Parts {
		if found := firstAttachment(child); found != nil {
			return found
		}
	}
	return nil
}

func header(part *gmail.MessagePart, name, def string) string {
	if part == nil {
		return def
	}
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) && h.Value != "" {
			return h.Value
		}
	}
	return def
}

func decodeBase64URL(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment: %w", err)
	}
	return data, nil
}
