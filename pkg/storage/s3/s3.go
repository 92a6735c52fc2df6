// Package s3 handles S3 storage operations for backups.
package s3

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

// Options configures an S3 or S3-compatible bucket
type Options struct {
	Bucket             string
	Region             string
	Endpoint           string
	AccessKey          string
	SecretKey          string
	Prefix             string
	PathStyle          bool
	UseSSL             bool
	SkipCertValidation bool
	CustomCAPath       string
}

// OptionsFromConfig reads the s3 options of the storage section
func OptionsFromConfig(sc config.StorageConfig) Options {
	return Options{
		Bucket:             sc.Option(config.ProviderS3, "bucket"),
		Region:             sc.Option(config.ProviderS3, "region"),
		Endpoint:           sc.Option(config.ProviderS3, "endpoint"),
		AccessKey:          sc.Option(config.ProviderS3, "accessKey"),
		SecretKey:          sc.Option(config.ProviderS3, "secretKey"),
		Prefix:             sc.Option(config.ProviderS3, "prefix"),
		PathStyle:          sc.Option(config.ProviderS3, "pathStyle") != "false",
		UseSSL:             sc.Option(config.ProviderS3, "useSSL") != "false",
		SkipCertValidation: sc.Option(config.ProviderS3, "skipCertValidation") == "true",
		CustomCAPath:       sc.Option(config.ProviderS3, "customCAPath"),
	}
}

// objectAPI is the subset of the S3 client the provider needs
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Client represents an S3 storage provider
type Client struct {
	api     objectAPI
	presign *s3.PresignClient
	opts    Options
	log     logrus.FieldLogger
}

// NewClient creates a new S3 client
func NewClient(ctx context.Context, opts Options, log logrus.FieldLogger) (*Client, error) {
	if opts.Bucket == "" {
		return nil, config.Errorf("storage.options.s3.bucket", "s3 storage requires a bucket")
	}
	log = logging.OrDiscard(log)

	s3Client, err := newS3Client(ctx, opts, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	return &Client{
		api:     s3Client,
		presign: s3.NewPresignClient(s3Client),
		opts:    opts,
		log:     log,
	}, nil
}

// newS3Client builds the SDK client, honoring custom endpoints and TLS settings
func newS3Client(ctx context.Context, opts Options, log logrus.FieldLogger) (*s3.Client, error) {
	httpClient := &http.Client{}

	if opts.UseSSL {
		tlsConfig := &tls.Config{}

		if opts.CustomCAPath != "" && !opts.SkipCertValidation {
			rootCAs, _ := x509.SystemCertPool()
			if rootCAs == nil {
				rootCAs = x509.NewCertPool()
			}
			caCert, err := os.ReadFile(opts.CustomCAPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read custom CA certificate: %w", err)
			}
			if ok := rootCAs.AppendCertsFromPEM(caCert); !ok {
				return nil, fmt.Errorf("failed to append custom CA certificate")
			}
			tlsConfig.RootCAs = rootCAs
			log.Infof("Using custom CA certificate from %s", opts.CustomCAPath)
		}

		if opts.SkipCertValidation {
			tlsConfig.InsecureSkipVerify = true
			log.Warn("TLS certificate validation is disabled for S3 connections")
		}

		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	sdkOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRegion(region),
	}
	if opts.AccessKey != "" {
		sdkOptions = append(sdkOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, sdkOptions...)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK config initialization error: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// bucket name in path, not hostname
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}

// Name returns the provider name
func (c *Client) Name() string { return config.ProviderS3 }

func (c *Client) key(path string) string {
	return storage.JoinPath(c.opts.Prefix, path)
}

// stripPrefix turns an object key back into a provider relative path
func (c *Client) stripPrefix(key string) string {
	prefix := strings.Trim(c.opts.Prefix, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}

func (c *Client) observe(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StorageOperations.WithLabelValues(c.Name(), op, status).Inc()
}

// Upload puts data at path
func (c *Client) Upload(ctx context.Context, data []byte, path string) error {
	key := c.key(path)
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.opts.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	c.observe("upload", err)
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	c.log.WithFields(logrus.Fields{"bucket": c.opts.Bucket, "key": key}).Debug("Uploaded object to S3")
	return nil
}

// Download reads the object at path; a missing key is storage.ErrNotFound
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	key := c.key(path)
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3: %s: %w", key, storage.ErrNotFound)
		}
		c.observe("download", err)
		return nil, fmt.Errorf("failed to download %s from S3: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	c.observe("download", err)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from S3: %w", key, err)
	}
	return data, nil
}

// List returns every object under prefix, following continuation tokens
func (c *Client) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	listPrefix := c.key(prefix)
	if listPrefix != "" {
		listPrefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.opts.Bucket),
		Prefix: aws.String(listPrefix),
	})

	var entries []storage.Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			c.observe("list", err)
			return nil, fmt.Errorf("failed to list S3 objects under %s: %w", listPrefix, err)
		}
		for _, obj := range page.Contents {
			entries = append(entries, storage.Entry{
				Path:       c.stripPrefix(aws.ToString(obj.Key)),
				SizeBytes:  obj.Size,
				ModifiedAt: obj.LastModified,
			})
		}
	}
	c.observe("list", nil)
	return entries, nil
}

// Delete removes the object at path. S3 treats missing keys as deleted.
func (c *Client) Delete(ctx context.Context, path string) error {
	key := c.key(path)
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && isNotFound(err) {
		err = nil
	}
	c.observe("delete", err)
	if err != nil {
		return fmt.Errorf("failed to delete %s from S3: %w", key, err)
	}
	return nil
}

// PresignDownload creates a temporary download URL for path
func (c *Client) PresignDownload(ctx context.Context, path string, expiry time.Duration) (string, error) {
	if c.presign == nil {
		return "", storage.ErrNotSupported
	}
	key := c.key(path)
	result, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	c.log.WithField("key", key).Infof("Generated presigned URL (expires in %s)", expiry)
	return result.URL, nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
