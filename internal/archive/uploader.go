package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/john/chatnexus/internal/telemetry"
)

// ObjectPutter is the part of the S3 client the uploader uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type UploaderConfig struct {
	Bucket string
	Region string
	// RoleARN selects web identity credentials from the Fly.io OIDC socket.
	RoleARN string
	// Static keys are used when RoleARN is empty and both are set.
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint          string
	DeleteAfterUpload bool
	MaxRetries        int
}

// Uploader ships completed archive files to S3.
type Uploader struct {
	client      ObjectPutter
	bucket      string
	deleteAfter bool
	maxRetries  int
	retryBase   time.Duration
	logger      *slog.Logger
}

// flyTokenRetriever implements stscreds.IdentityTokenRetriever for Fly.io OIDC
type flyTokenRetriever struct {
	socketPath string
	audience   string
}

// GetIdentityToken fetches an OIDC token from Fly.io's Unix socket API
func (f *flyTokenRetriever) GetIdentityToken() ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", f.socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	reqBody, err := json.Marshal(map[string]string{"aud": f.audience})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := client.Post("http://localhost/v1/tokens/oidc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}
	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	return token, nil
}

// NewUploader builds an S3 client from cfg. With a role ARN it assumes the
// role through Fly.io OIDC; with static keys it uses them; otherwise the
// default AWS credential chain applies.
func NewUploader(ctx context.Context, cfg UploaderConfig, logger *slog.Logger) (*Uploader, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.RoleARN == "" && cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.RoleARN != "" {
		provider := stscreds.NewWebIdentityRoleProvider(
			sts.NewFromConfig(awsCfg),
			cfg.RoleARN,
			&flyTokenRetriever{socketPath: "/.fly/api", audience: "sts.amazonaws.com"},
		)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newUploader(client, cfg, logger), nil
}

func newUploader(client ObjectPutter, cfg UploaderConfig, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		client:      client,
		bucket:      cfg.Bucket,
		deleteAfter: cfg.DeleteAfterUpload,
		maxRetries:  cfg.MaxRetries,
		retryBase:   time.Second,
		logger:      logger.With(slog.String("component", "uploader")),
	}
}

// ScanAndUploadExisting uploads .jsonl files left in dir by an earlier run.
func (u *Uploader) ScanAndUploadExisting(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	if len(paths) == 0 {
		return nil
	}
	u.logger.Info("uploading files from a previous run", slog.Int("count", len(paths)))
	for _, p := range paths {
		go u.uploadWithRetry(ctx, p)
	}
	return nil
}

// Run uploads each path received on files until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context, files <-chan string) error {
	for {
		select {
		case path := <-files:
			go u.uploadWithRetry(ctx, path)
		case <-ctx.Done():
			u.logger.Info("uploader shutting down")
			return ctx.Err()
		}
	}
}

// uploadWithRetry uploads a file, backing off exponentially between attempts.
func (u *Uploader) uploadWithRetry(ctx context.Context, localPath string) bool {
	filename := filepath.Base(localPath)
	key, err := objectKey(filename)
	if err != nil {
		u.logger.Error("cannot derive object key", slog.String("file", filename), slog.Any("err", err))
		return false
	}

	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		var err error
		telemetry.TimeFunc(telemetry.UploadDuration, func() { err = u.uploadFile(ctx, localPath, key) })
		if err == nil {
			telemetry.ArchiveUploads.WithLabelValues("ok").Inc()
			u.logger.Info("uploaded archive file", slog.String("file", filename), slog.String("key", key), slog.String("bucket", u.bucket))
			if u.deleteAfter {
				if err := os.Remove(localPath); err != nil {
					u.logger.Warn("error deleting local file", slog.String("file", localPath), slog.Any("err", err))
				}
			}
			return true
		}
		telemetry.ArchiveUploads.WithLabelValues("error").Inc()

		if attempt < u.maxRetries {
			backoff := u.retryBase << uint(attempt)
			u.logger.Warn("upload attempt failed",
				slog.String("file", filename),
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_in", backoff),
				slog.Any("err", err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return false
			}
		}
	}
	u.logger.Error("giving up on upload", slog.String("file", filename), slog.Int("attempts", u.maxRetries+1))
	return false
}

func (u *Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// objectKey derives the S3 key from an archive file name.
// Input: kick_xqc_20251230_103000.jsonl
// Output: 2025/12/30/kick/xqc/kick_xqc_20251230_103000.jsonl
func objectKey(filename string) (string, error) {
	name := strings.TrimSuffix(filename, ".jsonl")
	parts := strings.Split(name, "_")
	if len(parts) != 4 {
		return "", fmt.Errorf("invalid filename format: %s", filename)
	}
	platform, channel := parts[0], parts[1]
	t, err := time.Parse(fileTimeLayout, parts[2]+"_"+parts[3])
	if err != nil {
		return "", fmt.Errorf("parse timestamp: %w", err)
	}
	return fmt.Sprintf("%04d/%02d/%02d/%s/%s/%s",
		t.Year(), t.Month(), t.Day(), platform, channel, filename), nil
}
