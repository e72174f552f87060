// Package storage wraps the S3-compatible bucket that receives finished
// recordings and their sidecars. Backblaze B2, MinIO and AWS S3 all work
// through the same minio client.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	// ErrAuth means the credentials or bucket were rejected.
	ErrAuth = errors.New("storage authentication failed")
	// ErrTransport covers network and server failures during a transfer.
	ErrTransport = errors.New("storage transfer failed")
	// ErrNotConfigured is returned when no endpoint or bucket is set.
	ErrNotConfigured = errors.New("storage not configured")
)

const (
	videoPrefix   = "video/"
	sidecarPrefix = "json/"
)

// Config holds the bucket connection settings.
type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Bucket          string
	Region          string
	UseSSL          bool
	DownloadBaseURL string
}

// Backend authenticates lazily and caches the client across uploads.
type Backend struct {
	cfg Config

	mu     sync.Mutex
	client *minio.Client
}

// New returns a Backend. No network traffic happens until first use.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

// Authenticate creates the client and checks that the bucket exists. A
// successful result is cached; later calls are free.
func (b *Backend) Authenticate(ctx context.Context) error {
	_, err := b.clientFor(ctx)
	return err
}

func (b *Backend) clientFor(ctx context.Context) (*minio.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	if b.cfg.Endpoint == "" || b.cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	client, err := minio.New(b.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(b.cfg.AccessKey, b.cfg.SecretKey, ""),
		Secure: b.cfg.UseSSL,
		Region: b.cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init client: %v", ErrAuth, err)
	}
	exists, err := client.BucketExists(ctx, b.cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", b.cfg.Bucket, classify(err))
	}
	if !exists {
		return nil, fmt.Errorf("%w: bucket %s not found", ErrAuth, b.cfg.Bucket)
	}
	b.client = client
	return client, nil
}

// reset drops the cached client so the next call authenticates again.
func (b *Backend) reset() {
	b.mu.Lock()
	b.client = nil
	b.mu.Unlock()
}

// UploadVideo sends a recording to video/{orderID}_{file name}. progress, if
// set, receives the uploaded fraction clamped to [0,1].
func (b *Backend) UploadVideo(ctx context.Context, orderID, path string, progress func(float64)) (string, error) {
	key := VideoKey(orderID, filepath.Base(path))
	opts := minio.PutObjectOptions{
		ContentType: "video/mp4",
		UserMetadata: map[string]string{
			"order_id":    orderID,
			"upload_date": time.Now().Format(time.RFC3339),
		},
	}
	if err := b.putFile(ctx, key, path, opts, progress); err != nil {
		return "", err
	}
	return key, nil
}

// UploadSidecar sends a metadata file to json/{file name}.
func (b *Backend) UploadSidecar(ctx context.Context, path string) (string, error) {
	key := SidecarKey(filepath.Base(path))
	if err := b.putFile(ctx, key, path, minio.PutObjectOptions{ContentType: "application/json"}, nil); err != nil {
		return "", err
	}
	return key, nil
}

func (b *Backend) putFile(ctx context.Context, key, path string, opts minio.PutObjectOptions, progress func(float64)) error {
	client, err := b.clientFor(ctx)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if progress != nil {
		opts.Progress = newProgressReader(info.Size(), progress)
	}
	if _, err := client.PutObject(ctx, b.cfg.Bucket, key, f, info.Size(), opts); err != nil {
		err = classify(err)
		if errors.Is(err, ErrAuth) {
			b.reset()
		}
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// SidecarExists reports whether any sidecar for orderID was uploaded before.
func (b *Backend) SidecarExists(ctx context.Context, orderID string) (bool, error) {
	client, err := b.clientFor(ctx)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	objects := client.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    SidecarKey(orderID + "_"),
		Recursive: true,
		MaxKeys:   1,
	})
	for obj := range objects {
		if obj.Err != nil {
			return false, fmt.Errorf("list sidecars for %s: %w", orderID, classify(obj.Err))
		}
		return true, nil
	}
	return false, nil
}

// DownloadURL is the public URL for key: {DownloadBaseURL}/{key} when set,
// otherwise the path-style bucket URL.
func (b *Backend) DownloadURL(key string) string {
	if base := strings.TrimRight(b.cfg.DownloadBaseURL, "/"); base != "" {
		return base + "/" + key
	}
	scheme := "http"
	if b.cfg.UseSSL {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: b.cfg.Endpoint, Path: "/" + b.cfg.Bucket + "/" + key}
	return u.String()
}

// PresignURL returns a time-limited GET URL for key.
func (b *Backend) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	client, err := b.clientFor(ctx)
	if err != nil {
		return "", err
	}
	u, err := client.PresignedGetObject(ctx, b.cfg.Bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, classify(err))
	}
	return u.String(), nil
}

// VideoKey builds the object key for a recording.
func VideoKey(orderID, fileName string) string {
	return videoPrefix + orderID + "_" + fileName
}

// SidecarKey builds the object key for a metadata file.
func SidecarKey(fileName string) string {
	return sidecarPrefix + fileName
}

func classify(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken", "NoSuchBucket":
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
