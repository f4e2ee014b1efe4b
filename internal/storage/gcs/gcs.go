// Package gcs implements the Google Cloud Storage archive backend. Completed archives are
// handed out as V4 signed URLs. Supports Application Default Credentials, service account
// JSON keys and Workload Identity Federation.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	appconfig "github.com/audit-ledger/audit-ledger/internal/config"
	appstorage "github.com/audit-ledger/audit-ledger/internal/storage"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.StorageConfig) (appstorage.Storage, error) {
		return New(&cfg.GCS)
	})
}

// GCSStorage implements appstorage.Storage for Google Cloud Storage
type GCSStorage struct {
	client    *storage.Client
	bucket    string
	projectID string
}

// New creates a new Google Cloud Storage backend
//
// Authentication methods:
//   - "default" or empty: Application Default Credentials
//   - "service_account": a service account key file or inline JSON
//   - "workload_identity": Workload Identity Federation, resolved through ADC
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		switch {
		case cfg.CredentialsJSON != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		case cfg.CredentialsFile != "":
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		default:
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}
	case "workload_identity", "default":
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', or 'workload_identity')", authMethod)
	}

	s, err := newWithOptions(context.Background(), cfg.Bucket, opts...)
	if err != nil {
		return nil, err
	}
	s.projectID = cfg.ProjectID
	return s, nil
}

func newWithOptions(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStorage{client: client, bucket: bucket}, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(path)
}

// Upload streams r to GCS with its SHA-256 in the object metadata
func (s *GCSStorage) Upload(ctx context.Context, path string, r io.Reader, opts appstorage.UploadOptions) (*appstorage.UploadResult, error) {
	body, checksum, size, err := appstorage.Prepare(r)
	if err != nil {
		return nil, err
	}

	// cancelling the writer's context abandons the upload
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := s.object(path).NewWriter(wctx)
	writer.Metadata = map[string]string{appstorage.ChecksumMetadataKey: checksum}
	writer.ContentType = opts.ContentType

	if _, err := io.Copy(writer, body); err != nil {
		cancel()
		_ = writer.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return &appstorage.UploadResult{Path: path, Size: size, Checksum: checksum}, nil
}

// Download retrieves an object from GCS
func (s *GCSStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	reader, err := s.object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", appstorage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return reader, nil
}

// Delete removes an object from GCS
func (s *GCSStorage) Delete(ctx context.Context, path string) error {
	if err := s.object(path).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// SignedURL returns a V4 signed GET URL for an existing object. ADC callers need
// signBlob permission (roles/iam.serviceAccountTokenCreator).
func (s *GCSStorage) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", appstorage.ErrNotFound, path)
	}

	url, err := s.client.Bucket(s.bucket).SignedURL(path, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return url, nil
}

// Exists checks if an object exists at the specified path
func (s *GCSStorage) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := s.object(path).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *GCSStorage) EnsureBucket(ctx context.Context) error {
	bucket := s.client.Bucket(s.bucket)

	_, err := bucket.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if s.projectID == "" {
		return fmt.Errorf("storage.gcs.project_id is required to create bucket %s", s.bucket)
	}
	if err := bucket.Create(ctx, s.projectID, nil); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}
