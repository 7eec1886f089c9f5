package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"google.golang.org/api/googleapi"
	gcsapi "google.golang.org/api/storage/v1"
)

// gcsObjectStore keeps attachments in a GCS bucket under a configured prefix.
// Callers hand in bucket-relative paths; the prefix is applied here so the
// stored metadata stays portable across prefix changes at delete time.
type gcsObjectStore struct {
	bucket  string
	prefix  string
	service *gcsapi.Service
}

func newGCSObjectStore(ctx context.Context, bucket, prefix string) (*gcsObjectStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	service, err := gcsapi.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs service: %w", err)
	}

	// Fail at startup when the bucket is missing or unreadable, not on the
	// first upload.
	if _, err := service.Buckets.Get(bucket).Context(ctx).Do(); err != nil {
		return nil, fmt.Errorf("read gcs bucket attrs: %w", err)
	}

	return &gcsObjectStore{
		bucket:  bucket,
		prefix:  strings.Trim(strings.TrimSpace(prefix), "/"),
		service: service,
	}, nil
}

func (s *gcsObjectStore) Backend() string {
	return "gcs"
}

func (s *gcsObjectStore) PutObject(ctx context.Context, objectPath, contentType string, data []byte) error {
	name, err := s.objectName(objectPath)
	if err != nil {
		return err
	}

	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	object := &gcsapi.Object{Name: name, ContentType: contentType}
	if _, err := s.service.Objects.Insert(s.bucket, object).Media(bytes.NewReader(data)).Context(ctx).Do(); err != nil {
		return fmt.Errorf("write gcs object %q: %w", name, err)
	}
	return nil
}

// DeleteObject removes an attachment blob. A missing object is not an error,
// rollbacks may race the original failure.
func (s *gcsObjectStore) DeleteObject(ctx context.Context, objectPath string) error {
	name, err := s.objectName(objectPath)
	if err != nil {
		return nil
	}

	if err := s.service.Objects.Delete(s.bucket, name).Context(ctx).Do(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete gcs object %q: %w", name, err)
	}
	return nil
}

func (s *gcsObjectStore) objectName(objectPath string) (string, error) {
	cleanPath := strings.Trim(strings.TrimSpace(objectPath), "/")
	if cleanPath == "" {
		return "", errors.New("object path is required")
	}
	if s.prefix == "" {
		return cleanPath, nil
	}
	return path.Join(s.prefix, cleanPath), nil
}
