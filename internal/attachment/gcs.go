package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/deptchat/internal/model"
)

// GCS хранит вложения объектами в бакете Google Cloud Storage.
type GCS struct {
	client  *storage.Client
	Bucket  string
	Prefix  string
	BaseURL string
	MaxSize int64
}

// NewGCS creates the storage client. With an empty credentialsFile the
// application default credentials are used.
func NewGCS(ctx context.Context, bucket, prefix, credentialsFile, baseURL string, maxSize int64) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCS{client: client, Bucket: bucket, Prefix: prefix, BaseURL: baseURL, MaxSize: maxSize}, nil
}

func (s *GCS) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.Bucket).Object(s.Prefix + key)
}

func (s *GCS) Put(ctx context.Context, fileName string, r io.Reader) (*model.StoredFile, error) {
	sn, err := sniff(fileName, &limitedReader{r: r, max: s.MaxSize})
	if err != nil {
		return nil, err
	}
	key := newKey(sn.ext)

	// Отмена контекста прерывает загрузку и не оставляет объект в бакете.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := s.object(key).NewWriter(wctx)
	w.ContentType = sn.mime
	w.CacheControl = "private, max-age=0"

	size, err := io.Copy(w, sn.body)
	if err != nil {
		cancel()
		w.Close()
		if errors.Is(err, ErrTooLarge) {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("gcs.Put copy %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gcs.Put close %s: %w", key, err)
	}
	return &model.StoredFile{
		URL:      fileURL(s.BaseURL, key),
		Key:      key,
		Size:     size,
		MimeType: sn.mime,
	}, nil
}

func (s *GCS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !validKey(key) {
		return nil, ErrNotFound
	}
	rc, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gcs.Open %s: %w", key, err)
	}
	return rc, nil
}

func (s *GCS) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return nil
	}
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs.Delete %s: %w", key, err)
	}
	return nil
}

func (s *GCS) Close() error {
	return s.client.Close()
}
