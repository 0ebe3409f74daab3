package attachment

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/deptchat/internal/model"
)

// Local хранит вложения на диске в сжатом виде (<key>.gz).
type Local struct {
	Dir     string
	BaseURL string
	MaxSize int64
}

func NewLocal(dir, baseURL string, maxSize int64) *Local {
	return &Local{Dir: dir, BaseURL: baseURL, MaxSize: maxSize}
}

func (s *Local) Put(ctx context.Context, fileName string, r io.Reader) (*model.StoredFile, error) {
	sn, err := sniff(fileName, &limitedReader{r: r, max: s.MaxSize})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("local.Put mkdir: %w", err)
	}

	key := newKey(sn.ext)
	dstPath := s.path(key)
	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("local.Put create: %w", err)
	}
	gz := gzip.NewWriter(dst)
	size, err := copyWithContext(ctx, gz, sn.body)
	if err == nil {
		err = gz.Close()
	} else {
		gz.Close()
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dstPath)
		if errors.Is(err, ErrTooLarge) {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("local.Put write: %w", err)
	}

	return &model.StoredFile{
		URL:      fileURL(s.BaseURL, key),
		Key:      key,
		Size:     size,
		MimeType: sn.mime,
	}, nil
}

// Open распаковывает вложение при чтении; Close закрывает и gzip, и файл.
func (s *Local) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !validKey(key) {
		return nil, ErrNotFound
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("local.Open: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("local.Open gzip: %w", err)
	}
	return &gzipFile{Reader: gz, f: f}, nil
}

func (s *Local) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return nil
	}
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local.Delete: %w", err)
	}
	return nil
}

func (s *Local) path(key string) string {
	return filepath.Join(s.Dir, key+".gz")
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	gzErr := g.Reader.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return gzErr
}
