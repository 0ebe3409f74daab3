// Package attachment keeps chat attachment blobs. Backends: local disk
// (gzip-compressed) and Google Cloud Storage.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/deptchat/internal/model"
)

var (
	ErrBlockedType  = errors.New("file type not allowed")
	ErrTypeMismatch = errors.New("file content does not match type")
	ErrTooLarge     = errors.New("file too large")
	ErrNotFound     = errors.New("file not found")
)

// DefaultBaseURL is the download route served by the support chat API.
const DefaultBaseURL = "/api/support/files"

// Блокируем только опасные расширения (исполняемые/скрипты). Остальные: разрешены.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true, ".msi": true, ".ps1": true,
}

// Ожидаемые MIME для расширений, у которых есть надёжная сигнатура.
var expectedMIME = map[string][]string{
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".png":  {"image/png"},
	".gif":  {"image/gif"},
	".webp": {"image/webp"},
	".pdf":  {"application/pdf"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/zip"},
	".xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "application/zip"},
}

// Store persists blobs under generated keys.
type Store interface {
	Put(ctx context.Context, fileName string, r io.Reader) (*model.StoredFile, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// sniffed is an upload whose first bytes were inspected; body replays them.
type sniffed struct {
	ext  string
	mime string
	body io.Reader
}

// sniff checks the extension against BlockedExt and the content signature,
// then returns a reader that yields the complete content.
func sniff(fileName string, r io.Reader) (*sniffed, error) {
	// В ряде клиентов/прокси пробел в имени кодируется как "+".
	name := strings.ReplaceAll(fileName, "+", " ")
	ext := strings.ToLower(filepath.Ext(name))
	if BlockedExt[ext] {
		return nil, ErrBlockedType
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read head: %w", err)
	}
	head = head[:n]

	mt := mimetype.Detect(head)
	if want, ok := expectedMIME[ext]; ok && !mimeIn(mt, want) {
		return nil, ErrTypeMismatch
	}
	return &sniffed{ext: ext, mime: mt.String(), body: io.MultiReader(bytes.NewReader(head), r)}, nil
}

func mimeIn(mt *mimetype.MIME, want []string) bool {
	for _, w := range want {
		if mt.Is(w) {
			return true
		}
	}
	return false
}

func newKey(ext string) string {
	return uuid.New().String() + ext
}

// validKey accepts only keys produced by newKey.
func validKey(key string) bool {
	if key == "" || key != filepath.Base(key) {
		return false
	}
	id := strings.TrimSuffix(key, filepath.Ext(key))
	_, err := uuid.Parse(id)
	return err == nil
}

func fileURL(base, key string) string {
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/") + "/" + key
}

// limitedReader fails with ErrTooLarge once more than max bytes were read.
type limitedReader struct {
	r   io.Reader
	n   int64
	max int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.max > 0 && l.n > l.max {
		return n, ErrTooLarge
	}
	return n, err
}

// SafeFilename оставляет имя файла безопасным для Content-Disposition (без управляющих символов и кавычек).
// Поддерживается UTF-8, чтобы сохранять кириллицу, латиницу с диакритикой и т.п.
func SafeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// ContentDisposition собирает заголовок для скачивания; legacy filename= добавляется только для ASCII-имён.
func ContentDisposition(name string) string {
	safe := SafeFilename(name)
	if safe == "" {
		return "attachment"
	}
	disp := "attachment"
	if isPlainASCII(safe) {
		disp += "; filename=\"" + safe + "\""
	}
	return disp + "; filename*=UTF-8''" + url.PathEscape(safe)
}

func isPlainASCII(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}
