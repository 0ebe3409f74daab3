package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/deptchat/internal/attachment"
	"github.com/deptchat/internal/logger"
	"github.com/deptchat/internal/metrics"
	"github.com/deptchat/internal/model"
)

// checkPayload enforces message content and upload limits before anything is stored.
func (s *ChatService) checkPayload(content string, uploads []model.Upload) error {
	if content == "" && len(uploads) == 0 {
		return ErrEmptyMessage
	}
	if len(uploads) > s.limits.MaxFiles {
		return fmt.Errorf("%w: at most %d files", ErrTooManyFiles, s.limits.MaxFiles)
	}
	for _, u := range uploads {
		if u.Size > s.limits.MaxFileSize {
			return fmt.Errorf("%w: %s exceeds %d MB", ErrPayloadTooLarge, attachment.SafeFilename(u.FileName), s.limits.MaxFileSize>>20)
		}
	}
	return nil
}

// storeUploads writes every upload in parallel. If any write fails, the blobs
// already written are removed and no attachment is returned.
func (s *ChatService) storeUploads(ctx context.Context, uploads []model.Upload) ([]model.Attachment, error) {
	atts := make([]model.Attachment, len(uploads))
	if len(uploads) == 0 {
		return atts, nil
	}
	stored := make([]*model.StoredFile, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range uploads {
		g.Go(func() error {
			f, err := s.files.Put(gctx, u.FileName, u.Content)
			if err != nil {
				return err
			}
			stored[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var keys []string
		for _, f := range stored {
			if f != nil {
				keys = append(keys, f.Key)
			}
		}
		s.removeBlobs(ctx, keys)
		return nil, uploadError(err)
	}

	for i, f := range stored {
		name := attachment.SafeFilename(uploads[i].FileName)
		if name == "" {
			name = f.Key
		}
		// v7 ids sort in creation order, which keeps attachments in upload order.
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		atts[i] = model.Attachment{
			ID:       id.String(),
			FileName: name,
			FileURL:  f.URL,
			FileKey:  f.Key,
			FileSize: f.Size,
			MimeType: f.MimeType,
		}
		metrics.AttachmentBytes.Observe(float64(f.Size))
	}
	return atts, nil
}

func uploadError(err error) error {
	switch {
	case errors.Is(err, attachment.ErrTooLarge):
		return fmt.Errorf("%w: file exceeds size limit", ErrPayloadTooLarge)
	case errors.Is(err, attachment.ErrBlockedType), errors.Is(err, attachment.ErrTypeMismatch):
		return fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	return fmt.Errorf("store attachments: %w", err)
}

// removeBlobs deletes blobs whose rows are gone or were never written.
// Failures are logged and counted; the caller's outcome does not change.
func (s *ChatService) removeBlobs(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, k := range keys {
		if err := s.files.Delete(ctx, k); err != nil {
			metrics.BlobCleanupFailures.Inc()
			logger.Errorf("attachment cleanup %s: %v", k, err)
		}
	}
}

func keysOf(atts []model.Attachment) []string {
	keys := make([]string, 0, len(atts))
	for _, a := range atts {
		keys = append(keys, a.FileKey)
	}
	return keys
}
