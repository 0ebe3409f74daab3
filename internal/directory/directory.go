// Package directory resolves user ids to HR directory profiles, with a cache in front.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deptchat/internal/logger"
	"github.com/deptchat/internal/model"
	"github.com/deptchat/internal/repository"
	"github.com/deptchat/internal/storage"
)

// Source is the authoritative directory. It returns repository.ErrNotFound for unknown ids.
type Source interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

type Directory struct {
	src   Source
	cache storage.Cache
	ttl   time.Duration
}

func New(src Source, cache storage.Cache, ttl time.Duration) *Directory {
	return &Directory{src: src, cache: cache, ttl: ttl}
}

// Lookup returns the public profile of userID, or nil when the user is unknown
// or disabled. Cache failures are logged and fall through to the source.
func (d *Directory) Lookup(ctx context.Context, userID string) (*model.UserPublic, error) {
	if userID == "" {
		return nil, nil
	}
	if d.cache != nil {
		p, err := d.cache.GetProfile(ctx, userID)
		if err != nil {
			logger.Errorf("directory cache get %s: %v", userID, err)
		} else if p != nil {
			return p, nil
		}
	}

	u, err := d.src.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory.Lookup: %w", err)
	}
	if u.DisabledAt != nil {
		return nil, nil
	}
	p := u.ToPublic()
	if d.cache != nil {
		if err := d.cache.SetProfile(ctx, &p, d.ttl); err != nil {
			logger.Errorf("directory cache set %s: %v", userID, err)
		}
	}
	return &p, nil
}

// Forget drops the cached profile, e.g. after a department change.
func (d *Directory) Forget(ctx context.Context, userID string) error {
	if d.cache == nil {
		return nil
	}
	return d.cache.DeleteProfile(ctx, userID)
}

// Static is an in-memory Source keyed by user id.
type Static map[string]model.User

func (s Static) GetByID(_ context.Context, id string) (*model.User, error) {
	u, ok := s[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}
