package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deptchat/internal/model"
)

func TestProfileExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c := New()
	c.now = func() time.Time { return now }

	require.NoError(t, c.SetProfile(ctx, &model.UserPublic{ID: "u1", Name: "Ana", Department: "TI"}, time.Minute))
	p, err := c.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "TI", p.Department)

	now = now.Add(2 * time.Minute)
	p, err = c.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestProfileDelete(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.SetProfile(ctx, &model.UserPublic{ID: "u1"}, time.Hour))
	require.NoError(t, c.DeleteProfile(ctx, "u1"))
	p, err := c.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestAllowWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c := New()
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := c.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := c.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Allow(ctx, "other", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, err = c.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredEntriesAreEvicted(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c := New()
	c.now = func() time.Time { return now }

	require.NoError(t, c.SetProfile(ctx, &model.UserPublic{ID: "read-later"}, time.Minute))
	require.NoError(t, c.SetProfile(ctx, &model.UserPublic{ID: "never-read"}, time.Minute))
	for _, key := range []string{"ip-1", "ip-2", "ip-3"} {
		_, err := c.Allow(ctx, key, 5, time.Minute)
		require.NoError(t, err)
	}
	require.Len(t, c.profiles, 2)
	require.Len(t, c.limit, 3)

	now = now.Add(2 * time.Minute)
	p, err := c.GetProfile(ctx, "read-later")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NotContains(t, c.profiles, "read-later")

	ok, err := c.Allow(ctx, "ip-new", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, c.profiles)
	assert.Len(t, c.limit, 1)
	assert.Contains(t, c.limit, "ip-new")
}
