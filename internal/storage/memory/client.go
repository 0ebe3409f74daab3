package memory

import (
	"context"
	"sync"
	"time"

	"github.com/deptchat/internal/model"
)

// sweepEvery: как часто полный проход удаляет истёкшие профили и пустые окна.
const sweepEvery = time.Minute

type profileItem struct {
	val model.UserPublic
	exp time.Time
}

type window struct {
	hits   []time.Time
	period time.Duration
}

type Client struct {
	mu        sync.Mutex
	profiles  map[string]profileItem
	limit     map[string]*window
	now       func() time.Time
	lastSweep time.Time
}

func New() *Client {
	return &Client{
		profiles: make(map[string]profileItem),
		limit:    make(map[string]*window),
		now:      time.Now,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) GetProfile(ctx context.Context, userID string) (*model.UserPublic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.profiles[userID]
	if !ok {
		return nil, nil
	}
	if c.now().After(v.exp) {
		delete(c.profiles, userID)
		return nil, nil
	}
	p := v.val
	return &p, nil
}

func (c *Client) SetProfile(ctx context.Context, p *model.UserPublic, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.sweep(now)
	c.profiles[p.ID] = profileItem{val: *p, exp: now.Add(ttl)}
	return nil
}

func (c *Client) DeleteProfile(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.profiles, userID)
	return nil
}

// Allow: скользящее окно по отметкам времени.
func (c *Client) Allow(ctx context.Context, key string, max int, period time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.sweep(now)

	w := c.limit[key]
	if w == nil {
		w = &window{}
		c.limit[key] = w
	}
	w.period = period
	w.prune(now)
	if len(w.hits) >= max {
		return false, nil
	}
	w.hits = append(w.hits, now)
	return true, nil
}

func (w *window) prune(now time.Time) {
	cut := now.Add(-w.period)
	i := 0
	for _, t := range w.hits {
		if t.After(cut) {
			w.hits[i] = t
			i++
		}
	}
	w.hits = w.hits[:i]
}

// sweep вызывается под c.mu.
func (c *Client) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < sweepEvery {
		return
	}
	c.lastSweep = now
	for id, p := range c.profiles {
		if now.After(p.exp) {
			delete(c.profiles, id)
		}
	}
	for key, w := range c.limit {
		w.prune(now)
		if len(w.hits) == 0 {
			delete(c.limit, key)
		}
	}
}
