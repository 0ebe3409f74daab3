// Package memstore is an in-process conversation store with the same
// semantics as the PostgreSQL one. A single mutex makes every operation atomic.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/deptchat/internal/model"
	"github.com/deptchat/internal/repository"
)

type chatRec struct {
	chat     model.Chat
	messages []model.Message
}

type Store struct {
	mu    sync.Mutex
	chats map[string]*chatRec
	seq   int64
	last  time.Time
	now   func() time.Time
}

func New() *Store {
	return &Store{chats: make(map[string]*chatRec), now: time.Now}
}

// tick returns a strictly increasing UTC timestamp, standing in for clock_timestamp().
func (s *Store) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) CreateChat(_ context.Context, c *model.Chat, first *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	c.Status = model.ChatStatusPending
	c.CreatedAt = now
	c.LastMessageAt = now
	first.ChatID = c.ID
	first.CreatedAt = now
	s.stampMessage(first)
	s.chats[c.ID] = &chatRec{chat: *c, messages: []model.Message{cloneMessage(*first)}}
	return nil
}

func (s *Store) stampMessage(m *model.Message) {
	s.seq++
	m.Seq = s.seq
	if m.Attachments == nil {
		m.Attachments = []model.Attachment{}
	}
	for i := range m.Attachments {
		m.Attachments[i].MessageID = m.ID
	}
}

func (s *Store) GetChatHeader(_ context.Context, id string) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := rec.chat
	return &c, nil
}

func (s *Store) GetChat(_ context.Context, id string) (*model.ChatDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	d := rec.detail()
	return &d, nil
}

func (s *Store) AcceptChat(_ context.Context, id, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accept(id, userID, at), nil
}

func (s *Store) accept(id, userID string, at time.Time) bool {
	rec, ok := s.chats[id]
	if !ok || rec.chat.Status != model.ChatStatusPending {
		return false
	}
	by, when := userID, at
	rec.chat.Status = model.ChatStatusAccepted
	rec.chat.AcceptedBy = &by
	rec.chat.AcceptedAt = &when
	return true
}

func (s *Store) CloseChat(_ context.Context, id, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[id]
	if !ok || rec.chat.Status != model.ChatStatusAccepted {
		return false, nil
	}
	by, when := userID, at
	rec.chat.Status = model.ChatStatusClosed
	rec.chat.ClosedBy = &by
	rec.chat.ClosedAt = &when
	return true, nil
}

func (s *Store) DeleteChat(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(id, false)
}

func (s *Store) DeletePendingChat(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(id, true)
}

func (s *Store) delete(id string, onlyPending bool) ([]string, error) {
	rec, ok := s.chats[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if onlyPending && rec.chat.Status != model.ChatStatusPending {
		return nil, repository.ErrConflict
	}
	var keys []string
	for _, m := range rec.messages {
		for _, a := range m.Attachments {
			keys = append(keys, a.FileKey)
		}
	}
	delete(s.chats, id)
	return keys, nil
}

func (s *Store) AppendMessage(_ context.Context, m *model.Message, autoAcceptBy string, at time.Time) (repository.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res repository.AppendResult
	rec, ok := s.chats[m.ChatID]
	if !ok {
		return res, repository.ErrNotFound
	}
	if rec.chat.Status == model.ChatStatusClosed {
		return res, repository.ErrChatClosed
	}
	if autoAcceptBy != "" {
		res.AutoAccepted = s.accept(m.ChatID, autoAcceptBy, at)
	}
	now := s.tick()
	rec.chat.LastMessageAt = now
	m.CreatedAt = now
	s.stampMessage(m)
	rec.messages = append(rec.messages, cloneMessage(*m))
	res.Status = rec.chat.Status
	return res, nil
}

func (s *Store) MarkRead(_ context.Context, chatID, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[chatID]
	if !ok {
		return 0, nil
	}
	var n int64
	for i := range rec.messages {
		m := &rec.messages[i]
		if m.SenderID != userID && !m.IsRead {
			when := at
			m.IsRead = true
			m.ReadAt = &when
			n++
		}
	}
	return n, nil
}

func (s *Store) ListPending(_ context.Context, dept string) ([]model.ChatDetail, error) {
	return s.list(func(c *model.Chat) bool {
		return c.Status == model.ChatStatusPending && c.RecipientDepartment == dept
	}), nil
}

func (s *Store) ListActive(_ context.Context, userID, dept string) ([]model.ChatDetail, error) {
	return s.list(func(c *model.Chat) bool { return activeFor(c, userID, dept) }), nil
}

func (s *Store) ListClosed(_ context.Context, userID, dept string) ([]model.ChatDetail, error) {
	return s.list(func(c *model.Chat) bool {
		return c.Status == model.ChatStatusClosed && (c.InitiatorID == userID || c.RecipientDepartment == dept)
	}), nil
}

func (s *Store) CountPending(_ context.Context, dept string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.chats {
		if rec.chat.Status == model.ChatStatusPending && rec.chat.RecipientDepartment == dept {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountUnread(_ context.Context, userID, dept string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.chats {
		if rec.chat.Status != model.ChatStatusAccepted || !activeFor(&rec.chat, userID, dept) {
			continue
		}
		for _, m := range rec.messages {
			if m.SenderID != userID && !m.IsRead {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) GetAttachmentByKey(_ context.Context, key string) (*model.Attachment, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.chats {
		for _, m := range rec.messages {
			for _, a := range m.Attachments {
				if a.FileKey == key {
					found := a
					return &found, id, nil
				}
			}
		}
	}
	return nil, "", repository.ErrNotFound
}

// activeFor mirrors the SQL participation rule used by ListActive and CountUnread.
func activeFor(c *model.Chat, userID, dept string) bool {
	if c.InitiatorID == userID && c.Status != model.ChatStatusClosed {
		return true
	}
	return c.Status == model.ChatStatusAccepted && dept != "" && c.RecipientDepartment == dept
}

func (s *Store) list(keep func(*model.Chat) bool) []model.ChatDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ChatDetail, 0, len(s.chats))
	for _, rec := range s.chats {
		if keep(&rec.chat) {
			out = append(out, rec.detail())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Chat, out[j].Chat
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (r *chatRec) detail() model.ChatDetail {
	msgs := make([]model.Message, len(r.messages))
	for i, m := range r.messages {
		msgs[i] = cloneMessage(m)
	}
	return model.ChatDetail{Chat: r.chat, Messages: msgs}
}

func cloneMessage(m model.Message) model.Message {
	att := make([]model.Attachment, len(m.Attachments))
	copy(att, m.Attachments)
	m.Attachments = att
	if m.ReadAt != nil {
		t := *m.ReadAt
		m.ReadAt = &t
	}
	m.Sender = nil
	return m
}
