package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deptchat/internal/attachment"
	"github.com/deptchat/internal/department"
	"github.com/deptchat/internal/logger"
	"github.com/deptchat/internal/metrics"
	"github.com/deptchat/internal/model"
	"github.com/deptchat/internal/repository"
)

// Store is the conversation store. Status changes are conditional updates:
// AcceptChat and CloseChat report false when the chat was not in the expected status.
type Store interface {
	CreateChat(ctx context.Context, c *model.Chat, first *model.Message) error
	GetChatHeader(ctx context.Context, id string) (*model.Chat, error)
	GetChat(ctx context.Context, id string) (*model.ChatDetail, error)
	AcceptChat(ctx context.Context, id, userID string, at time.Time) (bool, error)
	CloseChat(ctx context.Context, id, userID string, at time.Time) (bool, error)
	DeleteChat(ctx context.Context, id string) ([]string, error)
	DeletePendingChat(ctx context.Context, id string) ([]string, error)
	AppendMessage(ctx context.Context, m *model.Message, autoAcceptBy string, at time.Time) (repository.AppendResult, error)
	MarkRead(ctx context.Context, chatID, userID string, at time.Time) (int64, error)
	ListPending(ctx context.Context, dept string) ([]model.ChatDetail, error)
	ListActive(ctx context.Context, userID, dept string) ([]model.ChatDetail, error)
	ListClosed(ctx context.Context, userID, dept string) ([]model.ChatDetail, error)
	CountPending(ctx context.Context, dept string) (int, error)
	CountUnread(ctx context.Context, userID, dept string) (int, error)
	GetAttachmentByKey(ctx context.Context, key string) (*model.Attachment, string, error)
}

// Directory resolves a user to a profile; nil means the user is unknown.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*model.UserPublic, error)
}

type Limits struct {
	MaxFiles    int
	MaxFileSize int64
}

// ChatService enforces department routing, the chat lifecycle and who may do what.
type ChatService struct {
	store  Store
	dir    Directory
	files  attachment.Store
	limits Limits
	now    func() time.Time
}

func NewChatService(store Store, dir Directory, files attachment.Store, limits Limits) *ChatService {
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = 5
	}
	if limits.MaxFileSize <= 0 {
		limits.MaxFileSize = 10 << 20
	}
	return &ChatService{store: store, dir: dir, files: files, limits: limits, now: time.Now}
}

// caller is an authenticated user with their canonical department ("" when unknown).
type caller struct {
	id   string
	dept string
}

func (s *ChatService) resolve(ctx context.Context, userID string) (caller, error) {
	if userID == "" {
		return caller{}, ErrUnauthenticated
	}
	p, err := s.dir.Lookup(ctx, userID)
	if err != nil {
		return caller{}, fmt.Errorf("resolve caller: %w", err)
	}
	c := caller{id: userID}
	if p != nil {
		c.dept = department.Canonical(p.Department)
	}
	return c, nil
}

func (c caller) initiated(chat *model.Chat) bool { return chat.InitiatorID == c.id }

func (c caller) inDepartment(chat *model.Chat) bool {
	return department.Match(c.dept, chat.RecipientDepartment)
}

// participates: the initiator always, otherwise a member of the recipient department.
func (c caller) participates(chat *model.Chat) bool {
	return c.initiated(chat) || c.inDepartment(chat)
}

func (s *ChatService) header(ctx context.Context, chatID string) (*model.Chat, error) {
	chat, err := s.store.GetChatHeader(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// CreateChat opens a PENDING chat to dept with its first message.
func (s *ChatService) CreateChat(ctx context.Context, userID, dept, content string, uploads []model.Upload) (*model.ChatDetail, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	canon, err := department.Parse(dept)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDepartment, strings.TrimSpace(dept))
	}
	content = strings.TrimSpace(content)
	if err := s.checkPayload(content, uploads); err != nil {
		return nil, err
	}

	atts, err := s.storeUploads(ctx, uploads)
	if err != nil {
		return nil, err
	}
	chat := &model.Chat{
		ID:                  uuid.NewString(),
		InitiatorID:         userID,
		RecipientDepartment: canon,
	}
	msg := &model.Message{
		ID:          uuid.NewString(),
		SenderID:    userID,
		Content:     content,
		Attachments: atts,
	}
	if err := s.store.CreateChat(ctx, chat, msg); err != nil {
		s.removeBlobs(ctx, keysOf(atts))
		return nil, fmt.Errorf("chatService.CreateChat: %w", err)
	}
	metrics.Transitions.WithLabelValues("create").Inc()
	logger.Infow("support chat created", "chat_id", chat.ID, "department", canon, "attachments", len(atts))

	d := &model.ChatDetail{Chat: *chat, Messages: []model.Message{*msg}}
	s.hydrate(ctx, userID, d)
	return d, nil
}

// AcceptChat claims a PENDING chat for the caller. Of concurrent claims exactly
// one succeeds; the others get ErrInvalidState.
func (s *ChatService) AcceptChat(ctx context.Context, chatID, userID string) (*model.ChatDetail, error) {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	chat, err := s.header(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Status != model.ChatStatusPending {
		return nil, stateError(chat.Status)
	}
	if c.initiated(chat) {
		return nil, fmt.Errorf("%w: initiator cannot accept own chat", ErrForbidden)
	}
	if !c.inDepartment(chat) {
		return nil, fmt.Errorf("%w: chat is routed to another department", ErrForbidden)
	}

	ok, err := s.store.AcceptChat(ctx, chatID, c.id, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("chatService.AcceptChat: %w", err)
	}
	if !ok {
		metrics.AcceptConflicts.WithLabelValues("accept").Inc()
		return nil, s.lostRace(ctx, chatID)
	}
	metrics.Transitions.WithLabelValues("accept").Inc()
	logger.Infow("support chat accepted", "chat_id", chatID, "user_id", c.id)
	return s.detail(ctx, c.id, chatID)
}

// RejectChat drops a PENDING chat on behalf of the recipient department. Nothing is kept.
func (s *ChatService) RejectChat(ctx context.Context, chatID, userID string) error {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return err
	}
	chat, err := s.header(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.Status != model.ChatStatusPending {
		return stateError(chat.Status)
	}
	if c.initiated(chat) {
		return fmt.Errorf("%w: initiator cannot reject own chat", ErrForbidden)
	}
	if !c.inDepartment(chat) {
		return fmt.Errorf("%w: chat is routed to another department", ErrForbidden)
	}

	keys, err := s.store.DeletePendingChat(ctx, chatID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrConflict):
		metrics.AcceptConflicts.WithLabelValues("reject").Inc()
		return s.lostRace(ctx, chatID)
	case err != nil:
		return fmt.Errorf("chatService.RejectChat: %w", err)
	}
	s.removeBlobs(ctx, keys)
	metrics.Transitions.WithLabelValues("reject").Inc()
	logger.Infow("support chat rejected", "chat_id", chatID, "user_id", c.id)
	return nil
}

// DeleteChat hard-deletes the chat in any status.
func (s *ChatService) DeleteChat(ctx context.Context, chatID, userID string) error {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return err
	}
	chat, err := s.header(ctx, chatID)
	if err != nil {
		return err
	}
	if !c.participates(chat) {
		return ErrForbidden
	}
	keys, err := s.store.DeleteChat(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("chatService.DeleteChat: %w", err)
	}
	s.removeBlobs(ctx, keys)
	metrics.Transitions.WithLabelValues("delete").Inc()
	logger.Infow("support chat deleted", "chat_id", chatID, "user_id", c.id, "status", string(chat.Status))
	return nil
}

// SendMessage appends a message. A reply from a department member to a
// PENDING chat accepts it on their behalf unless someone else got there first;
// the message is appended either way.
func (s *ChatService) SendMessage(ctx context.Context, chatID, userID, content string, uploads []model.Upload) (*model.Message, error) {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	chat, err := s.header(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Status == model.ChatStatusClosed {
		return nil, stateError(chat.Status)
	}
	autoAcceptBy := ""
	if !c.initiated(chat) {
		if !c.inDepartment(chat) {
			return nil, ErrForbidden
		}
		autoAcceptBy = c.id
	}
	content = strings.TrimSpace(content)
	if err := s.checkPayload(content, uploads); err != nil {
		return nil, err
	}

	atts, err := s.storeUploads(ctx, uploads)
	if err != nil {
		return nil, err
	}
	msg := &model.Message{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		SenderID:    c.id,
		Content:     content,
		Attachments: atts,
	}
	res, err := s.store.AppendMessage(ctx, msg, autoAcceptBy, s.now().UTC())
	if err != nil {
		s.removeBlobs(ctx, keysOf(atts))
		switch {
		case errors.Is(err, repository.ErrChatClosed):
			return nil, stateError(model.ChatStatusClosed)
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chatService.SendMessage: %w", err)
	}
	metrics.MessagesSent.Inc()
	if res.AutoAccepted {
		metrics.Transitions.WithLabelValues("auto_accept").Inc()
		logger.Infow("support chat auto-accepted", "chat_id", chatID, "user_id", c.id)
	} else if autoAcceptBy != "" && chat.Status == model.ChatStatusPending {
		metrics.AcceptConflicts.WithLabelValues("send").Inc()
	}

	names := s.profiles(ctx, []string{c.id})
	msg.Sender = names[c.id]
	return msg, nil
}

// CloseChat ends an ACCEPTED chat. CLOSED is terminal.
func (s *ChatService) CloseChat(ctx context.Context, chatID, userID string) (*model.ChatDetail, error) {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	chat, err := s.header(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Status == model.ChatStatusClosed {
		return nil, stateError(chat.Status)
	}
	if !c.participates(chat) {
		return nil, ErrForbidden
	}
	if chat.Status != model.ChatStatusAccepted {
		return nil, stateError(chat.Status)
	}

	ok, err := s.store.CloseChat(ctx, chatID, c.id, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("chatService.CloseChat: %w", err)
	}
	if !ok {
		return nil, s.lostRace(ctx, chatID)
	}
	metrics.Transitions.WithLabelValues("close").Inc()
	logger.Infow("support chat closed", "chat_id", chatID, "user_id", c.id)
	return s.detail(ctx, c.id, chatID)
}

// MarkMessagesAsRead marks the other side's messages read. Repeating it changes nothing.
func (s *ChatService) MarkMessagesAsRead(ctx context.Context, chatID, userID string) (int64, error) {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return 0, err
	}
	chat, err := s.header(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if !c.participates(chat) {
		return 0, ErrForbidden
	}
	n, err := s.store.MarkRead(ctx, chatID, c.id, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("chatService.MarkMessagesAsRead: %w", err)
	}
	return n, nil
}

func (s *ChatService) GetChatByID(ctx context.Context, chatID, userID string) (*model.ChatDetail, error) {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	d, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatService.GetChatByID: %w", err)
	}
	if !c.participates(&d.Chat) {
		return nil, ErrForbidden
	}
	s.hydrate(ctx, c.id, d)
	return d, nil
}

// ListPending returns PENDING chats routed to the caller's department.
func (s *ChatService) ListPending(ctx context.Context, userID string) ([]model.ChatDetail, error) {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if c.dept == "" {
		return []model.ChatDetail{}, nil
	}
	chats, err := s.store.ListPending(ctx, c.dept)
	if err != nil {
		return nil, fmt.Errorf("chatService.ListPending: %w", err)
	}
	s.hydrateAll(ctx, c.id, chats)
	return chats, nil
}

// ListActive: chats the caller opened that are not closed, plus ACCEPTED chats of their department.
func (s *ChatService) ListActive(ctx context.Context, userID string) ([]model.ChatDetail, error) {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	chats, err := s.store.ListActive(ctx, c.id, c.dept)
	if err != nil {
		return nil, fmt.Errorf("chatService.ListActive: %w", err)
	}
	s.hydrateAll(ctx, c.id, chats)
	return chats, nil
}

func (s *ChatService) ListClosed(ctx context.Context, userID string) ([]model.ChatDetail, error) {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	chats, err := s.store.ListClosed(ctx, c.id, c.dept)
	if err != nil {
		return nil, fmt.Errorf("chatService.ListClosed: %w", err)
	}
	s.hydrateAll(ctx, c.id, chats)
	return chats, nil
}

func (s *ChatService) PendingCount(ctx context.Context, userID string) (int, error) {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return 0, err
	}
	if c.dept == "" {
		return 0, nil
	}
	n, err := s.store.CountPending(ctx, c.dept)
	if err != nil {
		return 0, fmt.Errorf("chatService.PendingCount: %w", err)
	}
	return n, nil
}

// UnreadCount counts unread messages from others in ACCEPTED chats the caller takes part in.
func (s *ChatService) UnreadCount(ctx context.Context, userID string) (int, error) {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.CountUnread(ctx, c.id, c.dept)
	if err != nil {
		return 0, fmt.Errorf("chatService.UnreadCount: %w", err)
	}
	return n, nil
}

// OpenAttachment streams an attachment to a participant of the chat that holds it.
func (s *ChatService) OpenAttachment(ctx context.Context, userID, key string) (*model.Attachment, io.ReadCloser, error) {
	c, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	att, chatID, err := s.store.GetAttachmentByKey(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("chatService.OpenAttachment: %w", err)
	}
	chat, err := s.header(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	if !c.participates(chat) {
		return nil, nil, ErrForbidden
	}
	rc, err := s.files.Open(ctx, key)
	if errors.Is(err, attachment.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("chatService.OpenAttachment: %w", err)
	}
	return att, rc, nil
}

// Departments returns the closed set of departments a chat can be routed to.
func (s *ChatService) Departments() []string {
	out := make([]string, len(department.Known))
	copy(out, department.Known)
	return out
}

func (s *ChatService) Limits() Limits { return s.limits }

func (s *ChatService) detail(ctx context.Context, userID, chatID string) (*model.ChatDetail, error) {
	d, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatService.detail: %w", err)
	}
	s.hydrate(ctx, userID, d)
	return d, nil
}

// lostRace classifies a conditional update that matched no row: the chat is
// either gone or in another status now. Same errors as the non-racing path.
func (s *ChatService) lostRace(ctx context.Context, chatID string) error {
	chat, err := s.header(ctx, chatID)
	if err != nil {
		return err
	}
	return stateError(chat.Status)
}

func stateError(status model.ChatStatus) error {
	switch status {
	case model.ChatStatusAccepted:
		return fmt.Errorf("%w: chat already accepted", ErrInvalidState)
	case model.ChatStatusClosed:
		return fmt.Errorf("%w: chat is closed", ErrInvalidState)
	default:
		return fmt.Errorf("%w: chat not accepted yet", ErrInvalidState)
	}
}
