package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deptchat/internal/logger"
	"github.com/deptchat/internal/model"
)

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

// CreateChat inserts the chat in PENDING together with its first message and
// attachments. Timeline timestamps come from the database clock.
func (r *ChatRepository) CreateChat(ctx context.Context, c *model.Chat, first *model.Message) error {
	defer logger.DeferLogDuration("chat.CreateChat", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("chatRepo.CreateChat begin: %w", err)
	}
	defer tx.Rollback(ctx)

	c.Status = model.ChatStatusPending
	err = tx.QueryRow(ctx,
		`INSERT INTO support_chats (id, initiator_id, recipient_department, status, last_message_at, created_at)
		 VALUES ($1, $2, $3, 'PENDING', clock_timestamp(), clock_timestamp())
		 RETURNING created_at`,
		c.ID, c.InitiatorID, c.RecipientDepartment,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("chatRepo.CreateChat insert chat: %w", err)
	}
	c.LastMessageAt = c.CreatedAt

	first.ChatID = c.ID
	first.CreatedAt = c.CreatedAt
	if err := insertMessage(ctx, tx, first); err != nil {
		return fmt.Errorf("chatRepo.CreateChat: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("chatRepo.CreateChat commit: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetChatHeader(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetChatHeader", time.Now())()
	c := &model.Chat{}
	row := r.pool.QueryRow(ctx, `SELECT `+chatCols+` FROM support_chats c WHERE c.id = $1`, id)
	if err := scanChat(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chatRepo.GetChatHeader: %w", err)
	}
	return c, nil
}

// GetChat returns the chat with its full timeline (messages ascending, attachments joined).
func (r *ChatRepository) GetChat(ctx context.Context, id string) (*model.ChatDetail, error) {
	defer logger.DeferLogDuration("chat.GetChat", time.Now())()
	c, err := r.GetChatHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	timelines, err := loadTimelines(ctx, r.pool, []string{c.ID})
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetChat: %w", err)
	}
	return &model.ChatDetail{Chat: *c, Messages: nonNil(timelines[c.ID])}, nil
}

// AcceptChat performs PENDING→ACCEPTED as one conditional update. It reports
// false when the chat was no longer PENDING (or no longer exists).
func (r *ChatRepository) AcceptChat(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("chat.AcceptChat", time.Now())()
	tag, err := r.pool.Exec(ctx, acceptChatSQL, id, userID, at)
	if err != nil {
		return false, fmt.Errorf("chatRepo.AcceptChat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CloseChat performs ACCEPTED→CLOSED as one conditional update.
func (r *ChatRepository) CloseChat(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("chat.CloseChat", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE support_chats SET status = 'CLOSED', closed_by = $2, closed_at = $3
		 WHERE id = $1 AND status = 'ACCEPTED'`,
		id, userID, at,
	)
	if err != nil {
		return false, fmt.Errorf("chatRepo.CloseChat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteChat hard-deletes the chat in any status and returns the attachment
// keys whose blobs are now unreferenced.
func (r *ChatRepository) DeleteChat(ctx context.Context, id string) ([]string, error) {
	defer logger.DeferLogDuration("chat.DeleteChat", time.Now())()
	return r.deleteChat(ctx, id, false)
}

// DeletePendingChat hard-deletes the chat only while it is still PENDING.
// ErrConflict means it has moved on.
func (r *ChatRepository) DeletePendingChat(ctx context.Context, id string) ([]string, error) {
	defer logger.DeferLogDuration("chat.DeletePendingChat", time.Now())()
	return r.deleteChat(ctx, id, true)
}

func (r *ChatRepository) deleteChat(ctx context.Context, id string, onlyPending bool) ([]string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.deleteChat begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Guarded no-op update: holds the chat row so no message lands between
	// collecting attachment keys and the cascade.
	guard := `UPDATE support_chats SET status = status WHERE id = $1`
	if onlyPending {
		guard += ` AND status = 'PENDING'`
	}
	tag, err := tx.Exec(ctx, guard, id)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.deleteChat guard: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if exists, err := chatExists(ctx, tx, id); err != nil {
			return nil, err
		} else if exists {
			return nil, ErrConflict
		}
		return nil, ErrNotFound
	}

	rows, err := tx.Query(ctx,
		`SELECT a.file_key FROM support_attachments a
		 JOIN support_messages m ON m.id = a.message_id
		 WHERE m.chat_id = $1`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.deleteChat keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("chatRepo.deleteChat keys scan: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM support_chats WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("chatRepo.deleteChat delete: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("chatRepo.deleteChat commit: %w", err)
	}
	return keys, nil
}

// ListPending returns PENDING chats routed to the canonical department, newest activity first.
func (r *ChatRepository) ListPending(ctx context.Context, dept string) ([]model.ChatDetail, error) {
	defer logger.DeferLogDuration("chat.ListPending", time.Now())()
	return r.listChats(ctx, "ListPending",
		`c.status = 'PENDING' AND c.recipient_department = $1`, dept)
}

// ListActive returns the open chats the user takes part in (see activeParticipation).
func (r *ChatRepository) ListActive(ctx context.Context, userID, dept string) ([]model.ChatDetail, error) {
	defer logger.DeferLogDuration("chat.ListActive", time.Now())()
	return r.listChats(ctx, "ListActive", activeParticipation, userID, dept)
}

func (r *ChatRepository) ListClosed(ctx context.Context, userID, dept string) ([]model.ChatDetail, error) {
	defer logger.DeferLogDuration("chat.ListClosed", time.Now())()
	return r.listChats(ctx, "ListClosed", closedParticipation, userID, dept)
}

func (r *ChatRepository) CountPending(ctx context.Context, dept string) (int, error) {
	defer logger.DeferLogDuration("chat.CountPending", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM support_chats c WHERE c.status = 'PENDING' AND c.recipient_department = $1`, dept,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("chatRepo.CountPending: %w", err)
	}
	return n, nil
}

// CountUnread counts unread messages authored by others in ACCEPTED chats the user takes part in.
func (r *ChatRepository) CountUnread(ctx context.Context, userID, dept string) (int, error) {
	defer logger.DeferLogDuration("chat.CountUnread", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM support_messages m
		 JOIN support_chats c ON c.id = m.chat_id
		 WHERE `+activeParticipation+` AND c.status = 'ACCEPTED'
		   AND m.sender_id <> $1 AND m.is_read = false`,
		userID, dept,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("chatRepo.CountUnread: %w", err)
	}
	return n, nil
}

func (r *ChatRepository) listChats(ctx context.Context, fn, where string, args ...any) ([]model.ChatDetail, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+chatCols+` FROM support_chats c WHERE `+where+` ORDER BY c.last_message_at DESC, c.id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.%s query: %w", fn, err)
	}
	defer rows.Close()

	chats := make([]model.ChatDetail, 0, 16)
	ids := make([]string, 0, 16)
	for rows.Next() {
		var c model.Chat
		if err := scanChat(rows, &c); err != nil {
			return nil, fmt.Errorf("chatRepo.%s scan: %w", fn, err)
		}
		chats = append(chats, model.ChatDetail{Chat: c})
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.%s rows: %w", fn, err)
	}
	if len(ids) == 0 {
		return chats, nil
	}

	timelines, err := loadTimelines(ctx, r.pool, ids)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.%s: %w", fn, err)
	}
	for i := range chats {
		chats[i].Messages = nonNil(timelines[chats[i].Chat.ID])
	}
	return chats, nil
}

func chatExists(ctx context.Context, q querier, id string) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM support_chats WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("chatRepo.chatExists: %w", err)
	}
	return exists, nil
}

func nonNil(msgs []model.Message) []model.Message {
	if msgs == nil {
		return []model.Message{}
	}
	return msgs
}
