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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// AppendMessage adds m to its chat unless the chat is CLOSED. When autoAcceptBy
// is set and the chat is still PENDING, the chat is accepted by that user in
// the same transaction. The chat row stays locked from the status check to the
// insert, so a concurrent close either lands before (ErrChatClosed) or after.
func (r *MessageRepository) AppendMessage(ctx context.Context, m *model.Message, autoAcceptBy string, at time.Time) (AppendResult, error) {
	defer logger.DeferLogDuration("msg.AppendMessage", time.Now())()
	var res AppendResult

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("msgRepo.AppendMessage begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if autoAcceptBy != "" {
		tag, err := tx.Exec(ctx, acceptChatSQL, m.ChatID, autoAcceptBy, at)
		if err != nil {
			return res, fmt.Errorf("msgRepo.AppendMessage accept: %w", err)
		}
		res.AutoAccepted = tag.RowsAffected() == 1
	}

	err = tx.QueryRow(ctx,
		`UPDATE support_chats SET last_message_at = clock_timestamp()
		 WHERE id = $1 AND status <> 'CLOSED'
		 RETURNING status, last_message_at`,
		m.ChatID,
	).Scan(&res.Status, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		exists, err := chatExists(ctx, tx, m.ChatID)
		if err != nil {
			return res, err
		}
		if exists {
			return res, ErrChatClosed
		}
		return res, ErrNotFound
	}
	if err != nil {
		return res, fmt.Errorf("msgRepo.AppendMessage touch: %w", err)
	}

	if err := insertMessage(ctx, tx, m); err != nil {
		return res, fmt.Errorf("msgRepo.AppendMessage: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("msgRepo.AppendMessage commit: %w", err)
	}
	return res, nil
}

func insertMessage(ctx context.Context, q querier, m *model.Message) error {
	err := q.QueryRow(ctx,
		`INSERT INTO support_messages (id, chat_id, sender_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING seq`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for i := range m.Attachments {
		a := &m.Attachments[i]
		a.MessageID = m.ID
		_, err := q.Exec(ctx,
			`INSERT INTO support_attachments (id, message_id, file_name, file_url, file_key, file_size, mime_type)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, a.MessageID, a.FileName, a.FileURL, a.FileKey, a.FileSize, a.MimeType,
		)
		if err != nil {
			return fmt.Errorf("insert attachment %s: %w", a.FileKey, err)
		}
	}
	return nil
}

// MarkRead flags every unread message in the chat not sent by userID.
// Returns how many rows changed; a repeated call returns 0.
func (r *MessageRepository) MarkRead(ctx context.Context, chatID, userID string, at time.Time) (int64, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE support_messages SET is_read = true, read_at = $3
		 WHERE chat_id = $1 AND sender_id <> $2 AND is_read = false`,
		chatID, userID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetAttachmentByKey resolves a blob key to its attachment row and owning chat.
func (r *MessageRepository) GetAttachmentByKey(ctx context.Context, key string) (*model.Attachment, string, error) {
	defer logger.DeferLogDuration("msg.GetAttachmentByKey", time.Now())()
	a := &model.Attachment{}
	var chatID string
	err := r.pool.QueryRow(ctx,
		`SELECT a.id, a.message_id, a.file_name, a.file_url, a.file_key, a.file_size, a.mime_type, m.chat_id
		 FROM support_attachments a
		 JOIN support_messages m ON m.id = a.message_id
		 WHERE a.file_key = $1`, key,
	).Scan(&a.ID, &a.MessageID, &a.FileName, &a.FileURL, &a.FileKey, &a.FileSize, &a.MimeType, &chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("msgRepo.GetAttachmentByKey: %w", err)
	}
	return a, chatID, nil
}

// loadTimelines returns messages (ascending by created_at, then seq) with
// attachments for each of the given chats.
func loadTimelines(ctx context.Context, q querier, chatIDs []string) (map[string][]model.Message, error) {
	rows, err := q.Query(ctx,
		`SELECT m.id, m.chat_id, m.sender_id, m.content, m.is_read, m.read_at, m.created_at, m.seq
		 FROM support_messages m
		 WHERE m.chat_id = ANY($1)
		 ORDER BY m.chat_id, m.created_at, m.seq`, chatIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("loadTimelines messages: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.Message, len(chatIDs))
	index := make(map[string]int)
	msgIDs := make([]string, 0, 64)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.IsRead, &m.ReadAt, &m.CreatedAt, &m.Seq); err != nil {
			return nil, fmt.Errorf("loadTimelines scan message: %w", err)
		}
		m.Attachments = []model.Attachment{}
		out[m.ChatID] = append(out[m.ChatID], m)
		index[m.ID] = len(out[m.ChatID]) - 1
		msgIDs = append(msgIDs, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loadTimelines rows: %w", err)
	}
	rows.Close()
	if len(msgIDs) == 0 {
		return out, nil
	}

	arows, err := q.Query(ctx,
		`SELECT a.id, a.message_id, a.file_name, a.file_url, a.file_key, a.file_size, a.mime_type, m.chat_id
		 FROM support_attachments a
		 JOIN support_messages m ON m.id = a.message_id
		 WHERE a.message_id = ANY($1)
		 ORDER BY a.message_id, a.id`, msgIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("loadTimelines attachments: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var a model.Attachment
		var chatID string
		if err := arows.Scan(&a.ID, &a.MessageID, &a.FileName, &a.FileURL, &a.FileKey, &a.FileSize, &a.MimeType, &chatID); err != nil {
			return nil, fmt.Errorf("loadTimelines scan attachment: %w", err)
		}
		pos, ok := index[a.MessageID]
		if !ok {
			continue
		}
		msgs := out[chatID]
		msgs[pos].Attachments = append(msgs[pos].Attachments, a)
	}
	if err := arows.Err(); err != nil {
		return nil, fmt.Errorf("loadTimelines attachment rows: %w", err)
	}
	return out, nil
}
