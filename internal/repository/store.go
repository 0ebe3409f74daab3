package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deptchat/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrChatClosed is returned by AppendMessage when the chat exists but is CLOSED.
	ErrChatClosed = errors.New("chat closed")
	// ErrConflict means a status-guarded write found the chat in another status.
	ErrConflict = errors.New("status changed concurrently")
)

// AppendResult describes the chat row after a message was appended.
type AppendResult struct {
	Status       model.ChatStatus
	AutoAccepted bool
}

// Store is the PostgreSQL conversation store: chats, messages and attachment references.
type Store struct {
	*ChatRepository
	*MessageRepository
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		ChatRepository:    NewChatRepository(pool),
		MessageRepository: NewMessageRepository(pool),
	}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// chatCols: список колонок support_chats для SELECT (порядок соответствует scanChat).
const chatCols = `c.id, c.initiator_id, c.recipient_department, c.status, c.accepted_by, c.accepted_at,
	c.closed_by, c.closed_at, c.last_message_at, c.created_at`

func scanChat(s interface{ Scan(dest ...any) error }, c *model.Chat) error {
	return s.Scan(&c.ID, &c.InitiatorID, &c.RecipientDepartment, &c.Status, &c.AcceptedBy, &c.AcceptedAt,
		&c.ClosedBy, &c.ClosedAt, &c.LastMessageAt, &c.CreatedAt)
}

// activeParticipation selects open chats user $1 (canonical department $2) takes part in:
// chats they initiated that are not closed, plus accepted chats routed to their department.
// ListActive and CountUnread both use it so the two can never disagree.
const activeParticipation = `((c.initiator_id = $1 AND c.status IN ('PENDING', 'ACCEPTED'))
	OR (c.status = 'ACCEPTED' AND c.recipient_department = $2))`

const closedParticipation = `(c.status = 'CLOSED' AND (c.initiator_id = $1 OR c.recipient_department = $2))`

// acceptChatSQL is the one PENDING→ACCEPTED transition, shared by explicit accept and auto-accept.
const acceptChatSQL = `UPDATE support_chats SET status = 'ACCEPTED', accepted_by = $2, accepted_at = $3
	WHERE id = $1 AND status = 'PENDING'`
