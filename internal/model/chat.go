package model

import "time"

type ChatStatus string

const (
	ChatStatusPending  ChatStatus = "PENDING"
	ChatStatusAccepted ChatStatus = "ACCEPTED"
	ChatStatusClosed   ChatStatus = "CLOSED"
)

// Chat is one conversation routed to a department. RecipientDepartment is
// always stored in department.Canonical form.
type Chat struct {
	ID                  string     `json:"id"`
	InitiatorID         string     `json:"initiator_id"`
	RecipientDepartment string     `json:"recipient_department"`
	Status              ChatStatus `json:"status"`
	AcceptedBy          *string    `json:"accepted_by,omitempty"`
	AcceptedAt          *time.Time `json:"accepted_at,omitempty"`
	ClosedBy            *string    `json:"closed_by,omitempty"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
	LastMessageAt       time.Time  `json:"last_message_at"`
	CreatedAt           time.Time  `json:"created_at"`
}

// ChatDetail is a chat hydrated with its timeline and the people involved.
type ChatDetail struct {
	Chat        Chat        `json:"chat"`
	Initiator   *UserPublic `json:"initiator,omitempty"`
	Acceptor    *UserPublic `json:"acceptor,omitempty"`
	Messages    []Message   `json:"messages"`
	UnreadCount int         `json:"unread_count"`
}
