package model

import (
	"io"
	"time"
)

type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	SenderID    string       `json:"sender_id"`
	Content     string       `json:"content"`
	IsRead      bool         `json:"is_read"`
	ReadAt      *time.Time   `json:"read_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Seq         int64        `json:"seq"`
	Sender      *UserPublic  `json:"sender,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment references a blob kept by the attachment store.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	FileName  string `json:"file_name"`
	FileURL   string `json:"file_url"`
	FileKey   string `json:"file_key"`
	FileSize  int64  `json:"file_size"`
	MimeType  string `json:"mime_type"`
}

// StoredFile is what the attachment store reports after persisting bytes.
type StoredFile struct {
	URL      string
	Key      string
	Size     int64
	MimeType string
}

// Upload is one incoming file before it reaches the attachment store.
type Upload struct {
	FileName string
	Size     int64
	Content  io.Reader
}
