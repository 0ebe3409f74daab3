package service

import (
	"context"

	"github.com/deptchat/internal/logger"
	"github.com/deptchat/internal/model"
)

// profiles looks up each id once. Unknown users and directory failures leave
// the entry nil; names are decoration and never fail a read.
func (s *ChatService) profiles(ctx context.Context, ids []string) map[string]*model.UserPublic {
	out := make(map[string]*model.UserPublic, len(ids))
	for _, id := range ids {
		if _, seen := out[id]; seen || id == "" {
			continue
		}
		p, err := s.dir.Lookup(ctx, id)
		if err != nil {
			logger.Errorf("hydrate profile %s: %v", id, err)
		}
		out[id] = p
	}
	return out
}

func (s *ChatService) hydrateAll(ctx context.Context, viewerID string, chats []model.ChatDetail) {
	for i := range chats {
		s.hydrate(ctx, viewerID, &chats[i])
	}
}

// hydrate joins initiator, acceptor and sender profiles and computes the
// viewer's unread count for the chat.
func (s *ChatService) hydrate(ctx context.Context, viewerID string, d *model.ChatDetail) {
	ids := []string{d.Chat.InitiatorID}
	if d.Chat.AcceptedBy != nil {
		ids = append(ids, *d.Chat.AcceptedBy)
	}
	for _, m := range d.Messages {
		ids = append(ids, m.SenderID)
	}
	names := s.profiles(ctx, ids)

	d.Initiator = names[d.Chat.InitiatorID]
	if d.Chat.AcceptedBy != nil {
		d.Acceptor = names[*d.Chat.AcceptedBy]
	}
	if d.Messages == nil {
		d.Messages = []model.Message{}
	}
	d.UnreadCount = 0
	for i := range d.Messages {
		m := &d.Messages[i]
		m.Sender = names[m.SenderID]
		if m.Attachments == nil {
			m.Attachments = []model.Attachment{}
		}
		if m.SenderID != viewerID && !m.IsRead {
			d.UnreadCount++
		}
	}
}
