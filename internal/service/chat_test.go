package service

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deptchat/internal/attachment"
	"github.com/deptchat/internal/memstore"
	"github.com/deptchat/internal/model"
)

type fakeDirectory map[string]model.UserPublic

func (d fakeDirectory) Lookup(_ context.Context, userID string) (*model.UserPublic, error) {
	p, ok := d[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// People used across tests: A asks Jurídico for help, B and C work there
// (stored with different spellings), D is in Financeiro, J is a Jurídico
// member who also opens chats to Jurídico.
var people = fakeDirectory{
	"A": {ID: "A", Name: "Ana", Department: "Departamento Pessoal"},
	"B": {ID: "B", Name: "Bruno", Department: "JURIDICO"},
	"C": {ID: "C", Name: "Carla", Department: " jurídico "},
	"D": {ID: "D", Name: "Davi", Department: "Financeiro"},
	"J": {ID: "J", Name: "Júlia", Department: "Jurídico"},
}

type fixture struct {
	svc   *ChatService
	store *memstore.Store
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st := memstore.New()
	svc := NewChatService(st, people, attachment.NewLocal(dir, "", 10<<20), Limits{MaxFiles: 5, MaxFileSize: 10 << 20})
	return &fixture{svc: svc, store: st, dir: dir}
}

func (f *fixture) open(t *testing.T, initiator string) *model.ChatDetail {
	t.Helper()
	d, err := f.svc.CreateChat(context.Background(), initiator, "Jurídico", "Preciso de ajuda", nil)
	require.NoError(t, err)
	return d
}

func (f *fixture) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func textUpload(name, body string) model.Upload {
	return model.Upload{FileName: name, Size: int64(len(body)), Content: strings.NewReader(body)}
}

func TestCreateChatScenario(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, "A")

	assert.Equal(t, model.ChatStatusPending, d.Chat.Status)
	assert.Equal(t, "JURIDICO", d.Chat.RecipientDepartment)
	assert.Equal(t, "A", d.Chat.InitiatorID)
	assert.False(t, d.Chat.LastMessageAt.IsZero())
	require.Len(t, d.Messages, 1)
	assert.Equal(t, "Preciso de ajuda", d.Messages[0].Content)
	require.NotNil(t, d.Initiator)
	assert.Equal(t, "Ana", d.Initiator.Name)
	require.NotNil(t, d.Messages[0].Sender)
	assert.Equal(t, "Ana", d.Messages[0].Sender.Name)
	assert.Nil(t, d.Chat.AcceptedBy)
}

func TestCreateChatValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateChat(ctx, "", "TI", "oi", nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.svc.CreateChat(ctx, "A", "Marketing", "oi", nil)
	assert.ErrorIs(t, err, ErrInvalidDepartment)

	_, err = f.svc.CreateChat(ctx, "A", "TI", "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	d, err := f.svc.CreateChat(ctx, "A", "ti", "", []model.Upload{textUpload("log.txt", "erro 500")})
	require.NoError(t, err)
	assert.Equal(t, "TI", d.Chat.RecipientDepartment)
	require.Len(t, d.Messages[0].Attachments, 1)
	assert.Equal(t, "log.txt", d.Messages[0].Attachments[0].FileName)
}

func TestAcceptScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "A")

	got, err := f.svc.AcceptChat(ctx, d.Chat.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, model.ChatStatusAccepted, got.Chat.Status)
	require.NotNil(t, got.Chat.AcceptedBy)
	assert.Equal(t, "B", *got.Chat.AcceptedBy)
	assert.NotNil(t, got.Chat.AcceptedAt)
	require.NotNil(t, got.Acceptor)
	assert.Equal(t, "Bruno", got.Acceptor.Name)

	_, err = f.svc.AcceptChat(ctx, d.Chat.ID, "C")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAcceptErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "A")

	_, err := f.svc.AcceptChat(ctx, "missing", "B")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.AcceptChat(ctx, d.Chat.ID, "D")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.AcceptChat(ctx, d.Chat.ID, "A")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.AcceptChat(ctx, d.Chat.ID, "nobody")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.AcceptChat(ctx, d.Chat.ID, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAutoAcceptOnDepartmentReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "A")

	msg, err := f.svc.SendMessage(ctx, d.Chat.ID, "C", "Pode enviar o contrato?", nil)
	require.NoError(t, err)
	assert.Equal(t, "C", msg.SenderID)
	require.NotNil(t, msg.Sender)
	assert.Equal(t, "Carla", msg.Sender.Name)

	got, err := f.svc.GetChatByID(ctx, d.Chat.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, model.ChatStatusAccepted, got.Chat.Status)
	require.NotNil(t, got.Chat.AcceptedBy)
	assert.Equal(t, "C", *got.Chat.AcceptedBy)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "Pode enviar o contrato?", got.Messages[1].Content)
	assert.False(t, got.Chat.LastMessageAt.Before(got.Messages[1].CreatedAt))

	// A later reply by another member does not re-accept.
	_, err = f.svc.SendMessage(ctx, d.Chat.ID, "B", "Estou acompanhando", nil)
	require.NoError(t, err)
	got, err = f.svc.GetChatByID(ctx, d.Chat.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, "C", *got.Chat.AcceptedBy)
}

func TestInitiatorFromRecipientDepartment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "J")

	_, err := f.svc.SendMessage(ctx, d.Chat.ID, "J", "Mais detalhes", nil)
	require.NoError(t, err)
	h, err := f.store.GetChatHeader(ctx, d.Chat.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChatStatusPending, h.Status)

	_, err = f.svc.AcceptChat(ctx, d.Chat.ID, "J")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, f.svc.RejectChat(ctx, d.Chat.ID, "J"), ErrForbidden)

	got, err := f.svc.AcceptChat(ctx, d.Chat.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, "B", *got.Chat.AcceptedBy)
}

func TestSendAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "A")

	_, err := f.svc.SendMessage(ctx, d.Chat.ID, "D", "oi", nil)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.SendMessage(ctx, "missing", "A", "oi", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.SendMessage(ctx, d.Chat.ID, "A", "", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	// the initiator's own follow-up leaves the chat pending
	_, err = f.svc.SendMessage(ctx, d.Chat.ID, "A", "alguém?", nil)
	require.NoError(t, err)
	h, err := f.store.GetChatHeader(ctx, d.Chat.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChatStatusPending, h.Status)
}

func TestCloseScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "A")

	_, err := f.svc.CloseChat(ctx, d.Chat.ID, "A")
	assert.ErrorIs(t, err, ErrInvalidState, "pending chats cannot be closed")

	_, err = f.svc.AcceptChat(ctx, d.Chat.ID, "B")
	require.NoError(t, err)

	_, err = f.svc.CloseChat(ctx, d.Chat.ID, "D")
	assert.ErrorIs(t, err, ErrForbidden)

	closed, err := f.svc.CloseChat(ctx, d.Chat.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, model.ChatStatusClosed, closed.Chat.Status)
	require.NotNil(t, closed.Chat.ClosedBy)
	assert.Equal(t, "A", *closed.Chat.ClosedBy)
	assert.NotNil(t, closed.Chat.ClosedAt)

	_, err = f.svc.SendMessage(ctx, d.Chat.ID, "B", "ainda aí?", nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.CloseChat(ctx, d.Chat.ID, "B")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.svc.AcceptChat(ctx, d.Chat.ID, "C")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSendToClosedIsInvalidStateForEveryone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "A")
	_, err := f.svc.AcceptChat(ctx, d.Chat.ID, "B")
	require.NoError(t, err)
	_, err = f.svc.CloseChat(ctx, d.Chat.ID, "B")
	require.NoError(t, err)

	before := f.blobCount(t)
	for _, who := range []string{"A", "B", "C", "D", "nobody"} {
		_, err := f.svc.SendMessage(ctx, d.Chat.ID, who, "oi", nil)
		assert.ErrorIs(t, err, ErrInvalidState, who)
	}
	_, err = f.svc.SendMessage(ctx, d.Chat.ID, "A", "", []model.Upload{textUpload("a.txt", "x")})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, before, f.blobCount(t))
}

func TestRejectChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "A")

	assert.ErrorIs(t, f.svc.RejectChat(ctx, d.Chat.ID, "D"), ErrForbidden)
	assert.ErrorIs(t, f.svc.RejectChat(ctx, "missing", "B"), ErrNotFound)
	require.NoError(t, f.svc.RejectChat(ctx, d.Chat.ID, "B"))

	_, err := f.svc.GetChatByID(ctx, d.Chat.ID, "A")
	assert.ErrorIs(t, err, ErrNotFound)

	d2 := f.open(t, "A")
	_, err = f.svc.AcceptChat(ctx, d2.Chat.ID, "B")
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.RejectChat(ctx, d2.Chat.ID, "C"), ErrInvalidState)
}

func TestDeleteChatRemovesBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.svc.CreateChat(ctx, "A", "TI", "anexo", []model.Upload{textUpload("a.txt", "um"), textUpload("b.txt", "dois")})
	require.NoError(t, err)
	assert.Equal(t, 2, f.blobCount(t))

	assert.ErrorIs(t, f.svc.DeleteChat(ctx, d.Chat.ID, "B"), ErrForbidden)
	require.NoError(t, f.svc.DeleteChat(ctx, d.Chat.ID, "A"))
	assert.Equal(t, 0, f.blobCount(t))
	assert.ErrorIs(t, f.svc.DeleteChat(ctx, d.Chat.ID, "A"), ErrNotFound)
}

func TestDeleteByDepartmentInAnyStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "A")
	_, err := f.svc.AcceptChat(ctx, d.Chat.ID, "B")
	require.NoError(t, err)
	_, err = f.svc.CloseChat(ctx, d.Chat.ID, "B")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteChat(ctx, d.Chat.ID, "C"))
	_, err = f.store.GetChatHeader(ctx, d.Chat.ID)
	assert.Error(t, err)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "A")
	_, err := f.svc.SendMessage(ctx, d.Chat.ID, "B", "Olá", nil)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, d.Chat.ID, "B", "Como posso ajudar?", nil)
	require.NoError(t, err)

	n, err := f.svc.UnreadCount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	changed, err := f.svc.MarkMessagesAsRead(ctx, d.Chat.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)
	n1, err := f.svc.UnreadCount(ctx, "A")
	require.NoError(t, err)

	changed, err = f.svc.MarkMessagesAsRead(ctx, d.Chat.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(0), changed)
	n2, err := f.svc.UnreadCount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, n1)
	assert.Equal(t, n1, n2)

	got, err := f.svc.GetChatByID(ctx, d.Chat.ID, "A")
	require.NoError(t, err)
	for _, m := range got.Messages {
		if m.SenderID == "B" {
			assert.True(t, m.IsRead)
			assert.NotNil(t, m.ReadAt)
		}
	}
	// the initiator's own message stays unread for the other side
	assert.False(t, got.Messages[0].IsRead)

	_, err = f.svc.MarkMessagesAsRead(ctx, "missing", "A")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.MarkMessagesAsRead(ctx, d.Chat.ID, "D")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestUnreadCountScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	accepted := f.open(t, "A")
	_, err := f.svc.SendMessage(ctx, accepted.Chat.ID, "B", "resposta", nil)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, accepted.Chat.ID, "A", "obrigada", nil)
	require.NoError(t, err)

	// pending chats do not count
	pending := f.open(t, "A")
	_ = pending

	// a chat A has nothing to do with
	other, err := f.svc.CreateChat(ctx, "B", "Financeiro", "reembolso", nil)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, other.Chat.ID, "D", "recebido", nil)
	require.NoError(t, err)

	nA, err := f.svc.UnreadCount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, nA, "only B's reply in the accepted chat")

	// B's department sees A's unread messages in the accepted chat (2),
	// B's own chat to Financeiro carries D's reply (1).
	nB, err := f.svc.UnreadCount(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, 3, nB)

	nD, err := f.svc.UnreadCount(ctx, "D")
	require.NoError(t, err)
	assert.Equal(t, 1, nD, "B's opening message")

	n, err := f.svc.UnreadCount(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestListsAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.open(t, "A")
	second := f.open(t, "D")
	_, err := f.svc.CreateChat(ctx, "A", "TI", "senha", nil)
	require.NoError(t, err)

	pending, err := f.svc.ListPending(ctx, "B")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, second.Chat.ID, pending[0].Chat.ID, "newest activity first")

	count, err := f.svc.PendingCount(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = f.svc.PendingCount(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	empty, err := f.svc.ListPending(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = f.svc.AcceptChat(ctx, first.Chat.ID, "B")
	require.NoError(t, err)

	activeA, err := f.svc.ListActive(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, activeA, 2, "accepted Jurídico chat plus pending TI chat")

	activeC, err := f.svc.ListActive(ctx, "C")
	require.NoError(t, err)
	require.Len(t, activeC, 1)
	assert.Equal(t, first.Chat.ID, activeC[0].Chat.ID)

	_, err = f.svc.CloseChat(ctx, first.Chat.ID, "C")
	require.NoError(t, err)

	closedA, err := f.svc.ListClosed(ctx, "A")
	require.NoError(t, err)
	require.Len(t, closedA, 1)
	closedB, err := f.svc.ListClosed(ctx, "B")
	require.NoError(t, err)
	require.Len(t, closedB, 1)
	closedD, err := f.svc.ListClosed(ctx, "D")
	require.NoError(t, err)
	assert.Empty(t, closedD)

	_, err = f.svc.ListActive(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestGetChatByIDAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "A")

	_, err := f.svc.GetChatByID(ctx, d.Chat.ID, "D")
	assert.ErrorIs(t, err, ErrForbidden)
	got, err := f.svc.GetChatByID(ctx, d.Chat.ID, "C")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCount)
	_, err = f.svc.GetChatByID(ctx, "missing", "A")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendChecksChatBeforePayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, "missing", "A", "", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	d := f.open(t, "A")
	_, err = f.svc.SendMessage(ctx, d.Chat.ID, "D", "  ", nil)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.AcceptChat(ctx, d.Chat.ID, "B")
	require.NoError(t, err)
	_, err = f.svc.CloseChat(ctx, d.Chat.ID, "B")
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, d.Chat.ID, "A", "", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUploadLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var many []model.Upload
	for i := 0; i < 6; i++ {
		many = append(many, textUpload("f.txt", "x"))
	}
	_, err := f.svc.CreateChat(ctx, "A", "TI", "arquivos", many)
	assert.ErrorIs(t, err, ErrTooManyFiles)

	big := model.Upload{FileName: "big.pdf", Size: 11 << 20, Content: strings.NewReader("")}
	_, err = f.svc.CreateChat(ctx, "A", "TI", "arquivo", []model.Upload{big})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = f.svc.CreateChat(ctx, "A", "TI", "script", []model.Upload{textUpload("ok.txt", "fine"), textUpload("run.sh", "rm -rf /")})
	assert.ErrorIs(t, err, ErrInvalidFile)
	assert.Equal(t, 0, f.blobCount(t), "blobs written before the failure are removed")
}

func TestOpenAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.svc.CreateChat(ctx, "A", "Jurídico", "", []model.Upload{textUpload("holerite.txt", "salário")})
	require.NoError(t, err)
	key := d.Messages[0].Attachments[0].FileKey

	att, rc, err := f.svc.OpenAttachment(ctx, "C", key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "salário", string(body))
	assert.Equal(t, "holerite.txt", att.FileName)

	_, _, err = f.svc.OpenAttachment(ctx, "D", key)
	assert.ErrorIs(t, err, ErrForbidden)
	_, _, err = f.svc.OpenAttachment(ctx, "A", "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}
