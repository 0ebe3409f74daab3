package repository_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deptchat/internal/model"
	"github.com/deptchat/internal/repository"
	"github.com/deptchat/internal/startup"
	"github.com/deptchat/migrations"
)

var testPool *pgxpool.Pool

// TestMain поднимает встроенный Postgres только при DEPTCHAT_PG_TESTS=1.
func TestMain(m *testing.M) {
	if os.Getenv("DEPTCHAT_PG_TESTS") != "1" {
		os.Exit(m.Run())
	}
	dataDir, err := os.MkdirTemp("", "deptchat-pg-*")
	if err != nil {
		panic(err)
	}
	emb := startup.DefaultEmbedded()
	emb.Port = 54329
	emb.DataDir = dataDir
	pg, err := emb.Start()
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, emb.URL())
	if err == nil {
		err = migrations.Apply(ctx, pool)
	}
	code := 1
	if err == nil {
		testPool = pool
		code = m.Run()
	}
	if pool != nil {
		pool.Close()
	}
	_ = pg.Stop()
	_ = os.RemoveAll(dataDir)
	if err != nil {
		panic(err)
	}
	os.Exit(code)
}

func newStore(t *testing.T) *repository.Store {
	t.Helper()
	if testPool == nil {
		t.Skip("set DEPTCHAT_PG_TESTS=1 to run PostgreSQL integration tests")
	}
	return repository.NewStore(testPool)
}

func newChat(t *testing.T, st *repository.Store, initiator, dept string, atts ...model.Attachment) *model.Chat {
	t.Helper()
	c := &model.Chat{ID: uuid.NewString(), InitiatorID: initiator, RecipientDepartment: dept}
	m := &model.Message{ID: uuid.NewString(), SenderID: initiator, Content: "help", Attachments: atts}
	require.NoError(t, st.CreateChat(context.Background(), c, m))
	return c
}

func att(key string) model.Attachment {
	id, _ := uuid.NewV7()
	return model.Attachment{ID: id.String(), FileName: key, FileURL: "/f/" + key, FileKey: key, FileSize: 3, MimeType: "text/plain"}
}

func TestCreateAndGetChat(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	c := newChat(t, st, "pg-a", "JURIDICO", att(uuid.NewString()+".txt"))

	d, err := st.GetChat(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChatStatusPending, d.Chat.Status)
	require.Len(t, d.Messages, 1)
	require.Len(t, d.Messages[0].Attachments, 1)
	assert.Equal(t, d.Chat.CreatedAt, d.Chat.LastMessageAt)

	_, err = st.GetChat(ctx, uuid.NewString())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAcceptIsExclusive(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	c := newChat(t, st, "pg-a", "TI")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.AcceptChat(ctx, c.ID, uuid.NewString(), time.Now())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	h, err := st.GetChatHeader(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChatStatusAccepted, h.Status)
	require.NotNil(t, h.AcceptedBy)
}

func TestAppendMessageAutoAcceptAndClose(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	c := newChat(t, st, "pg-a", "COMPRAS")

	m := &model.Message{ID: uuid.NewString(), ChatID: c.ID, SenderID: "pg-b", Content: "on it"}
	res, err := st.AppendMessage(ctx, m, "pg-b", time.Now())
	require.NoError(t, err)
	assert.True(t, res.AutoAccepted)
	assert.Equal(t, model.ChatStatusAccepted, res.Status)

	h, err := st.GetChatHeader(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, m.CreatedAt, h.LastMessageAt)

	ok, err := st.CloseChat(ctx, c.ID, "pg-b", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	late := &model.Message{ID: uuid.NewString(), ChatID: c.ID, SenderID: "pg-a", Content: "late"}
	_, err = st.AppendMessage(ctx, late, "", time.Now())
	assert.ErrorIs(t, err, repository.ErrChatClosed)

	missing := &model.Message{ID: uuid.NewString(), ChatID: uuid.NewString(), SenderID: "pg-a", Content: "x"}
	_, err = st.AppendMessage(ctx, missing, "", time.Now())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMarkReadAndCounts(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	initiator := "pg-count-" + uuid.NewString()
	c := newChat(t, st, initiator, "DIRETORIA")

	n, err := st.CountPending(ctx, "DIRETORIA")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	ok, err := st.AcceptChat(ctx, c.ID, "pg-dir", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	reply := &model.Message{ID: uuid.NewString(), ChatID: c.ID, SenderID: "pg-dir", Content: "olá"}
	_, err = st.AppendMessage(ctx, reply, "", time.Now())
	require.NoError(t, err)

	unread, err := st.CountUnread(ctx, initiator, "")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	marked, err := st.MarkRead(ctx, c.ID, initiator, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)
	marked, err = st.MarkRead(ctx, c.ID, initiator, time.Now())
	require.NoError(t, err)
	assert.Zero(t, marked)

	active, err := st.ListActive(ctx, initiator, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Len(t, active[0].Messages, 2)
}

func TestDeleteReturnsAttachmentKeys(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	k1, k2 := uuid.NewString()+".txt", uuid.NewString()+".pdf"
	c := newChat(t, st, "pg-a", "COMERCIAL", att(k1), att(k2))

	a, chatID, err := st.GetAttachmentByKey(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, c.ID, chatID)
	assert.Equal(t, k1, a.FileKey)

	ok, err := st.AcceptChat(ctx, c.ID, "pg-b", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	_, err = st.DeletePendingChat(ctx, c.ID)
	assert.ErrorIs(t, err, repository.ErrConflict)

	keys, err := st.DeleteChat(ctx, c.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{k1, k2}, keys)

	_, _, err = st.GetAttachmentByKey(ctx, k1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = st.DeleteChat(ctx, c.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAcceptRacesAutoAccept(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c := newChat(t, st, "pg-a", "JURIDICO")
		var (
			won bool
			res repository.AppendResult
			wg  sync.WaitGroup
		)
		m := &model.Message{ID: uuid.NewString(), ChatID: c.ID, SenderID: "pg-y", Content: "assumo"}
		wg.Add(2)
		go func() {
			defer wg.Done()
			var err error
			won, err = st.AcceptChat(ctx, c.ID, "pg-x", time.Now())
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			var err error
			res, err = st.AppendMessage(ctx, m, "pg-y", time.Now())
			assert.NoError(t, err)
		}()
		wg.Wait()

		require.True(t, won != res.AutoAccepted, "exactly one acceptance must win")
		assert.Equal(t, model.ChatStatusAccepted, res.Status)

		h, err := st.GetChatHeader(ctx, c.ID)
		require.NoError(t, err)
		require.NotNil(t, h.AcceptedBy)
		if won {
			assert.Equal(t, "pg-x", *h.AcceptedBy)
		} else {
			assert.Equal(t, "pg-y", *h.AcceptedBy)
		}
		d, err := st.GetChat(ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, d.Messages, 2)
	}
}

func TestCloseRacesSend(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c := newChat(t, st, "pg-a", "TI")
		ok, err := st.AcceptChat(ctx, c.ID, "pg-b", time.Now())
		require.NoError(t, err)
		require.True(t, ok)

		var (
			closed  bool
			sendErr error
			wg      sync.WaitGroup
		)
		m := &model.Message{ID: uuid.NewString(), ChatID: c.ID, SenderID: "pg-a", Content: "mais uma coisa"}
		wg.Add(2)
		go func() {
			defer wg.Done()
			var err error
			closed, err = st.CloseChat(ctx, c.ID, "pg-b", time.Now())
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, sendErr = st.AppendMessage(ctx, m, "", time.Now())
		}()
		wg.Wait()
		require.True(t, closed)

		d, err := st.GetChat(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ChatStatusClosed, d.Chat.Status)
		if sendErr != nil {
			assert.ErrorIs(t, sendErr, repository.ErrChatClosed)
			assert.Len(t, d.Messages, 1)
		} else {
			assert.Len(t, d.Messages, 2)
		}
	}
}

func TestConcurrentAppendsKeepOrder(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	c := newChat(t, st, "pg-a", "COMERCIAL")
	ok, err := st.AcceptChat(ctx, c.ID, "pg-b", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "pg-a"
			if i%2 == 1 {
				sender = "pg-b"
			}
			m := &model.Message{ID: uuid.NewString(), ChatID: c.ID, SenderID: sender, Content: "msg"}
			_, err := st.AppendMessage(ctx, m, "", time.Now())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	d, err := st.GetChat(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, d.Messages, n+1)
	for i := 1; i < len(d.Messages); i++ {
		prev, cur := d.Messages[i-1], d.Messages[i]
		assert.False(t, cur.CreatedAt.Before(prev.CreatedAt), "created_at went backwards at %d", i)
		assert.Greater(t, cur.Seq, prev.Seq)
	}
	assert.Equal(t, d.Messages[n].CreatedAt, d.Chat.LastMessageAt)
}

func TestUserRepository(t *testing.T) {
	if testPool == nil {
		t.Skip("set DEPTCHAT_PG_TESTS=1 to run PostgreSQL integration tests")
	}
	ctx := context.Background()
	users := repository.NewUserRepository(testPool)
	u := &model.User{ID: "pg-user-" + uuid.NewString(), Name: "Rita", Department: "Jurídico"}
	require.NoError(t, users.Upsert(ctx, u))

	got, err := users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jurídico", got.Department)
	assert.Nil(t, got.DisabledAt)

	require.NoError(t, users.SetDisabled(ctx, u.ID, true))
	got, err = users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DisabledAt)

	assert.ErrorIs(t, users.SetDisabled(ctx, "missing-"+uuid.NewString(), true), repository.ErrNotFound)
}
