package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-sync/internal/faults"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/outbox"
	"chat-sync/internal/push"
	"chat-sync/internal/realtime"
	"chat-sync/internal/uploader"
)

type fakeSubscription struct {
	events chan models.ChangeEvent
}

func (s *fakeSubscription) Events() <-chan models.ChangeEvent { return s.events }
func (s *fakeSubscription) State() realtime.SubscriptionState { return realtime.StateSubscribed }
func (s *fakeSubscription) Close() error                      { return nil }

type fakeFeed struct {
	sub *fakeSubscription
}

func (f *fakeFeed) Subscribe(context.Context, realtime.Filter) (realtime.Subscription, error) {
	if f.sub == nil {
		f.sub = &fakeSubscription{events: make(chan models.ChangeEvent, 8)}
	}
	return f.sub, nil
}

type fixture struct {
	convs *mocks.ConversationRepositoryMock
	msgs  *mocks.MessageRepositoryMock
	users *mocks.UserRepositoryMock
	blobs *mocks.ObjectStorageMock
	feed  *fakeFeed
	deps  Deps
}

func newFixture(t *testing.T, history []models.Message) *fixture {
	t.Helper()
	f := &fixture{
		convs: new(mocks.ConversationRepositoryMock),
		msgs:  new(mocks.MessageRepositoryMock),
		users: new(mocks.UserRepositoryMock),
		blobs: new(mocks.ObjectStorageMock),
		feed:  &fakeFeed{sub: &fakeSubscription{events: make(chan models.ChangeEvent, 8)}},
	}
	f.convs.On("Get", mocks.AnyContext, int64(1)).
		Return(models.Conversation{ID: 1, ParticipantA: "user-a", ParticipantB: "user-b"}, nil).Maybe()
	f.msgs.On("ListByConversation", mocks.AnyContext, int64(1)).Return(history, nil).Once()
	f.users.On("BulkGet", mocks.AnyContext, mock.Anything).Return([]models.User{
		{ID: "user-a", Username: "alice"},
		{ID: "user-b", Username: "bob"},
	}, nil).Maybe()

	f.deps = Deps{
		Feed:          f.feed,
		Messages:      f.msgs,
		Conversations: f.convs,
		Uploader:      uploader.New(f.blobs, zap.NewNop()),
		Blobs:         f.blobs,
		Names:         realtime.NewNameCache(f.users),
		Log:           zap.NewNop(),
	}
	return f
}

// expectDeliveredMark arms the batched delivered advancement Open performs.
func (f *fixture) expectDeliveredMark(ids []int64) {
	f.msgs.On("MarkBatch", mocks.AnyContext, int64(1), "user-a", models.StatusDelivered).
		Return(ids, nil).Once()
}

func (f *fixture) open(t *testing.T) *Session {
	t.Helper()
	sess, err := Open(context.Background(), "user-a", 1, f.deps)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func foreignMessage(id int64, body string, status models.DeliveryStatus) models.Message {
	return models.Message{
		ID: id, ConversationID: 1, SenderID: "user-b", Body: body,
		Status: status, CreatedAt: time.Date(2025, 3, 1, 10, 0, int(id), 0, time.UTC),
	}
}

func TestSessionOpenMarksForeignDelivered(t *testing.T) {
	f := newFixture(t, []models.Message{foreignMessage(1, "hi", models.StatusSent)})
	f.expectDeliveredMark([]int64{1})

	sess := f.open(t)
	snapshot := sess.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, models.StatusDelivered, snapshot[0].Status)
	assert.Equal(t, "bob", snapshot[0].SenderName)
	f.msgs.AssertExpectations(t)
}

func TestSessionSubscribeCancelClosesChannel(t *testing.T) {
	f := newFixture(t, nil)
	f.expectDeliveredMark(nil)
	sess := f.open(t)

	events, cancel := sess.Subscribe()
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "cancel must close the observer channel")
	case <-time.After(time.Second):
		t.Fatal("observer channel still open after cancel")
	}

	cancel() // second cancel is a no-op

	// Remaining observers keep receiving.
	other, cancelOther := sess.Subscribe()
	defer cancelOther()
	ack := models.Message{
		ID: 3, ConversationID: 1, SenderID: "user-a", Body: "hi",
		Status: models.StatusSent, CreatedAt: time.Now().UTC(),
	}
	f.msgs.On("Insert", mocks.AnyContext, mock.AnythingOfType("models.Message")).Return(ack, nil).Once()
	f.convs.On("TouchPreview", mocks.AnyContext, int64(1), "hi").Return(nil)
	_, err := sess.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	select {
	case ev := <-other:
		assert.Equal(t, "snapshot", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("live observer received nothing")
	}
}

func TestSessionSendOptimisticThenAck(t *testing.T) {
	f := newFixture(t, nil)
	ack := models.Message{
		ID: 42, ConversationID: 1, SenderID: "user-a", Body: "hello",
		Status: models.StatusSent, CreatedAt: time.Now().UTC(),
	}
	f.msgs.On("Insert", mocks.AnyContext, mock.AnythingOfType("models.Message")).Return(ack, nil).Once()
	f.convs.On("TouchPreview", mocks.AnyContext, int64(1), "hello").Return(nil).Once()

	f.expectDeliveredMark(nil)
	sess := f.open(t)
	key, err := sess.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	snapshot := sess.Snapshot()
	require.Len(t, snapshot, 1, "echo and ack collapse into one bubble")
	assert.Equal(t, int64(42), snapshot[0].ID)
	assert.Equal(t, models.StatusSent, snapshot[0].Status)
	assert.Equal(t, key, snapshot[0].CorrelationKey)
	f.convs.AssertExpectations(t)
}

func TestSessionSendNotifiesRecipient(t *testing.T) {
	f := newFixture(t, nil)
	tokens := new(mocks.PushTokenRepositoryMock)
	sender := new(mocks.PushSenderMock)
	f.deps.Notifier = push.NewNotifier(sender, tokens, zap.NewNop())

	ack := models.Message{
		ID: 42, ConversationID: 1, SenderID: "user-a", Body: "hello",
		Status: models.StatusSent, CreatedAt: time.Now().UTC(),
	}
	f.msgs.On("Insert", mocks.AnyContext, mock.AnythingOfType("models.Message")).Return(ack, nil).Once()
	f.convs.On("TouchPreview", mocks.AnyContext, int64(1), "hello").Return(nil)
	tokens.On("Get", mocks.AnyContext, "user-b").Return("ExponentPushToken[abc]", nil).Once()
	sender.On("Send", mocks.AnyContext, "ExponentPushToken[abc]", "alice", "hello",
		map[string]any{"conversation_id": int64(1)}).Return(nil).Once()

	f.expectDeliveredMark(nil)
	sess := f.open(t)
	_, err := sess.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	sender.AssertExpectations(t)
	tokens.AssertExpectations(t)
}

func TestSessionSendFailureLeavesPendingEchoThenRetry(t *testing.T) {
	f := newFixture(t, nil)
	f.msgs.On("Insert", mocks.AnyContext, mock.AnythingOfType("models.Message")).
		Return(models.Message{}, errors.New("connection reset")).Once()

	f.expectDeliveredMark(nil)
	sess := f.open(t)
	key, err := sess.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.True(t, faults.IsNetwork(err))
	require.NotEmpty(t, key, "echo survives the failed write")

	snapshot := sess.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, models.StatusPending, snapshot[0].Status)
	assert.True(t, snapshot[0].IsEcho())

	ack := models.Message{
		ID: 42, ConversationID: 1, SenderID: "user-a", Body: "hello",
		Status: models.StatusSent, CreatedAt: time.Now().UTC(),
	}
	f.msgs.On("Insert", mocks.AnyContext, mock.AnythingOfType("models.Message")).Return(ack, nil).Once()
	f.convs.On("TouchPreview", mocks.AnyContext, int64(1), "hello").Return(nil)

	require.NoError(t, sess.RetrySend(context.Background(), key))
	snapshot = sess.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, int64(42), snapshot[0].ID)
	assert.Equal(t, models.StatusSent, snapshot[0].Status)
}

func TestSessionRetrySendUnknownKey(t *testing.T) {
	f := newFixture(t, nil)
	f.expectDeliveredMark(nil)
	sess := f.open(t)
	err := sess.RetrySend(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestSessionUploadFailureAppendsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.blobs.On("Put", mocks.AnyContext, mock.Anything, mock.Anything, "image/png").
		Return("", &faults.UploadError{Stage: faults.StagePermission, Err: errors.New("forbidden")}).Once()

	f.expectDeliveredMark(nil)
	sess := f.open(t)
	_, err := sess.Send(context.Background(), "", &AttachmentDraft{
		Data: []byte{1, 2, 3}, ContentType: "image/png", Name: "a.png",
	})
	require.Error(t, err)
	ue, ok := faults.AsUpload(err)
	require.True(t, ok)
	assert.Equal(t, faults.StagePermission, ue.Stage)
	assert.Empty(t, sess.Snapshot(), "a failed upload leaves no half-sent bubble")

	// The retry recovers from a transient transfer fault and lands one bubble.
	publicURL := "https://cdn.example/chat-media/1/a.png"
	f.blobs.On("Put", mocks.AnyContext, mock.Anything, mock.Anything, "image/png").
		Return("", &faults.UploadError{Stage: faults.StageTransfer, Err: errors.New("timeout")}).Once()
	f.blobs.On("Put", mocks.AnyContext, mock.Anything, mock.Anything, "image/png").
		Return(publicURL, nil).Once()

	ack := models.Message{
		ID: 42, ConversationID: 1, SenderID: "user-a",
		Status: models.StatusSent, CreatedAt: time.Now().UTC(),
		Attachment: &models.Attachment{URL: publicURL, Type: "image"},
	}
	f.msgs.On("Insert", mocks.AnyContext, mock.AnythingOfType("models.Message")).Return(ack, nil).Once()
	f.convs.On("TouchPreview", mocks.AnyContext, int64(1), "[Media]").Return(nil).Once()

	_, err = sess.Send(context.Background(), "", &AttachmentDraft{
		Data: []byte{1, 2, 3}, ContentType: "image/png", Name: "a.png",
	})
	require.NoError(t, err)
	snapshot := sess.Snapshot()
	require.Len(t, snapshot, 1)
	require.NotNil(t, snapshot[0].Attachment)
	assert.Equal(t, publicURL, snapshot[0].Attachment.URL)
	f.blobs.AssertExpectations(t)
}

func TestSessionDeleteMessageRemovesBlobOnce(t *testing.T) {
	own := models.Message{
		ID: 7, ConversationID: 1, SenderID: "user-a",
		Status: models.StatusSent, CreatedAt: time.Now().UTC(),
		Attachment: &models.Attachment{
			URL: "https://cdn.example/chat-media/1/a.png", Type: "image", StoragePath: "1/123_a.png",
		},
	}
	f := newFixture(t, []models.Message{own})
	f.msgs.On("Get", mocks.AnyContext, int64(7)).Return(own, nil).Once()
	f.msgs.On("Delete", mocks.AnyContext, int64(7), "user-a").Return(nil).Once()
	f.blobs.On("Delete", mocks.AnyContext, "1/123_a.png").Return(nil).Once()

	f.expectDeliveredMark(nil)
	sess := f.open(t)
	require.NoError(t, sess.DeleteMessage(context.Background(), 7))
	assert.Empty(t, sess.Snapshot())
	f.blobs.AssertNumberOfCalls(t, "Delete", 1)
	f.msgs.AssertExpectations(t)
}

func TestSessionMarkConversationReadBatches(t *testing.T) {
	history := []models.Message{
		foreignMessage(1, "one", models.StatusSent),
		foreignMessage(2, "two", models.StatusDelivered),
	}
	f := newFixture(t, history)
	f.msgs.On("MarkBatch", mocks.AnyContext, int64(1), "user-a", models.StatusRead).
		Return([]int64{1, 2}, nil).Once()

	f.expectDeliveredMark([]int64{1})
	sess := f.open(t)
	require.NoError(t, sess.MarkConversationRead(context.Background()))

	for _, msg := range sess.Snapshot() {
		assert.Equal(t, models.StatusRead, msg.Status)
	}
	f.msgs.AssertNumberOfCalls(t, "MarkBatch", 2) // delivered on open, read on demand
}

func TestSessionFeedInsertMarksDelivered(t *testing.T) {
	f := newFixture(t, nil)
	f.expectDeliveredMark(nil)
	sess := f.open(t)

	f.msgs.On("MarkBatch", mocks.AnyContext, int64(1), "user-a", models.StatusDelivered).
		Return([]int64{9}, nil)

	events, cancel := sess.Subscribe()
	defer cancel()

	incoming := foreignMessage(9, "surprise", models.StatusSent)
	f.feed.sub.events <- models.ChangeEvent{Type: models.EventInsert, Table: "messages", Message: &incoming}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if len(event.Messages) == 1 && event.Messages[0].Status == models.StatusDelivered {
				assert.Equal(t, int64(9), event.Messages[0].ID)
				return
			}
		case <-deadline:
			t.Fatal("delivered status never observed")
		}
	}
}

func TestSessionOutboxReplayOnOpen(t *testing.T) {
	ob, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer ob.Close()

	stranded := models.Message{
		ConversationID: 1, SenderID: "user-a", Body: "stranded",
		CorrelationKey: "key-1", CreatedAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, ob.Put(context.Background(), stranded))

	f := newFixture(t, nil)
	f.deps.Outbox = ob
	f.expectDeliveredMark(nil)
	sess := f.open(t)

	snapshot := sess.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, models.StatusPending, snapshot[0].Status)
	assert.Equal(t, "key-1", snapshot[0].CorrelationKey)

	ack := models.Message{
		ID: 42, ConversationID: 1, SenderID: "user-a", Body: "stranded",
		CorrelationKey: "key-1", Status: models.StatusSent, CreatedAt: time.Now().UTC(),
	}
	f.msgs.On("Insert", mocks.AnyContext, mock.AnythingOfType("models.Message")).Return(ack, nil).Once()
	f.convs.On("TouchPreview", mocks.AnyContext, int64(1), "stranded").Return(nil)

	require.NoError(t, sess.RetrySend(context.Background(), "key-1"))

	remaining, err := ob.Pending(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, remaining, "acknowledged send leaves the outbox")
}
