package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

func TestEngineOpenClosesPreviousSession(t *testing.T) {
	f := newFixture(t, nil)
	f.convs.On("Get", mocks.AnyContext, int64(2)).
		Return(models.Conversation{ID: 2, ParticipantA: "user-a", ParticipantB: "user-c"}, nil)
	f.msgs.On("ListByConversation", mocks.AnyContext, int64(2)).Return(nil, nil).Once()
	f.expectDeliveredMark(nil)
	f.msgs.On("MarkBatch", mocks.AnyContext, int64(2), "user-a", models.StatusDelivered).
		Return([]int64{}, nil).Once()

	engine := NewEngine(f.deps)
	defer engine.Shutdown()

	first, err := engine.OpenConversation(context.Background(), "user-a", 1)
	require.NoError(t, err)
	second, err := engine.OpenConversation(context.Background(), "user-a", 2)
	require.NoError(t, err)

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("previous session still running")
	}

	current, ok := engine.Session("user-a")
	require.True(t, ok)
	assert.Same(t, second, current)
	assert.Equal(t, int64(2), current.ConversationID())
}

func TestEngineConcurrentOpensLeaveOneSession(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.sub = &fakeSubscription{events: make(chan models.ChangeEvent, 8)}
	f.msgs.On("ListByConversation", mocks.AnyContext, int64(1)).Return(nil, nil)
	f.msgs.On("MarkBatch", mocks.AnyContext, int64(1), "user-a", models.StatusDelivered).
		Return([]int64{}, nil)

	engine := NewEngine(f.deps)
	defer engine.Shutdown()

	var wg sync.WaitGroup
	results := make([]*Session, 4)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.OpenConversation(context.Background(), "user-a", 1)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	current, ok := engine.Session("user-a")
	require.True(t, ok)
	for _, sess := range results {
		if sess == current {
			continue
		}
		select {
		case <-sess.done:
		case <-time.After(time.Second):
			t.Fatal("displaced session still running")
		}
	}
}

func TestEngineOpenRejectsNonParticipant(t *testing.T) {
	f := newFixture(t, nil)
	engine := NewEngine(f.deps)
	defer engine.Shutdown()

	_, err := engine.OpenConversation(context.Background(), "user-z", 1)
	assert.ErrorIs(t, err, repositories.ErrConversationNotFound)
}

func TestEngineDeleteConversationRemovesBlobs(t *testing.T) {
	withBlob := models.Message{
		ID: 3, ConversationID: 1, SenderID: "user-a", Status: models.StatusSent,
		Attachment: &models.Attachment{URL: "https://cdn.example/x", StoragePath: "1/123_x.png"},
	}
	textOnly := models.Message{ID: 4, ConversationID: 1, SenderID: "user-b", Body: "bye", Status: models.StatusRead}
	f := newFixture(t, []models.Message{withBlob, textOnly})

	f.convs.On("IsParticipant", mocks.AnyContext, int64(1), "user-a").Return(true, nil).Once()
	f.msgs.On("ListByConversation", mocks.AnyContext, int64(1)).
		Return([]models.Message{withBlob, textOnly}, nil).Once()
	f.convs.On("Delete", mocks.AnyContext, int64(1)).Return(nil).Once()
	f.blobs.On("Delete", mocks.AnyContext, "1/123_x.png").Return(nil).Once()

	engine := NewEngine(f.deps)
	require.NoError(t, engine.DeleteConversation(context.Background(), "user-a", 1))
	f.blobs.AssertNumberOfCalls(t, "Delete", 1)
	f.convs.AssertExpectations(t)
}

func TestEngineDeleteConversationRequiresMembership(t *testing.T) {
	f := newFixture(t, nil)
	f.convs.On("IsParticipant", mocks.AnyContext, int64(1), "user-z").Return(false, nil).Once()

	engine := NewEngine(f.deps)
	err := engine.DeleteConversation(context.Background(), "user-z", 1)
	assert.ErrorIs(t, err, repositories.ErrConversationNotFound)
}

func TestEngineAggregatorIsPerUserSingleton(t *testing.T) {
	f := newFixture(t, nil)
	f.convs.On("ListForUser", mocks.AnyContext, "user-a").Return([]models.ConversationSummary{}, nil)

	engine := NewEngine(f.deps)
	defer engine.Shutdown()

	first := engine.Aggregator("user-a")
	second := engine.Aggregator("user-a")
	assert.Same(t, first, second)
}
