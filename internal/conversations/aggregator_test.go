package conversations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/realtime"
)

type fakeSubscription struct {
	events chan models.ChangeEvent
}

func (s *fakeSubscription) Events() <-chan models.ChangeEvent { return s.events }
func (s *fakeSubscription) State() realtime.SubscriptionState { return realtime.StateSubscribed }
func (s *fakeSubscription) Close() error                      { return nil }

type fakeFeed struct {
	sub        *fakeSubscription
	lastFilter realtime.Filter
}

func (f *fakeFeed) Subscribe(_ context.Context, filter realtime.Filter) (realtime.Subscription, error) {
	f.lastFilter = filter
	return f.sub, nil
}

func summariesFixture() []models.ConversationSummary {
	return []models.ConversationSummary{
		{ConversationID: 2, PeerID: "user-b", LastMessage: "see you", Unread: 2, UpdatedAt: time.Now()},
		{ConversationID: 1, PeerID: "user-c", LastMessage: "[Media]", Unread: 0, UpdatedAt: time.Now().Add(-time.Hour)},
	}
}

func newTestAggregator(t *testing.T, convs *mocks.ConversationRepositoryMock, users *mocks.UserRepositoryMock, feed realtime.Feed) *Aggregator {
	t.Helper()
	return NewAggregator("user-a", convs, realtime.NewNameCache(users), feed, zap.NewNop())
}

func TestAggregatorRefreshEnrichesPeers(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	users := new(mocks.UserRepositoryMock)
	convs.On("ListForUser", mocks.AnyContext, "user-a").Return(summariesFixture(), nil)
	users.On("BulkGet", mocks.AnyContext, []string{"user-b", "user-c"}).Return([]models.User{
		{ID: "user-b", Username: "bonnie", ProfilePhoto: "https://cdn.example/b.png"},
		{ID: "user-c", Username: "carol"},
	}, nil)

	agg := newTestAggregator(t, convs, users, &fakeFeed{})
	list, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "bonnie", list[0].PeerName)
	assert.Equal(t, "https://cdn.example/b.png", list[0].PeerPhoto)
	assert.Equal(t, 2, list[0].Unread)
	assert.Equal(t, "carol", list[1].PeerName)
	convs.AssertExpectations(t)
	users.AssertExpectations(t)
}

func TestAggregatorRefreshSurvivesProfileLookupFailure(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	users := new(mocks.UserRepositoryMock)
	convs.On("ListForUser", mocks.AnyContext, "user-a").Return(summariesFixture(), nil)
	users.On("BulkGet", mocks.AnyContext, []string{"user-b", "user-c"}).Return(nil, assert.AnError)

	agg := newTestAggregator(t, convs, users, &fakeFeed{})
	list, err := agg.Refresh(context.Background())
	require.NoError(t, err, "enrichment is best-effort")
	require.Len(t, list, 2)
	assert.Empty(t, list[0].PeerName)
	assert.Equal(t, "see you", list[0].LastMessage)
}

func TestAggregatorSearch(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	users := new(mocks.UserRepositoryMock)
	convs.On("ListForUser", mocks.AnyContext, "user-a").Return(summariesFixture(), nil)
	users.On("BulkGet", mocks.AnyContext, []string{"user-b", "user-c"}).Return([]models.User{
		{ID: "user-b", Username: "Bonnie"},
		{ID: "user-c", Username: "Carol"},
	}, nil)

	agg := newTestAggregator(t, convs, users, &fakeFeed{})
	_, err := agg.Refresh(context.Background())
	require.NoError(t, err)

	matched := agg.Search("ONn")
	require.Len(t, matched, 1)
	assert.Equal(t, "Bonnie", matched[0].PeerName)

	assert.Len(t, agg.Search("  "), 2, "blank query returns everything")
	assert.Empty(t, agg.Search("zelda"))
}

func TestAggregatorRunRefreshesOnFeedEvent(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	users := new(mocks.UserRepositoryMock)
	convs.On("ListForUser", mocks.AnyContext, "user-a").Return(summariesFixture(), nil)
	users.On("BulkGet", mocks.AnyContext, []string{"user-b", "user-c"}).Return([]models.User{}, nil)

	feed := &fakeFeed{sub: &fakeSubscription{events: make(chan models.ChangeEvent, 1)}}
	agg := newTestAggregator(t, convs, users, feed)
	ticks, cancelObs := agg.Observe()
	defer cancelObs()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	// Initial refresh fires one tick.
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("no tick after initial refresh")
	}

	feed.sub.events <- models.ChangeEvent{Type: models.EventUpdate, Table: "conversations"}
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("no tick after feed event")
	}
	assert.Equal(t, "conversations", feed.lastFilter.Table)
	assert.Equal(t, "user-a", feed.lastFilter.Participant)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	convs.AssertNumberOfCalls(t, "ListForUser", 2)
}

func TestAggregatorObserveCancelStopsTicks(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	users := new(mocks.UserRepositoryMock)
	convs.On("ListForUser", mocks.AnyContext, "user-a").Return([]models.ConversationSummary{}, nil)

	agg := newTestAggregator(t, convs, users, &fakeFeed{})
	ticks, cancelObs := agg.Observe()
	cancelObs()

	_, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	select {
	case <-ticks:
		t.Fatal("cancelled observer still received a tick")
	default:
	}
}
