package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func remote(id int64, sender, body string, offset time.Duration) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: 7,
		SenderID:       sender,
		Body:           body,
		Status:         models.StatusSent,
		CreatedAt:      base.Add(offset),
	}
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestReconcileOrderIndependence(t *testing.T) {
	msgs := []models.Message{
		remote(1, "a", "one", 0),
		remote(2, "b", "two", time.Second),
		remote(3, "a", "three", 2*time.Second),
		remote(4, "b", "four", 2*time.Second), // same timestamp, id breaks tie
	}
	perms := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
		{1, 3, 0, 2},
	}

	for _, perm := range perms {
		s := New(7, nil)
		for _, i := range perm {
			s.ReconcileRemote(msgs[i])
		}
		assert.Equal(t, []int64{1, 2, 3, 4}, ids(s.Snapshot()), "permutation %v", perm)
	}
}

func TestReconcileReplayIsIdempotent(t *testing.T) {
	s := New(7, nil)
	m := remote(5, "a", "hello", 0)

	s.ReconcileRemote(m)
	first := s.Snapshot()
	s.ReconcileRemote(m)
	s.ReconcileRemote(m)

	assert.Equal(t, first, s.Snapshot())
	assert.Equal(t, 1, s.Len())
}

func TestReconcileRemoteSortsPastReplayedEcho(t *testing.T) {
	s := New(7, nil)
	s.Seed([]models.Message{remote(1, "a", "one", time.Minute)})

	// Outbox replay: the echo carries its original, much older timestamp.
	_, err := s.AppendOptimistic(models.Message{SenderID: "b", Body: "stale", CreatedAt: base})
	require.NoError(t, err)

	s.ReconcileRemote(remote(2, "a", "between", 30*time.Second))

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{2, 1, 0}, ids(snap), "remote row sorts into the confirmed prefix, echo stays at the tail")
	assert.True(t, snap[2].IsEcho())
}

func TestOptimisticThenEchoSingleBubble(t *testing.T) {
	s := New(7, nil)
	key, err := s.AppendOptimistic(models.Message{SenderID: "a", Body: "hi"})
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.StatusPending, snap[0].Status)

	echo := remote(42, "a", "hi", 0)
	echo.CreatedAt = snap[0].CreatedAt.Add(300 * time.Millisecond)
	echo.CorrelationKey = key
	s.ReconcileRemote(echo)

	snap = s.Snapshot()
	require.Len(t, snap, 1, "echo must replace the optimistic entry, not duplicate it")
	assert.Equal(t, int64(42), snap[0].ID)
	assert.Equal(t, models.StatusSent, snap[0].Status)
	assert.Equal(t, "hi", snap[0].Body)
}

func TestEchoMatchWithoutCorrelationKey(t *testing.T) {
	s := New(7, nil)
	_, err := s.AppendOptimistic(models.Message{SenderID: "a", Body: "hi"})
	require.NoError(t, err)

	echo := remote(42, "a", "hi", 0)
	echo.CreatedAt = s.Snapshot()[0].CreatedAt.Add(time.Second)
	s.ReconcileRemote(echo)

	require.Equal(t, 1, s.Len())
	assert.Equal(t, int64(42), s.Snapshot()[0].ID)
}

func TestEchoNoMatchOutsideWindow(t *testing.T) {
	s := New(7, nil)
	_, err := s.AppendOptimistic(models.Message{SenderID: "a", Body: "hi"})
	require.NoError(t, err)

	late := remote(42, "a", "hi", 0)
	late.CreatedAt = s.Snapshot()[0].CreatedAt.Add(time.Minute)
	s.ReconcileRemote(late)

	assert.Equal(t, 2, s.Len(), "a row outside the proximity window is a distinct message")
}

func TestStatusMonotonic(t *testing.T) {
	s := New(7, nil)
	s.ReconcileRemote(remote(1, "a", "x", 0))

	require.NoError(t, s.ApplyStatusUpdate(1, models.StatusRead))

	err := s.ApplyStatusUpdate(1, models.StatusSent)
	require.Error(t, err)

	got, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.StatusRead, got.Status)
}

func TestStatusUpdateForAbsentMessageIsNoop(t *testing.T) {
	s := New(7, nil)
	require.NoError(t, s.ApplyStatusUpdate(99, models.StatusRead))
	assert.Equal(t, 0, s.Len())
}

func TestRemoveIdempotent(t *testing.T) {
	s := New(7, nil)
	s.ReconcileRemote(remote(1, "a", "x", 0))

	s.Remove(1)
	assert.Equal(t, 0, s.Len())
	s.Remove(1)
	assert.Equal(t, 0, s.Len())
}

func TestAppendOptimisticRejectsEmptyDraft(t *testing.T) {
	s := New(7, nil)
	_, err := s.AppendOptimistic(models.Message{SenderID: "a"})
	require.Error(t, err)
}

func TestSeedRetainsEchoes(t *testing.T) {
	s := New(7, nil)
	_, err := s.AppendOptimistic(models.Message{SenderID: "a", Body: "pending"})
	require.NoError(t, err)

	s.Seed([]models.Message{remote(1, "b", "old", 0)})

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].ID)
	assert.True(t, snap[1].IsEcho())
}

func TestMergeKeepsEnrichment(t *testing.T) {
	s := New(7, nil)
	m := remote(1, "b", "x", 0)
	m.SenderName = "bob"
	s.ReconcileRemote(m)

	replay := remote(1, "b", "x", 0)
	replay.Status = models.StatusDelivered
	s.ReconcileRemote(replay)

	got, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, "bob", got.SenderName)
	assert.Equal(t, models.StatusDelivered, got.Status)
}
