package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsIncreasingIDs(t *testing.T) {
	h := NewHub(4)
	a := h.Publish(TaskQueued, map[string]string{"label": "nav/patrol.launch"})
	b := h.Publish(TaskAssigned, nil)

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)
	assert.Equal(t, int64(2), h.LastID())
	assert.JSONEq(t, `{}`, string(b.Data))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(a.Data, &payload))
	assert.Equal(t, "nav/patrol.launch", payload["label"])
}

func TestRingKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for range 5 {
		h.Publish(SchedulerTick, nil)
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)

	assert.Empty(t, h.SnapshotSince(5))
}

func TestSubscribeReceivesAndCancelCloses(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()

	h.Publish(AgentRegistered, map[string]string{"name": "r1"})
	ev := <-ch
	assert.Equal(t, AgentRegistered, ev.Type)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	h.Publish(AgentEvicted, nil)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(8)
	_, cancel := h.Subscribe()
	defer cancel()

	for range subscriberBuffer + 10 {
		h.Publish(SchedulerTick, nil)
	}
	assert.Equal(t, int64(subscriberBuffer+10), h.LastID())
}
