package gui

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zk/snapreport/internal/logger"
	"github.com/zk/snapreport/internal/tree"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(4, nil)
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubC()
	assert.Equal(t, 2, b.Subscribers())

	b.Emit(ClientEvent{Type: EventEnd})
	assert.Equal(t, EventEnd, (<-a).Type)
	assert.Equal(t, EventEnd, (<-c).Type)

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	log := logger.NewTestLogger()
	b := NewBroadcaster(1, log)
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Emit(ClientEvent{Type: EventBeginState})
	b.Emit(ClientEvent{Type: EventTestResult})

	assert.Equal(t, EventBeginState, (<-ch).Type)
	assert.True(t, log.Contains("WARN", "dropping TEST_RESULT"))
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(0, nil)
	ch, unsub := b.Subscribe()
	b.Close()
	unsub()

	_, open := <-ch
	assert.False(t, open)

	late, _ := b.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed channel")
}

func TestClientEvent_JSON(t *testing.T) {
	data, err := json.Marshal(ClientEvent{Type: EventBeginSuite, Data: &BeginSuite{SuiteID: "A", Status: tree.StatusRunning}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"BEGIN_SUITE","data":{"suiteId":"A","status":"running"}}`, string(data))

	data, err = json.Marshal(ClientEvent{Type: EventEnd})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"END"}`, string(data))
}
