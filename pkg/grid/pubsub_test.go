package grid

import (
	"sync"
	"testing"

	"github.com/galdor/go-grid/pkg/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	subscriber string
	payload    string
	sourceId   raft.EndpointId
}

type testEventLog struct {
	events []testEvent
	mu     sync.Mutex
}

func (l *testEventLog) handler(subscriber string) func([]byte, raft.EndpointId) {
	return func(payload []byte, sourceId raft.EndpointId) {
		l.mu.Lock()
		l.events = append(l.events, testEvent{
			subscriber: subscriber,
			payload:    string(payload),
			sourceId:   sourceId,
		})
		l.mu.Unlock()
	}
}

func (l *testEventLog) Events() []testEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]testEvent(nil), l.events...)
}

func TestPubSubCfg(t *testing.T) {
	network := raft.NewMemoryNetwork()
	g, err := NewGrid(testGridCfg(network, "a"))
	require.NoError(t, err)

	_, err = g.CreatePubSub("")
	assert.Error(t, err)

	_, err = NewPubSub(g, PubSubCfg[string]{Topic: "test"})
	assert.Error(t, err)

	ps, err := g.CreatePubSub("test")
	require.NoError(t, err)
	assert.Equal(t, "test", ps.Topic())

	_, err = ps.Subscribe("", func([]byte, raft.EndpointId) {})
	assert.Error(t, err)

	_, err = ps.Subscribe("event", nil)
	assert.Error(t, err)
}

func TestPubSubPublish(t *testing.T) {
	network := raft.NewMemoryNetwork()
	grids := newTestGrids(t, network, 2, nil)
	startTestGrids(t, grids...)

	var log1, log2 testEventLog

	ps1, err := grids[0].CreatePubSub("general-channel")
	require.NoError(t, err)

	ps2, err := grids[1].CreatePubSub("general-channel")
	require.NoError(t, err)

	_, err = ps1.Subscribe("event-1", log1.handler("first"))
	require.NoError(t, err)

	_, err = ps1.Subscribe("event-1", log1.handler("second"))
	require.NoError(t, err)

	_, err = ps2.Subscribe("event-1", log2.handler("first"))
	require.NoError(t, err)

	_, err = ps2.Subscribe("event-2", log2.handler("other"))
	require.NoError(t, err)

	err = ps1.Publish(testContext(t), "event-1", []byte("hello from endpoint-1"))
	require.NoError(t, err)

	err = ps2.Publish(testContext(t), "event-1", []byte("hello from endpoint-2"))
	require.NoError(t, err)

	// Local subscribers are called before Publish returns
	assert.Equal(t, []testEvent{
		{"first", "hello from endpoint-1", "endpoint-1"},
		{"second", "hello from endpoint-1", "endpoint-1"},
	}, log1.Events()[:2])

	expected1 := []testEvent{
		{"first", "hello from endpoint-1", "endpoint-1"},
		{"second", "hello from endpoint-1", "endpoint-1"},
		{"first", "hello from endpoint-2", "endpoint-2"},
		{"second", "hello from endpoint-2", "endpoint-2"},
	}

	expected2 := []testEvent{
		{"first", "hello from endpoint-1", "endpoint-1"},
		{"first", "hello from endpoint-2", "endpoint-2"},
	}

	require.Eventually(t, func() bool {
		return len(log1.Events()) == len(expected1) &&
			len(log2.Events()) == len(expected2)
	}, testWaitTimeout, testWaitTick)

	assert.Equal(t, expected1, log1.Events())
	assert.Equal(t, expected2, log2.Events())
}

func TestPubSubTopics(t *testing.T) {
	network := raft.NewMemoryNetwork()
	grids := newTestGrids(t, network, 1, nil)
	startTestGrids(t, grids...)

	var eventLog testEventLog

	ps1, err := grids[0].CreatePubSub("topic-1")
	require.NoError(t, err)

	ps2, err := grids[0].CreatePubSub("topic-2")
	require.NoError(t, err)

	_, err = ps1.Subscribe("event", eventLog.handler("topic-1"))
	require.NoError(t, err)

	require.NoError(t, ps2.Publish(testContext(t), "event", []byte("a")))
	require.NoError(t, ps1.Publish(testContext(t), "event", []byte("b")))

	assert.Equal(t, []testEvent{
		{"topic-1", "b", "endpoint-1"},
	}, eventLog.Events())
}

func TestPubSubUnsubscribe(t *testing.T) {
	network := raft.NewMemoryNetwork()
	grids := newTestGrids(t, network, 1, nil)
	startTestGrids(t, grids...)

	var eventLog testEventLog

	ps, err := grids[0].CreatePubSub("test")
	require.NoError(t, err)

	id1, err := ps.Subscribe("event", eventLog.handler("1"))
	require.NoError(t, err)

	id2, err := ps.Subscribe("event", eventLog.handler("2"))
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)

	require.NoError(t, ps.Publish(testContext(t), "event", []byte("a")))

	assert.True(t, ps.Unsubscribe("event", id1))
	assert.False(t, ps.Unsubscribe("event", id1))
	assert.False(t, ps.Unsubscribe("other-event", id2))

	require.NoError(t, ps.Publish(testContext(t), "event", []byte("b")))

	assert.Equal(t, []testEvent{
		{"1", "a", "endpoint-1"},
		{"2", "a", "endpoint-1"},
		{"2", "b", "endpoint-1"},
	}, eventLog.Events())
}

func TestPubSubCodec(t *testing.T) {
	network := raft.NewMemoryNetwork()
	grids := newTestGrids(t, network, 2, nil)
	startTestGrids(t, grids...)

	type message struct {
		Text  string `json:"text"`
		Count int    `json:"count"`
	}

	received := make(chan message, 1)

	pubSubs := make([]*PubSub[message], 2)
	for i, g := range grids {
		ps, err := NewPubSub(g, PubSubCfg[message]{
			Topic:        "messages",
			PayloadCodec: JSONCodec[message](),
		})
		require.NoError(t, err)

		pubSubs[i] = ps
	}

	_, err := pubSubs[1].Subscribe("message",
		func(msg message, sourceId raft.EndpointId) {
			assert.Equal(t, raft.EndpointId("endpoint-1"), sourceId)
			received <- msg
		})
	require.NoError(t, err)

	sent := message{Text: "hello", Count: 42}
	require.NoError(t, pubSubs[0].Publish(testContext(t), "message", sent))

	select {
	case msg := <-received:
		assert.Equal(t, sent, msg)
	case <-testContext(t).Done():
		require.FailNow(t, "message not received")
	}
}

func TestPubSubSubscriberPanic(t *testing.T) {
	network := raft.NewMemoryNetwork()
	grids := newTestGrids(t, network, 1, nil)
	startTestGrids(t, grids...)

	var eventLog testEventLog

	ps, err := grids[0].CreatePubSub("test")
	require.NoError(t, err)

	_, err = ps.Subscribe("event", func([]byte, raft.EndpointId) {
		panic("subscriber failure")
	})
	require.NoError(t, err)

	_, err = ps.Subscribe("event", eventLog.handler("after"))
	require.NoError(t, err)

	require.NoError(t, ps.Publish(testContext(t), "event", []byte("a")))

	assert.Equal(t, []testEvent{{"after", "a", "endpoint-1"}},
		eventLog.Events())
}
