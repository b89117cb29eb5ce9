package grid

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/galdor/go-grid/pkg/raft"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWaitTimeout = 5 * time.Second
	testWaitTick    = 10 * time.Millisecond
)

func testGridCfg(network *raft.MemoryNetwork, id raft.EndpointId) Cfg {
	return Cfg{
		Id:        id,
		Transport: network.Transport(id),

		MinElectionTimeout: 100 * time.Millisecond,
		MaxElectionTimeout: 200 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,

		RequestTimeout:   testWaitTimeout,
		ResubmitInterval: 500 * time.Millisecond,
	}
}

// newTestGrids creates grids connected to each other on a memory network.
// Grids are not started.
func newTestGrids(t *testing.T, network *raft.MemoryNetwork, size int, cfgFunc func(*Cfg)) []*Grid {
	ids := make([]raft.EndpointId, size)
	for i := range ids {
		ids[i] = raft.EndpointId(fmt.Sprintf("endpoint-%d", i+1))
	}

	grids := make([]*Grid, size)

	for i, id := range ids {
		cfg := testGridCfg(network, id)
		if cfgFunc != nil {
			cfgFunc(&cfg)
		}

		g, err := NewGrid(cfg)
		require.NoError(t, err)

		for _, id2 := range ids {
			if id2 != id {
				g.AddRemoteEndpointId(id2)
			}
		}

		grids[i] = g

		t.Cleanup(g.Stop)
	}

	return grids
}

func startTestGrids(t *testing.T, grids ...*Grid) {
	for _, g := range grids {
		require.NoError(t, g.Start())
	}

	waitForTestLeader(t, grids...)
}

func waitForTestLeader(t *testing.T, grids ...*Grid) raft.EndpointId {
	var leaderId raft.EndpointId

	require.Eventually(t, func() bool {
		leaderId = grids[0].LeaderId()
		if leaderId == "" {
			return false
		}

		for _, g := range grids[1:] {
			if g.LeaderId() != leaderId {
				return false
			}
		}

		return true
	}, testWaitTimeout, testWaitTick)

	return leaderId
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testWaitTimeout)
	t.Cleanup(cancel)

	return ctx
}

func TestGridCfg(t *testing.T) {
	network := raft.NewMemoryNetwork()

	_, err := NewGrid(Cfg{Transport: network.Transport("a")})
	assert.Error(t, err)

	_, err = NewGrid(Cfg{Id: "a"})
	assert.Error(t, err)

	_, err = NewGrid(Cfg{
		Id:               "a",
		Transport:        network.Transport("a"),
		ResubmitInterval: time.Millisecond,
	})
	assert.Error(t, err)

	_, err = NewGrid(Cfg{
		Id:                 "a",
		Transport:          network.Transport("a"),
		MinElectionTimeout: time.Second,
		MaxElectionTimeout: 100 * time.Millisecond,
	})
	assert.Error(t, err)

	g, err := NewGrid(Cfg{Id: "a", Transport: network.Transport("a")})
	require.NoError(t, err)

	assert.Equal(t, raft.EndpointId("a"), g.LocalEndpointId())
	assert.Equal(t, 10*time.Second, g.Cfg.RequestTimeout)
	assert.Equal(t, g.Cfg.MaxElectionTimeout, g.Cfg.ResubmitInterval)
	assert.Len(t, g.window.ring, DeduplicationWindow)
}

func TestGridLeaderChanged(t *testing.T) {
	network := raft.NewMemoryNetwork()
	grids := newTestGrids(t, network, 2, nil)

	var mu sync.Mutex
	leaders := make(map[raft.EndpointId]raft.EndpointId)

	for _, g := range grids {
		g := g

		g.OnLeaderChanged(func(ev LeaderChangedEvent) {
			mu.Lock()
			leaders[g.LocalEndpointId()] = ev.ActualLeaderId
			mu.Unlock()
		})
	}

	for _, g := range grids {
		require.NoError(t, g.Start())
	}

	assert.Error(t, grids[0].Start())

	for _, g := range grids {
		leaderId, err := g.WaitForLeader(testContext(t))
		require.NoError(t, err)
		assert.NotEmpty(t, leaderId)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		l1 := leaders["endpoint-1"]
		l2 := leaders["endpoint-2"]

		return l1 != "" && l1 == l2
	}, testWaitTimeout, testWaitTick)

	status := grids[0].Status()
	assert.Equal(t, 2, status.Server.Members)
	require.Len(t, status.Endpoints, 1)
	assert.Equal(t, raft.EndpointId("endpoint-2"), status.Endpoints[0].Id)
}

func TestGridLeaderLost(t *testing.T) {
	network := raft.NewMemoryNetwork()
	g, err := NewGrid(testGridCfg(network, "a"))
	require.NoError(t, err)

	var events []LeaderChangedEvent
	g.OnLeaderChanged(func(ev LeaderChangedEvent) {
		events = append(events, ev)
	})

	g.onLeaderChanged(LeaderChangedEvent{ActualLeaderId: "b", Term: 1})
	assert.Equal(t, raft.EndpointId("b"), g.LeaderId())

	g.onLeaderChanged(LeaderChangedEvent{PrevLeaderId: "b", Term: 2})
	assert.Equal(t, raft.EndpointId(""), g.LeaderId())

	require.Len(t, events, 2)
	assert.Equal(t, raft.EndpointId("b"), events[0].ActualLeaderId)
	assert.Equal(t, raft.EndpointId("b"), events[1].PrevLeaderId)
	assert.Empty(t, events[1].ActualLeaderId)

	// Without a leader, waiting blocks again
	ctx, cancel := context.WithTimeout(context.Background(),
		50*time.Millisecond)
	defer cancel()

	_, err = g.WaitForLeader(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGridWaitForLeaderCanceled(t *testing.T) {
	network := raft.NewMemoryNetwork()
	grids := newTestGrids(t, network, 2, nil)

	// Without its peer, the first endpoint cannot be elected
	require.NoError(t, grids[0].Start())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := grids[0].WaitForLeader(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGridRequestTimeout(t *testing.T) {
	network := raft.NewMemoryNetwork()
	grids := newTestGrids(t, network, 2, func(cfg *Cfg) {
		cfg.RequestTimeout = 500 * time.Millisecond
	})

	require.NoError(t, grids[0].Start())

	storage, err := NewReplicatedStorage(grids[0], StorageCfg[string, string]{
		StorageId:  "test",
		KeyCodec:   StringCodec(),
		ValueCodec: StringCodec(),
	})
	require.NoError(t, err)

	_, _, err = storage.Set(context.Background(), "a", "1")
	assert.ErrorIs(t, err, ErrQuorumUnavailable)

	assert.Equal(t, 0, grids[0].requests.len())
}

func TestGridStop(t *testing.T) {
	network := raft.NewMemoryNetwork()
	grids := newTestGrids(t, network, 2, nil)

	require.NoError(t, grids[0].Start())

	storage, err := NewReplicatedStorage(grids[0], StorageCfg[string, string]{
		StorageId:  "test",
		KeyCodec:   StringCodec(),
		ValueCodec: StringCodec(),
	})
	require.NoError(t, err)

	errChan := make(chan error, 1)

	go func() {
		_, _, err := storage.Set(context.Background(), "a", "1")
		errChan <- err
	}()

	time.Sleep(100 * time.Millisecond)
	grids[0].Stop()

	select {
	case err := <-errChan:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(testWaitTimeout):
		require.FailNow(t, "operation still pending after stop")
	}

	_, err = grids[0].WaitForLeader(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestGridApplyEntry(t *testing.T) {
	network := raft.NewMemoryNetwork()
	g, err := NewGrid(testGridCfg(network, "a"))
	require.NoError(t, err)

	encode := func(requestId uuid.UUID, op Op) []byte {
		data, err := EncodeCommand(&Command{
			RequestId: requestId,
			SourceId:  "b",
			Op:        op,
		})
		require.NoError(t, err)

		return data
	}

	set1 := encode(uuid.New(), &OpStorageSet{
		StorageId: "test", Key: []byte("k"), Value: []byte("1"),
	})
	set2Id := uuid.New()
	set2 := encode(set2Id, &OpStorageSet{
		StorageId: "test", Key: []byte("k"), Value: []byte("2"),
	})

	// No-op entry appended by new leaders
	require.NoError(t, g.applyEntry(raft.LogEntry{Term: 1, Index: 1}))

	require.NoError(t, g.applyEntry(raft.LogEntry{Term: 1, Index: 2, Data: set1}))
	require.NoError(t, g.applyEntry(raft.LogEntry{Term: 1, Index: 3, Data: set2}))

	entry, found := g.store("test").Get([]byte("k"))
	require.True(t, found)
	assert.Equal(t, []byte("2"), entry.Value)
	assert.Equal(t, int64(2), entry.Version)

	// Replaying entries is a no-op
	require.NoError(t, g.applyEntry(raft.LogEntry{Term: 1, Index: 2, Data: set1}))
	require.NoError(t, g.applyEntry(raft.LogEntry{Term: 1, Index: 3, Data: set2}))

	entry, _ = g.store("test").Get([]byte("k"))
	assert.Equal(t, []byte("2"), entry.Value)
	assert.Equal(t, int64(2), entry.Version)

	// So is a resubmitted command at another index
	resultChan := g.requests.add(set2Id)

	require.NoError(t, g.applyEntry(raft.LogEntry{Term: 2, Index: 4, Data: set2}))

	entry, _ = g.store("test").Get([]byte("k"))
	assert.Equal(t, int64(2), entry.Version)

	select {
	case <-resultChan:
		assert.Fail(t, "duplicate command resolved a request")
	default:
	}

	// Invalid commands are reported
	err = g.applyEntry(raft.LogEntry{Term: 2, Index: 5, Data: []byte("{}")})
	assert.Error(t, err)
}

func TestGridApplyEntrySameOnAllEndpoints(t *testing.T) {
	network := raft.NewMemoryNetwork()

	cfgA := testGridCfg(network, "a")

	cfgB := testGridCfg(network, "b")
	cfgB.RequestTimeout = time.Second
	cfgB.ResubmitInterval = time.Second

	grids := make([]*Grid, 2)
	for i, cfg := range []Cfg{cfgA, cfgB} {
		g, err := NewGrid(cfg)
		require.NoError(t, err)

		grids[i] = g
	}

	var entries []raft.LogEntry

	for i := 0; i < DeduplicationWindow+2; i++ {
		data, err := EncodeCommand(&Command{
			RequestId: uuid.New(),
			SourceId:  "a",
			Op: &OpStorageSet{
				StorageId: "test", Key: []byte("k"), Value: []byte("v"),
			},
		})
		require.NoError(t, err)

		entries = append(entries, raft.LogEntry{
			Term: 1, Index: raft.LogIndex(len(entries) + 1), Data: data,
		})
	}

	// The first command again, once it has left the window
	entries = append(entries, raft.LogEntry{
		Term: 1, Index: raft.LogIndex(len(entries) + 1), Data: entries[0].Data,
	})

	for _, g := range grids {
		for _, entry := range entries {
			require.NoError(t, g.applyEntry(entry))
		}
	}

	entryA, found := grids[0].store("test").Get([]byte("k"))
	require.True(t, found)

	entryB, found := grids[1].store("test").Get([]byte("k"))
	require.True(t, found)

	assert.Equal(t, entryA, entryB)
	assert.Equal(t, int64(DeduplicationWindow+3), entryA.Version)
}

func TestGridApplyResolvesRequest(t *testing.T) {
	network := raft.NewMemoryNetwork()
	g, err := NewGrid(testGridCfg(network, "a"))
	require.NoError(t, err)

	requestId := uuid.New()
	resultChan := g.requests.add(requestId)

	data, err := EncodeCommand(&Command{
		RequestId: requestId,
		SourceId:  "a",
		Op: &OpStorageInsert{
			StorageId: "test", Key: []byte("k"), Value: []byte("1"),
		},
	})
	require.NoError(t, err)

	require.NoError(t, g.applyEntry(raft.LogEntry{Term: 1, Index: 1, Data: data}))

	select {
	case res := <-resultChan:
		assert.False(t, res.Found)
	default:
		require.FailNow(t, "request not resolved")
	}

	assert.Equal(t, []string{"test"}, g.Status().Storages)
}

func TestRequestWindow(t *testing.T) {
	w := newRequestWindow(2)

	id1 := uuid.New()
	id2 := uuid.New()
	id3 := uuid.New()

	w.add(id1)
	w.add(id2)

	assert.True(t, w.contains(id1))
	assert.True(t, w.contains(id2))

	w.add(id3)

	assert.False(t, w.contains(id1))
	assert.True(t, w.contains(id2))
	assert.True(t, w.contains(id3))
}
