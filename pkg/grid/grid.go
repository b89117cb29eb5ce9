package grid

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/galdor/go-grid/pkg/raft"
	"github.com/galdor/go-log"
)

type LeaderChangedEvent = raft.LeaderChangedEvent

type LeaderChangedFunc func(LeaderChangedEvent)

type Cfg struct {
	Id raft.EndpointId

	Transport raft.Transport

	Logger *log.Logger

	// Optional; receives fatal errors of the consensus server.
	ErrorChan chan<- error

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration
	HeartbeatInterval  time.Duration
	FailureThreshold   int

	// The maximum time a mutating operation waits for its command to be
	// applied.
	RequestTimeout time.Duration

	// The delay after which a command which has not been applied yet is
	// submitted again.
	ResubmitInterval time.Duration
}

type Status struct {
	Server    raft.ServerStatus
	Endpoints []raft.EndpointInfo
	Storages  []string
}

type Grid struct {
	Cfg Cfg
	Log *log.Logger

	server   *raft.Server
	requests *pendingRequests

	// Only used by the apply step
	lastApplied raft.LogIndex
	window      *requestWindow

	stores   map[string]*Store
	storesMu sync.RWMutex

	subscriptions *subscriptionTable

	leaderId        raft.EndpointId
	leaderChan      chan struct{} // closed once a leader is known
	leaderCallbacks []LeaderChangedFunc
	leaderMu        sync.Mutex

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	stopChan    chan struct{}
}

func NewGrid(cfg Cfg) (*Grid, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty endpoint id")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	if cfg.Logger == nil {
		cfg.Logger = log.DefaultLogger("grid")
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 500 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 2 * cfg.MinElectionTimeout
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = cfg.MinElectionTimeout / 10
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	if cfg.ResubmitInterval == 0 {
		cfg.ResubmitInterval = cfg.MaxElectionTimeout
	}

	if cfg.ResubmitInterval < cfg.HeartbeatInterval {
		return nil, fmt.Errorf("resubmit interval %v is lower than "+
			"heartbeat interval %v",
			cfg.ResubmitInterval, cfg.HeartbeatInterval)
	}

	g := &Grid{
		Cfg: cfg,
		Log: cfg.Logger,

		requests: newPendingRequests(),

		window: newRequestWindow(DeduplicationWindow),

		stores: make(map[string]*Store),

		subscriptions: newSubscriptionTable(),

		leaderChan: make(chan struct{}),

		stopChan: make(chan struct{}),
	}

	serverLogger := cfg.Logger.Child("raft", log.Data{
		"endpoint": string(cfg.Id),
	})

	serverCfg := raft.ServerCfg{
		Id:        cfg.Id,
		Transport: cfg.Transport,

		Logger: serverLogger,

		MinElectionTimeout: cfg.MinElectionTimeout,
		MaxElectionTimeout: cfg.MaxElectionTimeout,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		FailureThreshold:   cfg.FailureThreshold,

		ApplyFunc:         g.applyEntry,
		LeaderChangedFunc: g.onLeaderChanged,
	}

	server, err := raft.NewServer(serverCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create raft server: %w", err)
	}

	g.server = server

	return g, nil
}

func (g *Grid) LocalEndpointId() raft.EndpointId {
	return g.Cfg.Id
}

func (g *Grid) AddRemoteEndpointId(id raft.EndpointId) {
	g.server.AddEndpoint(id)
}

func (g *Grid) RemoveRemoteEndpointId(id raft.EndpointId) {
	g.server.RemoveEndpoint(id)
}

func (g *Grid) Start() error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.started {
		return fmt.Errorf("grid already started")
	}

	if err := g.server.Start(g.Cfg.ErrorChan); err != nil {
		return fmt.Errorf("cannot start raft server: %w", err)
	}

	g.started = true

	return nil
}

// Stop leaves the grid. Pending operations fail with ErrStopped. A stopped
// grid cannot be started again.
func (g *Grid) Stop() {
	g.lifecycleMu.Lock()
	if !g.started || g.stopped {
		g.lifecycleMu.Unlock()
		return
	}

	g.stopped = true
	close(g.stopChan)
	g.lifecycleMu.Unlock()

	g.server.Stop()
}

// OnLeaderChanged registers a function called every time the leader known
// by the local endpoint changes, including when the local endpoint becomes
// leader. Losing the leader is also reported, with an empty ActualLeaderId;
// callbacks waiting for a leader must ignore these events. Callbacks run on
// the goroutine applying the log and must not wait for grid operations.
func (g *Grid) OnLeaderChanged(fn LeaderChangedFunc) {
	g.leaderMu.Lock()
	g.leaderCallbacks = append(g.leaderCallbacks, fn)
	g.leaderMu.Unlock()
}

func (g *Grid) LeaderId() raft.EndpointId {
	g.leaderMu.Lock()
	defer g.leaderMu.Unlock()

	return g.leaderId
}

// WaitForLeader blocks until a leader is known and returns its identifier.
func (g *Grid) WaitForLeader(ctx context.Context) (raft.EndpointId, error) {
	for {
		g.leaderMu.Lock()
		leaderId := g.leaderId
		leaderChan := g.leaderChan
		g.leaderMu.Unlock()

		if leaderId != "" {
			return leaderId, nil
		}

		select {
		case <-leaderChan:
		case <-g.stopChan:
			return "", ErrStopped
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (g *Grid) Status() Status {
	g.storesMu.RLock()
	storeIds := make([]string, 0, len(g.stores))
	for id := range g.stores {
		storeIds = append(storeIds, id)
	}
	g.storesMu.RUnlock()

	slices.Sort(storeIds)

	return Status{
		Server:    g.server.Status(),
		Endpoints: g.server.Registry().Infos(),
		Storages:  storeIds,
	}
}

func (g *Grid) onLeaderChanged(ev raft.LeaderChangedEvent) {
	g.leaderMu.Lock()

	g.leaderId = ev.ActualLeaderId

	if ev.ActualLeaderId != "" {
		select {
		case <-g.leaderChan:
		default:
			close(g.leaderChan)
		}
	} else {
		select {
		case <-g.leaderChan:
			g.leaderChan = make(chan struct{})
		default:
		}
	}

	callbacks := slices.Clone(g.leaderCallbacks)

	g.leaderMu.Unlock()

	for _, fn := range callbacks {
		fn(ev)
	}
}

// store returns the local state of a storage, creating it if necessary.
// Commands can reference a storage before it is created locally; their
// effect is kept for when it is.
func (g *Grid) store(id string) *Store {
	g.storesMu.RLock()
	store, found := g.stores[id]
	g.storesMu.RUnlock()

	if found {
		return store
	}

	g.storesMu.Lock()
	defer g.storesMu.Unlock()

	if store, found := g.stores[id]; found {
		return store
	}

	store = NewStore(id)
	g.stores[id] = store

	return store
}

// applyEntry applies a committed log entry to the local state. Entries are
// applied once, in index order; an entry whose index was already applied
// is ignored.
func (g *Grid) applyEntry(entry raft.LogEntry) error {
	if entry.Index <= g.lastApplied {
		g.Log.Debug(1, "ignoring entry %d (last applied entry: %d)",
			entry.Index, g.lastApplied)
		return nil
	}

	g.lastApplied = entry.Index

	if len(entry.Data) == 0 {
		return nil
	}

	cmd, err := DecodeCommand(entry.Data)
	if err != nil {
		return fmt.Errorf("cannot decode command: %w", err)
	}

	if g.window.contains(cmd.RequestId) {
		g.Log.Debug(1, "ignoring duplicate request %s in entry %d",
			cmd.RequestId, entry.Index)
		return nil
	}

	g.window.add(cmd.RequestId)

	res := g.applyOp(cmd)
	g.requests.resolve(cmd.RequestId, res)

	return nil
}

func (g *Grid) applyOp(cmd *Command) OpResult {
	var res OpResult

	switch op := cmd.Op.(type) {
	case *OpStorageInsert:
		entry, found := g.store(op.StorageId).Insert(op.Key, op.Value)
		res = OpResult{Value: entry.Value, Found: found}

	case *OpStorageSet:
		entry, found := g.store(op.StorageId).Set(op.Key, op.Value)
		res = OpResult{Value: entry.Value, Found: found}

	case *OpStorageDelete:
		entry, found := g.store(op.StorageId).Delete(op.Key)
		res = OpResult{Value: entry.Value, Found: found}

	case *OpPubSubPublish:
		g.dispatchEvent(op, cmd.SourceId)

	default:
		raft.Panicf("unhandled op %#v", cmd.Op)
	}

	return res
}
