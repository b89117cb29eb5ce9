package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

type ServerCfg struct {
	Id EndpointId

	Transport Transport

	Logger Logger

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	HeartbeatInterval time.Duration

	// The number of consecutive delivery failures after which an endpoint
	// is considered unreachable.
	FailureThreshold int

	MaxEntriesPerMsg int

	ApplyFunc         ApplyFunc
	LeaderChangedFunc LeaderChangedFunc
}

type Server struct {
	Cfg ServerCfg
	Log Logger

	Id EndpointId

	election         ElectionState
	electionAttempts int

	commitIndex LogIndex
	lastApplied LogIndex

	// Leader only
	nextIndex   map[EndpointId]LogIndex
	matchIndex  map[EndpointId]LogIndex
	lastContact map[EndpointId]time.Time

	// Internal
	registry      *Registry
	logStore      *LogStore
	transport     Transport
	notifications *notificationQueue

	randGenerator *rand.Rand

	heartbeatTicker *time.Ticker
	electionTimer   *time.Timer // follower or candidate only

	rpcChan     chan IncomingRPCMsg
	submitChan  chan submitRequest
	failureChan chan deliveryFailure

	status   ServerStatus
	statusMu sync.RWMutex

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	running     atomic.Bool

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

type submitRequest struct {
	data       []byte
	resultChan chan error
}

type deliveryFailure struct {
	endpointId EndpointId
	err        error
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty server id")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 500 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 1000 * time.Millisecond
	}

	if cfg.MaxElectionTimeout < cfg.MinElectionTimeout {
		return nil, fmt.Errorf("maximum election timeout %v is lower than "+
			"minimum election timeout %v",
			cfg.MaxElectionTimeout, cfg.MinElectionTimeout)
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}

	if cfg.HeartbeatInterval >= cfg.MinElectionTimeout {
		return nil, fmt.Errorf("heartbeat interval %v must be lower than "+
			"minimum election timeout %v",
			cfg.HeartbeatInterval, cfg.MinElectionTimeout)
	}

	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}

	if cfg.MaxEntriesPerMsg == 0 {
		cfg.MaxEntriesPerMsg = 256
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		election: InitialElectionState(),

		registry:      NewRegistry(cfg.Id, cfg.FailureThreshold),
		logStore:      NewLogStore(),
		transport:     cfg.Transport,
		notifications: newNotificationQueue(),

		randGenerator: rand.New(randSource),

		rpcChan:     make(chan IncomingRPCMsg, 1024),
		submitChan:  make(chan submitRequest),
		failureChan: make(chan deliveryFailure, 64),

		stopChan: make(chan struct{}),
	}

	s.updateStatus()

	return s, nil
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) AddEndpoint(id EndpointId) bool {
	if !s.registry.Add(id) {
		return false
	}

	s.Log.Info("endpoint %s added (%d members)", id, s.registry.Members())
	return true
}

func (s *Server) RemoveEndpoint(id EndpointId) bool {
	if !s.registry.Remove(id) {
		return false
	}

	s.Log.Info("endpoint %s removed (%d members)", id, s.registry.Members())
	return true
}

func (s *Server) Start(errorChan chan<- error) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	s.Log.Debug(1, "starting")

	s.errorChan = errorChan

	// Log store
	if err := s.logStore.Open(); err != nil {
		return fmt.Errorf("cannot open log store: %w", err)
	}

	// Transport
	if err := s.transport.Start(s); err != nil {
		return fmt.Errorf("cannot start transport: %w", err)
	}

	// Internal state
	s.election = InitialElectionState()

	s.setupHeartbeatTicker()
	s.setupElectionTimer()

	s.started = true
	s.running.Store(true)

	// Main
	s.wg.Add(2)
	go s.main()
	go s.notificationLoop()

	s.Log.Debug(1, "started")

	return nil
}

func (s *Server) Stop() {
	s.lifecycleMu.Lock()
	if !s.started || s.stopped {
		s.lifecycleMu.Unlock()
		return
	}

	s.stopped = true
	s.running.Store(false)
	s.lifecycleMu.Unlock()

	s.Log.Debug(1, "stopping")

	close(s.stopChan)
	s.wg.Wait()

	s.Log.Debug(1, "stopped")
}

func (s *Server) main() {
	defer s.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			s.Log.Error("panic: %s\n%s", msg, trace)

			s.reportError(fmt.Errorf("panic: %s", msg))
			s.shutdown()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			s.shutdown()
			return

		case <-s.heartbeatTicker.C:
			s.onHeartbeatTicker()

		case <-s.electionTimer.C:
			s.onElectionTimer()

		case incomingMsg := <-s.rpcChan:
			s.onRPCMsg(incomingMsg.SourceId, incomingMsg.Msg)

		case req := <-s.submitChan:
			req.resultChan <- s.onSubmitRequest(req.data)

		case failure := <-s.failureChan:
			s.onDeliveryFailure(failure.endpointId, failure.err)
		}
	}
}

func (s *Server) shutdown() {
	s.Log.Debug(1, "shutting down")

	s.heartbeatTicker.Stop()
	s.electionTimer.Stop()

	s.transport.Stop()
	s.logStore.Close()
}

func (s *Server) reportError(err error) {
	if s.errorChan == nil {
		return
	}

	select {
	case s.errorChan <- err:
	default:
	}
}

// Submit hands data over to the leader for it to be appended to the log. A
// nil error means the data was accepted, either by the local server if it
// is the leader or by the transport for forwarding to the leader; it does
// not mean it has been committed.
func (s *Server) Submit(ctx context.Context, data []byte) error {
	if !s.Running() {
		return ErrStopped
	}

	req := submitRequest{
		data:       data,
		resultChan: make(chan error, 1),
	}

	select {
	case s.submitChan <- req:
	case <-s.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.resultChan:
		return err
	case <-s.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Running() bool {
	return s.running.Load()
}

func (s *Server) Status() ServerStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	return s.status
}

func (s *Server) updateStatus() {
	s.statusMu.Lock()
	s.status = ServerStatus{
		Id:          s.Id,
		State:       s.election.Role,
		Term:        s.election.Term,
		LeaderId:    s.election.LeaderId,
		CommitIndex: s.commitIndex,
		LastIndex:   s.logStore.LastIndex(),
		Members:     s.registry.Members(),
	}
	s.statusMu.Unlock()
}

// ReceiveMessage implements Receiver. It is called by the transport from
// its own goroutines.
func (s *Server) ReceiveMessage(m Message) {
	msg, err := DecodeRPCMsg(m.Data)
	if err != nil {
		s.Log.Error("invalid message from %s: %v", m.SourceId, err)
		return
	}

	// Send the message to the main goroutine unless the server is being
	// stopped.
	incomingMsg := IncomingRPCMsg{
		SourceId: m.SourceId,
		Msg:      msg,
	}

	select {
	case <-s.stopChan:
	case s.rpcChan <- incomingMsg:
	}
}

// DeliveryFailed implements Receiver.
func (s *Server) DeliveryFailed(id EndpointId, err error) {
	select {
	case <-s.stopChan:
	case s.failureChan <- deliveryFailure{endpointId: id, err: err}:
	}
}

func (s *Server) onHeartbeatTicker() {
	if s.election.Role != ServerStateLeader {
		return
	}

	if !s.checkQuorum() {
		s.Log.Info("lost contact with the majority of members, stepping down")
		s.transition(QuorumLostEvent{})
		return
	}

	s.broadcastAppendEntries()
}

func (s *Server) onElectionTimer() {
	switch s.election.Role {
	case ServerStateFollower:
		s.Log.Debug(1, "no heartbeat received, starting election for term %d",
			s.election.Term+1)

	case ServerStateCandidate:
		s.Log.Debug(1, "election timeout in term %d", s.election.Term)

	default:
		// The timer fired right before we became leader
		return
	}

	s.transition(ElectionTimeoutEvent{})
}

func (s *Server) onRPCMsg(sourceId EndpointId, msg RPCMsg) {
	s.Log.Debug(2, "received %v from %s", msg, sourceId)

	if !s.registry.Contains(sourceId) {
		s.Log.Debug(1, "ignoring message %v from unknown endpoint %s",
			msg, sourceId)
		return
	}

	now := time.Now()

	if s.registry.RecordContact(sourceId, now) {
		s.Log.Info("endpoint %s is reachable again", sourceId)
	}

	if s.election.Role == ServerStateLeader {
		s.lastContact[sourceId] = now
	}

	term := msg.GetTerm()

	if term > s.election.Term {
		// If a message contains a term higher than the current one, we are
		// out-of-date and must revert to follower.

		s.Log.Debug(1, "received message with term %d (current term: %d), "+
			"reverting to follower", term, s.election.Term)

		s.transition(TermObservedEvent{Term: term})
	}

	switch msgv := msg.(type) {
	case *RPCRequestVoteRequest:
		s.onRPCRequestVoteRequest(sourceId, msgv)
	case *RPCRequestVoteResponse:
		s.onRPCRequestVoteResponse(sourceId, msgv)
	case *RPCAppendEntriesRequest:
		s.onRPCAppendEntriesRequest(sourceId, msgv)
	case *RPCAppendEntriesResponse:
		s.onRPCAppendEntriesResponse(sourceId, msgv)
	case *RPCSubmitRequest:
		s.onRPCSubmitRequest(sourceId, msgv)
	default:
		s.Log.Error("unexpected message %v from %s", msg, sourceId)
	}
}

func (s *Server) onRPCRequestVoteRequest(sourceId EndpointId, req *RPCRequestVoteRequest) {
	upToDate := s.logStore.UpToDate(req.LastLogTerm, req.LastLogIndex)

	s.transition(VoteRequestEvent{
		Term:        req.Term,
		CandidateId: sourceId,
		LogUpToDate: upToDate,
	})
}

func (s *Server) onRPCRequestVoteResponse(sourceId EndpointId, res *RPCRequestVoteResponse) {
	if res.Term < s.election.Term {
		return
	}

	s.transition(VoteResponseEvent{
		Term:    res.Term,
		VoterId: sourceId,
		Granted: res.VoteGranted,
	})
}

func (s *Server) onRPCAppendEntriesRequest(sourceId EndpointId, req *RPCAppendEntriesRequest) {
	if req.Term < s.election.Term {
		// Let the stale leader know about the current term so that it
		// steps down.
		s.sendMsg(sourceId, &RPCAppendEntriesResponse{
			Term:    s.election.Term,
			Success: false,
		})
		return
	}

	s.transition(AppendEntriesEvent{Term: req.Term, LeaderId: req.LeaderId})

	if s.election.Role == ServerStateLeader {
		s.Log.Error("ignoring %v from %s while being leader", req, sourceId)
		return
	}

	res := s.appendEntries(req)
	s.sendMsg(sourceId, res)
}

func (s *Server) onRPCAppendEntriesResponse(sourceId EndpointId, res *RPCAppendEntriesResponse) {
	if res.Term < s.election.Term || s.election.Role != ServerStateLeader {
		return
	}

	s.onAppendEntriesResult(sourceId, res)
}

func (s *Server) onRPCSubmitRequest(sourceId EndpointId, req *RPCSubmitRequest) {
	if s.election.Role != ServerStateLeader {
		// The submitter will resubmit once it knows the new leader
		s.Log.Debug(1, "dropping submission forwarded by %s: not leader",
			sourceId)
		return
	}

	s.appendData(req.Data)
}

func (s *Server) onSubmitRequest(data []byte) error {
	switch {
	case s.election.Role == ServerStateLeader:
		s.appendData(data)
		return nil

	case s.election.LeaderId != "":
		return s.sendMsg(s.election.LeaderId, &RPCSubmitRequest{
			Term: s.election.Term,
			Data: data,
		})

	default:
		return ErrNotLeader
	}
}

func (s *Server) onDeliveryFailure(id EndpointId, err error) {
	s.Log.Debug(1, "cannot deliver message to %s: %v", id, err)

	if !s.registry.RecordFailure(id, err) {
		return
	}

	s.Log.Error("endpoint %s is unreachable: %v", id, err)

	if s.election.Role == ServerStateFollower && id == s.election.LeaderId {
		s.Log.Info("leader %s is unreachable, starting election", id)
		s.expireElectionTimer()
	}
}

func (s *Server) sendMsg(recipientId EndpointId, msg RPCMsg) error {
	s.Log.Debug(2, "sending %v to %s", msg, recipientId)

	data, err := EncodeRPCMsg(msg)
	if err != nil {
		s.Log.Error("cannot encode message: %v", err)
		return fmt.Errorf("cannot encode message: %w", err)
	}

	m := Message{
		SourceId:      s.Id,
		DestinationId: recipientId,
		Data:          data,
	}

	if err := s.transport.Send(m); err != nil {
		s.onDeliveryFailure(recipientId, err)
		return err
	}

	return nil
}

func (s *Server) broadcastMsg(msg RPCMsg) {
	for _, id := range s.registry.Ids() {
		s.sendMsg(id, msg)
	}
}

// transition runs the election state machine and executes the resulting
// effects.
func (s *Server) transition(event ElectionEvent) {
	env := ElectionEnv{
		Self:   s.Id,
		Quorum: s.registry.Quorum(),
	}

	prev := s.election
	next, effects := Transition(prev, event, env)
	s.election = next

	if prev.Role != next.Role || prev.Term != next.Term {
		s.Log.Debug(1, "%v -> %v", prev, next)
	}

	for _, effect := range effects {
		s.executeEffect(effect)
	}

	s.updateStatus()
}

func (s *Server) executeEffect(effect ElectionEffect) {
	switch e := effect.(type) {
	case ResetElectionTimerEffect:
		if s.election.Role != ServerStateLeader {
			s.setupElectionTimer()
		}

	case RequestVotesEffect:
		s.electionAttempts++

		s.broadcastMsg(&RPCRequestVoteRequest{
			Term:         e.Term,
			CandidateId:  s.Id,
			LastLogIndex: s.logStore.LastIndex(),
			LastLogTerm:  s.logStore.LastTerm(),
		})

	case SendVoteEffect:
		s.sendMsg(e.CandidateId, &RPCRequestVoteResponse{
			Term:        e.Term,
			VoteGranted: e.Granted,
		})

	case BecomeLeaderEffect:
		s.becomeLeader(e.Term)

	case StepDownEffect:
		s.Log.Info("stepping down in term %d", e.Term)

		// Clear leader data
		s.nextIndex = nil
		s.matchIndex = nil
		s.lastContact = nil

	case LeaderChangedEffect:
		if e.LeaderId != "" {
			s.Log.Info("leader is %s (term %d)", e.LeaderId, e.Term)
			s.electionAttempts = 0
		} else {
			s.Log.Info("leader %s lost (term %d)", e.PrevLeaderId, e.Term)
		}

		s.notifications.push(notification{
			leaderChanged: &LeaderChangedEvent{
				PrevLeaderId:   e.PrevLeaderId,
				ActualLeaderId: e.LeaderId,
				Term:           e.Term,
			},
		})

	default:
		Panicf("unhandled election effect %#v", effect)
	}
}

func (s *Server) becomeLeader(term Term) {
	s.Log.Info("obtained a majority of votes, becoming leader for term %d",
		term)

	// Clear the election timer if it is active
	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}

	s.electionAttempts = 0

	now := time.Now()

	s.nextIndex = make(map[EndpointId]LogIndex)
	s.matchIndex = make(map[EndpointId]LogIndex)
	s.lastContact = make(map[EndpointId]time.Time)

	for _, id := range s.registry.Ids() {
		s.nextIndex[id] = s.logStore.LastIndex() + 1
		s.matchIndex[id] = 0
		s.lastContact[id] = now
	}

	s.resetHeartbeatTicker()

	// A no-op entry in the new term lets us commit the entries left by
	// previous leaders.
	s.appendData(nil)
}

// checkQuorum reports whether the leader has heard from a majority of
// members during the last maximum election timeout.
func (s *Server) checkQuorum() bool {
	now := time.Now()
	nbContacts := 1

	for _, id := range s.registry.Ids() {
		lastContact, found := s.lastContact[id]
		if !found {
			// Endpoint added during our leadership
			s.lastContact[id] = now
			lastContact = now
		}

		if now.Sub(lastContact) <= s.Cfg.MaxElectionTimeout {
			nbContacts++
		}
	}

	return nbContacts >= s.registry.Quorum()
}

func (s *Server) setupHeartbeatTicker() {
	s.heartbeatTicker = time.NewTicker(s.Cfg.HeartbeatInterval)
}

func (s *Server) resetHeartbeatTicker() {
	if s.election.Role != ServerStateLeader {
		Panicf("cannot reset heartbeat ticker in state %v", s.election.Role)
	}

	s.heartbeatTicker.Reset(s.Cfg.HeartbeatInterval)
}

func (s *Server) setupElectionTimer() {
	if s.election.Role == ServerStateLeader {
		Panicf("cannot setup election timer in state %v", s.election.Role)
	}

	timeout := s.electionTimeout()
	s.Log.Debug(2, "election timer will expire in %v", timeout)

	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}

	s.electionTimer = time.NewTimer(timeout)
}

// expireElectionTimer makes the election timer fire as soon as the main
// goroutine is ready for it.
func (s *Server) expireElectionTimer() {
	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}

	s.electionTimer = time.NewTimer(0)
}

// electionTimeout returns a random timeout between the minimum and maximum
// election timeouts. Consecutive failed elections add a growing delay so
// that a partitioned minority does not flood the network.
func (s *Server) electionTimeout() time.Duration {
	minTimeoutMs := s.Cfg.MinElectionTimeout.Milliseconds()
	maxTimeoutMs := s.Cfg.MaxElectionTimeout.Milliseconds()

	jitter := s.randGenerator.Int63n(maxTimeoutMs - minTimeoutMs + 1)
	timeoutMs := minTimeoutMs + jitter

	if s.electionAttempts > 1 {
		backoff := min(s.electionAttempts-1, maxElectionBackoff)
		timeoutMs += int64(backoff) * minTimeoutMs / 2
	}

	return time.Duration(timeoutMs) * time.Millisecond
}

const maxElectionBackoff = 4
