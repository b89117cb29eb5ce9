package raft

type EndpointId string

type ServerState string

const (
	ServerStateFollower  ServerState = "follower"
	ServerStateCandidate ServerState = "candidate"
	ServerStateLeader    ServerState = "leader"
)

type Term int64

type LogIndex int64

// LogEntry is a single entry of the replicated log. An entry with no data
// is the no-op a leader appends when it is elected.
type LogEntry struct {
	Term  Term
	Index LogIndex
	Data  []byte
}

type LeaderChangedEvent struct {
	PrevLeaderId   EndpointId
	ActualLeaderId EndpointId
	Term           Term
}

type ServerStatus struct {
	Id          EndpointId
	State       ServerState
	Term        Term
	LeaderId    EndpointId
	CommitIndex LogIndex
	LastIndex   LogIndex
	Members     int
}
