package raft

import (
	"fmt"
	"maps"
)

// ElectionState is the part of the server state driven by leader election.
// It only changes through Transition.
type ElectionState struct {
	Role     ServerState
	Term     Term
	VotedFor EndpointId
	LeaderId EndpointId

	// Candidate only
	Votes map[EndpointId]bool
}

func (st ElectionState) String() string {
	return fmt.Sprintf("%s{term: %d, votedFor: %q, leader: %q}",
		st.Role, st.Term, st.VotedFor, st.LeaderId)
}

type ElectionEnv struct {
	Self   EndpointId
	Quorum int
}

type ElectionEvent interface {
	electionEvent()
}

type ElectionTimeoutEvent struct{}

type VoteRequestEvent struct {
	Term        Term
	CandidateId EndpointId
	LogUpToDate bool
}

type VoteResponseEvent struct {
	Term    Term
	VoterId EndpointId
	Granted bool
}

// AppendEntriesEvent is the reception of an AppendEntries request, i.e. a
// message sent by a server claiming to be leader.
type AppendEntriesEvent struct {
	Term     Term
	LeaderId EndpointId
}

type TermObservedEvent struct {
	Term Term
}

type QuorumLostEvent struct{}

func (ElectionTimeoutEvent) electionEvent() {}
func (VoteRequestEvent) electionEvent()     {}
func (VoteResponseEvent) electionEvent()    {}
func (AppendEntriesEvent) electionEvent()   {}
func (TermObservedEvent) electionEvent()    {}
func (QuorumLostEvent) electionEvent()      {}

type ElectionEffect interface {
	electionEffect()
}

type ResetElectionTimerEffect struct{}

type RequestVotesEffect struct {
	Term Term
}

type SendVoteEffect struct {
	CandidateId EndpointId
	Term        Term
	Granted     bool
}

type BecomeLeaderEffect struct {
	Term Term
}

type StepDownEffect struct {
	Term Term
}

type LeaderChangedEffect struct {
	PrevLeaderId EndpointId
	LeaderId     EndpointId
	Term         Term
}

func (ResetElectionTimerEffect) electionEffect() {}
func (RequestVotesEffect) electionEffect()       {}
func (SendVoteEffect) electionEffect()           {}
func (BecomeLeaderEffect) electionEffect()       {}
func (StepDownEffect) electionEffect()           {}
func (LeaderChangedEffect) electionEffect()      {}

func InitialElectionState() ElectionState {
	return ElectionState{Role: ServerStateFollower}
}

// Transition computes the state following an event and the side effects the
// server must execute. It does not modify the state it is passed.
func Transition(st ElectionState, event ElectionEvent, env ElectionEnv) (ElectionState, []ElectionEffect) {
	next := st
	var effects []ElectionEffect

	switch ev := event.(type) {
	case ElectionTimeoutEvent:
		if st.Role == ServerStateLeader {
			return st, nil
		}

		next.Term = st.Term + 1
		next.Role = ServerStateCandidate
		next.VotedFor = env.Self
		next.LeaderId = ""
		next.Votes = map[EndpointId]bool{env.Self: true}

		effects = append(effects,
			ResetElectionTimerEffect{}, RequestVotesEffect{Term: next.Term})

		if len(next.Votes) >= env.Quorum {
			next = next.promote(env.Self)
		}

	case VoteRequestEvent:
		if ev.Term > next.Term {
			next = next.observeTerm(ev.Term)
		}

		granted := false

		if ev.Term == next.Term && ev.LogUpToDate {
			switch next.Role {
			case ServerStateFollower:
				granted = next.VotedFor == "" || next.VotedFor == ev.CandidateId

			case ServerStateCandidate:
				// Two candidates in the same term: the lowest endpoint id
				// wins, the other one withdraws and votes for it.
				if ev.CandidateId < env.Self {
					next.Role = ServerStateFollower
					next.Votes = nil
					granted = true
				}
			}
		}

		if granted {
			next.VotedFor = ev.CandidateId
			effects = append(effects, ResetElectionTimerEffect{})
		}

		effects = append(effects, SendVoteEffect{
			CandidateId: ev.CandidateId,
			Term:        next.Term,
			Granted:     granted,
		})

	case VoteResponseEvent:
		if ev.Term > next.Term {
			next = next.observeTerm(ev.Term)
			break
		}

		if next.Role != ServerStateCandidate || ev.Term != next.Term ||
			!ev.Granted {
			break
		}

		next.Votes = maps.Clone(next.Votes)
		next.Votes[ev.VoterId] = true

		if len(next.Votes) >= env.Quorum {
			next = next.promote(env.Self)
		}

	case AppendEntriesEvent:
		if ev.Term < next.Term {
			break
		}

		if ev.Term > next.Term {
			next = next.observeTerm(ev.Term)
		}

		if next.Role == ServerStateLeader {
			// Two leaders cannot exist in the same term
			break
		}

		next.Role = ServerStateFollower
		next.Votes = nil
		next.LeaderId = ev.LeaderId

		effects = append(effects, ResetElectionTimerEffect{})

	case TermObservedEvent:
		if ev.Term > next.Term {
			next = next.observeTerm(ev.Term)
		}

	case QuorumLostEvent:
		if next.Role != ServerStateLeader {
			break
		}

		next.Role = ServerStateFollower
		next.LeaderId = ""

	default:
		Panicf("unhandled election event %#v", event)
	}

	if st.Role == ServerStateLeader && next.Role != ServerStateLeader {
		effects = append(effects,
			StepDownEffect{Term: next.Term}, ResetElectionTimerEffect{})
	}

	if st.Role != ServerStateLeader && next.Role == ServerStateLeader {
		effects = append(effects, BecomeLeaderEffect{Term: next.Term})
	}

	if st.LeaderId != next.LeaderId {
		effects = append(effects, LeaderChangedEffect{
			PrevLeaderId: st.LeaderId,
			LeaderId:     next.LeaderId,
			Term:         next.Term,
		})
	}

	return next, effects
}

// observeTerm moves to a strictly greater term. Whatever the role was, we
// are out of date and revert to follower; the leader of the previous term,
// if any, is not valid anymore.
func (st ElectionState) observeTerm(term Term) ElectionState {
	st.Term = term
	st.Role = ServerStateFollower
	st.VotedFor = ""
	st.LeaderId = ""
	st.Votes = nil

	return st
}

func (st ElectionState) promote(self EndpointId) ElectionState {
	st.Role = ServerStateLeader
	st.LeaderId = self
	st.Votes = nil

	return st
}
