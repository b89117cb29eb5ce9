package raft

import (
	"time"
)

// appendData appends a new entry in the current term to the leader log and
// starts replicating it.
func (s *Server) appendData(data []byte) {
	if s.election.Role != ServerStateLeader {
		Panicf("cannot append data in state %v", s.election.Role)
	}

	entry := LogEntry{
		Term:  s.election.Term,
		Index: s.logStore.LastIndex() + 1,
		Data:  data,
	}

	if err := s.logStore.AppendEntry(entry); err != nil {
		Panicf("cannot append entry: %v", err)
	}

	s.Log.Debug(2, "appended entry %d (term %d, %d bytes)",
		entry.Index, entry.Term, len(entry.Data))

	s.updateStatus()

	s.updateLeaderCommitIndex()
	s.broadcastAppendEntries()
}

func (s *Server) broadcastAppendEntries() {
	for _, id := range s.registry.Ids() {
		s.replicateTo(id)
	}
}

// replicateTo sends an AppendEntries request with the entries the endpoint
// is missing according to what we know. With no missing entry, it is a
// heartbeat.
func (s *Server) replicateTo(id EndpointId) {
	nextIndex, found := s.nextIndex[id]
	if !found {
		// Endpoint added during our leadership
		nextIndex = s.logStore.LastIndex() + 1

		s.nextIndex[id] = nextIndex
		s.matchIndex[id] = 0
		s.lastContact[id] = time.Now()
	}

	prevLogIndex := nextIndex - 1

	s.sendMsg(id, &RPCAppendEntriesRequest{
		Term:         s.election.Term,
		LeaderId:     s.Id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  s.logStore.Term(prevLogIndex),
		Entries:      s.logStore.Entries(nextIndex, s.Cfg.MaxEntriesPerMsg),
		LeaderCommit: s.commitIndex,
	})
}

// appendEntries applies an AppendEntries request from the current leader to
// the local log.
func (s *Server) appendEntries(req *RPCAppendEntriesRequest) *RPCAppendEntriesResponse {
	res := RPCAppendEntriesResponse{
		Term: s.election.Term,
	}

	lastIndex := s.logStore.LastIndex()

	if req.PrevLogIndex > lastIndex {
		// We are missing entries
		res.ConflictIndex = lastIndex + 1
		return &res
	}

	if req.PrevLogIndex > 0 && s.logStore.Term(req.PrevLogIndex) != req.PrevLogTerm {
		// The entry at the previous index comes from another leader; the
		// leader will have to go back to the start of this term, and we will
		// overwrite everything after it.
		res.ConflictIndex = s.logStore.FirstIndexOfTerm(req.PrevLogIndex)
		return &res
	}

	for i, entry := range req.Entries {
		index := req.PrevLogIndex + LogIndex(i) + 1
		entry.Index = index

		if index <= s.logStore.LastIndex() {
			if s.logStore.Term(index) == entry.Term {
				continue
			}

			if index <= s.commitIndex {
				Panicf("conflicting entry %d (term %d) is already committed",
					index, s.logStore.Term(index))
			}

			s.Log.Debug(1, "truncating log from index %d", index)
			s.logStore.TruncateFrom(index)
		}

		if err := s.logStore.AppendEntry(entry); err != nil {
			Panicf("cannot append entry: %v", err)
		}
	}

	lastNewIndex := req.PrevLogIndex + LogIndex(len(req.Entries))

	if req.LeaderCommit > s.commitIndex {
		s.advanceCommitIndex(min(req.LeaderCommit, lastNewIndex))
	}

	s.updateStatus()

	res.Success = true
	res.MatchIndex = lastNewIndex

	return &res
}

func (s *Server) onAppendEntriesResult(id EndpointId, res *RPCAppendEntriesResponse) {
	if !s.registry.Contains(id) {
		return
	}

	if _, found := s.nextIndex[id]; !found {
		s.replicateTo(id)
		return
	}

	if res.Success {
		if res.MatchIndex > s.matchIndex[id] {
			s.matchIndex[id] = res.MatchIndex
		}

		s.nextIndex[id] = s.matchIndex[id] + 1

		s.updateLeaderCommitIndex()

		// Keep going if the endpoint is still behind
		if s.nextIndex[id] <= s.logStore.LastIndex() {
			s.replicateTo(id)
		}

		return
	}

	nextIndex := res.ConflictIndex
	if nextIndex <= s.matchIndex[id] {
		nextIndex = s.matchIndex[id] + 1
	}

	if lastIndex := s.logStore.LastIndex(); nextIndex > lastIndex+1 {
		nextIndex = lastIndex + 1
	}

	if nextIndex < 1 {
		nextIndex = 1
	}

	s.Log.Debug(1, "log of %s does not match, retrying from index %d",
		id, nextIndex)

	s.nextIndex[id] = nextIndex
	s.replicateTo(id)
}

// updateLeaderCommitIndex commits the highest entry of the current term
// stored by a majority of members. Entries of previous terms are committed
// along with it, never on their own.
func (s *Server) updateLeaderCommitIndex() {
	quorum := s.registry.Quorum()
	ids := s.registry.Ids()

	for index := s.logStore.LastIndex(); index > s.commitIndex; index-- {
		if s.logStore.Term(index) != s.election.Term {
			break
		}

		nbReplicas := 1
		for _, id := range ids {
			if s.matchIndex[id] >= index {
				nbReplicas++
			}
		}

		if nbReplicas >= quorum {
			s.advanceCommitIndex(index)

			// Let followers know about the new commit index without waiting
			// for the next heartbeat.
			s.broadcastAppendEntries()
			return
		}
	}
}

// advanceCommitIndex moves the commit index forward and queues newly
// committed entries for application, in index order.
func (s *Server) advanceCommitIndex(index LogIndex) {
	if index <= s.commitIndex {
		return
	}

	if index > s.logStore.LastIndex() {
		Panicf("cannot commit index %d beyond last index %d",
			index, s.logStore.LastIndex())
	}

	s.Log.Debug(2, "commit index %d -> %d", s.commitIndex, index)
	s.commitIndex = index

	for s.lastApplied < s.commitIndex {
		s.lastApplied++

		entry, _ := s.logStore.Entry(s.lastApplied)
		s.notifications.push(notification{entry: &entry})
	}

	s.updateStatus()
}
