package raft

import "fmt"

// LogStore holds the log of a server in memory. Indexes start at 1; index 0
// is the empty position before the first entry, with term 0.
type LogStore struct {
	entries []LogEntry
}

func NewLogStore() *LogStore {
	return &LogStore{}
}

func (s *LogStore) Open() error {
	s.entries = make([]LogEntry, 0)
	return nil
}

func (s *LogStore) Close() {
}

func (s *LogStore) LastIndex() LogIndex {
	return LogIndex(len(s.entries))
}

func (s *LogStore) LastTerm() Term {
	nbEntries := len(s.entries)

	if nbEntries == 0 {
		return 0
	}

	return s.entries[nbEntries-1].Term
}

func (s *LogStore) Entry(index LogIndex) (LogEntry, bool) {
	if index < 1 || index > s.LastIndex() {
		return LogEntry{}, false
	}

	return s.entries[index-1], true
}

// Term returns the term of the entry at a given index, or 0 if there is no
// such entry.
func (s *LogStore) Term(index LogIndex) Term {
	entry, found := s.Entry(index)
	if !found {
		return 0
	}

	return entry.Term
}

// Entries returns at most limit entries starting at a given index. The
// returned slice is a copy and can be sent to other servers.
func (s *LogStore) Entries(from LogIndex, limit int) []LogEntry {
	if from < 1 {
		from = 1
	}

	if from > s.LastIndex() {
		return nil
	}

	to := s.LastIndex()
	if limit > 0 && to-from+1 > LogIndex(limit) {
		to = from + LogIndex(limit) - 1
	}

	entries := make([]LogEntry, to-from+1)
	copy(entries, s.entries[from-1:to])

	return entries
}

// FirstIndexOfTerm returns the lowest index of the run of entries which
// share the term of the entry at a given index.
func (s *LogStore) FirstIndexOfTerm(index LogIndex) LogIndex {
	term := s.Term(index)

	for index > 1 && s.Term(index-1) == term {
		index--
	}

	return index
}

func (s *LogStore) AppendEntry(entry LogEntry) error {
	if expected := s.LastIndex() + 1; entry.Index != expected {
		return fmt.Errorf("cannot append entry at index %d, expected %d",
			entry.Index, expected)
	}

	if entry.Term < s.LastTerm() {
		return fmt.Errorf("cannot append entry with term %d after term %d",
			entry.Term, s.LastTerm())
	}

	s.entries = append(s.entries, entry)
	return nil
}

// TruncateFrom removes the entry at a given index and every entry after it.
func (s *LogStore) TruncateFrom(index LogIndex) {
	if index < 1 {
		index = 1
	}

	if index > s.LastIndex() {
		return
	}

	s.entries = s.entries[:index-1]
}

// UpToDate reports whether a log ending with a given term and index is at
// least as up to date as this one.
func (s *LogStore) UpToDate(lastTerm Term, lastIndex LogIndex) bool {
	if lastTerm != s.LastTerm() {
		return lastTerm > s.LastTerm()
	}

	return lastIndex >= s.LastIndex()
}
