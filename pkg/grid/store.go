package grid

import (
	"github.com/zhangyunhao116/skipmap"
)

type StoreEntry struct {
	Value   []byte
	Version int64
}

// Store is the local state of a replicated storage. It is only modified by
// the apply step, in log order; reads can happen concurrently from any
// goroutine. Keys are kept in byte order.
type Store struct {
	Id      string
	Entries *skipmap.FuncMap[string, StoreEntry]
}

func NewStore(id string) *Store {
	s := Store{
		Id: id,
		Entries: skipmap.NewFunc[string, StoreEntry](func(a, b string) bool {
			return a < b
		}),
	}

	return &s
}

func (s *Store) Get(key []byte) (StoreEntry, bool) {
	return s.Entries.Load(string(key))
}

// Insert creates an entry if the key does not exist. It returns the
// existing entry otherwise.
func (s *Store) Insert(key, value []byte) (StoreEntry, bool) {
	if entry, found := s.Entries.Load(string(key)); found {
		return entry, true
	}

	s.Entries.Store(string(key), StoreEntry{Value: value, Version: 1})
	return StoreEntry{}, false
}

func (s *Store) Set(key, value []byte) (StoreEntry, bool) {
	prev, found := s.Entries.Load(string(key))

	entry := StoreEntry{Value: value, Version: 1}
	if found {
		entry.Version = prev.Version + 1
	}

	s.Entries.Store(string(key), entry)

	return prev, found
}

func (s *Store) Delete(key []byte) (StoreEntry, bool) {
	return s.Entries.LoadAndDelete(string(key))
}

func (s *Store) Keys() [][]byte {
	keys := make([][]byte, 0, s.Entries.Len())

	s.Entries.Range(func(key string, _ StoreEntry) bool {
		keys = append(keys, []byte(key))
		return true
	})

	return keys
}

func (s *Store) Len() int {
	return s.Entries.Len()
}
