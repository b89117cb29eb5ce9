package grid

import (
	"context"
	"fmt"
)

type StorageCfg[K, V any] struct {
	StorageId  string
	KeyCodec   Codec[K]
	ValueCodec Codec[V]
}

// ReplicatedStorage is a key-value map shared by all endpoints of the grid.
// Mutations go through the log and return once applied locally; reads use
// the local state and can be behind mutations committed on other
// endpoints.
type ReplicatedStorage[K, V any] struct {
	Cfg StorageCfg[K, V]

	grid  *Grid
	store *Store
}

func NewReplicatedStorage[K, V any](g *Grid, cfg StorageCfg[K, V]) (*ReplicatedStorage[K, V], error) {
	if cfg.StorageId == "" {
		return nil, fmt.Errorf("missing or empty storage id")
	}

	if cfg.KeyCodec == nil {
		return nil, fmt.Errorf("missing key codec")
	}

	if cfg.ValueCodec == nil {
		return nil, fmt.Errorf("missing value codec")
	}

	s := ReplicatedStorage[K, V]{
		Cfg: cfg,

		grid:  g,
		store: g.store(cfg.StorageId),
	}

	return &s, nil
}

func (s *ReplicatedStorage[K, V]) Id() string {
	return s.Cfg.StorageId
}

// Insert creates a key if it does not exist. If it does, the existing value
// is returned and left unchanged. When several endpoints insert the same
// key concurrently, exactly one of them creates it.
func (s *ReplicatedStorage[K, V]) Insert(ctx context.Context, key K, value V) (V, bool, error) {
	keyData, valueData, err := s.encodeEntry(key, value)
	if err != nil {
		var zero V
		return zero, false, err
	}

	op := OpStorageInsert{
		StorageId: s.Cfg.StorageId,
		Key:       keyData,
		Value:     valueData,
	}

	return s.submit(ctx, &op)
}

// Set sets the value of a key and returns the previous one if there was
// one.
func (s *ReplicatedStorage[K, V]) Set(ctx context.Context, key K, value V) (V, bool, error) {
	keyData, valueData, err := s.encodeEntry(key, value)
	if err != nil {
		var zero V
		return zero, false, err
	}

	op := OpStorageSet{
		StorageId: s.Cfg.StorageId,
		Key:       keyData,
		Value:     valueData,
	}

	return s.submit(ctx, &op)
}

// Delete removes a key and returns its value if it existed.
func (s *ReplicatedStorage[K, V]) Delete(ctx context.Context, key K) (V, bool, error) {
	keyData, err := s.encodeKey(key)
	if err != nil {
		var zero V
		return zero, false, err
	}

	op := OpStorageDelete{
		StorageId: s.Cfg.StorageId,
		Key:       keyData,
	}

	return s.submit(ctx, &op)
}

func (s *ReplicatedStorage[K, V]) Get(key K) (V, bool, error) {
	var zero V

	keyData, err := s.encodeKey(key)
	if err != nil {
		return zero, false, err
	}

	entry, found := s.store.Get(keyData)
	if !found {
		return zero, false, nil
	}

	value, err := s.decodeValue(entry.Value)
	if err != nil {
		return zero, false, err
	}

	return value, true, nil
}

// Version returns the number of times a key was written since it was
// created.
func (s *ReplicatedStorage[K, V]) Version(key K) (int64, bool, error) {
	keyData, err := s.encodeKey(key)
	if err != nil {
		return 0, false, err
	}

	entry, found := s.store.Get(keyData)
	if !found {
		return 0, false, nil
	}

	return entry.Version, true, nil
}

// Keys returns all keys ordered by their encoded form.
func (s *ReplicatedStorage[K, V]) Keys() ([]K, error) {
	keysData := s.store.Keys()

	keys := make([]K, len(keysData))
	for i, keyData := range keysData {
		key, err := s.Cfg.KeyCodec.Decode(keyData)
		if err != nil {
			return nil, NewEncodingError("key", err)
		}

		keys[i] = key
	}

	return keys, nil
}

func (s *ReplicatedStorage[K, V]) Size() int {
	return s.store.Len()
}

func (s *ReplicatedStorage[K, V]) submit(ctx context.Context, op Op) (V, bool, error) {
	var zero V

	res, err := s.grid.submit(ctx, op)
	if err != nil {
		return zero, false, fmt.Errorf("cannot apply %s operation on "+
			"storage %q: %w", op.Name(), s.Cfg.StorageId, err)
	}

	if !res.Found {
		return zero, false, nil
	}

	value, err := s.decodeValue(res.Value)
	if err != nil {
		return zero, false, err
	}

	return value, true, nil
}

func (s *ReplicatedStorage[K, V]) encodeKey(key K) ([]byte, error) {
	data, err := s.Cfg.KeyCodec.Encode(key)
	if err != nil {
		return nil, NewEncodingError("key", err)
	}

	return data, nil
}

func (s *ReplicatedStorage[K, V]) encodeEntry(key K, value V) ([]byte, []byte, error) {
	keyData, err := s.encodeKey(key)
	if err != nil {
		return nil, nil, err
	}

	valueData, err := s.Cfg.ValueCodec.Encode(value)
	if err != nil {
		return nil, nil, NewEncodingError("value", err)
	}

	return keyData, valueData, nil
}

func (s *ReplicatedStorage[K, V]) decodeValue(data []byte) (V, error) {
	value, err := s.Cfg.ValueCodec.Decode(data)
	if err != nil {
		return value, NewEncodingError("value", err)
	}

	return value, nil
}
