// Package memstorage provides a sharded in-memory implementation of the
// storage.IStorage interface.
//
// Keys are distributed over a fixed number of shards by a seeded FNV-1a
// hash of namespace and key, so concurrent writers to different keys
// rarely contend on the same lock. Namespace-wide operations (GetKeys,
// GetSize, RemoveAll) visit every shard.
package memstorage

import (
	"bytes"
	"encoding/gob"
	"runtime"
	"sync"

	"github.com/ValentinKolb/swarmKV/lib/storage"
	"github.com/ValentinKolb/swarmKV/lib/storage/util"
)

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

// memStorage implements storage.IStorage with sharded in-memory maps
type memStorage struct {
	numShards int      // Number of shards
	seed      uint64   // Seed for hash function
	shards    []*shard // Array of shards

	snapMtx  sync.Mutex // Guards snapshot
	snapshot []byte     // Most recently created snapshot (nil = none)
}

// shard holds a slice of the key space, guarded by its own lock
type shard struct {
	mtx  sync.RWMutex
	data map[string]map[string][]byte // namespace -> key -> value
}

// Options configures the memStorage behavior during initialization
type Options struct {
	NumShards int // Number of shards (0 = auto)
}

// DefaultOptions returns the default memStorage options
func DefaultOptions() *Options {
	return &Options{
		NumShards: runtime.NumCPU(),
	}
}

// New creates a new in-memory storage engine with the specified
// options (optional).
//
// Thread-safety: This function is not thread-safe and should only be called
// once during initialization. All methods of the returned engine are safe
// for concurrent use.
func New(opts *Options) storage.IStorage {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.NumShards <= 0 {
		opts.NumShards = runtime.NumCPU()
	}

	shards := make([]*shard, opts.NumShards)
	for i := range shards {
		shards[i] = &shard{data: make(map[string]map[string][]byte)}
	}

	return &memStorage{
		numShards: opts.NumShards,
		seed:      util.GenerateSeed(),
		shards:    shards,
	}
}

// shardFor selects the shard responsible for a namespace/key pair
func (m *memStorage) shardFor(uuid, key string) *shard {
	h := util.HashString(uuid+"\x00"+key, m.seed)
	return m.shards[uint64(h)%uint64(m.numShards)]
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (m *memStorage) Create(uuid, key string, value []byte) storage.Result {
	s := m.shardFor(uuid, key)
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ns, ok := s.data[uuid]
	if !ok {
		ns = make(map[string][]byte)
		s.data[uuid] = ns
	}
	if _, exists := ns[key]; exists {
		return storage.ResultExists
	}

	// copy to keep the engine independent of caller buffers
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	ns[key] = valueCopy
	return storage.ResultOK
}

func (m *memStorage) Update(uuid, key string, value []byte) storage.Result {
	s := m.shardFor(uuid, key)
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ns, ok := s.data[uuid]
	if !ok {
		return storage.ResultNotFound
	}
	if _, exists := ns[key]; !exists {
		return storage.ResultNotFound
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	ns[key] = valueCopy
	return storage.ResultOK
}

func (m *memStorage) Remove(uuid, key string) storage.Result {
	s := m.shardFor(uuid, key)
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ns, ok := s.data[uuid]
	if !ok {
		return storage.ResultNotFound
	}
	if _, exists := ns[key]; !exists {
		return storage.ResultNotFound
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(s.data, uuid)
	}
	return storage.ResultOK
}

func (m *memStorage) RemoveAll(uuid string) storage.Result {
	for _, s := range m.shards {
		s.mtx.Lock()
		delete(s.data, uuid)
		s.mtx.Unlock()
	}
	return storage.ResultOK
}

// --------------------------------------------------------------------------
// Read Operations
// --------------------------------------------------------------------------

func (m *memStorage) Has(uuid, key string) bool {
	s := m.shardFor(uuid, key)
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	ns, ok := s.data[uuid]
	if !ok {
		return false
	}
	_, exists := ns[key]
	return exists
}

func (m *memStorage) Read(uuid, key string) ([]byte, storage.Result) {
	s := m.shardFor(uuid, key)
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	ns, ok := s.data[uuid]
	if !ok {
		return nil, storage.ResultNotFound
	}
	value, exists := ns[key]
	if !exists {
		return nil, storage.ResultNotFound
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	return valueCopy, storage.ResultOK
}

func (m *memStorage) GetKeys(uuid string) []string {
	var keys []string
	for _, s := range m.shards {
		s.mtx.RLock()
		for key := range s.data[uuid] {
			keys = append(keys, key)
		}
		s.mtx.RUnlock()
	}
	return keys
}

func (m *memStorage) GetSize(uuid string) (int32, int64) {
	var (
		keys  int32
		total int64
	)
	for _, s := range m.shards {
		s.mtx.RLock()
		for key, value := range s.data[uuid] {
			keys++
			total += int64(len(key) + len(value))
		}
		s.mtx.RUnlock()
	}
	return keys, total
}

func (m *memStorage) GetKeySize(uuid, key string) (int64, storage.Result) {
	s := m.shardFor(uuid, key)
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	ns, ok := s.data[uuid]
	if !ok {
		return 0, storage.ResultNotFound
	}
	value, exists := ns[key]
	if !exists {
		return 0, storage.ResultNotFound
	}
	return int64(len(key) + len(value)), storage.ResultOK
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

func (m *memStorage) CreateSnapshot() error {
	merged := make(map[string]map[string][]byte)

	for _, s := range m.shards {
		s.mtx.RLock()
		for uuid, ns := range s.data {
			target, ok := merged[uuid]
			if !ok {
				target = make(map[string][]byte, len(ns))
				merged[uuid] = target
			}
			for key, value := range ns {
				target[key] = value
			}
		}
		s.mtx.RUnlock()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(merged); err != nil {
		return storage.NewError(storage.ResultInvalidArgument, err.Error())
	}

	m.snapMtx.Lock()
	m.snapshot = buf.Bytes()
	m.snapMtx.Unlock()
	return nil
}

func (m *memStorage) GetSnapshot() []byte {
	m.snapMtx.Lock()
	defer m.snapMtx.Unlock()
	return m.snapshot
}

func (m *memStorage) LoadSnapshot(data []byte) error {
	var merged map[string]map[string][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&merged); err != nil {
		return storage.NewError(storage.ResultInvalidArgument, err.Error())
	}

	// clear all shards, then re-insert pair by pair
	for _, s := range m.shards {
		s.mtx.Lock()
		s.data = make(map[string]map[string][]byte)
		s.mtx.Unlock()
	}
	for uuid, ns := range merged {
		for key, value := range ns {
			if res := m.Create(uuid, key, value); !res.OK() {
				return storage.NewError(res, "loading snapshot entry "+uuid+"/"+key)
			}
		}
	}
	return nil
}
