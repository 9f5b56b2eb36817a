// Package ldbstorage provides a LevelDB-backed implementation of the
// storage.IStorage interface.
//
// Pairs are stored under composite keys of the form namespace || 0x00 || key,
// so all keys of one namespace form a contiguous range and can be enumerated
// with a single prefix iteration. Namespaces themselves never contain the
// zero byte (they are uuids or the reserved internal names).
package ldbstorage

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/ValentinKolb/swarmKV/lib/storage"
	"github.com/syndtr/goleveldb/leveldb"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

const nsSeparator = byte(0x00)

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

// ldbStorage implements storage.IStorage on top of a LevelDB database
type ldbStorage struct {
	db *leveldb.DB

	// LevelDB has no conditional write, so read-modify-write sequences
	// (Create, Update) are serialized here. Plain reads go through
	// without the lock, LevelDB is internally consistent.
	writeMtx sync.Mutex

	snapMtx  sync.Mutex
	snapshot []byte
}

// New opens (or creates) a LevelDB database at the given path and
// returns it as a storage engine.
func New(path string) (storage.IStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &ldbStorage{db: db}, nil
}

// Close releases the underlying database handle.
func (l *ldbStorage) Close() error {
	return l.db.Close()
}

// compositeKey builds the on-disk key for a namespace/key pair
func compositeKey(uuid, key string) []byte {
	k := make([]byte, 0, len(uuid)+1+len(key))
	k = append(k, uuid...)
	k = append(k, nsSeparator)
	k = append(k, key...)
	return k
}

// nsPrefix returns the iteration prefix covering a full namespace
func nsPrefix(uuid string) []byte {
	p := make([]byte, 0, len(uuid)+1)
	p = append(p, uuid...)
	p = append(p, nsSeparator)
	return p
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (l *ldbStorage) Create(uuid, key string, value []byte) storage.Result {
	l.writeMtx.Lock()
	defer l.writeMtx.Unlock()

	ck := compositeKey(uuid, key)
	if has, _ := l.db.Has(ck, nil); has {
		return storage.ResultExists
	}
	if err := l.db.Put(ck, value, nil); err != nil {
		return storage.ResultInvalidArgument
	}
	return storage.ResultOK
}

func (l *ldbStorage) Update(uuid, key string, value []byte) storage.Result {
	l.writeMtx.Lock()
	defer l.writeMtx.Unlock()

	ck := compositeKey(uuid, key)
	if has, _ := l.db.Has(ck, nil); !has {
		return storage.ResultNotFound
	}
	if err := l.db.Put(ck, value, nil); err != nil {
		return storage.ResultInvalidArgument
	}
	return storage.ResultOK
}

func (l *ldbStorage) Remove(uuid, key string) storage.Result {
	l.writeMtx.Lock()
	defer l.writeMtx.Unlock()

	ck := compositeKey(uuid, key)
	if has, _ := l.db.Has(ck, nil); !has {
		return storage.ResultNotFound
	}
	if err := l.db.Delete(ck, nil); err != nil {
		return storage.ResultInvalidArgument
	}
	return storage.ResultOK
}

func (l *ldbStorage) RemoveAll(uuid string) storage.Result {
	l.writeMtx.Lock()
	defer l.writeMtx.Unlock()

	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(ldbutil.BytesPrefix(nsPrefix(uuid)), nil)
	for iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		batch.Delete(k)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return storage.ResultInvalidArgument
	}
	if err := l.db.Write(batch, nil); err != nil {
		return storage.ResultInvalidArgument
	}
	return storage.ResultOK
}

// --------------------------------------------------------------------------
// Read Operations
// --------------------------------------------------------------------------

func (l *ldbStorage) Has(uuid, key string) bool {
	has, _ := l.db.Has(compositeKey(uuid, key), nil)
	return has
}

func (l *ldbStorage) Read(uuid, key string) ([]byte, storage.Result) {
	value, err := l.db.Get(compositeKey(uuid, key), nil)
	if err != nil {
		return nil, storage.ResultNotFound
	}
	return value, storage.ResultOK
}

func (l *ldbStorage) GetKeys(uuid string) []string {
	prefix := nsPrefix(uuid)
	var keys []string

	iter := l.db.NewIterator(ldbutil.BytesPrefix(prefix), nil)
	for iter.Next() {
		keys = append(keys, string(iter.Key()[len(prefix):]))
	}
	iter.Release()
	return keys
}

func (l *ldbStorage) GetSize(uuid string) (int32, int64) {
	prefix := nsPrefix(uuid)
	var (
		keys  int32
		total int64
	)

	iter := l.db.NewIterator(ldbutil.BytesPrefix(prefix), nil)
	for iter.Next() {
		keys++
		total += int64(len(iter.Key()) - len(prefix) + len(iter.Value()))
	}
	iter.Release()
	return keys, total
}

func (l *ldbStorage) GetKeySize(uuid, key string) (int64, storage.Result) {
	value, err := l.db.Get(compositeKey(uuid, key), nil)
	if err != nil {
		return 0, storage.ResultNotFound
	}
	return int64(len(key) + len(value)), storage.ResultOK
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// snapshots use the same merged-map gob encoding as the in-memory engine,
// so state can be exported from one engine type and loaded into the other

func (l *ldbStorage) CreateSnapshot() error {
	merged := make(map[string]map[string][]byte)

	snap, err := l.db.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	iter := snap.NewIterator(nil, nil)
	for iter.Next() {
		sep := bytes.IndexByte(iter.Key(), nsSeparator)
		if sep < 0 {
			continue
		}
		uuid := string(iter.Key()[:sep])
		key := string(iter.Key()[sep+1:])

		ns, ok := merged[uuid]
		if !ok {
			ns = make(map[string][]byte)
			merged[uuid] = ns
		}
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		ns[key] = value
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(merged); err != nil {
		return err
	}

	l.snapMtx.Lock()
	l.snapshot = buf.Bytes()
	l.snapMtx.Unlock()
	return nil
}

func (l *ldbStorage) GetSnapshot() []byte {
	l.snapMtx.Lock()
	defer l.snapMtx.Unlock()
	return l.snapshot
}

func (l *ldbStorage) LoadSnapshot(data []byte) error {
	var merged map[string]map[string][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&merged); err != nil {
		return err
	}

	l.writeMtx.Lock()
	defer l.writeMtx.Unlock()

	// drop the current state
	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(nil, nil)
	for iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		batch.Delete(k)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	for uuid, ns := range merged {
		for key, value := range ns {
			batch.Put(compositeKey(uuid, key), value)
		}
	}
	return l.db.Write(batch, nil)
}
