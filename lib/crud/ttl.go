package crud

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/swarmKV/lib/proto"
)

// TTLUUID is the reserved namespace holding expiration entries. Entry keys
// encode (database, key) as a small json document, entry values are the
// absolute expiry as unix seconds in decimal ascii.
const TTLUUID = "TTL"

// ttlTick is how often the expiration sweep runs.
const ttlTick = 5 * time.Second

var expiredKeysTotal = metrics.NewCounter(`swarmkv_crud_expired_keys_total`)

// --------------------------------------------------------------------------
// Expiration Entry Codec
// --------------------------------------------------------------------------

type expireKey struct {
	Uuid string `json:"uuid"`
	Key  string `json:"key"`
}

// generateExpireKey encodes (database, key) into the record key used in the
// TTL namespace.
func generateExpireKey(dbUuid, key string) string {
	raw, err := json.Marshal(&expireKey{Uuid: dbUuid, Key: key})
	if err != nil {
		panic(fmt.Sprintf("encoding expiration key for %s/%s: %v", dbUuid, key, err))
	}
	return string(raw)
}

// extractUuidKey decodes an expiration record key back into (database, key).
// A record that does not parse is corrupted state.
func extractUuidKey(record string) (dbUuid, key string) {
	parsed := &expireKey{}
	if err := json.Unmarshal([]byte(record), parsed); err != nil {
		panic(fmt.Sprintf("corrupted expiration record key %q: %v", record, err))
	}
	return parsed.Uuid, parsed.Key
}

// --------------------------------------------------------------------------
// Expiration Entry Management
// --------------------------------------------------------------------------

// updateExpirationEntry sets, replaces or removes the expiration entry of a
// pair. expire is relative seconds from now, 0 removes any existing entry.
func (s *service) updateExpirationEntry(dbUuid, key string, expire uint64) {
	record := generateExpireKey(dbUuid, key)
	if expire == 0 {
		s.storage.Remove(TTLUUID, record)
		return
	}

	value := []byte(strconv.FormatUint(uint64(time.Now().Unix())+expire, 10))
	if res := s.storage.Create(TTLUUID, record, value); !res.OK() {
		if res := s.storage.Update(TTLUUID, record, value); !res.OK() {
			panic(fmt.Sprintf("writing expiration entry for %s/%s: %v", dbUuid, key, res))
		}
	}
}

// readExpiry returns the absolute expiry of a pair and whether an entry
// exists.
func (s *service) readExpiry(dbUuid, key string) (uint64, bool) {
	raw, res := s.storage.Read(TTLUUID, generateExpireKey(dbUuid, key))
	if !res.OK() {
		return 0, false
	}
	expiry, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("corrupted expiration entry for %s/%s: %v", dbUuid, key, err))
	}
	return expiry, true
}

// expired reports whether a pair has an expiration entry that has already
// passed. Pairs without an entry never expire.
func (s *service) expired(dbUuid, key string) bool {
	expiry, ok := s.readExpiry(dbUuid, key)
	return ok && expiry <= uint64(time.Now().Unix())
}

// getTTL returns the remaining lifetime of a pair in seconds and whether an
// expiration entry exists.
func (s *service) getTTL(dbUuid, key string) (uint64, bool) {
	expiry, ok := s.readExpiry(dbUuid, key)
	if !ok {
		return 0, false
	}
	now := uint64(time.Now().Unix())
	if expiry > now {
		return expiry - now, true
	}
	return 0, true
}

// flushExpirationEntries drops every expiration entry belonging to the
// given database. Called when the database itself is deleted.
func (s *service) flushExpirationEntries(dbUuid string) {
	for _, record := range s.storage.GetKeys(TTLUUID) {
		if db, _ := extractUuidKey(record); db == dbUuid {
			s.storage.Remove(TTLUUID, record)
		}
	}
}

// ttlLookup returns the absolute expiry of every pair in a database that
// currently has an expiration entry. Used by the volatile_ttl eviction
// policy.
func (s *service) ttlLookup(dbUuid string) map[string]uint64 {
	expiries := make(map[string]uint64)
	for _, record := range s.storage.GetKeys(TTLUUID) {
		db, key := extractUuidKey(record)
		if db != dbUuid {
			continue
		}
		raw, res := s.storage.Read(TTLUUID, record)
		if !res.OK() {
			continue
		}
		expiry, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			panic(fmt.Sprintf("corrupted expiration entry %q: %v", record, err))
		}
		expiries[key] = expiry
	}
	return expiries
}

// --------------------------------------------------------------------------
// Expiration Sweep
// --------------------------------------------------------------------------

func (s *service) sweepLoop() {
	ticker := time.NewTicker(ttlTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkKeyExpiration()
		}
	}
}

// checkKeyExpiration scans all expiration entries. Expired pairs are deleted
// through consensus so every replica removes them in the same order, entries
// whose pair is already gone are dropped locally.
func (s *service) checkKeyExpiration() {
	now := uint64(time.Now().Unix())

	type target struct{ dbUuid, key string }
	var expired []target

	// the sweep mutates the TTL namespace, so it takes the exclusive lock
	s.mtx.Lock()
	for _, record := range s.storage.GetKeys(TTLUUID) {
		raw, res := s.storage.Read(TTLUUID, record)
		if !res.OK() {
			s.mtx.Unlock()
			panic(fmt.Sprintf("expiration entry %q disappeared mid-sweep: %v", record, res))
		}
		expiry, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			s.mtx.Unlock()
			panic(fmt.Sprintf("corrupted expiration entry %q: %v", record, err))
		}

		dbUuid, key := extractUuidKey(record)
		if now >= expiry {
			expired = append(expired, target{dbUuid: dbUuid, key: key})
		} else if !s.storage.Has(dbUuid, key) {
			// the pair was evicted or deleted without touching the entry
			s.storage.Remove(TTLUUID, record)
		}
	}
	s.mtx.Unlock()

	// deletes go through consensus outside the lock, the local apply path
	// takes it again
	for _, t := range expired {
		expiredKeysTotal.Inc()
		request := proto.NewDeleteRequest(t.dbUuid, t.key)
		s.pbft.HandleDatabaseMessage(proto.NewDatabaseMsgEnvelope(s.nodeUUID, request), nil)
	}
}
