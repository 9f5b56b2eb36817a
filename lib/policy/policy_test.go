package policy

import (
	"math/rand"
	"testing"

	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/ValentinKolb/swarmKV/lib/storage"
	"github.com/ValentinKolb/swarmKV/lib/storage/memstorage"
)

const testDB = "db"

// fill inserts pairs of len(key)+len(value) bytes each
func fill(t *testing.T, s storage.IStorage, pairs map[string]string) {
	t.Helper()
	for key, value := range pairs {
		if res := s.Create(testDB, key, []byte(value)); !res.OK() {
			t.Fatalf("Create %s failed: %v", key, res)
		}
	}
}

func TestGetFactory(t *testing.T) {
	s := memstorage.New(nil)
	lookup := func(string) map[string]uint64 { return nil }

	if Get(PolicyNone, s, lookup, nil) != nil {
		t.Error("Get(none) returned a policy")
	}
	if Get("bogus", s, lookup, nil) != nil {
		t.Error("Get of an unknown name returned a policy")
	}
	if Get(PolicyRandom, s, lookup, nil) == nil {
		t.Error("Get(random) returned nil")
	}
	if Get(PolicyVolatileTTL, s, lookup, nil) == nil {
		t.Error("Get(volatile_ttl) returned nil")
	}
}

func TestRandomNoEvictionNeeded(t *testing.T) {
	s := memstorage.New(nil)
	fill(t, s, map[string]string{"k1": "12345678"}) // 10 bytes

	p := NewRandom(s, rand.New(rand.NewSource(1)))
	request := proto.NewCreateRequest(testDB, "k2", []byte("12345678"), 0)
	if keys := p.KeysToEvict(request, 20); keys != nil {
		t.Errorf("eviction selected %v although the operation fits", keys)
	}
}

func TestRandomFreesEnough(t *testing.T) {
	// two 9-byte pairs fill 18 of 20 bytes, a third 9-byte pair needs 7 more
	s := memstorage.New(nil)
	fill(t, s, map[string]string{"k1": "1234567", "k2": "1234567"})

	p := NewRandom(s, rand.New(rand.NewSource(1)))
	request := proto.NewCreateRequest(testDB, "k3", []byte("1234567"), 0)
	keys := p.KeysToEvict(request, 20)
	if len(keys) != 1 {
		t.Fatalf("eviction selected %d keys, want 1", len(keys))
	}
	if keys[0] != "k1" && keys[0] != "k2" {
		t.Errorf("eviction selected unknown key %q", keys[0])
	}
}

func TestRandomImpossible(t *testing.T) {
	s := memstorage.New(nil)
	fill(t, s, map[string]string{"k1": "1234567"})

	p := NewRandom(s, rand.New(rand.NewSource(1)))
	// 30 pending bytes never fit into 20, no matter what is evicted
	request := proto.NewCreateRequest(testDB, "big", []byte("123456789012345678901234567"), 0)
	if keys := p.KeysToEvict(request, 20); keys != nil {
		t.Errorf("eviction selected %v for an operation that cannot fit", keys)
	}
}

func TestRandomNeverSelectsOwnKey(t *testing.T) {
	s := memstorage.New(nil)
	fill(t, s, map[string]string{"k1": "1234567", "k2": "1234567"})

	p := NewRandom(s, rand.New(rand.NewSource(1)))
	// updating k1 with a larger value, k1 itself must not be evicted
	request := proto.NewUpdateRequest(testDB, "k1", []byte("123456789012345"), 0)
	for i := 0; i < 20; i++ {
		for _, key := range p.KeysToEvict(request, 20) {
			if key == "k1" {
				t.Fatal("eviction selected the key the request updates")
			}
		}
	}
}

func TestRandomUpdateReusesOwnSpace(t *testing.T) {
	s := memstorage.New(nil)
	fill(t, s, map[string]string{"k1": "1234567", "k2": "1234567"})

	p := NewRandom(s, rand.New(rand.NewSource(1)))
	// same-size update of k1 frees its previous pair, nothing to evict
	request := proto.NewUpdateRequest(testDB, "k1", []byte("7654321"), 0)
	if keys := p.KeysToEvict(request, 20); keys != nil {
		t.Errorf("eviction selected %v for an in-place update", keys)
	}
}

func TestVolatileTTLOrdering(t *testing.T) {
	s := memstorage.New(nil)
	fill(t, s, map[string]string{"aa": "1234", "bb": "1234", "cc": "1234"}) // 6 bytes each

	lookup := func(db string) map[string]uint64 {
		return map[string]uint64{"aa": 300, "bb": 100, "cc": 200}
	}
	p := NewVolatileTTL(s, lookup)

	// 18 of 20 bytes used, 10 more pending: need 8 -> evict two keys
	request := proto.NewCreateRequest(testDB, "dd", []byte("12345678"), 0)
	keys := p.KeysToEvict(request, 20)
	if len(keys) != 2 {
		t.Fatalf("eviction selected %d keys, want 2", len(keys))
	}
	if keys[0] != "bb" || keys[1] != "cc" {
		t.Errorf("eviction order = %v, want earliest expiry first [bb cc]", keys)
	}
}

func TestVolatileTTLTieBreak(t *testing.T) {
	s := memstorage.New(nil)
	fill(t, s, map[string]string{"zz": "1234", "aa": "1234", "mm": "1234"})

	lookup := func(db string) map[string]uint64 {
		return map[string]uint64{"zz": 100, "aa": 100, "mm": 100}
	}
	p := NewVolatileTTL(s, lookup)

	request := proto.NewCreateRequest(testDB, "dd", []byte("12345678"), 0)
	keys := p.KeysToEvict(request, 20)
	if len(keys) != 2 {
		t.Fatalf("eviction selected %d keys, want 2", len(keys))
	}
	if keys[0] != "aa" || keys[1] != "mm" {
		t.Errorf("eviction order = %v, want lexicographic [aa mm] on equal expiry", keys)
	}
}

func TestVolatileTTLNeverSelectsPersistentKeys(t *testing.T) {
	s := memstorage.New(nil)
	fill(t, s, map[string]string{"ttl": "1234", "persistent": "1234"})

	lookup := func(db string) map[string]uint64 {
		return map[string]uint64{"ttl": 100}
	}
	p := NewVolatileTTL(s, lookup)

	// needs more than the single ttl key can free
	request := proto.NewCreateRequest(testDB, "dd", []byte("1234567890123"), 0)
	if keys := p.KeysToEvict(request, 20); keys != nil {
		t.Errorf("eviction selected %v, want nil when only persistent keys could free enough", keys)
	}
}
