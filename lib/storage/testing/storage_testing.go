// Package testing provides a shared conformance test suite for
// storage.IStorage implementations. Every engine runs the same suite from
// its own package test, so all engines agree on the interface semantics.
package testing

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/ValentinKolb/swarmKV/lib/storage"
)

// RunStorageTests runs the conformance suite against the engine produced by
// the given factory. The factory is called once per subtest so tests do not
// interfere with each other.
func RunStorageTests(t *testing.T, factory storage.StorageFactory) {
	t.Run("TestCreateRead", func(t *testing.T) { testCreateRead(t, factory()) })
	t.Run("TestCreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, factory()) })
	t.Run("TestUpdate", func(t *testing.T) { testUpdate(t, factory()) })
	t.Run("TestRemove", func(t *testing.T) { testRemove(t, factory()) })
	t.Run("TestRemoveAll", func(t *testing.T) { testRemoveAll(t, factory()) })
	t.Run("TestHas", func(t *testing.T) { testHas(t, factory()) })
	t.Run("TestGetKeys", func(t *testing.T) { testGetKeys(t, factory()) })
	t.Run("TestGetSize", func(t *testing.T) { testGetSize(t, factory()) })
	t.Run("TestGetKeySize", func(t *testing.T) { testGetKeySize(t, factory()) })
	t.Run("TestNamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory()) })
	t.Run("TestSnapshotRoundTrip", func(t *testing.T) { testSnapshotRoundTrip(t, factory()) })
	t.Run("TestConcurrentWrites", func(t *testing.T) { testConcurrentWrites(t, factory()) })
}

func testCreateRead(t *testing.T, s storage.IStorage) {
	if res := s.Create("ns", "key", []byte("value")); !res.OK() {
		t.Fatalf("Create failed: %v", res)
	}
	value, res := s.Read("ns", "key")
	if !res.OK() {
		t.Fatalf("Read failed: %v", res)
	}
	if string(value) != "value" {
		t.Errorf("Read returned %q, want %q", value, "value")
	}

	// missing keys report not_found
	if _, res := s.Read("ns", "missing"); res != storage.ResultNotFound {
		t.Errorf("Read of missing key returned %v, want %v", res, storage.ResultNotFound)
	}
	if _, res := s.Read("other", "key"); res != storage.ResultNotFound {
		t.Errorf("Read of missing namespace returned %v, want %v", res, storage.ResultNotFound)
	}
}

func testCreateDuplicate(t *testing.T, s storage.IStorage) {
	if res := s.Create("ns", "key", []byte("one")); !res.OK() {
		t.Fatalf("Create failed: %v", res)
	}
	if res := s.Create("ns", "key", []byte("two")); res != storage.ResultExists {
		t.Fatalf("duplicate Create returned %v, want %v", res, storage.ResultExists)
	}

	// the original value must be untouched
	value, _ := s.Read("ns", "key")
	if string(value) != "one" {
		t.Errorf("value after duplicate Create is %q, want %q", value, "one")
	}
}

func testUpdate(t *testing.T, s storage.IStorage) {
	if res := s.Update("ns", "key", []byte("value")); res != storage.ResultNotFound {
		t.Fatalf("Update of missing key returned %v, want %v", res, storage.ResultNotFound)
	}

	s.Create("ns", "key", []byte("old"))
	if res := s.Update("ns", "key", []byte("new")); !res.OK() {
		t.Fatalf("Update failed: %v", res)
	}
	value, _ := s.Read("ns", "key")
	if string(value) != "new" {
		t.Errorf("value after Update is %q, want %q", value, "new")
	}
}

func testRemove(t *testing.T, s storage.IStorage) {
	if res := s.Remove("ns", "key"); res != storage.ResultNotFound {
		t.Fatalf("Remove of missing key returned %v, want %v", res, storage.ResultNotFound)
	}

	s.Create("ns", "key", []byte("value"))
	if res := s.Remove("ns", "key"); !res.OK() {
		t.Fatalf("Remove failed: %v", res)
	}
	if s.Has("ns", "key") {
		t.Error("key still present after Remove")
	}
}

func testRemoveAll(t *testing.T, s storage.IStorage) {
	for i := 0; i < 10; i++ {
		s.Create("ns", fmt.Sprintf("key-%d", i), []byte("value"))
	}
	s.Create("keep", "key", []byte("value"))

	if res := s.RemoveAll("ns"); !res.OK() {
		t.Fatalf("RemoveAll failed: %v", res)
	}
	if keys := s.GetKeys("ns"); len(keys) != 0 {
		t.Errorf("namespace still holds %d keys after RemoveAll", len(keys))
	}
	if !s.Has("keep", "key") {
		t.Error("RemoveAll touched a different namespace")
	}
}

func testHas(t *testing.T, s storage.IStorage) {
	if s.Has("ns", "key") {
		t.Error("Has reported a missing key")
	}
	s.Create("ns", "key", []byte("value"))
	if !s.Has("ns", "key") {
		t.Error("Has missed an existing key")
	}
}

func testGetKeys(t *testing.T, s storage.IStorage) {
	want := []string{"alpha", "beta", "gamma"}
	for _, key := range want {
		s.Create("ns", key, []byte("value"))
	}

	keys := s.GetKeys("ns")
	sort.Strings(keys)
	if len(keys) != len(want) {
		t.Fatalf("GetKeys returned %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("GetKeys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func testGetSize(t *testing.T, s storage.IStorage) {
	if keys, bytes := s.GetSize("ns"); keys != 0 || bytes != 0 {
		t.Errorf("empty namespace reports size (%d, %d)", keys, bytes)
	}

	s.Create("ns", "ab", []byte("xyz"))  // 5 bytes
	s.Create("ns", "cd", []byte("wxyz")) // 6 bytes

	keys, bytes := s.GetSize("ns")
	if keys != 2 {
		t.Errorf("GetSize keys = %d, want 2", keys)
	}
	if bytes != 11 {
		t.Errorf("GetSize bytes = %d, want 11", bytes)
	}
}

func testGetKeySize(t *testing.T, s storage.IStorage) {
	if _, res := s.GetKeySize("ns", "key"); res != storage.ResultNotFound {
		t.Fatalf("GetKeySize of missing key returned %v, want %v", res, storage.ResultNotFound)
	}

	s.Create("ns", "key", []byte("value"))
	size, res := s.GetKeySize("ns", "key")
	if !res.OK() {
		t.Fatalf("GetKeySize failed: %v", res)
	}
	if size != int64(len("key")+len("value")) {
		t.Errorf("GetKeySize = %d, want %d", size, len("key")+len("value"))
	}
}

func testNamespaceIsolation(t *testing.T, s storage.IStorage) {
	s.Create("ns1", "key", []byte("one"))
	s.Create("ns2", "key", []byte("two"))

	v1, _ := s.Read("ns1", "key")
	v2, _ := s.Read("ns2", "key")
	if string(v1) != "one" || string(v2) != "two" {
		t.Errorf("namespaces leak: ns1=%q ns2=%q", v1, v2)
	}

	s.Remove("ns1", "key")
	if !s.Has("ns2", "key") {
		t.Error("Remove in ns1 removed the key in ns2")
	}
}

func testSnapshotRoundTrip(t *testing.T, s storage.IStorage) {
	if snap := s.GetSnapshot(); snap != nil {
		t.Error("GetSnapshot returned data before CreateSnapshot")
	}

	s.Create("ns", "key", []byte("value"))
	s.Create("other", "key2", []byte("value2"))
	if err := s.CreateSnapshot(); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	snap := s.GetSnapshot()
	if snap == nil {
		t.Fatal("GetSnapshot returned nil after CreateSnapshot")
	}

	// mutate, then restore
	s.Create("ns", "late", []byte("late"))
	s.Remove("other", "key2")

	if err := s.LoadSnapshot(snap); err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if s.Has("ns", "late") {
		t.Error("key created after the snapshot survived LoadSnapshot")
	}
	if value, res := s.Read("other", "key2"); !res.OK() || string(value) != "value2" {
		t.Errorf("key removed after the snapshot was not restored (res=%v, value=%q)", res, value)
	}
}

func testConcurrentWrites(t *testing.T, s storage.IStorage) {
	const (
		workers = 8
		keys    = 100
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < keys; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i)
				if res := s.Create("ns", key, []byte("value")); !res.OK() {
					t.Errorf("concurrent Create %s failed: %v", key, res)
				}
			}
		}(w)
	}
	wg.Wait()

	if count, _ := s.GetSize("ns"); count != workers*keys {
		t.Errorf("GetSize keys = %d, want %d", count, workers*keys)
	}
}
