package operation

import (
	"fmt"
	"testing"

	"github.com/ValentinKolb/swarmKV/lib/pbft"
	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/ValentinKolb/swarmKV/lib/storage"
	"github.com/ValentinKolb/swarmKV/lib/storage/memstorage"
)

// staticBeacon is a fixed membership for tests
type staticBeacon []string

func (b staticBeacon) Current() []pbft.Peer {
	peers := make([]pbft.Peer, len(b))
	for i, uuid := range b {
		peers[i] = pbft.Peer{UUID: uuid}
	}
	return peers
}

var testPeers = staticBeacon{"alice", "bob", "cindy", "dave"}

const (
	testView uint64 = 1
	testSeq  uint64 = 2
	testHash        = "a very hashy hash"
)

func pbftMsg(t proto.PbftMsgType, sender string) (*proto.PbftMsg, *proto.Envelope) {
	msg := &proto.PbftMsg{
		Type:        t,
		View:        testView,
		Sequence:    testSeq,
		RequestHash: testHash,
		Sender:      sender,
	}
	return msg, proto.NewPbftMsgEnvelope(sender, msg)
}

func TestQuorumMath(t *testing.T) {
	cases := []struct {
		peers, f, quorum int
	}{
		{1, 0, 1},
		{3, 1, 3},
		{4, 1, 3},
		{6, 2, 5},
		{7, 2, 5},
	}
	for _, c := range cases {
		if f := pbft.MaxFaulty(c.peers); f != c.f {
			t.Errorf("MaxFaulty(%d) = %d, want %d", c.peers, f, c.f)
		}
		if q := pbft.Quorum(c.peers); q != c.quorum {
			t.Errorf("Quorum(%d) = %d, want %d", c.peers, q, c.quorum)
		}
	}
}

func TestInitialStagePersisted(t *testing.T) {
	s := memstorage.New(nil)
	New(testView, testSeq, testHash, s)

	value, res := s.Read(OperationsUUID, fmt.Sprintf("%020d/%020d/%s/stage", testView, testSeq, testHash))
	if !res.OK() {
		t.Fatalf("stage record not written at construction: %v", res)
	}
	if string(value) != "prepare" {
		t.Errorf("initial stage record = %q, want %q", value, "prepare")
	}
}

func TestRehydration(t *testing.T) {
	s := memstorage.New(nil)

	op := New(testView, testSeq, testHash, s)
	msg, env := pbftMsg(proto.PbftMTPrePrepare, "alice")
	if err := op.RecordPbftMsg(msg, env); err != nil {
		t.Fatalf("RecordPbftMsg failed: %v", err)
	}
	for _, sender := range testPeers {
		msg, env := pbftMsg(proto.PbftMTPrepare, sender)
		if err := op.RecordPbftMsg(msg, env); err != nil {
			t.Fatalf("RecordPbftMsg failed: %v", err)
		}
	}
	request := proto.NewDatabaseMsgEnvelope("client", proto.NewCreateRequest("db", "key", []byte("value"), 0))
	op.RecordRequest(request)

	// drop the instance, construct a fresh one over the same storage
	op = nil
	rehydrated := New(testView, testSeq, testHash, s)

	if got := rehydrated.GetStage(); got != StagePrepare {
		t.Errorf("rehydrated stage = %v, want %v", got, StagePrepare)
	}
	pre := rehydrated.GetPreprepare()
	if pre == nil || pre.Sender != "alice" {
		t.Errorf("rehydrated preprepare sender = %v, want alice", pre)
	}
	if got := len(rehydrated.GetPrepares()); got != len(testPeers) {
		t.Errorf("rehydrated prepares = %d, want %d", got, len(testPeers))
	}
	if !rehydrated.HasDBRequest() {
		t.Fatal("rehydrated slot lost the database request")
	}
	dbMsg := rehydrated.GetDatabaseMsg()
	if dbMsg.Key != "key" || string(dbMsg.Value) != "value" {
		t.Errorf("rehydrated request payload = %+v", dbMsg)
	}
}

func TestReadyForCommitAcrossRestart(t *testing.T) {
	s := memstorage.New(nil)

	op := New(testView, testSeq, testHash, s)
	msg, env := pbftMsg(proto.PbftMTPrePrepare, "alice")
	op.RecordPbftMsg(msg, env)
	for _, sender := range testPeers[:2] {
		msg, env := pbftMsg(proto.PbftMTPrepare, sender)
		op.RecordPbftMsg(msg, env)
	}
	if op.IsReadyForCommit(testPeers) {
		t.Fatal("ready for commit with 2 of 3 required prepares")
	}

	op = New(testView, testSeq, testHash, s)
	for _, sender := range testPeers[2:] {
		msg, env := pbftMsg(proto.PbftMTPrepare, sender)
		op.RecordPbftMsg(msg, env)
	}
	if !op.IsReadyForCommit(testPeers) {
		t.Error("not ready for commit with 4 prepares and quorum 3")
	}
}

func TestSlotsAreIndependent(t *testing.T) {
	s := memstorage.New(nil)

	first := New(testView, testSeq, testHash, s)
	second := New(testView, testSeq, "a different hash", s)

	for _, sender := range testPeers {
		msg, env := pbftMsg(proto.PbftMTPrepare, sender)
		msg.RequestHash = "a different hash"
		second.RecordPbftMsg(msg, env)
	}

	if !second.IsReadyForCommit(testPeers) {
		t.Error("second slot should have a prepare quorum")
	}
	if first.IsReadyForCommit(testPeers) {
		t.Error("prepares for one hash leaked into the slot of another")
	}
	if got := len(New(testView, testSeq, testHash, s).GetPrepares()); got != 0 {
		t.Errorf("rehydrated first slot holds %d prepares, want 0", got)
	}
}

func TestDuplicateMessages(t *testing.T) {
	s := memstorage.New(nil)
	op := New(testView, testSeq, testHash, s)

	msg, env := pbftMsg(proto.PbftMTPrePrepare, "alice")
	op.RecordPbftMsg(msg, env)
	msg2, env2 := pbftMsg(proto.PbftMTPrePrepare, "bob")
	op.RecordPbftMsg(msg2, env2)

	// the first accepted preprepare wins
	if pre := op.GetPreprepare(); pre.Sender != "alice" {
		t.Errorf("preprepare sender = %s, want alice", pre.Sender)
	}

	// prepare duplicates from the same sender count once
	for i := 0; i < 3; i++ {
		msg, env := pbftMsg(proto.PbftMTPrepare, "bob")
		op.RecordPbftMsg(msg, env)
	}
	if got := len(op.GetPrepares()); got != 1 {
		t.Errorf("prepares = %d, want 1", got)
	}
}

func TestRecordRejectsForeignTypes(t *testing.T) {
	s := memstorage.New(nil)
	op := New(testView, testSeq, testHash, s)

	for _, badType := range []proto.PbftMsgType{proto.PbftMTCheckpoint, proto.PbftMTViewChange, proto.PbftMTNewView} {
		msg, env := pbftMsg(badType, "alice")
		if err := op.RecordPbftMsg(msg, env); err == nil {
			t.Errorf("RecordPbftMsg accepted %s", badType)
		}
	}
}

func TestRecordRequestIsIdempotent(t *testing.T) {
	s := memstorage.New(nil)
	op := New(testView, testSeq, testHash, s)

	first := proto.NewDatabaseMsgEnvelope("client", proto.NewCreateRequest("db", "key", []byte("one"), 0))
	second := proto.NewDatabaseMsgEnvelope("client", proto.NewCreateRequest("db", "key", []byte("two"), 0))
	op.RecordRequest(first)
	op.RecordRequest(second)

	if got := string(op.GetDatabaseMsg().Value); got != "one" {
		t.Errorf("request value = %q, want %q", got, "one")
	}
}

func TestAdvanceStage(t *testing.T) {
	s := memstorage.New(nil)
	op := New(testView, testSeq, testHash, s)

	if err := op.AdvanceOperationStage(StageCommit, testPeers); err == nil {
		t.Fatal("advance to commit without a prepare quorum succeeded")
	}

	for _, sender := range testPeers {
		msg, env := pbftMsg(proto.PbftMTPrepare, sender)
		op.RecordPbftMsg(msg, env)
	}
	if err := op.AdvanceOperationStage(StageCommit, testPeers); err != nil {
		t.Fatalf("advance to commit failed: %v", err)
	}
	if err := op.AdvanceOperationStage(StageCommit, testPeers); err == nil {
		t.Fatal("repeated advance to commit succeeded")
	}

	if err := op.AdvanceOperationStage(StageExecute, testPeers); err == nil {
		t.Fatal("advance to execute without a commit quorum succeeded")
	}
	for _, sender := range testPeers {
		msg, env := pbftMsg(proto.PbftMTCommit, sender)
		op.RecordPbftMsg(msg, env)
	}
	if err := op.AdvanceOperationStage(StageExecute, testPeers); err != nil {
		t.Fatalf("advance to execute failed: %v", err)
	}

	// the advanced stage must survive a restart
	if got := New(testView, testSeq, testHash, s).GetStage(); got != StageExecute {
		t.Errorf("rehydrated stage = %v, want %v", got, StageExecute)
	}
}

// populateOps records 100 slots at sequences 1..100 and advances every
// second one to the commit stage
func populateOps(t *testing.T, s storage.IStorage) {
	t.Helper()
	for seq := uint64(1); seq <= 100; seq++ {
		op := New(testView, seq, testHash, s)
		request := proto.NewDatabaseMsgEnvelope("client", proto.NewCreateRequest("db", "key", []byte("value"), 0))
		op.RecordRequest(request)

		if seq%2 != 0 {
			continue
		}
		for _, sender := range testPeers {
			msg := &proto.PbftMsg{Type: proto.PbftMTPrepare, View: testView, Sequence: seq, RequestHash: testHash, Sender: sender}
			op.RecordPbftMsg(msg, proto.NewPbftMsgEnvelope(sender, msg))
		}
		if err := op.AdvanceOperationStage(StageCommit, testPeers); err != nil {
			t.Fatalf("advance seq %d failed: %v", seq, err)
		}
	}
}

func TestPreparedOperationsInRange(t *testing.T) {
	s := memstorage.New(nil)
	populateOps(t, s)

	if got := len(PreparedOperationsInRange(s, 0, 100)); got != 50 {
		t.Errorf("prepared operations in (0,100] = %d, want 50", got)
	}
	// (lo,hi] excludes lo and includes hi
	if got := len(PreparedOperationsInRange(s, 2, 4)); got != 1 {
		t.Errorf("prepared operations in (2,4] = %d, want 1", got)
	}
	if got := len(PreparedOperationsInRange(s, 100, 200)); got != 0 {
		t.Errorf("prepared operations in (100,200] = %d, want 0", got)
	}
}

func TestRemoveRange(t *testing.T) {
	s := memstorage.New(nil)
	populateOps(t, s)

	countSeq := func(lo, hi uint64) int {
		n := 0
		for _, record := range s.GetKeys(OperationsUUID) {
			key, _, ok := parseRecordKey(record)
			if ok && key.Sequence > lo && key.Sequence <= hi {
				n++
			}
		}
		return n
	}

	RemoveRange(s, 50, 60)
	if got := countSeq(50, 60); got != 0 {
		t.Errorf("%d records left in (50,60] after RemoveRange", got)
	}
	if got := countSeq(0, 50); got == 0 {
		t.Error("RemoveRange erased records below the range")
	}

	RemoveRange(s, 0, 100)
	if keys := s.GetKeys(OperationsUUID); len(keys) != 0 {
		t.Errorf("%d operation records left after removing the full range", len(keys))
	}
}
