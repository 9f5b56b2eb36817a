// Package operation implements the persistent consensus operation slot.
//
// A slot is keyed by (view, sequence, request hash) and records every
// pre-prepare, prepare and commit envelope it receives in the reserved
// operations namespace, one storage record per field. A freshly constructed
// slot with the same key rehydrates exactly the state the previous instance
// held, so a crashed node resumes voting where it stopped.
package operation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ValentinKolb/swarmKV/lib/pbft"
	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/ValentinKolb/swarmKV/lib/storage"
)

// OperationsUUID is the reserved storage namespace holding operation records.
const OperationsUUID = "OPS"

// --------------------------------------------------------------------------
// Stages
// --------------------------------------------------------------------------

// Stage is the consensus progress of an operation slot. Stages only ever
// advance, never regress.
type Stage uint8

const (
	StagePrepare Stage = iota
	StageCommit
	StageExecute
)

// String returns the persisted representation of a stage.
func (s Stage) String() string {
	switch s {
	case StagePrepare:
		return "prepare"
	case StageCommit:
		return "commit"
	case StageExecute:
		return "execute"
	default:
		return "unknown"
	}
}

func parseStage(s string) (Stage, error) {
	switch s {
	case "prepare":
		return StagePrepare, nil
	case "commit":
		return StageCommit, nil
	case "execute":
		return StageExecute, nil
	default:
		return StagePrepare, fmt.Errorf("unknown operation stage: %q", s)
	}
}

// --------------------------------------------------------------------------
// Record Keys
// --------------------------------------------------------------------------

// Key identifies an operation slot.
type Key struct {
	View        uint64
	Sequence    uint64
	RequestHash string
}

// recordPrefix returns the storage key prefix all records of a slot share.
// View and sequence are zero padded to fixed width so the lexicographic
// order of record keys equals the numeric order of sequences.
func (k Key) recordPrefix() string {
	return fmt.Sprintf("%020d/%020d/%s", k.View, k.Sequence, k.RequestHash)
}

// parseRecordKey splits a storage record key back into slot key and field.
// The field is "stage", "preprepare", "request", "prepare/<sender>" or
// "commit/<sender>".
func parseRecordKey(record string) (key Key, field string, ok bool) {
	// fixed widths: 20 digits view, "/", 20 digits seq, "/", hash "/" field
	if len(record) < 43 || record[20] != '/' || record[41] != '/' {
		return Key{}, "", false
	}
	view, err := strconv.ParseUint(record[:20], 10, 64)
	if err != nil {
		return Key{}, "", false
	}
	seq, err := strconv.ParseUint(record[21:41], 10, 64)
	if err != nil {
		return Key{}, "", false
	}
	rest := record[42:]

	// the hash never contains '/', the first separator ends it
	sep := strings.IndexByte(rest, '/')
	if sep < 0 {
		return Key{}, "", false
	}
	return Key{View: view, Sequence: seq, RequestHash: rest[:sep]}, rest[sep+1:], true
}

// --------------------------------------------------------------------------
// Persistent Operation
// --------------------------------------------------------------------------

// PersistentOperation is one consensus operation slot. All received
// envelopes and the stage are mirrored between the in-memory state and the
// operations namespace. Mutations come from the consensus driver, reads may
// happen concurrently (e.g. during newview construction).
type PersistentOperation struct {
	mtx sync.RWMutex

	key   Key
	store storage.IStorage

	stage      Stage
	preprepare *proto.Envelope
	prepares   map[string]*proto.Envelope
	commits    map[string]*proto.Envelope
	request    *proto.Envelope
}

// New constructs the slot for (view, sequence, requestHash), rehydrating
// any state a previous instance persisted. A brand-new slot writes its
// initial stage record immediately.
func New(view, sequence uint64, requestHash string, store storage.IStorage) *PersistentOperation {
	op := &PersistentOperation{
		key:      Key{View: view, Sequence: sequence, RequestHash: requestHash},
		store:    store,
		stage:    StagePrepare,
		prepares: make(map[string]*proto.Envelope),
		commits:  make(map[string]*proto.Envelope),
	}

	prefix := op.key.recordPrefix() + "/"
	var stageLoaded bool
	for _, record := range store.GetKeys(OperationsUUID) {
		if !strings.HasPrefix(record, prefix) {
			continue
		}
		field := record[len(prefix):]
		value, res := store.Read(OperationsUUID, record)
		if !res.OK() {
			panic(fmt.Sprintf("operation record %s vanished during rehydration", record))
		}

		switch {
		case field == "stage":
			stage, err := parseStage(string(value))
			if err != nil {
				panic(err.Error())
			}
			op.stage = stage
			stageLoaded = true
		case field == "preprepare":
			op.preprepare = decodeEnvelope(record, value)
		case field == "request":
			op.request = decodeEnvelope(record, value)
		case strings.HasPrefix(field, "prepare/"):
			op.prepares[field[len("prepare/"):]] = decodeEnvelope(record, value)
		case strings.HasPrefix(field, "commit/"):
			op.commits[field[len("commit/"):]] = decodeEnvelope(record, value)
		}
	}

	if !stageLoaded {
		op.writeRecord(prefix+"stage", []byte(op.stage.String()), false)
	}
	return op
}

func decodeEnvelope(record string, value []byte) *proto.Envelope {
	var env proto.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		panic(fmt.Sprintf("corrupt operation record %s: %v", record, err))
	}
	return &env
}

// writeRecord persists one record, creating or overwriting as needed.
// Storage failures here mean the record just observed is gone, that is
// corruption, not a runtime condition.
func (op *PersistentOperation) writeRecord(record string, value []byte, overwrite bool) {
	res := op.store.Create(OperationsUUID, record, value)
	if res == storage.ResultExists && overwrite {
		res = op.store.Update(OperationsUUID, record, value)
	}
	if !res.OK() && !(res == storage.ResultExists && !overwrite) {
		panic(fmt.Sprintf("failed to persist operation record %s: %v", record, res))
	}
}

func (op *PersistentOperation) encodeAndWrite(record string, env *proto.Envelope, overwrite bool) {
	data, err := json.Marshal(env)
	if err != nil {
		panic(fmt.Sprintf("failed to encode envelope for record %s: %v", record, err))
	}
	op.writeRecord(record, data, overwrite)
}

// --------------------------------------------------------------------------
// Recording
// --------------------------------------------------------------------------

// RecordPbftMsg stores a consensus message envelope in the slot. Only
// preprepare, prepare and commit messages belong to a slot; anything else
// is rejected. A second preprepare is ignored, prepare/commit duplicates
// from the same sender overwrite.
func (op *PersistentOperation) RecordPbftMsg(msg *proto.PbftMsg, env *proto.Envelope) error {
	op.mtx.Lock()
	defer op.mtx.Unlock()

	prefix := op.key.recordPrefix() + "/"
	switch msg.Type {
	case proto.PbftMTPrePrepare:
		if op.preprepare != nil {
			return nil
		}
		op.encodeAndWrite(prefix+"preprepare", env, false)
		op.preprepare = env
	case proto.PbftMTPrepare:
		op.encodeAndWrite(prefix+"prepare/"+env.Sender, env, true)
		op.prepares[env.Sender] = env
	case proto.PbftMTCommit:
		op.encodeAndWrite(prefix+"commit/"+env.Sender, env, true)
		op.commits[env.Sender] = env
	default:
		return fmt.Errorf("message type %s does not belong in an operation slot", msg.Type)
	}
	return nil
}

// RecordRequest stores the client request envelope once. Later calls are
// no-ops.
func (op *PersistentOperation) RecordRequest(env *proto.Envelope) {
	op.mtx.Lock()
	defer op.mtx.Unlock()

	if op.request != nil {
		return
	}
	op.encodeAndWrite(op.key.recordPrefix()+"/request", env, false)
	op.request = env
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// GetKey returns the slot key.
func (op *PersistentOperation) GetKey() Key {
	return op.key
}

// GetStage returns the current stage.
func (op *PersistentOperation) GetStage() Stage {
	op.mtx.RLock()
	defer op.mtx.RUnlock()
	return op.stage
}

// HasRequest reports whether a client request envelope was recorded.
func (op *PersistentOperation) HasRequest() bool {
	op.mtx.RLock()
	defer op.mtx.RUnlock()
	return op.request != nil
}

// HasDBRequest reports whether the recorded request carries a database
// message.
func (op *PersistentOperation) HasDBRequest() bool {
	op.mtx.RLock()
	defer op.mtx.RUnlock()
	return op.request != nil && op.request.Case == proto.PayloadCDatabaseMsg && op.request.DatabaseMsg != nil
}

// GetRequest returns the recorded client envelope, nil if none.
func (op *PersistentOperation) GetRequest() *proto.Envelope {
	op.mtx.RLock()
	defer op.mtx.RUnlock()
	return op.request
}

// GetDatabaseMsg returns the database message of the recorded request,
// nil if the slot holds no database request.
func (op *PersistentOperation) GetDatabaseMsg() *proto.DatabaseMsg {
	op.mtx.RLock()
	defer op.mtx.RUnlock()
	if op.request == nil {
		return nil
	}
	return op.request.DatabaseMsg
}

// GetPreprepare returns the accepted preprepare envelope, nil if none.
func (op *PersistentOperation) GetPreprepare() *proto.Envelope {
	op.mtx.RLock()
	defer op.mtx.RUnlock()
	return op.preprepare
}

// GetPrepares returns a copy of the prepare envelopes keyed by sender.
func (op *PersistentOperation) GetPrepares() map[string]*proto.Envelope {
	op.mtx.RLock()
	defer op.mtx.RUnlock()
	return copyEnvelopes(op.prepares)
}

// GetCommits returns a copy of the commit envelopes keyed by sender.
func (op *PersistentOperation) GetCommits() map[string]*proto.Envelope {
	op.mtx.RLock()
	defer op.mtx.RUnlock()
	return copyEnvelopes(op.commits)
}

func copyEnvelopes(src map[string]*proto.Envelope) map[string]*proto.Envelope {
	dst := make(map[string]*proto.Envelope, len(src))
	for sender, env := range src {
		dst[sender] = env
	}
	return dst
}

// --------------------------------------------------------------------------
// Readiness and Stage Advancement
// --------------------------------------------------------------------------

// IsPreprepared reports whether a preprepare was accepted.
func (op *PersistentOperation) IsPreprepared() bool {
	op.mtx.RLock()
	defer op.mtx.RUnlock()
	return op.preprepare != nil
}

// IsReadyForCommit reports whether the slot collected a prepare quorum.
func (op *PersistentOperation) IsReadyForCommit(beacon pbft.IPeersBeacon) bool {
	op.mtx.RLock()
	defer op.mtx.RUnlock()
	return op.readyForCommit(beacon)
}

// IsReadyForExecute reports whether the slot collected a commit quorum and
// already reached the commit stage.
func (op *PersistentOperation) IsReadyForExecute(beacon pbft.IPeersBeacon) bool {
	op.mtx.RLock()
	defer op.mtx.RUnlock()
	return op.readyForExecute(beacon)
}

func (op *PersistentOperation) readyForCommit(beacon pbft.IPeersBeacon) bool {
	return len(op.prepares) >= pbft.Quorum(len(beacon.Current())) && op.stage >= StagePrepare
}

func (op *PersistentOperation) readyForExecute(beacon pbft.IPeersBeacon) bool {
	return len(op.commits) >= pbft.Quorum(len(beacon.Current())) && op.stage >= StageCommit
}

// AdvanceOperationStage moves the slot to the target stage. Advancement is
// strictly monotonic and requires the vote quorum for the target; repeating
// an advancement is rejected.
func (op *PersistentOperation) AdvanceOperationStage(target Stage, beacon pbft.IPeersBeacon) error {
	op.mtx.Lock()
	defer op.mtx.Unlock()

	if target <= op.stage {
		return fmt.Errorf("operation already at stage %s, cannot advance to %s", op.stage, target)
	}
	switch target {
	case StageCommit:
		if !op.readyForCommit(beacon) {
			return fmt.Errorf("missing prepare quorum for stage %s", target)
		}
	case StageExecute:
		if !op.readyForExecute(beacon) {
			return fmt.Errorf("missing commit quorum for stage %s", target)
		}
	default:
		return fmt.Errorf("cannot advance to stage %s", target)
	}

	op.writeRecord(op.key.recordPrefix()+"/stage", []byte(target.String()), true)
	op.stage = target
	return nil
}

// --------------------------------------------------------------------------
// Range Operations
// --------------------------------------------------------------------------

// PreparedOperationsInRange returns the keys of all slots with sequence in
// (lo, hi] whose stage reached commit or later. Used to carry votes across
// a view change.
func PreparedOperationsInRange(store storage.IStorage, lo, hi uint64) []Key {
	var keys []Key
	for _, record := range store.GetKeys(OperationsUUID) {
		key, field, ok := parseRecordKey(record)
		if !ok || field != "stage" {
			continue
		}
		if key.Sequence <= lo || key.Sequence > hi {
			continue
		}
		value, res := store.Read(OperationsUUID, record)
		if !res.OK() {
			continue
		}
		if stage, err := parseStage(string(value)); err == nil && stage >= StageCommit {
			keys = append(keys, key)
		}
	}
	return keys
}

// RemoveRange erases every operation record with sequence in (lo, hi].
// Called when a checkpoint is stabilized, the slots below it are settled.
func RemoveRange(store storage.IStorage, lo, hi uint64) {
	for _, record := range store.GetKeys(OperationsUUID) {
		key, _, ok := parseRecordKey(record)
		if !ok {
			continue
		}
		if key.Sequence > lo && key.Sequence <= hi {
			store.Remove(OperationsUUID, record)
		}
	}
}
