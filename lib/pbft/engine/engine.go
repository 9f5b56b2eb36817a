// Package engine drives the consensus protocol over persistent operation
// slots. The primary assigns sequence numbers to incoming requests, every
// replica collects protocol messages per slot and executes a request once
// its slot holds a commit quorum. Slots live in storage so a restarted node
// resumes mid-flight operations where it left them.
package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/swarmKV/lib/pbft"
	"github.com/ValentinKolb/swarmKV/lib/pbft/operation"
	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/ValentinKolb/swarmKV/lib/storage"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("pbft")

// checkpointInterval is how many executed operations are kept before their
// slot records are garbage collected.
const checkpointInterval = 100

var (
	orderedTotal  = metrics.NewCounter(`swarmkv_pbft_ordered_requests_total`)
	executedTotal = metrics.NewCounter(`swarmkv_pbft_executed_requests_total`)
)

// Executor is the apply function committed requests are handed to.
type Executor func(env *proto.Envelope, session pbft.ISession)

// IEngine is the full engine surface the rpc layer wires up. It extends the
// consensus facade with the peer-facing message entry points and the status
// provider hooks.
type IEngine interface {
	pbft.IPbft

	// HandlePbftMsg records a protocol message from a peer
	HandlePbftMsg(env *proto.Envelope, session pbft.ISession)
	// HandleRequestRelay records a client request relayed by a peer
	HandleRequestRelay(env *proto.Envelope)

	// status provider hooks (docu see status.IProvider)
	GetName() string
	GetStatus() (json.RawMessage, error)
}

// --------------------------------------------------------------------------
// Engine Implementation
// --------------------------------------------------------------------------

type engine struct {
	nodeUUID string
	store    storage.IStorage
	beacon   pbft.IPeersBeacon
	node     pbft.INode
	exec     Executor

	mtx        sync.Mutex
	view       uint64
	sequence   uint64 // highest assigned sequence (primary only)
	executed   uint64 // highest executed sequence
	checkpoint uint64 // highest garbage collected sequence

	hashBySeq map[uint64]string

	// client sessions waiting for the response of an in-flight request
	sessions *xsync.MapOf[string, pbft.ISession]
}

// New creates a consensus engine. The node parameter carries protocol
// messages between peers and may be nil for a standalone node. The executor
// is called with every committed request, in sequence order.
func New(nodeUUID string, store storage.IStorage, beacon pbft.IPeersBeacon, node pbft.INode, exec Executor) IEngine {
	e := &engine{
		nodeUUID:  nodeUUID,
		store:     store,
		beacon:    beacon,
		node:      node,
		exec:      exec,
		view:      1,
		hashBySeq: make(map[uint64]string),
		sessions:  xsync.NewMapOf[string, pbft.ISession](),
	}
	e.rehydrate()
	return e
}

// rehydrate restores the sequence counters from the slots a previous run
// left in storage, so a restarted node does not reassign taken sequence
// numbers.
func (e *engine) rehydrate() {
	for _, key := range operation.PreparedOperationsInRange(e.store, 0, ^uint64(0)) {
		if key.Sequence > e.sequence {
			e.sequence = key.Sequence
		}
		e.hashBySeq[key.Sequence] = key.RequestHash
	}
	// everything below the lowest surviving slot was already executed and
	// checkpointed
	e.executed = e.sequence
	e.checkpoint = e.sequence
	if e.sequence > 0 {
		log.Infof("resuming at sequence %d", e.sequence)
	}
}

func (e *engine) Peers() pbft.IPeersBeacon { return e.beacon }
func (e *engine) GetUUID() string          { return e.nodeUUID }

func (e *engine) CurrentView() uint64 {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.view
}

// primary returns the uuid of the current view's primary.
func (e *engine) primary() string {
	peers := e.beacon.Current()
	if len(peers) == 0 {
		return e.nodeUUID
	}
	return peers[e.view%uint64(len(peers))].UUID
}

func (e *engine) IsPrimary() bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.primary() == e.nodeUUID
}

// --------------------------------------------------------------------------
// Request Ordering
// --------------------------------------------------------------------------

func (e *engine) HandleDatabaseMessage(env *proto.Envelope, session pbft.ISession) {
	msg := env.DatabaseMsg
	if msg == nil {
		log.Warningf("dropping envelope from %s without a database message", env.Sender)
		return
	}

	// quick reads are answered from local state, they never enter the
	// protocol
	if msg.MsgCase == proto.MsgCQuickRead {
		e.exec(env, session)
		return
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	// requests taken directly from a client carry no contact yet, mark
	// ourselves. Hash leaves the point of contact out, so the mark does
	// not change the slot hash every replica derives
	if msg.Header.PointOfContact == "" {
		msg.Header.PointOfContact = e.nodeUUID
	}

	hash := env.Hash()
	if session != nil {
		e.sessions.Store(hash, session)
	}

	if primary := e.primary(); primary != e.nodeUUID {
		if e.node == nil {
			log.Errorf("not the primary and no fabric to forward through, dropping %s request", msg.MsgCase)
			return
		}
		if err := e.node.SendSignedMessage(primary, env); err != nil {
			log.Errorf("forwarding %s request to primary %s failed: %v", msg.MsgCase, primary, err)
		}
		return
	}

	e.sequence++
	seq := e.sequence
	e.hashBySeq[seq] = hash
	orderedTotal.Inc()

	op := operation.New(e.view, seq, hash, e.store)
	op.RecordRequest(env)

	preprepare := &proto.PbftMsg{
		Type:        proto.PbftMTPrePrepare,
		View:        e.view,
		Sequence:    seq,
		RequestHash: hash,
		Sender:      e.nodeUUID,
	}
	e.recordAndBroadcast(op, preprepare)
	// the request travels alongside the preprepare so backups can execute
	// without a separate fetch
	e.broadcast(env)

	e.sendProtocolMsg(op, proto.PbftMTPrepare)
	e.tryAdvance(op)
}

// HandlePbftMsg records a protocol message from a peer into its slot and
// advances the slot if the message completed a quorum.
func (e *engine) HandlePbftMsg(env *proto.Envelope, _ pbft.ISession) {
	msg := env.PbftMsg
	if msg == nil {
		log.Warningf("dropping envelope from %s without a protocol message", env.Sender)
		return
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()

	if msg.View != e.view {
		log.Warningf("dropping %s for view %d, current view is %d", msg.Type, msg.View, e.view)
		return
	}

	op := operation.New(msg.View, msg.Sequence, msg.RequestHash, e.store)
	if err := op.RecordPbftMsg(msg, env); err != nil {
		log.Warningf("rejecting %s from %s: %v", msg.Type, msg.Sender, err)
		return
	}

	if msg.Type == proto.PbftMTPrePrepare {
		e.hashBySeq[msg.Sequence] = msg.RequestHash
		if msg.Sequence > e.sequence {
			e.sequence = msg.Sequence
		}
		e.sendProtocolMsg(op, proto.PbftMTPrepare)
	}

	e.tryAdvance(op)
}

// HandleRequestRelay records a forwarded client request into its slot. On
// backups the request arrives from the primary next to the preprepare.
func (e *engine) HandleRequestRelay(env *proto.Envelope) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	hash := env.Hash()
	for seq, h := range e.hashBySeq {
		if h == hash {
			operation.New(e.view, seq, hash, e.store).RecordRequest(env)
			// the relay may be the last missing piece of an already
			// committed slot
			e.executeRunnable()
			return
		}
	}
	log.Warningf("relayed request %s matches no known slot", hash)
}

// --------------------------------------------------------------------------
// Slot Advancement
// --------------------------------------------------------------------------

// sendProtocolMsg records this node's own protocol message for the slot and
// broadcasts it to the peers.
func (e *engine) sendProtocolMsg(op *operation.PersistentOperation, t proto.PbftMsgType) {
	key := op.GetKey()
	e.recordAndBroadcast(op, &proto.PbftMsg{
		Type:        t,
		View:        key.View,
		Sequence:    key.Sequence,
		RequestHash: key.RequestHash,
		Sender:      e.nodeUUID,
	})
}

func (e *engine) recordAndBroadcast(op *operation.PersistentOperation, msg *proto.PbftMsg) {
	env := proto.NewPbftMsgEnvelope(e.nodeUUID, msg)
	if err := op.RecordPbftMsg(msg, env); err != nil {
		log.Errorf("recording own %s failed: %v", msg.Type, err)
		return
	}
	e.broadcast(env)
}

func (e *engine) broadcast(env *proto.Envelope) {
	if e.node == nil {
		return
	}
	for _, peer := range e.beacon.Current() {
		if peer.UUID == e.nodeUUID {
			continue
		}
		if err := e.node.SendSignedMessage(peer.UUID, env); err != nil {
			log.Warningf("broadcast to %s failed: %v", peer.UUID, err)
		}
	}
}

// tryAdvance pushes a slot through commit into execute as far as its
// quorums allow, then executes every slot that became runnable in sequence
// order.
func (e *engine) tryAdvance(op *operation.PersistentOperation) {
	if op.GetStage() == operation.StagePrepare && op.IsReadyForCommit(e.beacon) {
		if err := op.AdvanceOperationStage(operation.StageCommit, e.beacon); err != nil {
			log.Errorf("advancing %v to commit failed: %v", op.GetKey(), err)
			return
		}
		e.sendProtocolMsg(op, proto.PbftMTCommit)
	}
	e.executeRunnable()
}

// executeRunnable executes committed slots strictly in sequence order. A
// slot whose predecessor is still in flight waits.
func (e *engine) executeRunnable() {
	for {
		next := e.executed + 1
		hash, ok := e.hashBySeq[next]
		if !ok {
			return
		}

		op := operation.New(e.view, next, hash, e.store)
		if op.GetStage() != operation.StageCommit || !op.IsReadyForExecute(e.beacon) || !op.HasRequest() {
			return
		}
		if err := op.AdvanceOperationStage(operation.StageExecute, e.beacon); err != nil {
			log.Errorf("advancing %v to execute failed: %v", op.GetKey(), err)
			return
		}

		e.executed = next
		delete(e.hashBySeq, next)
		executedTotal.Inc()

		session, _ := e.sessions.LoadAndDelete(hash)
		e.exec(op.GetRequest(), session)

		if e.executed-e.checkpoint >= checkpointInterval {
			operation.RemoveRange(e.store, e.checkpoint, e.executed)
			log.Infof("checkpoint at sequence %d", e.executed)
			e.checkpoint = e.executed
		}
	}
}

// --------------------------------------------------------------------------
// Status Provider
// --------------------------------------------------------------------------

func (e *engine) GetName() string { return "pbft" }

func (e *engine) GetStatus() (json.RawMessage, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return json.RawMessage(fmt.Sprintf(
		`{"view":%d,"sequence":%d,"executed":%d,"primary":%q,"peers":%d}`,
		e.view, e.sequence, e.executed, e.primary(), len(e.beacon.Current()),
	)), nil
}
