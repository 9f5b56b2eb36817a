// Package crud executes committed database requests against the local
// storage engine. All request handlers run under a shared service lock so
// reads see consistent state while writes (including permission and
// expiration bookkeeping) are applied atomically.
package crud

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/swarmKV/lib/pbft"
	"github.com/ValentinKolb/swarmKV/lib/policy"
	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/ValentinKolb/swarmKV/lib/storage"
	"github.com/ValentinKolb/swarmKV/lib/subscription"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("crud")

var evictedKeysTotal = metrics.NewCounter(`swarmkv_crud_evicted_keys_total`)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IService is the request execution layer. HandleRequest is called with
// requests that already passed consensus (or with local-only requests like
// quick_read), it applies them and answers on the given session.
type IService interface {
	// HandleRequest executes a database request and sends the response
	// to the session (if any) and the point of contact node (if set).
	HandleRequest(env *proto.Envelope, session pbft.ISession)
	// Start wires the consensus layer in and launches the expiration
	// sweep. Idempotent.
	Start(p pbft.IPbft)
	// Stop halts the expiration sweep and the subscription harvester.
	Stop()
	// SaveState snapshots the full local state.
	SaveState() error
	// GetSavedState returns the most recent snapshot, nil if none.
	GetSavedState() []byte
	// LoadState replaces the full local state with a snapshot.
	LoadState(data []byte) error
	// GetName and GetStatus implement the status provider contract.
	GetName() string
	GetStatus() (json.RawMessage, error)
}

// --------------------------------------------------------------------------
// Service Implementation
// --------------------------------------------------------------------------

type service struct {
	nodeUUID        string
	storage         storage.IStorage
	subs            subscription.IManager
	node            pbft.INode
	pbft            pbft.IPbft
	ownerPublicKey  string
	maxSwarmStorage uint64
	rng             *rand.Rand

	mtx       sync.RWMutex
	startOnce sync.Once
	done      chan struct{}
}

// Options configures a crud service.
type Options struct {
	// OwnerPublicKey restricts create_db and delete_db to a single
	// caller identity. Empty allows everyone.
	OwnerPublicKey string
	// MaxSwarmStorage caps the sum of all database byte budgets.
	// 0 disables the cap.
	MaxSwarmStorage uint64
	// Rng drives the random eviction policy. Nil uses the shared
	// global source.
	Rng *rand.Rand
}

// New creates the request execution service. The node parameter is used to
// forward responses to the client's point of contact and may be nil in
// single node setups.
func New(nodeUUID string, store storage.IStorage, subs subscription.IManager, node pbft.INode, opts Options) IService {
	return &service{
		nodeUUID:        nodeUUID,
		storage:         store,
		subs:            subs,
		node:            node,
		ownerPublicKey:  opts.OwnerPublicKey,
		maxSwarmStorage: opts.MaxSwarmStorage,
		rng:             opts.Rng,
		done:            make(chan struct{}),
	}
}

func (s *service) Start(p pbft.IPbft) {
	s.startOnce.Do(func() {
		s.pbft = p
		s.subs.Start()
		go s.sweepLoop()
	})
}

func (s *service) Stop() {
	close(s.done)
	s.subs.Stop()
}

// --------------------------------------------------------------------------
// Request Dispatch
// --------------------------------------------------------------------------

func (s *service) HandleRequest(env *proto.Envelope, session pbft.ISession) {
	msg := env.DatabaseMsg
	if msg == nil {
		log.Warningf("dropping envelope from %s without a database message", env.Sender)
		return
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`swarmkv_crud_requests_total{msg_case=%q}`, msg.MsgCase)).Inc()

	switch msg.MsgCase {
	case proto.MsgCCreate, proto.MsgCUpdate, proto.MsgCDelete,
		proto.MsgCCreateDB, proto.MsgCUpdateDB, proto.MsgCDeleteDB,
		proto.MsgCAddWriters, proto.MsgCRemoveWriters,
		proto.MsgCPersist, proto.MsgCExpire:
		s.mtx.Lock()
		defer s.mtx.Unlock()
	case proto.MsgCNull:
		// consensus no-op, nothing to execute and nothing to answer
		return
	default:
		s.mtx.RLock()
		defer s.mtx.RUnlock()
	}

	caller := env.Sender
	var resp *proto.DatabaseResponse

	switch msg.MsgCase {
	case proto.MsgCCreate, proto.MsgCUpdate:
		resp = s.handleWrite(msg, caller)
	case proto.MsgCRead, proto.MsgCQuickRead:
		resp = s.handleRead(msg)
	case proto.MsgCDelete:
		resp = s.handleDelete(msg, caller)
	case proto.MsgCHas:
		resp = s.handleHas(msg)
	case proto.MsgCKeys:
		resp = s.handleKeys(msg)
	case proto.MsgCSize:
		resp = s.handleSize(msg)
	case proto.MsgCSubscribe:
		resp = s.handleSubscribe(msg, session)
	case proto.MsgCUnsubscribe:
		resp = s.handleUnsubscribe(msg)
	case proto.MsgCCreateDB:
		resp = s.handleCreateDB(msg, caller)
	case proto.MsgCUpdateDB:
		resp = s.handleUpdateDB(msg, caller)
	case proto.MsgCDeleteDB:
		resp = s.handleDeleteDB(msg, caller)
	case proto.MsgCHasDB:
		resp = s.handleHasDB(msg)
	case proto.MsgCWriters:
		resp = s.handleWriters(msg)
	case proto.MsgCAddWriters, proto.MsgCRemoveWriters:
		resp = s.handleChangeWriters(msg, caller)
	case proto.MsgCTTL:
		resp = s.handleTTL(msg)
	case proto.MsgCPersist:
		resp = s.handlePersist(msg, caller)
	case proto.MsgCExpire:
		resp = s.handleExpire(msg, caller)
	default:
		log.Warningf("dropping request with unknown message case %d from %s", msg.MsgCase, caller)
		return
	}

	s.sendResponse(msg, resp, session)
}

// sendResponse answers on the client session and, when the request names a
// point of contact other than this node, forwards the signed response there
// so the contact node can relay it. Quick reads skip the forwarding, their
// answer is local only.
func (s *service) sendResponse(request *proto.DatabaseMsg, resp *proto.DatabaseResponse, session pbft.ISession) {
	env := proto.NewDatabaseResponseEnvelope(s.nodeUUID, resp)

	if session != nil && session.IsOpen() {
		if err := session.SendMessage(env); err != nil {
			log.Warningf("sending %s response to session failed: %v", resp.MsgCase, err)
		}
	} else if session != nil {
		log.Warningf("session for %s response (nonce %d) is closed", resp.MsgCase, resp.Header.Nonce)
	}

	if request.MsgCase == proto.MsgCQuickRead {
		return
	}
	if poc := request.Header.PointOfContact; poc != "" && poc != s.nodeUUID && s.node != nil {
		if err := s.node.SendSignedMessage(poc, env); err != nil {
			log.Warningf("forwarding %s response to point of contact %s failed: %v", resp.MsgCase, poc, err)
		}
	}
}

// --------------------------------------------------------------------------
// Key-Value Handlers
// --------------------------------------------------------------------------

// handleWrite applies create and update requests. Both share the same gate
// chain: permissions, payload size, pending expiration, byte budget (with
// eviction as the escape hatch).
func (s *service) handleWrite(msg *proto.DatabaseMsg, caller string) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	perms, res := s.readPerms(db)
	if !res.OK() {
		return proto.NewErrorResponse(msg, res.String())
	}
	if !s.isWriter(perms, caller) {
		return proto.NewErrorResponse(msg, storage.ResultAccessDenied.String())
	}
	if perms.MaxSize > 0 && uint64(len(msg.Key)+len(msg.Value)) > perms.MaxSize {
		return proto.NewErrorResponse(msg, storage.ResultValueTooLarge.String())
	}
	if s.expired(db, msg.Key) {
		return proto.NewErrorResponse(msg, storage.ResultDeletePending.String())
	}
	if s.operationExceedsSpace(msg, perms) && !s.evict(msg, perms) {
		return proto.NewErrorResponse(msg, storage.ResultDBFull.String())
	}

	if msg.MsgCase == proto.MsgCCreate {
		res = s.storage.Create(db, msg.Key, msg.Value)
	} else {
		res = s.storage.Update(db, msg.Key, msg.Value)
	}
	if res.OK() {
		s.updateExpirationEntry(db, msg.Key, msg.Expire)
		s.subs.InspectCommit(msg)
	}
	return proto.NewResponse(msg, res.String())
}

// evict asks the database's eviction policy for keys to sacrifice and
// removes them. Returns false if the database has no policy or the policy
// cannot free enough space.
func (s *service) evict(msg *proto.DatabaseMsg, perms *permissionData) bool {
	p := policy.Get(perms.EvictionPolicy, s.storage, s.ttlLookup, s.rng)
	if p == nil {
		return false
	}
	keys := p.KeysToEvict(msg, perms.MaxSize)
	if len(keys) == 0 {
		return false
	}

	db := msg.Header.DBUuid
	for _, key := range keys {
		if res := s.storage.Remove(db, key); !res.OK() {
			log.Warningf("evicting %s/%s failed: %v", db, key, res)
			continue
		}
		evictedKeysTotal.Inc()
		log.Infof("evicted %s/%s to make room for %s", db, key, msg.Key)
	}
	return true
}

func (s *service) handleRead(msg *proto.DatabaseMsg) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	if !s.storage.Has(PermissionUUID, db) {
		return proto.NewErrorResponse(msg, storage.ResultDBNotFound.String())
	}
	if s.expired(db, msg.Key) {
		return proto.NewErrorResponse(msg, storage.ResultDeletePending.String())
	}

	value, res := s.storage.Read(db, msg.Key)
	resp := proto.NewResponse(msg, res.String())
	if res.OK() {
		resp.Value = value
	}
	return resp
}

func (s *service) handleDelete(msg *proto.DatabaseMsg, caller string) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	perms, res := s.readPerms(db)
	if !res.OK() {
		return proto.NewErrorResponse(msg, res.String())
	}
	if !s.isWriter(perms, caller) {
		return proto.NewErrorResponse(msg, storage.ResultAccessDenied.String())
	}

	res = s.storage.Remove(db, msg.Key)
	if res.OK() {
		s.updateExpirationEntry(db, msg.Key, 0)
		s.subs.InspectCommit(msg)
	}
	return proto.NewResponse(msg, res.String())
}

func (s *service) handleHas(msg *proto.DatabaseMsg) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	// a pair past its expiry is reported absent even before the sweep
	// removed it
	if s.expired(db, msg.Key) {
		return proto.NewResponse(msg, storage.ResultOK.String())
	}
	if !s.storage.Has(PermissionUUID, db) {
		return proto.NewErrorResponse(msg, storage.ResultDBNotFound.String())
	}

	resp := proto.NewResponse(msg, storage.ResultOK.String())
	resp.Has = s.storage.Has(db, msg.Key)
	return resp
}

func (s *service) handleKeys(msg *proto.DatabaseMsg) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	if !s.storage.Has(PermissionUUID, db) {
		return proto.NewErrorResponse(msg, storage.ResultDBNotFound.String())
	}

	var keys []string
	for _, key := range s.storage.GetKeys(db) {
		if !s.expired(db, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	resp := proto.NewResponse(msg, storage.ResultOK.String())
	resp.Keys = keys
	return resp
}

func (s *service) handleSize(msg *proto.DatabaseMsg) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	perms, res := s.readPerms(db)
	if !res.OK() {
		return proto.NewErrorResponse(msg, res.String())
	}

	keys, bytes := s.storage.GetSize(db)
	resp := proto.NewResponse(msg, storage.ResultOK.String())
	resp.KeyCount = keys
	resp.Bytes = bytes
	if perms.MaxSize > 0 {
		resp.MaxSize = perms.MaxSize
		if bytes < int64(perms.MaxSize) {
			resp.RemainingBytes = int64(perms.MaxSize) - bytes
		}
	}
	return resp
}

// --------------------------------------------------------------------------
// Subscription Handlers
// --------------------------------------------------------------------------

func (s *service) handleSubscribe(msg *proto.DatabaseMsg, session pbft.ISession) *proto.DatabaseResponse {
	if !s.storage.Has(PermissionUUID, msg.Header.DBUuid) {
		return proto.NewErrorResponse(msg, storage.ResultDBNotFound.String())
	}
	if session == nil {
		return proto.NewErrorResponse(msg, storage.ResultInvalidArgument.String())
	}
	s.subs.Subscribe(msg.Header.DBUuid, msg.Key, msg.Header.Nonce, session)
	return proto.NewResponse(msg, storage.ResultOK.String())
}

func (s *service) handleUnsubscribe(msg *proto.DatabaseMsg) *proto.DatabaseResponse {
	s.subs.Unsubscribe(msg.Header.DBUuid, msg.Key, msg.Header.Nonce)
	return proto.NewResponse(msg, storage.ResultOK.String())
}

// --------------------------------------------------------------------------
// Database Handlers
// --------------------------------------------------------------------------

func (s *service) handleCreateDB(msg *proto.DatabaseMsg, caller string) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	if s.ownerPublicKey != "" && s.ownerPublicKey != caller {
		return proto.NewErrorResponse(msg, storage.ResultAccessDenied.String())
	}
	if s.storage.Has(PermissionUUID, db) {
		return proto.NewErrorResponse(msg, storage.ResultDBExists.String())
	}
	if msg.MaxSize == 0 && s.maxSwarmStorage > 0 {
		// an unlimited database would make the swarm wide cap meaningless
		return proto.NewErrorResponse(msg, storage.ResultInvalidSize.String())
	}
	if s.operationExceedsSpace(msg, nil) {
		return proto.NewErrorResponse(msg, storage.ResultDBFull.String())
	}

	perms := &permissionData{
		Owner:          caller,
		Writers:        []string{},
		MaxSize:        msg.MaxSize,
		EvictionPolicy: msg.EvictionPolicy,
	}
	return proto.NewResponse(msg, s.writePerms(db, perms, false).String())
}

func (s *service) handleUpdateDB(msg *proto.DatabaseMsg, caller string) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	perms, res := s.readPerms(db)
	if !res.OK() {
		return proto.NewErrorResponse(msg, res.String())
	}
	if !perms.isOwner(caller) {
		return proto.NewErrorResponse(msg, storage.ResultAccessDenied.String())
	}
	if msg.MaxSize == 0 && s.maxSwarmStorage > 0 {
		return proto.NewErrorResponse(msg, storage.ResultInvalidSize.String())
	}
	// shrinking never violates the swarm cap, only growth is checked
	if msg.MaxSize > perms.MaxSize && s.operationExceedsSpace(msg, perms) {
		return proto.NewErrorResponse(msg, storage.ResultDBFull.String())
	}

	perms.MaxSize = msg.MaxSize
	perms.EvictionPolicy = msg.EvictionPolicy
	return proto.NewResponse(msg, s.writePerms(db, perms, true).String())
}

func (s *service) handleDeleteDB(msg *proto.DatabaseMsg, caller string) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	if s.ownerPublicKey != "" && s.ownerPublicKey != caller {
		return proto.NewErrorResponse(msg, storage.ResultAccessDenied.String())
	}
	perms, res := s.readPerms(db)
	if !res.OK() {
		return proto.NewErrorResponse(msg, res.String())
	}
	if !perms.isOwner(caller) {
		return proto.NewErrorResponse(msg, storage.ResultAccessDenied.String())
	}

	s.storage.Remove(PermissionUUID, db)
	s.storage.RemoveAll(db)
	s.flushExpirationEntries(db)
	return proto.NewResponse(msg, storage.ResultOK.String())
}

func (s *service) handleHasDB(msg *proto.DatabaseMsg) *proto.DatabaseResponse {
	resp := proto.NewResponse(msg, storage.ResultOK.String())
	resp.Has = s.storage.Has(PermissionUUID, msg.Header.DBUuid)
	return resp
}

// --------------------------------------------------------------------------
// Writer Handlers
// --------------------------------------------------------------------------

func (s *service) handleWriters(msg *proto.DatabaseMsg) *proto.DatabaseResponse {
	perms, res := s.readPerms(msg.Header.DBUuid)
	if !res.OK() {
		return proto.NewErrorResponse(msg, storage.ResultNotFound.String())
	}

	resp := proto.NewResponse(msg, storage.ResultOK.String())
	resp.Owner = perms.Owner
	resp.Writers = perms.Writers
	return resp
}

func (s *service) handleChangeWriters(msg *proto.DatabaseMsg, caller string) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	perms, res := s.readPerms(db)
	if !res.OK() {
		return proto.NewErrorResponse(msg, res.String())
	}
	if !perms.isOwner(caller) {
		return proto.NewErrorResponse(msg, storage.ResultAccessDenied.String())
	}

	current := make(map[string]bool, len(perms.Writers))
	for _, writer := range perms.Writers {
		current[writer] = true
	}

	if msg.MsgCase == proto.MsgCAddWriters {
		for _, writer := range msg.Writers {
			// the owner is a writer implicitly, never listed
			if writer != perms.Owner {
				current[writer] = true
			}
		}
	} else {
		for _, writer := range msg.Writers {
			delete(current, writer)
		}
	}

	writers := make([]string, 0, len(current))
	for writer := range current {
		writers = append(writers, writer)
	}
	sort.Strings(writers)
	perms.Writers = writers

	if res := s.writePerms(db, perms, true); !res.OK() {
		panic(fmt.Sprintf("rewriting permission document for %s failed: %v", db, res))
	}
	return proto.NewResponse(msg, storage.ResultOK.String())
}

// --------------------------------------------------------------------------
// TTL Handlers
// --------------------------------------------------------------------------

func (s *service) handleTTL(msg *proto.DatabaseMsg) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	if s.storage.Has(db, msg.Key) && s.expired(db, msg.Key) {
		return proto.NewErrorResponse(msg, storage.ResultDeletePending.String())
	}
	if ttl, ok := s.getTTL(db, msg.Key); ok && s.storage.Has(db, msg.Key) {
		resp := proto.NewResponse(msg, storage.ResultOK.String())
		resp.Key = msg.Key
		resp.TTL = ttl
		return resp
	}
	return proto.NewErrorResponse(msg, storage.ResultTTLNotFound.String())
}

func (s *service) handlePersist(msg *proto.DatabaseMsg, caller string) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	perms, res := s.readPerms(db)
	if !res.OK() {
		return proto.NewErrorResponse(msg, res.String())
	}
	if !s.isWriter(perms, caller) {
		return proto.NewErrorResponse(msg, storage.ResultAccessDenied.String())
	}

	if _, ok := s.readExpiry(db, msg.Key); !ok {
		return proto.NewErrorResponse(msg, storage.ResultTTLNotFound.String())
	}
	if s.expired(db, msg.Key) {
		return proto.NewErrorResponse(msg, storage.ResultDeletePending.String())
	}
	s.updateExpirationEntry(db, msg.Key, 0)
	return proto.NewResponse(msg, storage.ResultOK.String())
}

func (s *service) handleExpire(msg *proto.DatabaseMsg, caller string) *proto.DatabaseResponse {
	db := msg.Header.DBUuid

	perms, res := s.readPerms(db)
	if !res.OK() {
		return proto.NewErrorResponse(msg, res.String())
	}
	if !s.isWriter(perms, caller) {
		return proto.NewErrorResponse(msg, storage.ResultAccessDenied.String())
	}

	_, hasEntry := s.readExpiry(db, msg.Key)
	if hasEntry && s.expired(db, msg.Key) {
		return proto.NewErrorResponse(msg, storage.ResultDeletePending.String())
	}
	if msg.Expire == 0 {
		return proto.NewErrorResponse(msg, storage.ResultInvalidArgument.String())
	}
	if !hasEntry && !s.storage.Has(db, msg.Key) {
		return proto.NewErrorResponse(msg, storage.ResultNotFound.String())
	}

	s.updateExpirationEntry(db, msg.Key, msg.Expire)
	return proto.NewResponse(msg, storage.ResultOK.String())
}

// --------------------------------------------------------------------------
// State Transfer
// --------------------------------------------------------------------------

func (s *service) SaveState() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.storage.CreateSnapshot()
}

func (s *service) GetSavedState() []byte {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.storage.GetSnapshot()
}

func (s *service) LoadState(data []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.storage.LoadSnapshot(data)
}

// --------------------------------------------------------------------------
// Status Provider
// --------------------------------------------------------------------------

func (s *service) GetName() string {
	return "crud"
}

func (s *service) GetStatus() (json.RawMessage, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return json.Marshal(map[string]uint64{
		"max_swarm_storage":   s.maxSwarmStorage,
		"swarm_storage_usage": s.swarmStorageUsage(),
	})
}
