// Package subscription tracks which client sessions want to be notified
// about changes to which keys. Registrations are keyed by database, key and
// the client chosen nonce, so one session can hold many independent
// subscriptions.
package subscription

import (
	"sync"
	"time"

	"github.com/ValentinKolb/swarmKV/lib/pbft"
	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("subscription")

// harvestInterval is how often closed sessions are swept out of the registry.
const harvestInterval = 10 * time.Second

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IManager is the subscription registry as seen by the request handlers.
type IManager interface {
	// Subscribe registers a session for updates on (db, key) under the
	// given nonce.
	Subscribe(dbUuid, key string, nonce uint64, session pbft.ISession)
	// Unsubscribe removes a registration.
	Unsubscribe(dbUuid, key string, nonce uint64)
	// InspectCommit notifies subscribers affected by a committed
	// mutation. Non-mutating messages are ignored.
	InspectCommit(msg *proto.DatabaseMsg)
	// Start launches the stale-session harvester. Idempotent.
	Start()
	// Stop halts the harvester.
	Stop()
}

// --------------------------------------------------------------------------
// Manager Implementation
// --------------------------------------------------------------------------

type manager struct {
	nodeUUID string

	// (db || 0x00 || key) -> nonce -> session
	subscribers *xsync.MapOf[string, *xsync.MapOf[uint64, pbft.ISession]]

	startOnce sync.Once
	done      chan struct{}
}

// NewManager creates a subscription manager. The node uuid is used as the
// sender of notification envelopes.
func NewManager(nodeUUID string) IManager {
	return &manager{
		nodeUUID:    nodeUUID,
		subscribers: xsync.NewMapOf[string, *xsync.MapOf[uint64, pbft.ISession]](),
		done:        make(chan struct{}),
	}
}

func registryKey(dbUuid, key string) string {
	return dbUuid + "\x00" + key
}

func (m *manager) Subscribe(dbUuid, key string, nonce uint64, session pbft.ISession) {
	sessions, _ := m.subscribers.LoadOrCompute(registryKey(dbUuid, key), func() *xsync.MapOf[uint64, pbft.ISession] {
		return xsync.NewMapOf[uint64, pbft.ISession]()
	})
	sessions.Store(nonce, session)
}

func (m *manager) Unsubscribe(dbUuid, key string, nonce uint64) {
	if sessions, ok := m.subscribers.Load(registryKey(dbUuid, key)); ok {
		sessions.Delete(nonce)
	}
}

func (m *manager) InspectCommit(msg *proto.DatabaseMsg) {
	switch msg.MsgCase {
	case proto.MsgCCreate, proto.MsgCUpdate, proto.MsgCDelete:
	default:
		return
	}

	sessions, ok := m.subscribers.Load(registryKey(msg.Header.DBUuid, msg.Key))
	if !ok {
		return
	}

	sessions.Range(func(nonce uint64, session pbft.ISession) bool {
		if !session.IsOpen() {
			sessions.Delete(nonce)
			return true
		}

		update := &proto.DatabaseResponse{
			Header:  proto.Header{DBUuid: msg.Header.DBUuid, Nonce: nonce},
			MsgCase: msg.MsgCase,
			Key:     msg.Key,
			Value:   msg.Value,
		}
		if err := session.SendMessage(proto.NewDatabaseResponseEnvelope(m.nodeUUID, update)); err != nil {
			log.Warningf("dropping subscriber %d on %s/%s: %v", nonce, msg.Header.DBUuid, msg.Key, err)
			sessions.Delete(nonce)
		}
		return true
	})
}

// --------------------------------------------------------------------------
// Stale Session Harvesting
// --------------------------------------------------------------------------

func (m *manager) Start() {
	m.startOnce.Do(func() {
		go m.harvestLoop()
	})
}

func (m *manager) Stop() {
	close(m.done)
}

func (m *manager) harvestLoop() {
	ticker := time.NewTicker(harvestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.harvest()
		}
	}
}

// harvest drops closed sessions and empty registries
func (m *manager) harvest() {
	m.subscribers.Range(func(key string, sessions *xsync.MapOf[uint64, pbft.ISession]) bool {
		sessions.Range(func(nonce uint64, session pbft.ISession) bool {
			if !session.IsOpen() {
				sessions.Delete(nonce)
			}
			return true
		})
		if sessions.Size() == 0 {
			m.subscribers.Delete(key)
		}
		return true
	})
}
