package server

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/ValentinKolb/swarmKV/lib/crud"
	"github.com/ValentinKolb/swarmKV/lib/pbft"
	"github.com/ValentinKolb/swarmKV/lib/pbft/engine"
	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/ValentinKolb/swarmKV/lib/status"
	"github.com/ValentinKolb/swarmKV/lib/storage"
	"github.com/ValentinKolb/swarmKV/lib/storage/ldbstorage"
	"github.com/ValentinKolb/swarmKV/lib/storage/memstorage"
	"github.com/ValentinKolb/swarmKV/lib/subscription"
	"github.com/ValentinKolb/swarmKV/rpc/common"
	"github.com/ValentinKolb/swarmKV/rpc/serializer"
	"github.com/ValentinKolb/swarmKV/rpc/transport"
	"github.com/ValentinKolb/swarmKV/rpc/transport/base"
	wstransport "github.com/ValentinKolb/swarmKV/rpc/transport/http"
	"github.com/ValentinKolb/swarmKV/rpc/transport/tcp"
	"github.com/ValentinKolb/swarmKV/rpc/transport/unix"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// Version and GitCommit identify the build, overridden via ldflags.
var (
	Version   = "dev"
	GitCommit = ""
)

// --------------------------------------------------------------------------
// Session Wrapper
// --------------------------------------------------------------------------

// serverSession adapts a transport session to the session contract the
// database layer uses. Outbound envelopes are signed with the node key
// unless they already carry a signature or answer a quick read, those stay
// unsigned.
type serverSession struct {
	raw        transport.ISession
	serializer serializer.IEnvelopeSerializer
	signer     *Signer
}

func (s *serverSession) SendMessage(env *proto.Envelope) error {
	quickRead := env.Case == proto.PayloadCDatabaseResponse &&
		env.DatabaseResponse != nil &&
		env.DatabaseResponse.MsgCase == proto.MsgCQuickRead

	if env.Signature == nil && !quickRead {
		s.signer.Sign(env)
	}

	data, err := s.serializer.Serialize(env)
	if err != nil {
		return fmt.Errorf("failed to serialize %s envelope: %v", env.Case, err)
	}
	return s.raw.Send(data)
}

func (s *serverSession) IsOpen() bool {
	return s.raw.IsOpen()
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// SwarmServer is one swarm node: storage, consensus, the request execution
// layer and the listening transports, wired together from a ServerConfig.
type SwarmServer struct {
	config     common.ServerConfig
	serializer serializer.IEnvelopeSerializer
	signer     *Signer

	store      storage.IStorage
	subs       subscription.IManager
	crud       crud.IService
	engine     engine.IEngine
	statusMgr  status.IManager
	fabric     *node
	transports []transport.IServerTransport

	// client sessions waiting for a response relayed back by the
	// executing replica, keyed by db/nonce/case
	pendingRelays *xsync.MapOf[string, pbft.ISession]
}

// NewSwarmServer builds a node from its configuration. Serve starts it.
//
// Usage:
//
//	s, err := server.NewSwarmServer(config)
//	if err != nil {
//		panic(err)
//	}
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewSwarmServer(config common.ServerConfig) (*SwarmServer, error) {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	common.InitLoggers(config.LogLevel)

	ser, err := newSerializer(config.Serializer)
	if err != nil {
		return nil, err
	}

	signer, err := LoadOrCreateSigner(config.DataDir)
	if err != nil {
		return nil, err
	}

	store, err := newStorage(config)
	if err != nil {
		return nil, err
	}

	s := &SwarmServer{
		config:        config,
		serializer:    ser,
		signer:        signer,
		store:         store,
		pendingRelays: xsync.NewMapOf[string, pbft.ISession](),
	}

	s.fabric = newNode(config.NodeUUID, config.Peers, ser, signer, config.TimeoutSecond)
	s.subs = subscription.NewManager(config.NodeUUID)
	s.crud = crud.New(config.NodeUUID, store, s.subs, s.fabric, crud.Options{
		OwnerPublicKey:  config.OwnerPublicKey,
		MaxSwarmStorage: config.MaxSwarmStorage,
	})

	beacon := pbft.NewStaticBeacon(config.Peers)
	if !config.PbftEnabled || config.IsStandalone() {
		// without consensus the node orders requests alone
		beacon = pbft.NewStaticBeacon([]pbft.Peer{{UUID: config.NodeUUID}})
	}
	s.engine = engine.New(config.NodeUUID, store, beacon, s.fabric, s.crud.HandleRequest)

	s.statusMgr = status.NewManager(config.NodeUUID, Version, GitCommit, config.PbftEnabled)
	s.statusMgr.Register(s.crud)
	s.statusMgr.Register(s.engine)

	s.registerMessageHandlers()

	for _, endpoint := range config.Endpoints {
		t, err := s.newServerTransport(endpoint)
		if err != nil {
			return nil, err
		}
		t.RegisterHandler(s.handleFrame)
		s.transports = append(s.transports, t)
	}
	if len(s.transports) == 0 {
		return nil, fmt.Errorf("no listen endpoints configured")
	}

	Logger.Infof("Created swarm node %s", config.NodeUUID)
	Logger.Infof(config.String())

	return s, nil
}

// Serve starts the request execution layer and all listening transports.
// Blocks until a transport fails or the server is shut down.
func (s *SwarmServer) Serve() error {
	s.crud.Start(s.engine)

	if s.config.MetricsEndpoint != "" {
		go func() {
			Logger.Infof("Starting metrics endpoint on %s", s.config.MetricsEndpoint)
			mux := http.NewServeMux()
			mux.Handle("/metrics", s.statusMgr.MetricsHandler())
			if err := http.ListenAndServe(s.config.MetricsEndpoint, mux); err != nil {
				Logger.Errorf("metrics endpoint failed: %v", err)
			}
		}()
	}

	errCh := make(chan error, len(s.transports))
	for _, t := range s.transports {
		go func(t transport.IServerTransport) {
			errCh <- t.Listen(s.config)
		}(t)
	}
	return <-errCh
}

// ServeUntilSignal runs the server until SIGINT or SIGTERM arrives, then
// shuts it down.
func (s *SwarmServer) ServeUntilSignal() error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		s.Shutdown()
		return err
	case sig := <-sigCh:
		Logger.Infof("received %s, shutting down", sig)
		return s.Shutdown()
	}
}

// Shutdown stops the transports, the execution layer and the peer fabric.
func (s *SwarmServer) Shutdown() error {
	for _, t := range s.transports {
		t.Shutdown()
	}
	s.crud.Stop()
	s.fabric.Close()
	return nil
}

// PublicKey returns the node's signing identity.
func (s *SwarmServer) PublicKey() string {
	return s.signer.PublicKey()
}

// --------------------------------------------------------------------------
// Message Dispatch
// --------------------------------------------------------------------------

// handleFrame is the entry point for every inbound frame on any listening
// transport.
func (s *SwarmServer) handleFrame(raw transport.ISession, data []byte) {
	env := &proto.Envelope{}
	if err := s.serializer.Deserialize(data, env); err != nil {
		Logger.Warningf("dropping undecodable frame from %s: %v", raw.RemoteAddr(), err)
		return
	}

	s.fabric.Dispatch(env, &serverSession{
		raw:        raw,
		serializer: s.serializer,
		signer:     s.signer,
	})
}

func (s *SwarmServer) registerMessageHandlers() {
	s.fabric.RegisterForMessage(proto.PayloadCDatabaseMsg, s.handleDatabaseMsg)
	s.fabric.RegisterForMessage(proto.PayloadCPbftMsg, s.engine.HandlePbftMsg)
	s.fabric.RegisterForMessage(proto.PayloadCDatabaseResponse, s.handleResponseRelay)
	s.fabric.RegisterForMessage(proto.PayloadCStatusRequest, s.statusMgr.HandleStatusRequest)
}

// handleDatabaseMsg routes an inbound database request. On a backup,
// requests relayed by a peer (point of contact set to someone else) only
// feed the local slot; everything else, and every request reaching the
// primary, enters consensus ordering here.
func (s *SwarmServer) handleDatabaseMsg(env *proto.Envelope, session pbft.ISession) {
	msg := env.DatabaseMsg
	if msg == nil {
		Logger.Warningf("dropping database envelope from %s without a message", env.Sender)
		return
	}

	poc := msg.Header.PointOfContact
	if poc != "" && poc != s.config.NodeUUID && !s.engine.IsPrimary() {
		s.engine.HandleRequestRelay(env)
		return
	}

	// remember fresh client requests so a response relayed back by the
	// executing replica finds its way to the client. Quick reads are
	// answered locally and never relayed
	if poc == "" && msg.MsgCase != proto.MsgCQuickRead && !s.config.IsStandalone() && session != nil {
		s.pendingRelays.Store(relayKey(msg.Header.DBUuid, msg.Header.Nonce, msg.MsgCase), session)
	}

	s.engine.HandleDatabaseMessage(env, session)
}

// handleResponseRelay delivers a response forwarded by the executing
// replica to the client session that is waiting for it. Every replica
// forwards on execute, only the first relay finds the entry.
func (s *SwarmServer) handleResponseRelay(env *proto.Envelope, _ pbft.ISession) {
	resp := env.DatabaseResponse
	if resp == nil {
		Logger.Warningf("dropping response envelope from %s without a payload", env.Sender)
		return
	}

	key := relayKey(resp.Header.DBUuid, resp.Header.Nonce, resp.MsgCase)
	session, ok := s.pendingRelays.LoadAndDelete(key)
	if !ok {
		Logger.Debugf("no client waiting for relayed %s response (nonce %d)", resp.MsgCase, resp.Header.Nonce)
		return
	}

	if err := session.SendMessage(env); err != nil {
		Logger.Warningf("delivering relayed %s response failed: %v", resp.MsgCase, err)
	}
}

func relayKey(dbUuid string, nonce uint64, c proto.MsgCase) string {
	return fmt.Sprintf("%s/%d/%s", dbUuid, nonce, c)
}

// --------------------------------------------------------------------------
// Construction Helpers
// --------------------------------------------------------------------------

func newSerializer(name string) (serializer.IEnvelopeSerializer, error) {
	switch name {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	case "binary", "":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
}

func newStorage(config common.ServerConfig) (storage.IStorage, error) {
	switch config.StorageEngine {
	case common.StorageEngineLevelDB:
		if config.DataDir == "" {
			return nil, fmt.Errorf("the leveldb engine requires a data directory")
		}
		return ldbstorage.New(filepath.Join(config.DataDir, "db"))
	case common.StorageEngineMemory, "":
		return memstorage.New(nil), nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", config.StorageEngine)
	}
}

// newServerTransport selects the listening transport by endpoint scheme.
// Endpoints without a scheme listen on TCP.
func (s *SwarmServer) newServerTransport(endpoint string) (transport.IServerTransport, error) {
	scheme, address := base.StripScheme(endpoint)
	switch scheme {
	case "tcp", "":
		return tcp.NewTCPServerTransport(address, s.config.WorkersPerConn), nil
	case "unix":
		return unix.NewUnixServerTransport(address, s.config.WorkersPerConn), nil
	case "ws":
		return wstransport.NewWSServerTransport(address, s.config.WorkersPerConn), nil
	default:
		return nil, fmt.Errorf("unknown endpoint scheme %q", scheme)
	}
}
