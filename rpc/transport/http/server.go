package http

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/swarmKV/rpc/common"
	"github.com/ValentinKolb/swarmKV/rpc/transport"
	"github.com/gorilla/websocket"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/rpc")

// upgrader turns inbound HTTP requests into WebSocket connections. Origin
// checking is disabled, authenticity is established by envelope signatures
// above the transport.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// wsSession wraps one upgraded WebSocket connection. Writes are serialized
// through a mutex because request workers and subscription pushes share the
// socket.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration
	closed  atomic.Bool
}

func (s *wsSession) Send(msg []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("session to %s is closed", s.RemoteAddr())
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		s.closed.Store(true)
		return err
	}
	return nil
}

func (s *wsSession) IsOpen() bool {
	return !s.closed.Load()
}

func (s *wsSession) Close() error {
	s.closed.Store(true)
	return s.conn.Close()
}

func (s *wsSession) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// wsServerTransport accepts WebSocket connections and hands inbound binary
// messages to the registered handler. WebSocket does its own framing, so the
// length-prefix protocol of the socket transports is not used here.
type wsServerTransport struct {
	address           string
	handler           transport.ServerHandleFunc
	config            common.ServerConfig
	server            *http.Server
	maxWorkersPerConn int
	stopping          atomic.Bool

	sessionsMu sync.Mutex
	sessions   map[*wsSession]struct{}
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewWSServerTransport creates a new WebSocket server transport bound to the
// given address
func NewWSServerTransport(address string, workersPerConn int) transport.IServerTransport {
	if workersPerConn < 1 {
		workersPerConn = 1
	}

	return &wsServerTransport{
		address:           address,
		maxWorkersPerConn: workersPerConn,
		sessions:          make(map[*wsSession]struct{}),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (t *wsServerTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *wsServerTransport) Listen(config common.ServerConfig) error {
	t.config = config

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleUpgrade)

	t.server = &http.Server{
		Addr:    t.address,
		Handler: mux,
	}

	Logger.Infof("Starting ws server on %s with %d workers per connection",
		t.address, t.maxWorkersPerConn)

	err := t.server.ListenAndServe()
	if t.stopping.Load() && err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (t *wsServerTransport) Shutdown() error {
	t.stopping.Store(true)
	if t.server != nil {
		t.server.Close()
	}

	t.sessionsMu.Lock()
	defer t.sessionsMu.Unlock()
	for s := range t.sessions {
		s.Close()
	}
	t.sessions = make(map[*wsSession]struct{})
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handleUpgrade upgrades the HTTP request to a WebSocket connection and runs
// the read loop for it
func (t *wsServerTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		Logger.Warningf("Upgrading connection from %s failed: %v", r.RemoteAddr, err)
		return
	}

	sess := &wsSession{
		conn:    conn,
		timeout: time.Duration(t.config.TimeoutSecond) * time.Second,
	}

	t.sessionsMu.Lock()
	t.sessions[sess] = struct{}{}
	t.sessionsMu.Unlock()

	defer func() {
		sess.Close()
		t.sessionsMu.Lock()
		delete(t.sessions, sess)
		t.sessionsMu.Unlock()
	}()

	// The buffered channel acts as a counting semaphore limiting concurrent
	// workers for this connection
	workerSemaphore := make(chan struct{}, t.maxWorkersPerConn)
	var wg sync.WaitGroup

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if sess.IsOpen() && !t.stopping.Load() {
				Logger.Infof("Connection from %s closed: %v", sess.RemoteAddr(), err)
			}
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		workerSemaphore <- struct{}{}
		wg.Add(1)

		go func(data []byte) {
			defer func() {
				<-workerSemaphore
				wg.Done()
			}()

			start := time.Now()
			t.handler(sess, data)
			Logger.Debugf("Processed frame from %s in %s", sess.RemoteAddr(), time.Since(start))
		}(data)
	}

	wg.Wait()
}
