package client

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/ValentinKolb/swarmKV/rpc/common"
	"github.com/ValentinKolb/swarmKV/rpc/serializer"
	"github.com/ValentinKolb/swarmKV/rpc/transport"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// --------------------------------------------------------------------------
// Error Handling
// --------------------------------------------------------------------------

// ProtocolError is a failure reported by the swarm, carrying one of the
// protocol error strings (db_not_found, access_denied, ...).
type ProtocolError struct {
	Code string
}

func (e *ProtocolError) Error() string {
	return e.Code
}

// IsNotFound reports whether the error is a missing-key response.
func IsNotFound(err error) bool {
	pe, ok := err.(*ProtocolError)
	return ok && pe.Code == "not_found"
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// SizeInfo aggregates the answer to a size request.
type SizeInfo struct {
	KeyCount       int32
	Bytes          int64
	RemainingBytes int64
	MaxSize        uint64
}

// Update is one subscription notification: a committed mutation on a
// watched key.
type Update struct {
	DBUuid    string
	Key       string
	Value     []byte
	Operation string // "create", "update" or "delete"
}

// ISwarmClient is a connection to the swarm speaking the database protocol.
// All methods are safe for concurrent use.
type ISwarmClient interface {
	// Database administration
	CreateDB(dbUuid string, maxSize uint64, evictionPolicy string) error
	UpdateDB(dbUuid string, maxSize uint64, evictionPolicy string) error
	DeleteDB(dbUuid string) error
	HasDB(dbUuid string) (bool, error)

	// Permissions
	Writers(dbUuid string) (owner string, writers []string, err error)
	AddWriters(dbUuid string, writers []string) error
	RemoveWriters(dbUuid string, writers []string) error

	// Key-value operations
	Create(dbUuid, key string, value []byte, expire uint64) error
	Read(dbUuid, key string) (value []byte, found bool, err error)
	QuickRead(dbUuid, key string) (value []byte, found bool, err error)
	Update(dbUuid, key string, value []byte, expire uint64) error
	Delete(dbUuid, key string) error
	Has(dbUuid, key string) (bool, error)
	Keys(dbUuid string) ([]string, error)
	Size(dbUuid string) (SizeInfo, error)

	// Expiration
	TTL(dbUuid, key string) (uint64, error)
	Persist(dbUuid, key string) error
	Expire(dbUuid, key string, expire uint64) error

	// Subscribe watches a key. Notifications arrive on the returned
	// channel until cancel is called or the client is closed.
	Subscribe(dbUuid, key string) (updates <-chan Update, cancel func() error, err error)

	// Status asks the connected node for its status summary.
	Status() (*proto.StatusResponse, error)

	// Close tears down the connection.
	Close() error
}

// --------------------------------------------------------------------------
// Client Implementation
// --------------------------------------------------------------------------

// subscriptionUpdateBuffer bounds how many undelivered notifications a slow
// consumer may pile up before further ones are dropped.
const subscriptionUpdateBuffer = 64

type swarmClient struct {
	clientID   string
	config     common.ClientConfig
	transport  transport.IClientTransport
	serializer serializer.IEnvelopeSerializer
	timeout    time.Duration

	nonce uint64

	// nonce -> waiter for the matching response
	pending       *xsync.MapOf[uint64, chan *proto.DatabaseResponse]
	statusPending *xsync.MapOf[uint64, chan *proto.StatusResponse]

	// subscription nonce -> update channel
	subscriptions *xsync.MapOf[uint64, chan Update]
}

// NewSwarmClient connects to the swarm via the given transport.
//
// Usage:
//
//	c, err := client.NewSwarmClient(
//		config,
//		tcp.NewTCPClientTransport(),
//		serializer.NewBinarySerializer(),
//	)
func NewSwarmClient(
	config common.ClientConfig,
	trans transport.IClientTransport,
	ser serializer.IEnvelopeSerializer,
) (ISwarmClient, error) {
	timeout := time.Duration(config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &swarmClient{
		clientID:      uuid.NewString(),
		config:        config,
		transport:     trans,
		serializer:    ser,
		timeout:       timeout,
		pending:       xsync.NewMapOf[uint64, chan *proto.DatabaseResponse](),
		statusPending: xsync.NewMapOf[uint64, chan *proto.StatusResponse](),
		subscriptions: xsync.NewMapOf[uint64, chan Update](),
	}

	// The handler must be in place before the first frame can arrive
	trans.RegisterHandler(c.handleInbound)

	if err := trans.Connect(config); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *swarmClient) Close() error {
	c.subscriptions.Range(func(nonce uint64, ch chan Update) bool {
		c.subscriptions.Delete(nonce)
		close(ch)
		return true
	})
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Inbound Routing
// --------------------------------------------------------------------------

// handleInbound routes every frame the server pushes down the connection.
// Responses are matched to their waiter by nonce, subscription notifications
// go to the update channel registered under the subscribe nonce.
func (c *swarmClient) handleInbound(data []byte) {
	env := &proto.Envelope{}
	if err := c.serializer.Deserialize(data, env); err != nil {
		Logger.Warningf("dropping undecodable frame: %v", err)
		return
	}

	switch env.Case {
	case proto.PayloadCDatabaseResponse:
		c.routeDatabaseResponse(env.DatabaseResponse)
	case proto.PayloadCStatusResponse:
		resp := env.StatusResponse
		if resp == nil {
			return
		}
		if ch, ok := c.statusPending.LoadAndDelete(resp.Nonce); ok {
			ch <- resp
		}
	default:
		Logger.Debugf("dropping unexpected %s envelope from %s", env.Case, env.Sender)
	}
}

func (c *swarmClient) routeDatabaseResponse(resp *proto.DatabaseResponse) {
	if resp == nil {
		return
	}
	nonce := resp.Header.Nonce

	// a mutation case under a subscription nonce is a notification
	switch resp.MsgCase {
	case proto.MsgCCreate, proto.MsgCUpdate, proto.MsgCDelete:
		if ch, ok := c.subscriptions.Load(nonce); ok {
			update := Update{
				DBUuid:    resp.Header.DBUuid,
				Key:       resp.Key,
				Value:     resp.Value,
				Operation: resp.MsgCase.String(),
			}
			select {
			case ch <- update:
			default:
				Logger.Warningf("subscriber on %s/%s is not keeping up, dropping update", resp.Header.DBUuid, resp.Key)
			}
			return
		}
	}

	if ch, ok := c.pending.LoadAndDelete(nonce); ok {
		ch <- resp
		return
	}
	// replicas answer redundantly, later copies land here
	Logger.Debugf("dropping duplicate %s response (nonce %d)", resp.MsgCase, nonce)
}

// --------------------------------------------------------------------------
// Request Invocation
// --------------------------------------------------------------------------

// invoke sends one request and blocks for the matching response. Requests
// that already carry a nonce (unsubscribe) keep it.
func (c *swarmClient) invoke(msg *proto.DatabaseMsg) (*proto.DatabaseResponse, error) {
	nonce := msg.Header.Nonce
	if nonce == 0 {
		nonce = atomic.AddUint64(&c.nonce, 1)
		msg.Header.Nonce = nonce
	}

	ch := make(chan *proto.DatabaseResponse, 1)
	c.pending.Store(nonce, ch)
	defer c.pending.Delete(nonce)

	if err := c.send(proto.NewDatabaseMsgEnvelope(c.clientID, msg)); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Err != "" {
			return resp, &ProtocolError{Code: resp.Err}
		}
		return resp, nil
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("timeout waiting for %s response (nonce %d)", msg.MsgCase, nonce)
	}
}

func (c *swarmClient) send(env *proto.Envelope) error {
	data, err := c.serializer.Serialize(env)
	if err != nil {
		return fmt.Errorf("failed to serialize %s envelope: %v", env.Case, err)
	}
	return c.transport.Send(data)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ISwarmClient)
// --------------------------------------------------------------------------

func (c *swarmClient) CreateDB(dbUuid string, maxSize uint64, evictionPolicy string) error {
	_, err := c.invoke(proto.NewCreateDBRequest(dbUuid, maxSize, evictionPolicy))
	return err
}

func (c *swarmClient) UpdateDB(dbUuid string, maxSize uint64, evictionPolicy string) error {
	_, err := c.invoke(proto.NewUpdateDBRequest(dbUuid, maxSize, evictionPolicy))
	return err
}

func (c *swarmClient) DeleteDB(dbUuid string) error {
	_, err := c.invoke(proto.NewDeleteDBRequest(dbUuid))
	return err
}

func (c *swarmClient) HasDB(dbUuid string) (bool, error) {
	resp, err := c.invoke(proto.NewHasDBRequest(dbUuid))
	if err != nil {
		return false, err
	}
	return resp.Has, nil
}

func (c *swarmClient) Writers(dbUuid string) (string, []string, error) {
	resp, err := c.invoke(proto.NewWritersRequest(dbUuid))
	if err != nil {
		return "", nil, err
	}
	return resp.Owner, resp.Writers, nil
}

func (c *swarmClient) AddWriters(dbUuid string, writers []string) error {
	_, err := c.invoke(proto.NewAddWritersRequest(dbUuid, writers))
	return err
}

func (c *swarmClient) RemoveWriters(dbUuid string, writers []string) error {
	_, err := c.invoke(proto.NewRemoveWritersRequest(dbUuid, writers))
	return err
}

func (c *swarmClient) Create(dbUuid, key string, value []byte, expire uint64) error {
	_, err := c.invoke(proto.NewCreateRequest(dbUuid, key, value, expire))
	return err
}

func (c *swarmClient) Read(dbUuid, key string) ([]byte, bool, error) {
	resp, err := c.invoke(proto.NewReadRequest(dbUuid, key))
	if IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return resp.Value, true, nil
}

func (c *swarmClient) QuickRead(dbUuid, key string) ([]byte, bool, error) {
	resp, err := c.invoke(proto.NewQuickReadRequest(dbUuid, key))
	if IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return resp.Value, true, nil
}

func (c *swarmClient) Update(dbUuid, key string, value []byte, expire uint64) error {
	_, err := c.invoke(proto.NewUpdateRequest(dbUuid, key, value, expire))
	return err
}

func (c *swarmClient) Delete(dbUuid, key string) error {
	_, err := c.invoke(proto.NewDeleteRequest(dbUuid, key))
	return err
}

func (c *swarmClient) Has(dbUuid, key string) (bool, error) {
	resp, err := c.invoke(proto.NewHasRequest(dbUuid, key))
	if err != nil {
		return false, err
	}
	return resp.Has, nil
}

func (c *swarmClient) Keys(dbUuid string) ([]string, error) {
	resp, err := c.invoke(proto.NewKeysRequest(dbUuid))
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *swarmClient) Size(dbUuid string) (SizeInfo, error) {
	resp, err := c.invoke(proto.NewSizeRequest(dbUuid))
	if err != nil {
		return SizeInfo{}, err
	}
	return SizeInfo{
		KeyCount:       resp.KeyCount,
		Bytes:          resp.Bytes,
		RemainingBytes: resp.RemainingBytes,
		MaxSize:        resp.MaxSize,
	}, nil
}

func (c *swarmClient) TTL(dbUuid, key string) (uint64, error) {
	resp, err := c.invoke(proto.NewTTLRequest(dbUuid, key))
	if err != nil {
		return 0, err
	}
	return resp.TTL, nil
}

func (c *swarmClient) Persist(dbUuid, key string) error {
	_, err := c.invoke(proto.NewPersistRequest(dbUuid, key))
	return err
}

func (c *swarmClient) Expire(dbUuid, key string, expire uint64) error {
	_, err := c.invoke(proto.NewExpireRequest(dbUuid, key, expire))
	return err
}

func (c *swarmClient) Subscribe(dbUuid, key string) (<-chan Update, func() error, error) {
	nonce := atomic.AddUint64(&c.nonce, 1)

	updates := make(chan Update, subscriptionUpdateBuffer)
	c.subscriptions.Store(nonce, updates)

	// the subscribe acknowledgement shares the nonce with the updates,
	// route it through a dedicated waiter
	ack := make(chan *proto.DatabaseResponse, 1)
	c.pending.Store(nonce, ack)
	defer c.pending.Delete(nonce)

	if err := c.send(proto.NewDatabaseMsgEnvelope(c.clientID, proto.NewSubscribeRequest(dbUuid, key, nonce))); err != nil {
		c.subscriptions.Delete(nonce)
		return nil, nil, err
	}

	select {
	case resp := <-ack:
		if resp.Err != "" {
			c.subscriptions.Delete(nonce)
			return nil, nil, &ProtocolError{Code: resp.Err}
		}
	case <-time.After(c.timeout):
		c.subscriptions.Delete(nonce)
		return nil, nil, fmt.Errorf("timeout waiting for subscribe acknowledgement")
	}

	cancel := func() error {
		if ch, ok := c.subscriptions.LoadAndDelete(nonce); ok {
			close(ch)
		}
		_, err := c.invoke(proto.NewUnsubscribeRequest(dbUuid, key, nonce))
		return err
	}
	return updates, cancel, nil
}

func (c *swarmClient) Status() (*proto.StatusResponse, error) {
	nonce := atomic.AddUint64(&c.nonce, 1)

	ch := make(chan *proto.StatusResponse, 1)
	c.statusPending.Store(nonce, ch)
	defer c.statusPending.Delete(nonce)

	env := &proto.Envelope{
		Sender:        c.clientID,
		Case:          proto.PayloadCStatusRequest,
		StatusRequest: &proto.StatusRequest{Nonce: nonce},
	}
	if err := c.send(env); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("timeout waiting for status response")
	}
}
