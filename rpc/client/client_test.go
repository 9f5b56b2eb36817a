package client

import (
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/swarmKV/lib/proto"
	"github.com/ValentinKolb/swarmKV/rpc/common"
	"github.com/ValentinKolb/swarmKV/rpc/serializer"
	"github.com/ValentinKolb/swarmKV/rpc/transport"
)

// fakeTransport answers every sent envelope through a scripted responder, the
// way a swarm node pushes frames down the connection.
type fakeTransport struct {
	ser     serializer.IEnvelopeSerializer
	respond func(env *proto.Envelope) []*proto.Envelope

	mu      sync.Mutex
	handler transport.ClientHandleFunc
	sent    []*proto.Envelope
}

func newFakeTransport(respond func(env *proto.Envelope) []*proto.Envelope) *fakeTransport {
	return &fakeTransport{ser: serializer.NewJSONSerializer(), respond: respond}
}

func (f *fakeTransport) Connect(common.ClientConfig) error { return nil }
func (f *fakeTransport) Close() error                      { return nil }

func (f *fakeTransport) RegisterHandler(handler transport.ClientHandleFunc) {
	f.handler = handler
}

func (f *fakeTransport) Send(msg []byte) error {
	env := &proto.Envelope{}
	if err := f.ser.Deserialize(msg, env); err != nil {
		return err
	}

	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()

	if f.respond != nil {
		for _, resp := range f.respond(env) {
			f.deliver(resp)
		}
	}
	return nil
}

// deliver pushes a frame to the client as if the server had sent it
func (f *fakeTransport) deliver(env *proto.Envelope) {
	data, _ := f.ser.Serialize(env)
	f.handler(data)
}

func (f *fakeTransport) sentRequests() []*proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*proto.Envelope{}, f.sent...)
}

func testClient(t *testing.T, trans *fakeTransport) ISwarmClient {
	c, err := NewSwarmClient(common.ClientConfig{TimeoutSecond: 2}, trans, serializer.NewJSONSerializer())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// echoNode answers every database request like a healthy node would,
// applying fn to the response first.
func echoNode(fn func(req *proto.DatabaseMsg, resp *proto.DatabaseResponse)) func(env *proto.Envelope) []*proto.Envelope {
	return func(env *proto.Envelope) []*proto.Envelope {
		if env.Case != proto.PayloadCDatabaseMsg {
			return nil
		}
		resp := proto.NewResponse(env.DatabaseMsg, "ok")
		if fn != nil {
			fn(env.DatabaseMsg, resp)
		}
		return []*proto.Envelope{proto.NewDatabaseResponseEnvelope("node-a", resp)}
	}
}

// TestReadRoundTrip checks that a read is answered with the stored value.
func TestReadRoundTrip(t *testing.T) {
	trans := newFakeTransport(echoNode(func(req *proto.DatabaseMsg, resp *proto.DatabaseResponse) {
		resp.Value = []byte("stored")
	}))
	c := testClient(t, trans)

	value, found, err := c.Read("db", "key")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !found || string(value) != "stored" {
		t.Errorf("Read = (%q, %t), want (stored, true)", value, found)
	}
}

// TestNotFoundIsNotAnError checks that a missing key is reported through the
// found flag, not as an error.
func TestNotFoundIsNotAnError(t *testing.T) {
	trans := newFakeTransport(func(env *proto.Envelope) []*proto.Envelope {
		resp := proto.NewErrorResponse(env.DatabaseMsg, "not_found")
		return []*proto.Envelope{proto.NewDatabaseResponseEnvelope("node-a", resp)}
	})
	c := testClient(t, trans)

	_, found, err := c.Read("db", "missing")
	if err != nil {
		t.Fatalf("Read of a missing key failed: %v", err)
	}
	if found {
		t.Error("a missing key was reported as found")
	}
}

// TestProtocolErrorSurfaces checks that protocol failures arrive as typed
// errors carrying the wire code.
func TestProtocolErrorSurfaces(t *testing.T) {
	trans := newFakeTransport(func(env *proto.Envelope) []*proto.Envelope {
		resp := proto.NewErrorResponse(env.DatabaseMsg, "access_denied")
		return []*proto.Envelope{proto.NewDatabaseResponseEnvelope("node-a", resp)}
	})
	c := testClient(t, trans)

	err := c.Update("db", "key", []byte("v"), 0)
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("got %T (%v), want *ProtocolError", err, err)
	}
	if pe.Code != "access_denied" {
		t.Errorf("error code = %s, want access_denied", pe.Code)
	}
	if IsNotFound(err) {
		t.Error("access_denied classified as not_found")
	}
}

// TestRedundantResponsesIgnored checks that the duplicate answers a swarm
// produces do not confuse later requests.
func TestRedundantResponsesIgnored(t *testing.T) {
	trans := newFakeTransport(func(env *proto.Envelope) []*proto.Envelope {
		resp := proto.NewDatabaseResponseEnvelope("node-a", proto.NewResponse(env.DatabaseMsg, "ok"))
		// every replica relays its own copy to the point of contact
		return []*proto.Envelope{resp, resp, resp}
	})
	c := testClient(t, trans)

	if err := c.Create("db", "key", []byte("v"), 0); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := c.Has("db", "key"); err != nil {
		t.Fatalf("Has after redundant responses failed: %v", err)
	}
}

// TestSizeRoundTrip checks the size aggregate mapping.
func TestSizeRoundTrip(t *testing.T) {
	trans := newFakeTransport(echoNode(func(req *proto.DatabaseMsg, resp *proto.DatabaseResponse) {
		resp.KeyCount = 3
		resp.Bytes = 120
		resp.RemainingBytes = 904
		resp.MaxSize = 1024
	}))
	c := testClient(t, trans)

	info, err := c.Size("db")
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	want := SizeInfo{KeyCount: 3, Bytes: 120, RemainingBytes: 904, MaxSize: 1024}
	if info != want {
		t.Errorf("Size = %+v, want %+v", info, want)
	}
}

// TestSubscription checks the full watch lifecycle: acknowledgement, update
// delivery and unsubscribe on cancel.
func TestSubscription(t *testing.T) {
	trans := newFakeTransport(echoNode(nil))
	c := testClient(t, trans)

	updates, cancel, err := c.Subscribe("db", "watched")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// the server notifies under the nonce the subscribe request carried
	requests := trans.sentRequests()
	nonce := requests[len(requests)-1].DatabaseMsg.Header.Nonce

	trans.deliver(proto.NewDatabaseResponseEnvelope("node-a", &proto.DatabaseResponse{
		Header:  proto.Header{DBUuid: "db", Nonce: nonce},
		MsgCase: proto.MsgCUpdate,
		Key:     "watched",
		Value:   []byte("v2"),
	}))

	select {
	case update := <-updates:
		if update.Operation != "update" || update.Key != "watched" || string(update.Value) != "v2" {
			t.Errorf("unexpected update: %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("no update arrived")
	}

	if err := cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// the channel is closed and the unsubscribe carried the same nonce
	if _, open := <-updates; open {
		t.Error("update channel still open after cancel")
	}
	requests = trans.sentRequests()
	last := requests[len(requests)-1].DatabaseMsg
	if last.MsgCase != proto.MsgCUnsubscribe {
		t.Fatalf("last request = %s, want unsubscribe", last.MsgCase)
	}
	if last.Header.Nonce != nonce {
		t.Errorf("unsubscribe nonce = %d, want %d", last.Header.Nonce, nonce)
	}
}

// TestStatusRoundTrip checks the status request path.
func TestStatusRoundTrip(t *testing.T) {
	trans := newFakeTransport(func(env *proto.Envelope) []*proto.Envelope {
		if env.Case != proto.PayloadCStatusRequest {
			return nil
		}
		return []*proto.Envelope{{
			Sender: "node-a",
			Case:   proto.PayloadCStatusResponse,
			StatusResponse: &proto.StatusResponse{
				Nonce:        env.StatusRequest.Nonce,
				SwarmVersion: "dev",
				PbftEnabled:  true,
			},
		}}
	})
	c := testClient(t, trans)

	status, err := c.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.SwarmVersion != "dev" || !status.PbftEnabled {
		t.Errorf("unexpected status: %+v", status)
	}
}

// TestTimeout checks that an unanswered request fails after the configured
// timeout instead of blocking forever.
func TestTimeout(t *testing.T) {
	trans := newFakeTransport(nil)
	c, err := NewSwarmClient(common.ClientConfig{TimeoutSecond: 1}, trans, serializer.NewJSONSerializer())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer c.Close()

	if err := c.Delete("db", "key"); err == nil {
		t.Error("expected a timeout error")
	}
}
