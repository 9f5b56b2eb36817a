package tcp

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/swarmKV/rpc/common"
	"github.com/ValentinKolb/swarmKV/rpc/transport"
)

// freeAddress reserves a loopback port for the test server.
func freeAddress(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to probe for a free port: %v", err)
	}
	address := l.Addr().String()
	l.Close()
	return address
}

// startEchoServer runs a server transport answering every frame with its
// payload prefixed by "echo:".
func startEchoServer(t *testing.T, address string) transport.IServerTransport {
	server := NewTCPServerTransport(address, 2)
	server.RegisterHandler(func(session transport.ISession, msg []byte) {
		if err := session.Send(append([]byte("echo:"), msg...)); err != nil {
			t.Errorf("echo send failed: %v", err)
		}
	})

	go func() {
		if err := server.Listen(common.ServerConfig{TimeoutSecond: 5}); err != nil {
			t.Errorf("server failed: %v", err)
		}
	}()
	t.Cleanup(func() { server.Shutdown() })

	// wait until the listener accepts before letting the client connect
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("tcp", address); err == nil {
			conn.Close()
			return server
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server on %s never became reachable", address)
	return nil
}

func connectClient(t *testing.T, address string, handler transport.ClientHandleFunc) transport.IClientTransport {
	client := NewTCPClientTransport()
	client.RegisterHandler(handler)

	if err := client.Connect(common.ClientConfig{
		Endpoints:     []string{address},
		TimeoutSecond: 5,
		RetryCount:    5,
	}); err != nil {
		t.Fatalf("client failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

// TestEchoRoundTrip sends frames through a real loopback connection and
// checks they come back intact.
func TestEchoRoundTrip(t *testing.T) {
	address := freeAddress(t)
	startEchoServer(t, address)

	received := make(chan []byte, 16)
	client := connectClient(t, address, func(msg []byte) {
		received <- append([]byte{}, msg...)
	})

	payload := []byte("hello swarm")
	if err := client.Send(payload); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case got := <-received:
		want := append([]byte("echo:"), payload...)
		if !bytes.Equal(got, want) {
			t.Errorf("got %q, want %q", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no echo arrived")
	}
}

// TestManyFramesOneConnection checks that a burst of frames survives the
// worker pool and the buffer pooling.
func TestManyFramesOneConnection(t *testing.T) {
	address := freeAddress(t)
	startEchoServer(t, address)

	const frames = 100
	received := make(chan []byte, frames)
	client := connectClient(t, address, func(msg []byte) {
		received <- append([]byte{}, msg...)
	})

	for i := 0; i < frames; i++ {
		if err := client.Send([]byte(fmt.Sprintf("frame-%03d", i))); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	seen := make(map[string]bool, frames)
	for i := 0; i < frames; i++ {
		select {
		case got := <-received:
			seen[string(bytes.TrimPrefix(got, []byte("echo:")))] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d echoes arrived", i, frames)
		}
	}
	if len(seen) != frames {
		t.Errorf("got %d distinct echoes, want %d", len(seen), frames)
	}
}

// TestConnectFailsWithoutServer checks that connecting to a dead endpoint
// reports an error.
func TestConnectFailsWithoutServer(t *testing.T) {
	address := freeAddress(t)

	client := NewTCPClientTransport()
	client.RegisterHandler(func([]byte) {})

	err := client.Connect(common.ClientConfig{
		Endpoints:     []string{address},
		TimeoutSecond: 1,
		RetryCount:    1,
	})
	if err == nil {
		client.Close()
		t.Error("expected a connect error for a dead endpoint")
	}
}
