package tcp

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/swarmKV/rpc/common"
	"github.com/ValentinKolb/swarmKV/rpc/transport"
	"github.com/ValentinKolb/swarmKV/rpc/transport/base"
)

const (
	defaultBufferSize = 512 * 1024 // 512 KB

	// keepAlivePeriod detects half-open connections from crashed peers
	keepAlivePeriod = 30 * time.Second
)

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(address string) (net.Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}

	return listener, nil
}

// UpgradeConnection applies performance optimizations to a TCP connection
func (c *serverConnector) UpgradeConnection(conn net.Conn, _ common.ServerConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	return upgradeTCPConn(tcpConn)
}

// upgradeTCPConn applies the TCP tuning shared by server and client side:
// Nagle's algorithm is disabled because envelopes are small and latency
// sensitive, keep-alive detects dead peers
func upgradeTCPConn(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}

	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	return conn.SetKeepAlivePeriod(keepAlivePeriod)
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPServerTransport creates a new TCP server transport bound to the given
// address
func NewTCPServerTransport(address string, workersPerConn int) transport.IServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, address, defaultBufferSize, workersPerConn)
}
