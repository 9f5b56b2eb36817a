package unix

import (
	"fmt"
	"net"
	"os"

	"github.com/ValentinKolb/swarmKV/rpc/common"
	"github.com/ValentinKolb/swarmKV/rpc/transport"
	"github.com/ValentinKolb/swarmKV/rpc/transport/base"
)

const (
	defaultBufferSize = 64 * 1024 // 64 KB
)

// serverConnector implements the IServerConnector interface for Unix sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "unix"
}

func (c *serverConnector) Listen(address string) (net.Listener, error) {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(address); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %v", err)
	}

	listener, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %v", err)
	}

	return listener, nil
}

func (c *serverConnector) UpgradeConnection(_ net.Conn, _ common.ServerConfig) error {
	return nil
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewUnixServerTransport creates a new Unix server transport bound to the
// given socket path
func NewUnixServerTransport(socketPath string, workersPerConn int) transport.IServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, socketPath, defaultBufferSize, workersPerConn)
}
