package common

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/swarmKV/lib/pbft"
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// StorageEngine selects how a node persists its databases.
type StorageEngine string

const (
	StorageEngineMemory  StorageEngine = "memory"
	StorageEngineLevelDB StorageEngine = "leveldb"
)

// ServerConfig holds all configuration parameters for a swarm node.
type ServerConfig struct {
	// Node identity
	NodeUUID string

	// Listen endpoints, e.g. "tcp://0.0.0.0:51010" or "unix:///tmp/swarm.sock"
	Endpoints []string

	// Swarm membership. A single entry (or an empty list) starts the node
	// in standalone mode without consensus rounds.
	Peers []pbft.Peer

	// Consensus settings
	PbftEnabled bool

	// Storage settings
	StorageEngine   StorageEngine
	DataDir         string
	MaxSwarmStorage uint64

	// Database administration, only holders of this key may create or
	// delete databases (empty = unrestricted)
	OwnerPublicKey string

	// Wire format, one of "binary", "json", "gob"
	Serializer string

	// Worker pool size per client connection
	WorkersPerConn int

	// Listen address for the prometheus metrics endpoint, e.g.
	// "127.0.0.1:9090" (empty = disabled)
	MetricsEndpoint string

	// Request timeout
	TimeoutSecond int64

	// Logging configuration
	LogLevel string
}

// IsStandalone reports whether the node runs without swarm peers.
func (c *ServerConfig) IsStandalone() bool {
	return len(c.Peers) <= 1
}

// Self returns this node's own peer entry, if the membership lists it.
func (c *ServerConfig) Self() (pbft.Peer, bool) {
	for _, peer := range c.Peers {
		if peer.UUID == c.NodeUUID {
			return peer, true
		}
	}
	return pbft.Peer{}, false
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Node identity
	addSection("Node Identity")
	addField("Node UUID", c.NodeUUID)
	for i, endpoint := range c.Endpoints {
		addField(fmt.Sprintf("Endpoint %d", i), endpoint)
	}

	// RPC settings
	addSection("RPC Server")
	addField("Serializer", c.Serializer)
	addField("Workers Per Connection", strconv.Itoa(c.WorkersPerConn))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	}

	// Storage
	addSection("Storage")
	addField("Engine", string(c.StorageEngine))
	addField("Data Directory", c.DataDir)
	if c.MaxSwarmStorage > 0 {
		addField("Max Swarm Storage", fmt.Sprintf("%d bytes", c.MaxSwarmStorage))
	} else {
		addField("Max Swarm Storage", "unlimited")
	}
	if c.OwnerPublicKey != "" {
		addField("Owner Public Key", c.OwnerPublicKey)
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Swarm membership
	addSection("Swarm")
	addField("Consensus", fmt.Sprintf("%t", c.PbftEnabled))
	if c.IsStandalone() {
		addField("Mode", "standalone")
	} else {
		addField("Mode", fmt.Sprintf("%d peers, tolerating %d faults",
			len(c.Peers), pbft.MaxFaulty(len(c.Peers))))
	}

	// Sort peers for consistent output
	peers := make([]pbft.Peer, len(c.Peers))
	copy(peers, c.Peers)
	sort.Slice(peers, func(i, j int) bool { return peers[i].UUID < peers[j].UUID })

	for _, peer := range peers {
		sb.WriteString(fmt.Sprintf("    %s: %s:%d\n", peer.UUID, peer.Host, peer.Port))
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
