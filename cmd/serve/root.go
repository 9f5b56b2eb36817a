package serve

import (
	"fmt"
	"strconv"
	"strings"

	cmdUtil "github.com/ValentinKolb/swarmKV/cmd/util"
	"github.com/ValentinKolb/swarmKV/lib/pbft"
	"github.com/ValentinKolb/swarmKV/rpc/common"
	"github.com/ValentinKolb/swarmKV/rpc/server"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a swarm node",
		Long:    `Start a swarm node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is SWARMKV_<flag> (e.g. SWARMKV_LOG_LEVEL=debug)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "endpoints"
	ServeCmd.PersistentFlags().String(key, "tcp://0.0.0.0:51010", cmdUtil.WrapString("Comma-separated list of addresses on which the node will listen. The scheme selects the transport (tcp://, unix://, ws://)"))

	key = "node-uuid"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The unique identifier of this node within the swarm. A random UUID is generated if unset (standalone mode only)"))

	key = "peers"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated swarm membership in the format 'node-1=host:port,node-2=host:port,...'. The list must include this node itself. Leave empty for standalone mode"))

	key = "pbft"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether requests are ordered through consensus rounds. Disabling this degrades the node to standalone operation even with peers configured"))

	key = "storage-engine"
	ServeCmd.PersistentFlags().String(key, "memory", cmdUtil.WrapString("The storage engine used for the databases (memory, leveldb)"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Directory for persistent node state (leveldb databases and the node identity key). Required for the leveldb engine, optional otherwise"))

	key = "max-swarm-storage"
	ServeCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("Upper bound in bytes on the combined size of all databases (0 = unlimited)"))

	key = "owner-public-key"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Hex encoded public key of the swarm owner. If set, only the owner may create and delete databases"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("Worker pool size per client connection"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Listen address for the prometheus metrics endpoint (e.g. 127.0.0.1:9090, empty = disabled)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 10, cmdUtil.WrapString("Timeout in seconds for node to node requests"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Endpoints = strings.Split(viper.GetString("endpoints"), ",")
	serveCmdConfig.PbftEnabled = viper.GetBool("pbft")
	serveCmdConfig.StorageEngine = common.StorageEngine(viper.GetString("storage-engine"))
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.MaxSwarmStorage = viper.GetUint64("max-swarm-storage")
	serveCmdConfig.OwnerPublicKey = viper.GetString("owner-public-key")
	serveCmdConfig.Serializer = viper.GetString("serializer")
	serveCmdConfig.WorkersPerConn = viper.GetInt("workers-per-conn")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// parse swarm membership
	if peers := viper.GetString("peers"); peers != "" {
		parsed, err := parsePeers(peers)
		if err != nil {
			return err
		}
		serveCmdConfig.Peers = parsed
	}

	// parse node uuid
	serveCmdConfig.NodeUUID = viper.GetString("node-uuid")
	if serveCmdConfig.NodeUUID == "" {
		if !serveCmdConfig.IsStandalone() {
			return fmt.Errorf("node-uuid is required when peers are configured")
		}
		serveCmdConfig.NodeUUID = uuid.NewString()
	}

	// the membership must list this node itself
	if _, ok := serveCmdConfig.Self(); !ok && !serveCmdConfig.IsStandalone() {
		return fmt.Errorf("node %s is not listed in the configured peers", serveCmdConfig.NodeUUID)
	}

	return nil
}

// parsePeers converts 'uuid=host:port,...' into the swarm membership
func parsePeers(raw string) ([]pbft.Peer, error) {
	var peers []pbft.Peer
	for _, member := range strings.Split(raw, ",") {
		parts := strings.Split(member, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected UUID=host:port)", member)
		}

		host, portStr, found := strings.Cut(strings.TrimSpace(parts[1]), ":")
		if !found {
			return nil, fmt.Errorf("invalid peer address: %s (expected host:port)", parts[1])
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid peer port %s: %v", portStr, err)
		}

		peers = append(peers, pbft.Peer{
			UUID: strings.TrimSpace(parts[0]),
			Host: host,
			Port: uint16(port),
		})
	}
	return peers, nil
}

// run starts the swarm node and blocks until it is signalled to stop
func run(_ *cobra.Command, _ []string) error {
	serv, err := server.NewSwarmServer(*serveCmdConfig)
	if err != nil {
		return err
	}
	return serv.ServeUntilSignal()
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("swarmkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
