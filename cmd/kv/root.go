package kv

import (
	"github.com/ValentinKolb/swarmKV/cmd/util"
	"github.com/ValentinKolb/swarmKV/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	swarm client.ISwarmClient

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:               "kv",
		Short:             "Perform database operations against a swarm",
		PersistentPreRunE: setupKVClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the KV command
	util.SetupRPCClientFlags(KeyValueCommands)

	// The database all record level subcommands operate on
	KeyValueCommands.PersistentFlags().String("db", "db", util.WrapString("UUID of the database to operate on"))

	// Add subcommands
	KeyValueCommands.AddCommand(createDBCmd)
	KeyValueCommands.AddCommand(updateDBCmd)
	KeyValueCommands.AddCommand(deleteDBCmd)
	KeyValueCommands.AddCommand(hasDBCmd)
	KeyValueCommands.AddCommand(writersCmd)
	KeyValueCommands.AddCommand(addWritersCmd)
	KeyValueCommands.AddCommand(removeWritersCmd)
	KeyValueCommands.AddCommand(createCmd)
	KeyValueCommands.AddCommand(readCmd)
	KeyValueCommands.AddCommand(quickReadCmd)
	KeyValueCommands.AddCommand(updateCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(hasCmd)
	KeyValueCommands.AddCommand(keysCmd)
	KeyValueCommands.AddCommand(sizeCmd)
	KeyValueCommands.AddCommand(ttlCmd)
	KeyValueCommands.AddCommand(persistCmd)
	KeyValueCommands.AddCommand(expireCmd)
	KeyValueCommands.AddCommand(watchCmd)
	KeyValueCommands.AddCommand(statusCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVClient initializes the swarm client
func setupKVClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Get client configuration components
	config := util.GetClientConfig()

	// Get serializer and transport
	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	t, err := util.GetTransport()
	if err != nil {
		return err
	}

	// Create the swarm client
	swarm, err = client.NewSwarmClient(*config, t, s)
	return err
}

// db returns the database UUID the current invocation targets
func db() string {
	return viper.GetString("db")
}
