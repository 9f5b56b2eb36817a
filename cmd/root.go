package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/swarmKV/cmd/kv"
	"github.com/ValentinKolb/swarmKV/cmd/serve"
	"github.com/ValentinKolb/swarmKV/cmd/util"
	"github.com/ValentinKolb/swarmKV/rpc/server"
	"github.com/spf13/cobra"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "swarmkv",
		Short: "byzantine fault tolerant key-value store",
		Long: fmt.Sprintf(`swarmKV (%s)

A replicated key-value store written in Go. A swarm of nodes orders
every write through PBFT consensus and stays consistent as long as
fewer than a third of its members misbehave.`, server.Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of swarmKV",
		Run: func(cmd *cobra.Command, args []string) {
			if server.GitCommit != "" {
				fmt.Printf("swarmKV %s (%s)\n", server.Version, server.GitCommit)
			} else {
				fmt.Printf("swarmKV %s\n", server.Version)
			}
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (binary, json, gob)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
