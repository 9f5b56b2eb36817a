package kv

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ValentinKolb/swarmKV/cmd/util"
	"github.com/spf13/cobra"
)

var (
	createDBCmd = &cobra.Command{
		Use:   "createdb",
		Short: "Creates the database named by --db",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			maxSize, _ := cmd.Flags().GetUint64("max-size")
			policy, _ := cmd.Flags().GetString("eviction-policy")
			if err := swarm.CreateDB(db(), maxSize, policy); err != nil {
				return err
			}
			fmt.Printf("database %s created\n", db())
			return nil
		},
	}
	updateDBCmd = &cobra.Command{
		Use:   "updatedb",
		Short: "Updates the size limit and eviction policy of the database named by --db",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			maxSize, _ := cmd.Flags().GetUint64("max-size")
			policy, _ := cmd.Flags().GetString("eviction-policy")
			if err := swarm.UpdateDB(db(), maxSize, policy); err != nil {
				return err
			}
			fmt.Printf("database %s updated\n", db())
			return nil
		},
	}
	deleteDBCmd = &cobra.Command{
		Use:   "deletedb",
		Short: "Deletes the database named by --db with all its records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := swarm.DeleteDB(db()); err != nil {
				return err
			}
			fmt.Printf("database %s deleted\n", db())
			return nil
		},
	}
	hasDBCmd = &cobra.Command{
		Use:   "hasdb",
		Short: "Checks if the database named by --db exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := swarm.HasDB(db())
			if err != nil {
				return err
			}
			fmt.Printf("db=%s, found=%t\n", db(), found)
			return nil
		},
	}
	writersCmd = &cobra.Command{
		Use:   "writers",
		Short: "Lists the owner and the writers of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, writers, err := swarm.Writers(db())
			if err != nil {
				return err
			}
			fmt.Printf("owner=%s\n", owner)
			for _, w := range writers {
				fmt.Printf("writer=%s\n", w)
			}
			return nil
		},
	}
	addWritersCmd = &cobra.Command{
		Use:   "add-writers [publicKey...]",
		Short: "Grants write access to the given public keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := swarm.AddWriters(db(), args); err != nil {
				return err
			}
			fmt.Println("writers added")
			return nil
		},
	}
	removeWritersCmd = &cobra.Command{
		Use:   "remove-writers [publicKey...]",
		Short: "Revokes write access from the given public keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := swarm.RemoveWriters(db(), args); err != nil {
				return err
			}
			fmt.Println("writers removed")
			return nil
		},
	}
	createCmd = &cobra.Command{
		Use:   "create [key] [value]",
		Short: "Creates a new record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			expire, _ := cmd.Flags().GetUint64("expire")
			if err := swarm.Create(db(), args[0], []byte(args[1]), expire); err != nil {
				return err
			}
			fmt.Println("created successfully")
			return nil
		},
	}
	readCmd = &cobra.Command{
		Use:   "read [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if resp, ok, err := swarm.Read(db(), key); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%v, resp=%s\n", key, ok, resp)
			}
			return nil
		},
	}
	quickReadCmd = &cobra.Command{
		Use:   "quickread [key]",
		Short: "Reads the value for a key from the contacted node alone, skipping consensus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if resp, ok, err := swarm.QuickRead(db(), key); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%v, resp=%s\n", key, ok, resp)
			}
			return nil
		},
	}
	updateCmd = &cobra.Command{
		Use:   "update [key] [value]",
		Short: "Updates an existing record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			expire, _ := cmd.Flags().GetUint64("expire")
			if err := swarm.Update(db(), args[0], []byte(args[1]), expire); err != nil {
				return err
			}
			fmt.Println("updated successfully")
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := swarm.Delete(db(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted successfully")
			return nil
		},
	}
	hasCmd = &cobra.Command{
		Use:   "has [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if found, err := swarm.Has(db(), key); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%t\n", key, found)
			}
			return nil
		},
	}
	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Lists all keys of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := swarm.Keys(db())
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	}
	sizeCmd = &cobra.Command{
		Use:   "size",
		Short: "Shows the size and remaining capacity of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := swarm.Size(db())
			if err != nil {
				return err
			}
			fmt.Printf("keys=%d, bytes=%d, remaining=%d, max=%d\n",
				info.KeyCount, info.Bytes, info.RemainingBytes, info.MaxSize)
			return nil
		},
	}
	ttlCmd = &cobra.Command{
		Use:   "ttl [key]",
		Short: "Shows the remaining lifetime of a key in seconds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			ttl, err := swarm.TTL(db(), key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, ttl=%d\n", key, ttl)
			return nil
		},
	}
	persistCmd = &cobra.Command{
		Use:   "persist [key]",
		Short: "Removes the expiration from a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := swarm.Persist(db(), args[0]); err != nil {
				return err
			}
			fmt.Println("persisted successfully")
			return nil
		},
	}
	expireCmd = &cobra.Command{
		Use:   "expire [key] [seconds]",
		Short: "Sets the remaining lifetime of a key in seconds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			expire, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("seconds must be a number: %w", err)
			}
			if err := swarm.Expire(db(), args[0], expire); err != nil {
				return err
			}
			fmt.Println("expire set successfully")
			return nil
		},
	}
	watchCmd = &cobra.Command{
		Use:   "watch [key]",
		Short: "Subscribes to a key and prints every change until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			updates, cancel, err := swarm.Subscribe(db(), key)
			if err != nil {
				return err
			}
			defer cancel()

			fmt.Printf("watching %s/%s (ctrl-c to stop)\n", db(), key)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case update, ok := <-updates:
					if !ok {
						return nil
					}
					fmt.Printf("%s key=%s value=%s\n", update.Operation, update.Key, update.Value)
				case <-sig:
					return nil
				}
			}
		},
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Shows the status summary of the contacted node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := swarm.Status()
			if err != nil {
				return err
			}
			pretty, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(pretty))
			return nil
		},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{createDBCmd, updateDBCmd} {
		cmd.Flags().Uint64("max-size", 0, util.WrapString("Maximum database size in bytes (0 = unlimited)"))
		cmd.Flags().String("eviction-policy", "none", util.WrapString("What happens when a full database receives another record (none, random, volatile_ttl)"))
	}
	for _, cmd := range []*cobra.Command{createCmd, updateCmd} {
		cmd.Flags().Uint64("expire", 0, util.WrapString("Lifetime of the record in seconds (0 = no expiration)"))
	}
}
