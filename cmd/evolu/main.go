// Command evolu is the reference CLI for running an Evolu replica or
// relay: owner lifecycle, database inspection, and the standalone relay
// server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evoluhq/evolu-go/cmd/evolu/commands"
	"github.com/evoluhq/evolu-go/logger"
)

var rootCmd = &cobra.Command{
	Use:   "evolu",
	Short: "Evolu - local-first sync replica and relay",
	Long: `Evolu - local-first data sync with encrypted relay replication.

Available commands:
  serve  - Run the relay server
  owner  - Manage replica owner identity (create, restore, reset)
  db     - Inspect and migrate the local database
  version - Show build information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.OwnerCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
