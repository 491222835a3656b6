package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evoluhq/evolu-go/config"
	"github.com/evoluhq/evolu-go/errors"
	"github.com/evoluhq/evolu-go/store"
)

// DbCmd groups local database inspection and migration operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect and migrate the local database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending message-store migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show message and owner statistics for the local database",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	path, err := dbPath(cfg)
	if err != nil {
		return err
	}

	// store.Open applies the message-log migrations as part of opening; a
	// standalone command exists so operators can run migrations ahead of
	// starting a replica, without also standing one up.
	s, err := store.Open(path, nil)
	if err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	defer s.Conn().Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied to %s\n", path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	path, err := dbPath(cfg)
	if err != nil {
		return err
	}

	s, err := store.Open(path, nil)
	if err != nil {
		return errors.Wrap(err, "open local database")
	}
	defer s.Conn().Close()

	var messageCount int
	if err := s.Conn().QueryRow(`SELECT COUNT(*) FROM message`).Scan(&messageCount); err != nil {
		return errors.Wrap(err, "count messages")
	}

	var ownerID, mnemonic sql.NullString
	err = s.Conn().QueryRow(`SELECT id, mnemonic FROM owner LIMIT 1`).Scan(&ownerID, &mnemonic)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "load owner row")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Database:      %s\n", path)
	fmt.Fprintf(cmd.OutOrStdout(), "Messages:      %d\n", messageCount)
	fmt.Fprintf(cmd.OutOrStdout(), "Merkle root:   %d\n", s.Tree().Root())
	if ownerID.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "Owner id:      %s\n", ownerID.String)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Owner id:      (none — run `evolu owner create`)")
	}
	return nil
}
