package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evoluhq/evolu-go/config"
	"github.com/evoluhq/evolu-go/errors"
	"github.com/evoluhq/evolu-go/internal/hlc"
	"github.com/evoluhq/evolu-go/internal/merkle"
	"github.com/evoluhq/evolu-go/internal/ownercrypto"
	"github.com/evoluhq/evolu-go/replicalock"
	"github.com/evoluhq/evolu-go/store"
)

// OwnerCmd groups replica identity lifecycle operations: an Owner is the
// mnemonic-derived keyset shared across one user's devices.
var OwnerCmd = &cobra.Command{
	Use:   "owner",
	Short: "Manage replica owner identity",
	Long: `owner — create, restore, or reset a replica's Owner identity.

An Owner is created once per user identity; reset deletes local data
(the Owner must be restored from its mnemonic to rejoin); restore
recreates an Owner's keys deterministically from an existing mnemonic.`,
}

var ownerCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a new Owner and initialize the local database",
	RunE:  runOwnerCreate,
}

var ownerRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Recreate an Owner's keys from an existing mnemonic",
	RunE:  runOwnerRestore,
}

var ownerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete local data for the configured replica",
	Long:  "Deletes the local database file. The replica must be restored from its mnemonic and resynced with the relay to recover its data.",
	RunE:  runOwnerReset,
}

var mnemonicFlag string

func init() {
	ownerRestoreCmd.Flags().StringVar(&mnemonicFlag, "mnemonic", "", "the 12-word BIP-39 phrase to restore from (required)")
	ownerRestoreCmd.MarkFlagRequired("mnemonic")

	OwnerCmd.AddCommand(ownerCreateCmd)
	OwnerCmd.AddCommand(ownerRestoreCmd)
	OwnerCmd.AddCommand(ownerResetCmd)
}

func runOwnerCreate(cmd *cobra.Command, args []string) error {
	owner, err := ownercrypto.NewOwner()
	if err != nil {
		return errors.Wrap(err, "mint owner")
	}
	return initializeOwnerStore(cmd, owner)
}

func runOwnerRestore(cmd *cobra.Command, args []string) error {
	owner, err := ownercrypto.RestoreOwner(mnemonicFlag)
	if err != nil {
		return errors.Wrap(err, "restore owner from mnemonic")
	}
	return initializeOwnerStore(cmd, owner)
}

func initializeOwnerStore(cmd *cobra.Command, owner *ownercrypto.Owner) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	path, err := dbPath(cfg)
	if err != nil {
		return err
	}

	lock := replicalock.New(path)
	if err := lock.TryAcquire(); err != nil {
		return errors.Wrap(err, "acquire replica lock")
	}
	defer lock.Release()

	s, err := store.Open(path, nil)
	if err != nil {
		return errors.Wrap(err, "open local database")
	}
	defer s.Conn().Close()

	nodeID, err := hlc.RandomNodeID()
	if err != nil {
		return errors.Wrap(err, "generate device node id")
	}

	if err := store.SaveOwner(s.Conn(), owner, hlc.CreateInitial(nodeID), merkle.New()); err != nil {
		return errors.Wrap(err, "save owner row")
	}
	s.SetOwner(owner.ID)

	fmt.Fprintf(cmd.OutOrStdout(), "Owner id:  %s\n", owner.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "Mnemonic:  %s\n", owner.Mnemonic)
	fmt.Fprintf(cmd.OutOrStdout(), "Database:  %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "\nWrite down the mnemonic and keep it safe — it is the only way to restore this Owner's data on a new device.")
	return nil
}

func runOwnerReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	path, err := dbPath(cfg)
	if err != nil {
		return err
	}

	lock := replicalock.New(path)
	if err := lock.TryAcquire(); err != nil {
		return errors.Wrap(err, "acquire replica lock")
	}
	defer lock.Release()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete local database")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Local data for %q deleted. Restore from mnemonic and resync to recover.\n", cfg.Name)
	return nil
}
