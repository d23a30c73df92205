package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/onestarstream/onestar-vault/pkg/events"
	"github.com/onestarstream/onestar-vault/pkg/keystore"
	"github.com/onestarstream/onestar-vault/pkg/keysync"
	"github.com/onestarstream/onestar-vault/pkg/rotation"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new keystore with a fresh hybrid keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Close()

		if keystore.Exists(cfg.Storage.KeystorePath) {
			return fmt.Errorf("keystore already exists at %s", cfg.Storage.KeystorePath)
		}

		password, err := readPassword("New vault password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword("Confirm vault password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return fmt.Errorf("passwords do not match")
		}

		v := newVault(events.NewBus(), logger)
		if err := v.Unlock(password); err != nil {
			return err
		}
		defer v.Lock("cli-exit")

		ks, err := v.Keystore()
		if err != nil {
			return err
		}

		fmt.Println("Keystore created at", cfg.Storage.KeystorePath)
		fmt.Printf("  device:      %s (%s)\n", ks.DeviceName, ks.DeviceID)
		fmt.Println("  current key:", ks.CurrentKeypair.KeyID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Unlock the vault and print keystore state",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Close()

		if !keystore.Exists(cfg.Storage.KeystorePath) {
			fmt.Println("No keystore found at", cfg.Storage.KeystorePath)
			fmt.Println("One will be created on first unlock.")
			return nil
		}

		password, err := readPassword("Vault password: ")
		if err != nil {
			return err
		}

		v := newVault(events.NewBus(), logger)
		if err := v.Unlock(password); err != nil {
			return err
		}
		defer v.Lock("cli-exit")

		ks, err := v.Keystore()
		if err != nil {
			return err
		}

		fmt.Println("Keystore:", cfg.Storage.KeystorePath)
		fmt.Println("  version:          ", ks.Version)
		fmt.Println("  algorithm:        ", ks.Algorithm)
		fmt.Println("  user:             ", ks.UserID)
		fmt.Printf("  device:            %s (%s)\n", ks.DeviceName, ks.DeviceID)
		fmt.Println("  current key:      ", ks.CurrentKeypair.KeyID)
		fmt.Println("  key created:      ", ks.CurrentKeypair.CreatedAt.Format(time.RFC3339))
		fmt.Println("  retired keypairs: ", len(ks.PreviousKeypairs))
		fmt.Println("  rotations:        ", len(ks.RotationHistory))
		fmt.Println("  sync records:     ", len(ks.SyncHistory))
		return nil
	},
}

var rotateReason string

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the current keypair and re-wrap media keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Close()

		password, err := readPassword("Vault password: ")
		if err != nil {
			return err
		}

		bus := events.NewBus()
		bus.Subscribe(events.TopicRotationProgress, func(e events.Event) {
			fmt.Printf("\r  re-wrapping: %v done (%v failed)", e.Fields["current"], e.Fields["failed"])
		})

		v := newVault(bus, logger)
		if err := v.Unlock(password); err != nil {
			return err
		}
		defer v.Lock("cli-exit")

		store, err := newMediaStore()
		if err != nil {
			return err
		}

		engine := rotation.NewEngine(v, store, rotation.NewRegistry(), bus, logger.Child("rotation"))
		opts := rotation.DefaultOptions()
		opts.RollbackThreshold = cfg.Rotation.RollbackThreshold

		result, err := engine.Rotate(context.Background(), password, rotateReason, opts)
		fmt.Println()
		if err != nil {
			return err
		}

		if result.RollbackPerformed {
			fmt.Printf("Rotation rolled back: %d re-wrapped, %d failed (aborted: %v)\n",
				result.MediaRewrapped, result.MediaFailed, result.Aborted)
			return nil
		}
		fmt.Printf("Rotated %s -> %s: %d media keys re-wrapped, %d failed in %dms\n",
			result.OldKeyID, result.NewKeyID, result.MediaRewrapped, result.MediaFailed, result.DurationMS)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <output-path>",
	Short: "Write an encrypted keystore transfer file for another device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Close()

		password, err := readPassword("Vault password: ")
		if err != nil {
			return err
		}
		exportPassword, err := readPassword("Transfer password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword("Confirm transfer password: ")
		if err != nil {
			return err
		}

		bus := events.NewBus()
		v := newVault(bus, logger)
		if err := v.Unlock(password); err != nil {
			return err
		}
		defer v.Lock("cli-exit")

		codec := keysync.NewCodec(v, rotation.NewRegistry(), bus, logger.Child("sync"))
		result, err := codec.Export(exportPassword, confirm, args[0])
		if err != nil {
			return err
		}
		fmt.Println("Export written to", result.Path)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <transfer-file>",
	Short: "Import a keystore transfer file from another device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Close()

		password, err := readPassword("Vault password: ")
		if err != nil {
			return err
		}
		transferPassword, err := readPassword("Transfer password: ")
		if err != nil {
			return err
		}

		bus := events.NewBus()
		v := newVault(bus, logger)
		if err := v.Unlock(password); err != nil {
			return err
		}
		defer v.Lock("cli-exit")

		codec := keysync.NewCodec(v, rotation.NewRegistry(), bus, logger.Child("sync"))
		result, err := codec.Import(args[0], transferPassword)
		if err != nil {
			return err
		}

		fmt.Printf("Import complete: keypairs updated: %v, %d previous merged, %d rotations merged, %d conflicts resolved\n",
			result.KeypairsUpdated, result.PreviousMerged, result.RotationsMerged, result.ConflictsResolved)
		return nil
	},
}

var eraseConfirm bool

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Destroy the keystore file permanently",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !eraseConfirm {
			return fmt.Errorf("refusing to erase without --yes")
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Close()

		password, err := readPassword("Vault password: ")
		if err != nil {
			return err
		}

		v := newVault(events.NewBus(), logger)
		if err := v.Unlock(password); err != nil {
			return err
		}
		if err := v.Erase(); err != nil {
			return err
		}
		fmt.Println("Keystore erased.")
		return nil
	},
}

func init() {
	rotateCmd.Flags().StringVar(&rotateReason, "reason", "manual", "reason recorded in rotation history")
	eraseCmd.Flags().BoolVar(&eraseConfirm, "yes", false, "confirm permanent keystore destruction")
}
