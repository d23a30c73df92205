// Command onestar-vault is the local administration shell for the vault
// core: keystore inspection, manual rotation, and cross-device transfer.
// It opens no sockets and runs no daemon; every command unlocks, acts,
// and locks again.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onestarstream/onestar-vault/pkg/config"
	"github.com/onestarstream/onestar-vault/pkg/events"
	"github.com/onestarstream/onestar-vault/pkg/logging"
	"github.com/onestarstream/onestar-vault/pkg/mediastore"
	"github.com/onestarstream/onestar-vault/pkg/vault"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "onestar-vault",
	Short: "Manage the OnestarStream encrypted media vault keystore",
	Long: `onestar-vault manages the post-quantum hybrid keystore of a local
OnestarStream media vault: unlock checks, key rotation, and authenticated
keystore transfer between your devices.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			cfg = config.Default()
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(eraseCmd)
}

// newLogger builds the root logger from config.
func newLogger() (*logging.Logger, error) {
	return logging.New("onestar-vault", logging.ParseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
}

// newVault constructs a locked vault from config.
func newVault(bus *events.Bus, logger *logging.Logger) *vault.Vault {
	return vault.New(vault.Options{
		KeystorePath:      cfg.Storage.KeystorePath,
		UserID:            cfg.Vault.UserID,
		DeviceName:        cfg.Vault.DeviceName,
		MinPasswordLength: cfg.Vault.MinPasswordLength,
		Bus:               bus,
		Logger:            logger.Child("vault"),
	})
}

// newMediaStore selects the configured media record store.
func newMediaStore() (mediastore.Store, error) {
	db := cfg.Storage.MediaDB
	if db == nil {
		return mediastore.NewMemory(), nil
	}
	return mediastore.NewPostgres(mediastore.PostgresConfig{
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		DBName:   db.DBName,
		SSLMode:  db.SSLMode,
	})
}

// readPassword reads a password from the ONESTAR_VAULT_PASSWORD
// environment variable or, failing that, from stdin.
func readPassword(prompt string) (string, error) {
	if pw := os.Getenv("ONESTAR_VAULT_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("empty password")
	}
	return pw, nil
}
