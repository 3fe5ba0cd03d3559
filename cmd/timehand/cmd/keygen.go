package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/timehand/internal/util"
	"github.com/jmcleod/timehand/keystore"
	bboltstorage "github.com/jmcleod/timehand/storage/bbolt"
)

var (
	keygenDataDir  string
	keygenSeedFile string
	keygenForce    bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the master seed and publish the initial period records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(keygenDataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(keygenSeedFile), 0o700); err != nil {
			return fmt.Errorf("failed to create seed directory: %w", err)
		}

		if _, err := os.Stat(keygenSeedFile); err == nil && !keygenForce {
			return fmt.Errorf("seed file %s already exists (use --force to overwrite)", keygenSeedFile)
		}

		seed, err := util.RandomBytes(32)
		if err != nil {
			return err
		}
		if err := os.WriteFile(keygenSeedFile, []byte(util.HexEncode(seed)+"\n"), 0o600); err != nil {
			return fmt.Errorf("failed to write seed file: %w", err)
		}
		util.WipeBytes(seed)

		kv, err := bboltstorage.NewKVFromFile(keygenDataDir+"/keys.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open key storage: %w", err)
		}
		defer kv.Close()

		if err := keystore.Publish(kv, "periods", keystore.DefaultPeriod,
			keystore.DefaultBackwardPeriods, keystore.DefaultForwardPeriods, time.Now()); err != nil {
			return fmt.Errorf("failed to publish period records: %w", err)
		}

		fmt.Printf("Wrote seed to %s and published period records in %s/keys.db\n", keygenSeedFile, keygenDataDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenDataDir, "data-dir", "./data", "Directory for persistent data")
	keygenCmd.Flags().StringVar(&keygenSeedFile, "seed-file", "./data/seed", "Path for the hex-encoded master seed")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Overwrite an existing seed file")
}
