// Command node is the ledger engine's CLI entrypoint: it wires the store,
// mempool, header chain, and ingestion dispatcher into a running process,
// and offers maintenance subcommands for bulk import and genesis
// inspection. Peer networking and consensus are external collaborators
// and are not implemented here; LocalNode/ConsensusSink are
// left nil so the ledger simply accepts direct CLI-driven input.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"synnergy-network/core"
	"synnergy-network/pkg/config"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{Use: "node"}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(genesisCmd())
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("node command failed")
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the ledger engine and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			configureLogging(cfg)

			ledger, err := newLedgerFromConfig(cfg)
			if err != nil {
				return err
			}
			defer ledger.Close()

			stopRPC := serveRPC(rpcConfig{enabled: cfg.Network.RPCEnabled, addr: cfg.Network.RPCAddr}, ledger)
			defer stopRPC()

			logrus.WithField("height", ledger.Height()).Info("ledger engine started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logrus.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment-specific config overlay (cmd/config/<env>.yaml)")
	return cmd
}

func importCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "import [rlp-block-files...]",
		Short: "bulk-persist a contiguous run of RLP-encoded blocks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			configureLogging(cfg)

			ledger, err := newLedgerFromConfig(cfg)
			if err != nil {
				return err
			}
			defer ledger.Close()

			blocks := make([]*core.Block, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				var block core.Block
				if err := rlp.DecodeBytes(data, &block); err != nil {
					return fmt.Errorf("decode %s: %w", path, err)
				}
				blocks = append(blocks, &block)
			}

			result := ledger.Import(blocks)
			if result.Err != nil {
				return fmt.Errorf("import stopped after %d blocks: %w", result.Imported, result.Err)
			}
			fmt.Printf("imported %d blocks, height now %d\n", result.Imported, ledger.Height())
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment-specific config overlay")
	return cmd
}

func genesisCmd() *cobra.Command {
	var genesisFile string
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "build the genesis block from a YAML fixture and print its hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := config.LoadGenesis(genesisFile)
			if err != nil {
				return err
			}
			keys, err := spec.DecodePubKeys()
			if err != nil {
				return err
			}
			standby := make([]core.PubKey, len(keys))
			for i, k := range keys {
				standby[i] = core.PubKey(k)
			}
			block, err := core.BuildGenesisBlock(core.GenesisConfig{
				StandbyValidators: standby,
				Timestamp:         spec.Timestamp,
			})
			if err != nil {
				return err
			}
			fmt.Printf("genesis hash: %s\n", block.Hash())
			return nil
		},
	}
	cmd.Flags().StringVar(&genesisFile, "genesis-file", "cmd/config/genesis.yaml", "path to the genesis YAML fixture")
	return cmd
}

// newLedgerFromConfig wires an in-memory store (the on-disk engine is an
// external collaborator) and the genesis fixture referenced by
// cfg.Network.GenesisFile into a running core.Ledger.
func newLedgerFromConfig(cfg *config.Config) (*core.Ledger, error) {
	store := core.NewMemStore()

	genesisFile := cfg.Network.GenesisFile
	if genesisFile == "" {
		genesisFile = "cmd/config/genesis.yaml"
	}
	spec, err := config.LoadGenesis(genesisFile)
	if err != nil {
		return nil, err
	}
	keys, err := spec.DecodePubKeys()
	if err != nil {
		return nil, err
	}
	standby := make([]core.PubKey, len(keys))
	for i, k := range keys {
		standby[i] = core.PubKey(k)
	}

	var archiver *core.Archiver
	if cfg.Storage.ArchivePath != "" && cfg.Storage.ArchiveRetain > 0 {
		archiver = core.NewArchiver(cfg.Storage.ArchivePath, cfg.Storage.ArchiveRetain)
	}

	mempoolCapacity := cfg.Mempool.Capacity
	if mempoolCapacity <= 0 {
		mempoolCapacity = core.MempoolMax
	}

	ledger, err := core.NewLedger(core.LedgerConfig{
		Store: store,
		Genesis: core.GenesisConfig{
			StandbyValidators: standby,
			Timestamp:         spec.Timestamp,
		},
		Archiver:          archiver,
		MempoolCapacity:   mempoolCapacity,
		RelayCacheSize:    cfg.Ledger.RelayCacheSize,
		RelayWindowBlocks: cfg.Ledger.RelayWindowBlocks,
	})
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

func configureLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			logrus.SetOutput(f)
		}
	}
}
