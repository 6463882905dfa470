package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/quiltdb/quilt/pkg/log"
	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/store"
	"github.com/quiltdb/quilt/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quilt",
	Short: "Quilt - local-first replicated object store",
	Long: `Quilt persists a small graph of typed objects - vertices, atoms, and
labeled directed edges - and synchronizes replicas by exchanging a compact
action log. Concurrent writes merge deterministically with last-writer-wins
semantics over per-replica logical clocks.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Quilt version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory holding the backend database")
	rootCmd.PersistentFlags().String("store-name", "quilt", "Store name shared by syncing replicas")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(atomCmd)
	rootCmd.AddCommand(edgeCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// openStore opens the store addressed by the global flags.
func openStore() (*store.Store, error) {
	dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir")
	name, _ := rootCmd.PersistentFlags().GetString("store-name")

	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	backend, err := storage.NewBoltBackend(dataDir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(backend, name)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return st, nil
}

// parseID accepts a decimal number or the 32-digit hex form of an id.
func parseID(arg string) (types.ObjectID, error) {
	if n, err := strconv.ParseUint(arg, 10, 64); err == nil {
		return types.ObjectIDFromUint64(n), nil
	}
	return types.ParseObjectID(arg)
}

func parseLabel(arg string) (types.Label, error) {
	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("label must be an unsigned integer: %w", err)
	}
	return types.Label(n), nil
}
