// Command blockmapd exposes the block-map tree engine's offline tools
// (SPEC_FULL §10.5): rebuild, which drives C6's reference-count rebuild
// standalone against a flat device image, and inspect-superblock, which
// drives C7's decode and prints the header. Grounded on the pack's cobra
// command-tree idiom — github.com/spf13/cobra and github.com/spf13/viper
// appear (indirect) in ethereum-go-ethereum's go.mod, promoted here to a
// direct, small command tree rather than the teacher's bare-flags
// `flag.Parse()` style, since the teacher is a library with no CLI at all.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arboreal-systems/blockmap/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blockmapd",
		Short: "Offline tools for the block-map tree engine",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (optional; env BLOCKMAP_* always applies)")
	root.AddCommand(newRebuildCmd())
	root.AddCommand(newInspectSuperBlockCmd())
	return root
}

func newLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
