package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// rootOptions are the persistent flags every subcommand shares, bound
// directly onto the command the way cmd/dupedog binds dedupeOptions.
type rootOptions struct {
	addr     string
	dataDir  string
	confPath string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := &rootOptions{addr: "http://localhost:8080"}

	root := &cobra.Command{
		Use:     "reconcile",
		Short:   "Compare two tabular files for unique keys and row-level reconciliation",
		Version: version + " (" + commit + ")",
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", opts.addr, "Gateway base URL for client subcommands")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", opts.dataDir, "Data directory for the serve subcommand")
	root.PersistentFlags().StringVar(&opts.confPath, "config", "", "Path to a YAML config file (serve subcommand only)")

	root.AddCommand(newCompareCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newGenerateCmd(opts))
	root.AddCommand(newExportCmd(opts))
	root.AddCommand(newCancelCmd(opts))
	root.AddCommand(newServeCmd(opts))

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
