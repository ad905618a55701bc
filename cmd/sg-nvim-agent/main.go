// ABOUTME: CLI entry point for sg-nvim-agent, the Neovim backend for Sourcegraph
// ABOUTME: Builds the cobra command tree; the bare command serves JSON-RPC over stdio

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the persistent flags shared by every subcommand.
type options struct {
	verbose     bool
	endpoint    string
	agentPath   string
	metricsAddr string
	logFile     string
	force       bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "sg-nvim-agent",
		Short: "Sourcegraph backend for Neovim",
		Long: `sg-nvim-agent speaks Content-Length framed JSON-RPC on stdin/stdout.
Neovim starts it as a job; run it by hand only with --force.

It resolves sg:// and Sourcegraph web links, reads remote files and
directories, searches, answers code-intelligence queries, and relays
Cody requests to an optional agent process.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	root.SetVersionTemplate(versionLine() + "\n")

	flags := root.PersistentFlags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")
	flags.StringVar(&opts.endpoint, "endpoint", "", "Sourcegraph instance URL (overrides settings and stored credentials)")
	flags.StringVar(&opts.agentPath, "agent", "", "Path to the Cody agent binary")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.StringVar(&opts.logFile, "log-file", "", "Write logs here instead of the default log file")
	root.Flags().BoolVar(&opts.force, "force", false, "Serve even when stdin is a terminal")

	root.AddCommand(
		newResolveCmd(opts),
		newAuthCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

func versionLine() string {
	return fmt.Sprintf("sg-nvim-agent %s (%s) built %s", version, commit, date)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionLine())
		},
	}
}
