package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(),
		createScriptCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "joinkeeper",
		Short: "Keeps game clients launched and joined to a server",
		Long: `Joinkeeper supervises up to two game clients on one host. It launches
each client, drives it through connect and load, runs maintenance and
restarts clients that age out or drop from the server.

Examples:
  joinkeeper serve --config joinkeeper.toml
  joinkeeper status --api-url http://host:3000
  joinkeeper script f8connect.ahk --var PROCESS_ID=1234 --var SERVER_IP=10.0.0.5`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional; environment variables also work)")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor",
		Long: `Run the reconciliation loop and the status server until interrupted.

Examples:
  joinkeeper serve                          # configure from SERVER_ENDPOINT, SERVER_IP, LICENSE_IDENTIFIERS
  joinkeeper serve joinkeeper.toml
  joinkeeper serve --daemonize --pidfile joinkeeper.pid --logfile joinkeeper.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the supervisor pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().StringVar(&serveFlags.LockFile, "lockfile", "", "single-instance lock (default: next to the state file)")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand() *cobra.Command {
	statusFlags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the slot table of a running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), statusFlags)
		},
	}
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "http://localhost:3000", "base URL of the status server")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&statusFlags.CACert, "ca-cert", "", "CA certificate for an https status server")
	cmd.Flags().BoolVar(&statusFlags.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().BoolVar(&statusFlags.JSON, "json", false, "print the raw JSON body")
	cmd.Flags().StringVar(&statusFlags.File, "file", "", "read the state file a supervisor writes instead of querying the API")
	return cmd
}

// createScriptCommand creates the script subcommand
func createScriptCommand(globalFlags *GlobalFlags) *cobra.Command {
	scriptFlags := &ScriptFlags{}
	cmd := &cobra.Command{
		Use:   "script <name>",
		Short: "Run one automation script with the configured interpreter",
		Long: `Materialize and run one automation script exactly as the supervisor
would, for trying scripts by hand. Do not use while serve is running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptFlags.ConfigPath = globalFlags.ConfigPath
			return runScript(cmd.Context(), scriptFlags, args[0])
		},
	}
	cmd.Flags().StringArrayVar(&scriptFlags.Vars, "var", nil, "substitution variable K=V (repeatable)")
	cmd.Flags().DurationVar(&scriptFlags.Timeout, "timeout", 0, "override the script timeout")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "joinkeeper", version)
		},
	}
}
