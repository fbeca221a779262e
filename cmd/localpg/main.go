package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	DataDir    string
	Port       int
	LogLevel   string
	LogFormat  string
	LogFile    string
}

// UpFlags holds flags for the up command
type UpFlags struct {
	Once            bool
	ShutdownTimeout time.Duration
	BasePath        string
}

// AuditFlags holds flags for the audit command
type AuditFlags struct {
	Repair bool
}

// WipeFlags holds flags for the wipe command
type WipeFlags struct {
	Yes bool
}

// WaitFlags holds flags for the wait command
type WaitFlags struct {
	Host     string
	Port     int
	Deadline time.Duration
}

// HistoryFlags holds flags for the history command
type HistoryFlags struct {
	Service string
	Limit   int
}

// buildRoot assembles the command tree
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	upFlags := &UpFlags{}
	auditFlags := &AuditFlags{}
	wipeFlags := &WipeFlags{}
	waitFlags := &WaitFlags{}
	historyFlags := &HistoryFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createUpCommand(c, globalFlags, upFlags),
		createAuditCommand(c, globalFlags, auditFlags),
		createWipeCommand(c, globalFlags, wipeFlags),
		createWaitCommand(c, globalFlags, waitFlags),
		createReconcileCommand(c, globalFlags),
		createHistoryCommand(c, globalFlags, historyFlags),
		createVersionCommand(c),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "localpg",
		Short: "Local PostgreSQL supervisor",
		Long: `localpg bootstraps, audits and supervises a local PostgreSQL server,
enables the configured extensions and optionally launches pgAdmin beside it.

Examples:
  localpg up --config=localpg.toml
  localpg audit --data-dir=./data --repair
  localpg wait --port=5432 --deadline=10s
  localpg history --service=postgres --limit=20`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.DataDir, "data-dir", "", "override server.data_dir")
	root.PersistentFlags().IntVar(&flags.Port, "port", 0, "override server.port")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "override log.format (text, json)")
	root.PersistentFlags().StringVar(&flags.LogFile, "log-file", "", "override log.file")

	return root
}

// createUpCommand creates the up subcommand
func createUpCommand(c command, globalFlags *GlobalFlags, upFlags *UpFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bootstrap and run the server",
		Long: `Audit the data directory, initialize it when needed, start postgres,
wait for it to accept connections, reconcile the database and extensions,
then keep supervising until interrupted.

Examples:
  localpg up
  localpg up --once          # start, report, shut down`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Up(cmd.Context(), *globalFlags, *upFlags)
		},
	}
	cmd.Flags().BoolVar(&upFlags.Once, "once", false, "shut down after the start result is printed")
	cmd.Flags().DurationVar(&upFlags.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "time to wait for services to exit")
	cmd.Flags().StringVar(&upFlags.BasePath, "api-base", "/api", "base path of the status API")
	return cmd
}

// createAuditCommand creates the audit subcommand
func createAuditCommand(c command, globalFlags *GlobalFlags, auditFlags *AuditFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Classify the data directory",
		Long: `Report whether the data directory is empty, valid, repairable or corrupt.
With --repair, missing regeneratable directories are recreated.

Examples:
  localpg audit
  localpg audit --repair`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Audit(*globalFlags, *auditFlags)
		},
	}
	cmd.Flags().BoolVar(&auditFlags.Repair, "repair", false, "recreate missing regeneratable directories")
	return cmd
}

// createWipeCommand creates the wipe subcommand
func createWipeCommand(c command, globalFlags *GlobalFlags, wipeFlags *WipeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete the cluster",
		Long: `Remove everything inside the data directory. Refuses while another
localpg holds the directory lock.

Examples:
  localpg wipe --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Wipe(*globalFlags, *wipeFlags)
		},
	}
	cmd.Flags().BoolVar(&wipeFlags.Yes, "yes", false, "confirm deletion")
	return cmd
}

// createWaitCommand creates the wait subcommand
func createWaitCommand(c command, globalFlags *GlobalFlags, waitFlags *WaitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until a TCP port accepts connections",
		Long: `Poll host:port until a connection succeeds or the deadline passes.
Host and port default to the configured server.

Examples:
  localpg wait
  localpg wait --host=127.0.0.1 --port=5050 --deadline=1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Wait(cmd.Context(), *globalFlags, *waitFlags)
		},
	}
	cmd.Flags().StringVar(&waitFlags.Host, "host", "", "host to dial (default: server.host)")
	cmd.Flags().IntVar(&waitFlags.Port, "port", 0, "port to dial (default: server.port)")
	cmd.Flags().DurationVar(&waitFlags.Deadline, "deadline", 0, "give up after this long (default: readiness.deadline)")
	return cmd
}

// createReconcileCommand creates the reconcile subcommand
func createReconcileCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Ensure the database, admin role and extensions on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reconcile(cmd.Context(), *globalFlags)
		},
	}
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(c command, globalFlags *GlobalFlags, historyFlags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded service lifetimes",
		Long: `List the most recent service starts and exits from history.dsn.

Examples:
  localpg history
  localpg history --service=pgadmin --limit=5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), *globalFlags, *historyFlags)
		},
	}
	cmd.Flags().StringVar(&historyFlags.Service, "service", "", "filter by service id")
	cmd.Flags().IntVar(&historyFlags.Limit, "limit", 0, "maximum records (default 50)")
	return cmd
}

// createVersionCommand creates the version subcommand
func createVersionCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the localpg version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(c.out, "localpg "+version)
		},
	}
}
