package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"nps-dashboard-server/config"
	"nps-dashboard-server/logger"
	"nps-dashboard-server/services"
	"nps-dashboard-server/utils"
)

var (
	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nps-dashboard-server",
	Short: "NPS dashboard sync server",
	Long: `Keeps a local copy of the call-center NPS survey responses, refreshes it
from the upstream API and serves the dashboard API.

Run without a subcommand to start the server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == hashPasswordCmd.Name() {
			return nil
		}
		if err := godotenv.Load(); err != nil {
			fmt.Fprintln(os.Stderr, "No .env file found, using system environment variables")
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		log, err = logger.New(cfg.Log.Mode, cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, the websocket stream and the periodic refresh",
	RunE:  runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Load the cache, run one incremental refresh and print a summary",
	RunE:  runSync,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Purge the persisted records, last-fetch date and saved filters",
	RunE:  runClear,
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the bcrypt hash to use as DASHBOARD_PASSWORD_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := utils.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, syncCmd, clearCmd, hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	hadCache := a.sync.LoadInitial(ctx)

	inserted, err := a.sync.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	out := cmd.OutOrStdout()
	breakdown := a.store.Breakdown(services.ViewAll)
	fmt.Fprintf(out, "cache found:   %t\n", hadCache)
	fmt.Fprintf(out, "inserted:      %d\n", inserted)
	fmt.Fprintf(out, "total records: %d\n", a.store.TotalCount())
	fmt.Fprintf(out, "nps:           %d (promoters %d, passives %d, detractors %d)\n",
		breakdown.Score, breakdown.Promoters, breakdown.Passives, breakdown.Detractors)
	fmt.Fprintf(out, "last fetch:    %s\n", a.sync.LastFetch().Format("2006-01-02 15:04:05 MST"))
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	a.sync.Clear()
	return nil
}
