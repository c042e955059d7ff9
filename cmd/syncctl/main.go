package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/file-connector/internal/app"
	"github.com/file-connector/internal/config"
	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/scheduler"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/pkg/logger"
)

var (
	cfgFile   string
	serverURL string
	cfg       *config.Config
	log       *logger.Logger
	connector *app.App
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate file connector sync endpoints",
		Long: `Runs sync passes in the foreground, inspects sync history and
controls a running sync daemon through its operator API.`,
		SilenceUsage:      true,
		PersistentPreRunE: initializeApp,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if connector == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.StopTimeout)
			defer cancel()
			return connector.Stop(ctx)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "operator API of the running daemon")

	// Add subcommands
	rootCmd.AddCommand(endpointsCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sourceCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log = logger.New(cfg.LoggerConfig())

	connector, err = app.New(cfg, log, app.WithoutServer(), app.WithOperatorState())
	return err
}

// loadEndpoints brings the store in step with the config file for commands
// that run passes. Cursors and the operator's enabled flags are kept.
func loadEndpoints(ctx context.Context) error {
	_, err := connector.LoadEndpoints(ctx)
	return err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC1123)
}

func printRun(run *models.SyncRun) {
	fmt.Printf("[%s] %s | %s\n", run.ID, run.EndpointID, run.Status)
	fmt.Printf("    Started: %s | Took: %s\n", run.StartedAt.Format(time.RFC1123), run.Duration().Round(time.Millisecond))
	fmt.Printf("    Found: %d | Added: %d | Updated: %d | Skipped: %d | Errored: %d | Retries: %d\n",
		run.FilesFound, run.FilesAdded, run.FilesUpdated, run.FilesSkipped, run.FilesErrored, run.RetryCount)
	fmt.Printf("    Cursor: %s -> %s\n", formatTime(run.CursorBefore), formatTime(run.CursorAfter))
	if run.ErrorDetail != "" {
		fmt.Printf("    Error (%s): %s\n", run.ErrorKind, run.ErrorDetail)
	}
	fmt.Println()
}

// ============ ENDPOINT COMMANDS ============

func endpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "List and control endpoints",
	}

	cmd.AddCommand(endpointsListCmd())
	cmd.AddCommand(endpointsToggleCmd("enable", "Enable an endpoint on the running daemon"))
	cmd.AddCommand(endpointsToggleCmd("disable", "Disable an endpoint on the running daemon"))
	cmd.AddCommand(endpointsTriggerCmd())
	return cmd
}

func endpointsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List endpoints known to the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			eps, err := connector.Store.ListEndpoints(cmd.Context())
			if err != nil {
				return err
			}
			invalid := connector.ValidateEndpoints()

			fmt.Printf("\n=== Endpoints (%d) ===\n\n", len(eps))
			for _, ep := range eps {
				state := "enabled"
				if !ep.Enabled {
					state = "disabled"
				}
				fmt.Printf("[%s] %s | %s | %s\n", ep.ID, ep.Name, ep.SourceType, state)
				fmt.Printf("    Schedule: %s\n", scheduler.Describe(ep.Schedule))
				fmt.Printf("    Cursor: %s | Last run: %s (%s)\n", formatTime(ep.Cursor), formatTime(ep.LastSyncAt), ep.LastStatus)
				if err := invalid[ep.ID]; err != nil {
					fmt.Printf("    Invalid: %v\n", err)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

// postOperator sends a command to the daemon's operator API
func postOperator(ctx context.Context, path string) (string, error) {
	url := strings.TrimRight(serverURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("daemon unreachable at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

func endpointsToggleCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [endpoint-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := postOperator(cmd.Context(), "/endpoints/"+args[0]+"/"+action)
			if err != nil {
				return err
			}
			fmt.Println(body)
			return nil
		},
	}
}

func endpointsTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [endpoint-id]",
		Short: "Ask the running daemon to start a pass now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := postOperator(cmd.Context(), "/endpoints/"+args[0]+"/trigger"); err != nil {
				return err
			}
			fmt.Printf("Pass accepted for %s\n", args[0])
			return nil
		},
	}
}

// ============ SYNC COMMANDS ============

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run sync passes in the foreground",
	}

	cmd.AddCommand(syncRunCmd())
	cmd.AddCommand(syncAllCmd())
	return cmd
}

func syncRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [endpoint-id]",
		Short: "Run one pass for an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if err := loadEndpoints(ctx); err != nil {
				return err
			}
			run, err := connector.RunNow(ctx, args[0])
			if run != nil {
				printRun(run)
			}
			return err
		},
	}
}

func syncAllCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run one pass for every enabled endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if concurrency <= 0 {
				concurrency = cfg.Sync.Concurrency
			}
			if err := loadEndpoints(ctx); err != nil {
				return err
			}
			runs, err := connector.SyncAll(ctx, concurrency)

			fmt.Printf("\n=== Sync Results (%d) ===\n\n", len(runs))
			for _, run := range runs {
				if run != nil {
					printRun(run)
				}
			}
			return err
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel passes (default from sync.concurrency)")
	return cmd
}

// ============ HISTORY COMMANDS ============

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect sync run history",
	}

	cmd.AddCommand(runsListCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list [endpoint-id]",
		Short: "List recent runs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.DefaultRunFilter("")
			if len(args) == 1 {
				filter.EndpointID = args[0]
			}
			filter.Limit = limit
			if status != "" {
				s := models.RunStatus(status)
				filter.Status = &s
			}

			runs, err := connector.Store.ListSyncRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Sync Runs (%d) ===\n\n", len(runs))
			for _, run := range runs {
				printRun(run)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running, succeeded, failed, partial, deferred)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to show")
	return cmd
}

func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect synced file records",
	}

	cmd.AddCommand(recordsListCmd())
	return cmd
}

func recordsListCmd() *cobra.Command {
	var since string
	var limit int

	cmd := &cobra.Command{
		Use:   "list [endpoint-id]",
		Short: "List file records, most recently changed first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.DefaultRecordFilter(args[0])
			filter.Limit = limit
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since must be RFC3339: %w", err)
				}
				filter.UpdatedSince = &t
			}

			records, err := connector.Store.ListRecords(cmd.Context(), filter)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Records (%d) ===\n\n", len(records))
			for _, rec := range records {
				fmt.Printf("[%s] %s\n", rec.ExternalID, rec.Title)
				fmt.Printf("    Project: %s | Updated: %s\n", rec.ProjectID, formatTime(rec.ExternalUpdatedAt))
				if mime, ok := rec.Metadata["mime_type"]; ok {
					fmt.Printf("    Type: %v\n", mime)
				}
				if rec.Link != "" {
					fmt.Printf("    Link: %s\n", rec.Link)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Only records changed after this RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to show")
	return cmd
}

// ============ DIAGNOSTIC COMMANDS ============

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check every endpoint's source settings and schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			invalid := connector.ValidateEndpoints()
			if len(invalid) == 0 {
				fmt.Printf("Configuration OK (%d endpoints)\n", len(cfg.Endpoints))
				return nil
			}

			ids := make([]string, 0, len(invalid))
			for id := range invalid {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Printf("✗ %s: %v\n", id, invalid[id])
			}
			return fmt.Errorf("%d of %d endpoints are invalid", len(invalid), len(cfg.Endpoints))
		},
	})
	return cmd
}

func sourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Source connectivity commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "health [endpoint-id]",
		Short: "Authenticate against an endpoint's source and list one change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEndpoints(cmd.Context()); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Sync.SourceTimeout)
			defer cancel()

			if err := connector.CheckSource(ctx, args[0]); err != nil {
				fmt.Printf("✗ %s: %v\n", args[0], err)
				return err
			}
			fmt.Printf("✓ %s is reachable\n", args[0])
			return nil
		},
	})
	return cmd
}
