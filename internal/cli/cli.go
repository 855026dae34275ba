// ============================================================================
// Voxel-Pipeline CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the voxeld binary
//
// Command Structure:
//   voxeld                         # Root command
//   ├── run                        # Start the engine and diagnostics services
//   │   ├── --workers-min/--workers-max
//   │   ├── --duration             # Stop after a fixed time
//   │   └── --http/--grpc/--storage-dir
//   ├── status                     # Query a running engine over gRPC
//   ├── journal                    # Inspect an edit journal on disk
//   └── version                    # Display version information
//
// Persistent flags:
//   --config, -c    config file (default: configs/default.yaml)
//   --log-level     debug|info|warn|error
//   --log-format    text|json
//
// Signal Handling:
//   run stops on SIGINT/SIGTERM: autoscaler, workers, queue, final snapshot.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/voxel-pipeline/internal/config"
	"github.com/ChuLiYu/voxel-pipeline/internal/engine"
	"github.com/ChuLiYu/voxel-pipeline/internal/logging"
	"github.com/ChuLiYu/voxel-pipeline/internal/server"
	"github.com/ChuLiYu/voxel-pipeline/internal/storage/journal"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=..."
var Version = "0.1.0"

const defaultConfigPath = "configs/default.yaml"

var log = logging.For("cli")

// rootOptions flags shared by every subcommand
type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "voxeld",
		Short: "voxeld: a concurrent chunk pipeline with an autoscaled worker pool",
		Long: `voxeld runs a voxel world pipeline with:
- a priority job queue shared by a resizable worker pool
- latency-driven autoscaling with cooldown
- generate, light, mesh and upload stages per region
- journaled block edits with compressed snapshots`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Setup(opts.logLevel, opts.logFormat, cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format: text, json")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildJournalCommand(opts))
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	workersMin int
	workersMax int
	duration   time.Duration
	httpAddr   string
	grpcAddr   string
	storageDir string
}

func buildRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine",
		Long:  "Start the simulation, render and worker loops plus the diagnostics services",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configFile)
			if err != nil {
				return err
			}
			applyRunOverrides(cmd, &cfg, opts)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cfg)
		},
	}

	addRunFlags(cmd, opts)
	return cmd
}

func addRunFlags(cmd *cobra.Command, opts *runOptions) {
	cmd.Flags().IntVar(&opts.workersMin, "workers-min", 0, "minimum worker count")
	cmd.Flags().IntVar(&opts.workersMax, "workers-max", config.DefaultMaxWorkers(), "maximum worker count")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&opts.httpAddr, "http", "", "HTTP diagnostics address (overrides config)")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", "", "gRPC diagnostics address (overrides config)")
	cmd.Flags().StringVar(&opts.storageDir, "storage-dir", "", "edit journal and snapshot directory (overrides config)")
}

// applyRunOverrides 只套用使用者明確指定的 flag
func applyRunOverrides(cmd *cobra.Command, cfg *config.Config, opts *runOptions) {
	flags := cmd.Flags()
	if flags.Changed("workers-min") {
		cfg.Workers.Min = opts.workersMin
	}
	if flags.Changed("workers-max") {
		cfg.Workers.Max = opts.workersMax
	}
	if flags.Changed("duration") {
		cfg.Engine.Duration = opts.duration
	}
	if flags.Changed("http") {
		cfg.Diagnostics.HTTPAddr = opts.httpAddr
	}
	if flags.Changed("grpc") {
		cfg.Diagnostics.GRPCAddr = opts.grpcAddr
	}
	if flags.Changed("storage-dir") {
		cfg.Storage.Dir = opts.storageDir
	}
}

func runEngine(ctx context.Context, cfg config.Config) error {
	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv := server.New(eng, eng.Registry(), server.Options{
		HTTPAddr:       cfg.Diagnostics.HTTPAddr,
		GRPCAddr:       cfg.Diagnostics.GRPCAddr,
		StreamInterval: cfg.Diagnostics.Interval,
	})
	if err := srv.Start(); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start diagnostics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Diagnostics shutdown failed", "error", err)
		}
	}()

	log.Info("System started", "run_id", eng.RunID(), "duration", cfg.Engine.Duration)
	if err := eng.Run(ctx); err != nil {
		return err
	}

	st := eng.Status()
	log.Info("System stopped",
		"frames", st.Telemetry.Frames,
		"sim_ticks", st.SimTicks,
		"regions", st.Pipeline.Regions,
		"uploads", st.Pipeline.Uploads)
	return nil
}

// ============================================================================
// status
// ============================================================================

type statusOptions struct {
	addr    string
	regions bool
	timeout time.Duration
	asJSON  bool
}

func buildStatusCommand(root *rootOptions) *cobra.Command {
	opts := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Long:  "Query a running voxeld over gRPC and print its telemetry, pool and pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := opts.addr
			if addr == "" {
				cfg, err := loadConfig(root.configFile)
				if err != nil {
					return err
				}
				addr = dialAddr(cfg.Diagnostics.GRPCAddr)
			}
			if addr == "" {
				return errors.New("no gRPC address: set diagnostics.grpc_addr or pass --addr")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return showStatus(ctx, cmd.OutOrStdout(), addr, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "gRPC address of a running voxeld (default from config)")
	cmd.Flags().BoolVar(&opts.regions, "regions", false, "include per-region stages")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	return cmd
}

// dialAddr ":9090" 轉為 "localhost:9090"
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

func showStatus(ctx context.Context, w io.Writer, addr string, opts *statusOptions) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.DiagnosticsServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	snap, err := server.FetchSnapshot(ctx, conn, opts.regions)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	if opts.asJSON {
		raw, err := json.MarshalIndent(snap.AsMap(), "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}

	f := snap.GetFields()
	tm := f["telemetry"].GetStructValue().GetFields()
	pl := f["pipeline"].GetStructValue().GetFields()

	fmt.Fprintln(w, "voxeld status")
	fmt.Fprintf(w, "  Run ID:      %s\n", f["run_id"].GetStringValue())
	fmt.Fprintf(w, "  State:       %s (%s)\n", f["state"].GetStringValue(), health.GetStatus())
	fmt.Fprintf(w, "  Uptime:      %s\n", f["uptime"].GetStringValue())
	fmt.Fprintf(w, "  Workers:     %d [%d, %d]\n",
		int(f["workers"].GetNumberValue()), int(f["min_workers"].GetNumberValue()), int(f["max_workers"].GetNumberValue()))
	fmt.Fprintf(w, "  Queue:       %d\n", int(f["queue_depth"].GetNumberValue()))
	fmt.Fprintf(w, "  Render:      %.2f ms\n", tm["render_ms"].GetNumberValue())
	fmt.Fprintf(w, "  Sim:         %.2f ms\n", tm["sim_ms"].GetNumberValue())
	fmt.Fprintf(w, "  Job wait:    %.2f ms\n", tm["job_wait_ms"].GetNumberValue())
	fmt.Fprintf(w, "  Regions:     %d\n", int(pl["regions"].GetNumberValue()))
	for stage, n := range pl["by_stage"].GetStructValue().AsMap() {
		fmt.Fprintf(w, "    %-11s %v\n", stage+":", n)
	}
	fmt.Fprintf(w, "  Uploads:     %d (pending %d)\n", int(pl["uploads"].GetNumberValue()), int(pl["pending_uploads"].GetNumberValue()))
	fmt.Fprintf(w, "  Journal seq: %d\n", int(f["journal_seq"].GetNumberValue()))
	if opts.regions {
		for _, v := range f["regions"].GetListValue().GetValues() {
			r := v.GetStructValue().GetFields()
			key := r["key"].GetStructValue().GetFields()
			fmt.Fprintf(w, "    (%d,%d) %s v%d\n",
				int(key["x"].GetNumberValue()), int(key["z"].GetNumberValue()),
				r["stage"].GetStringValue(), int(r["mesh_version"].GetNumberValue()))
		}
	}
	return nil
}

// ============================================================================
// journal
// ============================================================================

func buildJournalCommand(root *rootOptions) *cobra.Command {
	var path string
	var dump bool

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the edit journal",
		Long:  "Validate the edit journal and optionally dump its entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig(root.configFile)
				if err != nil {
					return err
				}
				if cfg.Storage.Dir == "" {
					return errors.New("storage.dir is not set; pass --path")
				}
				path = filepath.Join(cfg.Storage.Dir, engine.JournalFile)
			}
			return inspectJournal(cmd.OutOrStdout(), path, dump)
		},
	}

	cmd.Flags().StringVarP(&path, "path", "p", "", "journal file (default: <storage.dir>/edits.journal)")
	cmd.Flags().BoolVar(&dump, "dump", false, "print every entry")

	return cmd
}

func inspectJournal(w io.Writer, path string, dump bool) error {
	n, err := journal.CountEntries(path)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	fmt.Fprintf(w, "journal: %s\n", path)
	fmt.Fprintf(w, "entries: %d\n", n)

	if last, err := journal.GetLastEntry(path); err == nil && last != nil {
		fmt.Fprintf(w, "last seq: %d\n", last.Seq)
	}
	if err := journal.ValidateJournal(path); err != nil {
		fmt.Fprintf(w, "valid: no (%v)\n", err)
		return err
	}
	fmt.Fprintln(w, "valid: yes")

	if dump {
		return journal.DumpJournal(path, w)
	}
	return nil
}

// ============================================================================
// version
// ============================================================================

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voxeld %s\n", Version)
		},
	}
}

// ============================================================================
// helpers
// ============================================================================

// loadConfig 預設路徑不存在時使用內建預設值
func loadConfig(path string) (config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
