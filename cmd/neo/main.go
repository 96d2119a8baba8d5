package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/neotoma-io/neotoma/internal/blob"
	"github.com/neotoma-io/neotoma/internal/cache"
	"github.com/neotoma-io/neotoma/internal/config"
	"github.com/neotoma-io/neotoma/internal/service"
	"github.com/neotoma-io/neotoma/internal/storage/sqlite"
	"github.com/neotoma-io/neotoma/internal/telemetry"
)

var (
	flagDataDir string
	flagDB      string
	flagUser    string
	jsonOutput  bool
	verboseFlag bool

	settings *config.Settings
	svc      *service.Service
	logger   *zap.Logger

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// Command groups for organized help output
const (
	GroupData   = "data"
	GroupViews  = "views"
	GroupSchema = "schema"
	GroupOps    = "ops"
)

// noServiceCommands don't open the database.
var noServiceCommands = map[string]bool{
	"version":    true,
	"help":       true,
	"completion": true,
}

func init() {
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
	}

	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Data directory (default: ~/.neotoma)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Database path (default: <data-dir>/neotoma.db)")
	rootCmd.PersistentFlags().StringVarP(&flagUser, "user", "u", "", "Tenant to operate as (default: config key user, NEOTOMA_USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")

	rootCmd.AddGroup(
		&cobra.Group{ID: GroupData, Title: "Ingest & Correct:"},
		&cobra.Group{ID: GroupViews, Title: "Views & Queries:"},
		&cobra.Group{ID: GroupSchema, Title: "Schemas:"},
		&cobra.Group{ID: GroupOps, Title: "Operations:"},
	)
}

var rootCmd = &cobra.Command{
	Use:   "neo",
	Short: "neo - truth layer for persistent agent memory",
	Long: `Content-addressed sources, an append-only observation log, and a
deterministic reducer that folds observations into current-truth snapshots.
Corrections never overwrite; they outrank. Every field answers "where did
this value come from?"`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("neo version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		applyFlagOverrides()
		settings = config.Snapshot()
		buildCLILogger()

		if noServiceCommands[cmd.Name()] || cmd.Name() == "serve" {
			// serve builds its own stack (lock, telemetry, file logging).
			return nil
		}
		return openService()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeService()
		if rootCancel != nil {
			rootCancel()
		}
	},
}

// applyFlagOverrides pushes set flags into the config layer so the
// flags > env > file > defaults precedence holds.
func applyFlagOverrides() {
	if flagDataDir != "" {
		config.Set("data-dir", flagDataDir)
	}
	if flagDB != "" {
		config.Set("db", flagDB)
	}
	if flagUser != "" {
		config.Set("user", flagUser)
	}
}

// buildCLILogger keeps interactive commands quiet: warnings only unless
// --verbose. The serve path replaces it with the configured file logger.
func buildCLILogger() {
	level := zapcore.WarnLevel
	if verboseFlag {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)
	logger = zap.New(core)
}

// openService builds the full stack: sqlite store (instrumented when
// telemetry is on), blob store, snapshot cache, service facade.
func openService() error {
	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := sqlite.New(rootCtx, settings.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	logger.Debug("database opened", zap.String("path", store.Path()))
	blobs, err := blob.NewFileStore(settings.BlobDir)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open blob store: %w", err)
	}

	var snaps service.SnapshotCache
	if settings.RedisURL != "" {
		r, err := cache.NewRedis(settings.RedisURL, logger)
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("connect snapshot cache: %w", err)
		}
		snaps = r
	} else {
		snaps = cache.NewMemory(settings.MemoryCacheSize)
	}

	svc = service.New(telemetry.WrapStore(store), blobs, snaps, logger, service.Config{
		OpTimeout:      settings.OpTimeout,
		InterpretQuota: settings.InterpretQuota,
	})
	return nil
}

func closeService() {
	if svc != nil {
		if err := svc.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: close: %v\n", err)
		}
		svc = nil
	}
}

// currentUser resolves the tenant every command operates as.
func currentUser() string {
	if flagUser != "" {
		return flagUser
	}
	return settings.User
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	rootCmd.InitDefaultHelpCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
