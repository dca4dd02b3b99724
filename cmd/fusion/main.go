package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aifusion/internal/ai"
	"aifusion/internal/auth"
	"aifusion/internal/catalog"
	"aifusion/internal/config"
	"aifusion/internal/docstore"
	"aifusion/internal/gateway"
	"aifusion/internal/maintenance"
	"aifusion/internal/persistence"
	"aifusion/internal/quota"
	"aifusion/internal/sessions"
	"aifusion/internal/tracing"
	"aifusion/internal/version"
)

var (
	cfgFile string
	dbPath  string
	verbose bool
	port    int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fusion",
	Short: "AI Fusion gateway - one prompt, many models",
	Long: `AI Fusion sends each chat message to every model a user has enabled
and streams the replies back side by side.

The binary runs the gateway server and manages tokens, users and the model catalog.`,
	Version: version.Full(),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Println("Verbose logging enabled")
		}
	},
}

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway server",
	Long: `Start the WebSocket and HTTP gateway. Browsers connect on /ws with a
bearer token; /api/* serves models, quota, history and one-shot chat.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "AI Fusion %s\n", version.Full())
		buildInfo := version.GetBuildInfo()

		if buildInfo.GitCommit != "unknown" {
			fmt.Fprintf(out, "Git commit: %s\n", buildInfo.GitCommit)
		}
		if buildInfo.GitTag != "" {
			fmt.Fprintf(out, "Git tag: %s\n", buildInfo.GitTag)
		}
		if buildInfo.GitDirty {
			fmt.Fprintf(out, "Git status: dirty (uncommitted changes)\n")
		}
		if buildInfo.BuildDate != "unknown" {
			fmt.Fprintf(out, "Build date: %s\n", buildInfo.BuildDate)
		}
		fmt.Fprintf(out, "Go version: %s\n", buildInfo.GoVersion)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "database", "", "database file path (defaults to database.path from the config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	serverCmd.Flags().IntVarP(&port, "port", "p", 0, "server port (overrides config)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(auth.TokenRootCmd(&auth.CLIConfig{DatabasePath: resolveDatabasePath}))
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(maintenanceCmd())

	// If no command is specified, default to server
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serverCmd.RunE(cmd, args)
	}
}

// resolveDatabasePath prefers --database, then the configured path.
func resolveDatabasePath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.Database.Path, nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogFile == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return cat, nil
}

func runServer() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port != 0 {
		cfg.Port = port
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if cfg.Debug.VerboseLogging && !verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	store, err := docstore.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	bridge := persistence.NewBridge(store)
	provider, err := ai.NewAggregatorProvider(cfg.Aggregator)
	if err != nil {
		return fmt.Errorf("failed to create aggregator provider: %w", err)
	}

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Printf("Tracing shutdown error: %v", err)
		}
	}()

	checker := quota.New(cfg.Quota, func(owner string) bool {
		return bridge.IsPremium(context.Background(), owner)
	})

	manager := sessions.NewManager(sessions.Options{
		Catalog:         cat,
		Bridge:          bridge,
		Provider:        provider,
		Quota:           checker,
		Tracer:          tp.Tracer(),
		HistoryLimit:    cfg.Aggregator.HistoryLimit,
		LogContent:      cfg.Debug.LogMessageContent,
		IdleTimeout:     time.Duration(cfg.Sessions.IdleTimeoutMinutes) * time.Minute,
		JanitorSchedule: cfg.Sessions.JanitorSchedule,
	})
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}
	defer manager.Stop()

	tokens := auth.NewTokenStorage(store.DB())

	housekeeping, err := newMaintenanceScheduler(cfg, store, bridge, tokens)
	if err != nil {
		return err
	}
	if err := housekeeping.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}
	defer housekeeping.Stop()

	gw, err := gateway.New(gateway.Options{
		Config:   cfg,
		Catalog:  cat,
		Sessions: manager,
		Bridge:   bridge,
		Quota:    checker,
		Tokens:   tokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
		cancel()
	}()

	log.Printf("Starting AI Fusion gateway on port %d (%d models, provider %s)", cfg.Port, len(cat.Names()), provider.Name())
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("gateway failed: %w", err)
	}

	log.Println("Gateway stopped gracefully")
	return nil
}

// newMaintenanceScheduler registers the housekeeping tasks in the order they
// should run: pruning first so VACUUM reclaims the space.
func newMaintenanceScheduler(cfg *config.Config, store *docstore.Store, bridge *persistence.Bridge, tokens *auth.TokenStorage) (*maintenance.Scheduler, error) {
	s := maintenance.NewScheduler(cfg.Maintenance, log.Default())
	tasks := []maintenance.Task{maintenance.NewChatRetentionTask(bridge, cfg.Maintenance.ChatRetentionDays)}
	if cfg.Maintenance.PurgeExpiredTokens {
		tasks = append(tasks, maintenance.NewTokenCleanupTask(tokens))
	}
	tasks = append(tasks, maintenance.NewDatabaseMaintenanceTask(store.DB(), cfg.Database.Path,
		cfg.Maintenance.VacuumThresholdMB, cfg.Maintenance.BackupBeforeVacuum, log.Default()))

	for _, task := range tasks {
		if err := s.RegisterTask(task); err != nil {
			return nil, fmt.Errorf("failed to register maintenance task: %w", err)
		}
	}
	return s, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
