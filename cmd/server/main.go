package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/socialdash/autopost/internal/config"
	"github.com/socialdash/autopost/internal/server"
	"github.com/socialdash/autopost/internal/service"
	"github.com/socialdash/autopost/pkg/logger"
)

var (
	configPath string
	tickUserID string
	version    = "0.1.0"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "autopost",
	Short: "Autopost - Scheduled social media publisher",
	Long:  `Autopost watches users' scheduled posts and hands each one to the publishing webhook once it comes due.`,
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Autopost %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Publish one user's due posts once and exit",
	RunE:  runTick,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail posts stuck in publishing and exit",
	RunE:  runSweep,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	tickCmd.Flags().StringVarP(&tickUserID, "user", "u", "", "user id to publish for")
	_ = tickCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(sweepCmd)
}

func setup() (*config.Config, *zap.Logger, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, appLogger, nil
}

func runServer(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Autopost server",
		zap.String("version", version),
		zap.String("database", cfg.Database.Type),
		zap.Strings("users", cfg.Scheduler.UserIDs))

	// Create server
	srv, err := server.NewServer(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start server
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Start(ctx); err != nil {
			appLogger.Error("Server failed to start", zap.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down server...")
	case <-ctx.Done():
		appLogger.Info("Server context cancelled")
	}

	// Graceful shutdown
	if err := srv.Shutdown(context.Background()); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	appLogger.Info("Server exited")
	return nil
}

func runTick(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	components, err := service.Build(cfg, appLogger)
	if err != nil {
		return err
	}
	defer components.Close()

	report, err := service.TickOnce(context.Background(), components.Deps, tickUserID)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runSweep(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	components, err := service.Build(cfg, appLogger)
	if err != nil {
		return err
	}
	defer components.Close()

	sweeper := service.NewSweeper(components.Deps,
		config.MustDuration(cfg.Scheduler.StuckAfter),
		config.MustDuration(cfg.Scheduler.SweepInterval))
	n, err := sweeper.SweepOnce(context.Background(), time.Now())
	if err != nil {
		return err
	}
	return printJSON(map[string]int{"swept": n})
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
