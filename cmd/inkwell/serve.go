package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/inkwell-press/inkwell/internal/blob"
	"github.com/inkwell-press/inkwell/internal/config"
	"github.com/inkwell-press/inkwell/internal/db"
	"github.com/inkwell-press/inkwell/internal/dispatch"
	"github.com/inkwell-press/inkwell/internal/llm"
	"github.com/inkwell-press/inkwell/internal/pipeline"
	"github.com/inkwell-press/inkwell/internal/prompts"
	"github.com/inkwell-press/inkwell/internal/server"
	"github.com/inkwell-press/inkwell/internal/store/memstore"
)

var (
	serveConfigPath string
	servePort       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that exposes REST endpoints for submitting manuscripts and running analysis pipelines.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to JSON config file")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Config{}
	if serveConfigPath != "" {
		loaded, err := config.LoadConfig(serveConfigPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	cfg.FromEnv()
	cfg = cfg.MergeWithDefaults(config.Defaults())
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("no API key configured for provider %q", cfg.Provider)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var st dispatch.Store
	if cfg.DatabaseURL != "" {
		pg, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
		log.Println("[serve] using PostgreSQL store")
	} else {
		st = memstore.New()
		log.Println("[serve] DATABASE_URL not set, using in-memory store")
	}

	blobs, err := blob.NewFS(cfg.BlobRoot)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	provider, err := llm.NewProviderClient(ctx, cfg.Provider, cfg.APIKey, cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to create provider client: %w", err)
	}
	defer provider.Close()

	library, err := prompts.NewLibrary()
	if err != nil {
		return fmt.Errorf("failed to load prompt library: %w", err)
	}

	gateway := llm.NewGateway(provider, st)
	orch := pipeline.NewOrchestrator(st, blobs, st, st, library, gateway)
	disp := dispatch.NewDispatcher(st, blobs, orch, cfg.MaxConcurrentReports)

	superviseCtx, stopSupervise := context.WithCancel(ctx)
	defer stopSupervise()
	go disp.Supervise(superviseCtx, cfg.SweepInterval(), cfg.StuckAfter())

	srv := server.New(server.Config{Port: cfg.Port}, st, blobs, disp)
	return srv.Start()
}
