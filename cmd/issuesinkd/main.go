// Command issuesinkd runs the issue-sink service: it admits application
// errors over HTTP, deduplicates them exactly and by embedding similarity,
// and drives them through the lifecycle state machine workers poll.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"

	"github.com/issuesink/issuesink/internal/admission"
	"github.com/issuesink/issuesink/internal/api"
	"github.com/issuesink/issuesink/internal/blacklist"
	"github.com/issuesink/issuesink/internal/cleanup"
	"github.com/issuesink/issuesink/internal/config"
	"github.com/issuesink/issuesink/internal/embedclient"
	"github.com/issuesink/issuesink/internal/embedworker"
	"github.com/issuesink/issuesink/internal/imageextract"
	"github.com/issuesink/issuesink/internal/issuesink"
	"github.com/issuesink/issuesink/internal/lifecycle"
	"github.com/issuesink/issuesink/internal/llm"
	"github.com/issuesink/issuesink/internal/logging"
	"github.com/issuesink/issuesink/internal/store"
	"github.com/issuesink/issuesink/internal/store/sqlite"
	"github.com/issuesink/issuesink/internal/telemetry"
	"github.com/issuesink/issuesink/internal/types"
)

const anthropicKeyEnv = "ANTHROPIC_API_KEY"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "issuesinkd",
		Short:         "Issue-sink service: admit, deduplicate, and progress application issues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := sqlite.Open(cmd.Context(), cfg.Store.Name)
			if err != nil {
				return err
			}
			return st.Close()
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	root.AddCommand(serve, migrate, configCmd)
	return root
}

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(logging.Config{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	mp := sdkmetric.NewMeterProvider()
	tp := sdktrace.NewTracerProvider()
	telemetry.Configure(mp, tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mp.Shutdown(shutdownCtx)
		_ = tp.Shutdown(shutdownCtx)
	}()

	st, err := sqlite.Open(ctx, cfg.Store.Name)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := os.MkdirAll(cfg.Storage.ImagesDir, 0o755); err != nil {
		return fmt.Errorf("create images dir: %w", err)
	}

	blLogger := logger.Named("blacklist")
	cache := blacklist.New(st, cfg.Blacklist.CacheTimeout, func(p *types.BlacklistPattern, err error) {
		blLogger.Warnf("ill-formed regex pattern %d %q: %v", p.ID, p.Pattern, err)
	})
	if err := cache.Refresh(ctx); err != nil {
		return err
	}
	manager := blacklist.NewManager(st, cache, cfg.Blacklist.AutoDelete)

	if cfg.Blacklist.SeedFile != "" {
		if err := applySeed(ctx, st, cache, cfg.Blacklist.SeedFile, blLogger); err != nil {
			return err
		}
		go func() {
			err := config.WatchSeed(ctx, cfg.Blacklist.SeedFile, func(seed *config.Seed) {
				if err := applyLoadedSeed(ctx, st, cache, seed, blLogger); err != nil {
					blLogger.Warnf("re-apply seed: %v", err)
				}
			}, func(err error) {
				blLogger.Warnf("seed watch: %v", err)
			})
			if err != nil {
				blLogger.Warnf("seed watch stopped: %v", err)
			}
		}()
	}

	extractor := imageextract.New(cfg.Storage.ImagesDir, cfg.Storage.MaxImageSize, cfg.Storage.AllowedImageTypes)

	var embedder embedclient.Client
	var worker *embedworker.Worker
	if cfg.Embedding.Enabled {
		embedder = embedclient.New(cfg.Embedding.Model)
		worker = embedworker.New(st, embedder, logger.Named("embedworker").StdLogger(), cfg.Store.Name+".embed.lock")
		worker.Threshold = cfg.Embedding.SimilarityThreshold
		go worker.Run(ctx)
	}

	llmClient, err := llm.New(cfg.LLM.Enabled, cfg.LLM.APIKey, anthropicKeyEnv, cfg.LLM.Model, cfg.LLM.MaxTokens, 30*time.Second)
	if err != nil {
		return err
	}

	var scheduler *cleanup.Scheduler
	if cfg.Cleanup.Enabled {
		scheduler = cleanup.New(st, llmClient, cfg.Storage.ImagesDir, logger.Named("cleanup").StdLogger(), cfg.Store.Name+".cleanup.lock")
		scheduler.DuplicateThreshold = cfg.Cleanup.DuplicateThreshold
		scheduler.MaxAge = cfg.Cleanup.MaxAge
		scheduler.BatchSize = cfg.Cleanup.BatchSize
		go func() {
			if err := scheduler.RunSchedule(ctx, cfg.Cleanup.Interval); err != nil {
				logger.Errorf("cleanup schedule: %v", err)
			}
		}()
	}

	engine := lifecycle.New(st, cfg.Lifecycle.PlanPromotes)

	var pipelineCache *blacklist.Cache
	if cfg.Blacklist.Enabled {
		pipelineCache = cache
	} else {
		// An empty cache over an empty view still satisfies the pipeline's
		// contract; disabling the feature just means nothing ever matches.
		pipelineCache = blacklist.New(emptyBlacklistStore{st}, cfg.Blacklist.CacheTimeout, nil)
	}
	pipeline := admission.New(st, pipelineCache, extractor, cfg.Embedding.Enabled)

	srv := &api.Server{
		Store:     st,
		Lifecycle: engine,
		Admission: pipeline,
		Blacklist: cache,
		BLManager: manager,
		Embedder:  embedder,
		Worker:    worker,
		Cleanup:   scheduler,
		ImagesDir: cfg.Storage.ImagesDir,
		APIKey:    cfg.Server.APIKey,
		CORS: api.CORSConfig{
			Origin:  cfg.CORS.Origin,
			Methods: cfg.CORS.Methods,
			Headers: cfg.CORS.Headers,
		},
		Logger: logger.Named("http"),
	}

	err = srv.Run(ctx, fmt.Sprintf(":%d", cfg.Server.Port))

	if worker != nil {
		worker.Stop()
	}
	return err
}

// emptyBlacklistStore makes the blacklist feature a no-op when disabled:
// the admission pipeline's cache rebuilds from a store view that never has
// patterns, so nothing ever matches.
type emptyBlacklistStore struct {
	store.Store
}

func (emptyBlacklistStore) AllBlacklist(ctx context.Context) ([]*types.BlacklistPattern, error) {
	return nil, nil
}

func applySeed(ctx context.Context, st *sqlite.Store, cache *blacklist.Cache, path string, logger *logging.Logger) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	return applyLoadedSeed(ctx, st, cache, seed, logger)
}

// applyLoadedSeed inserts seed patterns into the store. Patterns that
// already exist (unique on pattern+application_id) are left alone.
func applyLoadedSeed(ctx context.Context, st *sqlite.Store, cache *blacklist.Cache, seed *config.Seed, logger *logging.Logger) error {
	for _, p := range seed.Patterns {
		if _, err := st.CreateBlacklist(ctx, p.ToBlacklistPattern()); err != nil {
			if errors.Is(err, issuesink.ErrConflict) {
				continue
			}
			return fmt.Errorf("seed pattern %q: %w", p.Pattern, err)
		}
		logger.Infof("seeded blacklist pattern %q", p.Pattern)
	}
	return cache.Refresh(ctx)
}
