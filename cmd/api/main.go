package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"conclave/api/internal/app"
	"conclave/api/internal/archive"
	"conclave/api/internal/auth"
	"conclave/api/internal/config"
	"conclave/api/internal/consensus"
	"conclave/api/internal/events"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/permission"
	"conclave/api/internal/search"
	"conclave/api/internal/statedb"
	"conclave/api/internal/store"
)

// repoSettings reads a repository's branch layout from the configuration
// database for the workspace manager.
type repoSettings struct {
	store *store.PostgresStore
}

func (r repoSettings) RepoConfig(ctx context.Context, repoID string) (gitrepo.RepoConfig, error) {
	repo, err := r.store.GetRepository(ctx, repoID)
	if err != nil {
		return gitrepo.RepoConfig{}, fmt.Errorf("load repository %s: %w", repoID, err)
	}
	return gitrepo.RepoConfig{
		BufferBranch:  repo.BufferBranch,
		PromoteTarget: repo.PromoteTarget,
		CloneURL:      repo.CloneURL,
	}, nil
}

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "versions", applied)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	workspaces := gitrepo.New(gitrepo.Options{
		BaseDir:     cfg.ReposDir,
		GitTimeout:  cfg.GitTimeout,
		AuthorName:  cfg.GitAuthorName,
		AuthorEmail: cfg.GitAuthorEmail,
		Config:      repoSettings{store: dataStore},
		Logger:      logger,
	})
	defer func() {
		if err := workspaces.CloseAll(); err != nil {
			logger.Warn("close workspaces", "error", err)
		}
	}()

	deps := app.Dependencies{
		Store:       dataStore,
		Permissions: permission.New(dataStore, logger),
		Consensus:   consensus.NewEngine(dataStore),
		Workspaces:  workspaces,
		Auth:        auth.NewAuthenticator(dataStore, cfg.TokenSecret, cfg.AccessTTL),
		Events:      events.Discard{},
		Logger:      logger,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err := events.NewRedisPublisher(cfg.RedisURL, cfg.EventStream)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer publisher.Close()
		deps.Events = publisher
		logger.Info("publishing events to redis", "stream", cfg.EventStream)
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		index = meili
	}
	searchService := search.NewService(index, workspaces, logger)
	deps.Search = searchService
	if index != nil {
		go reindex(ctx, workspaces, searchService, logger)
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		uploader, err := archive.NewMinioUploader(ctx, archive.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("object storage connection failed: %w", err)
		}
		deps.Archive = archive.New(workspaces, uploader, logger)
		logger.Info("archiving promotions", "bucket", cfg.MinioBucket)
	}

	service := app.New(cfg, deps)
	go sweep(ctx, service, cfg, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.GitTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("conclave api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	return nil
}

// sweep periodically abandons streams that have been idle longer than the
// configured TTL.
func sweep(ctx context.Context, service *app.Service, cfg config.Config, logger *slog.Logger) {
	if cfg.StreamIdleTTL <= 0 || cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := service.SweepInactive(ctx, cfg.StreamIdleTTL)
			if err != nil {
				logger.Warn("idle stream sweep", "error", err)
			}
			if closed > 0 {
				logger.Info("idle streams abandoned", "count", closed)
			}
		}
	}
}

func reindex(ctx context.Context, workspaces *gitrepo.Service, searchService *search.Service, logger *slog.Logger) {
	repoIDs, err := workspaces.Repositories()
	if err != nil {
		logger.Warn("reindex: list repositories", "error", err)
		return
	}
	for _, repoID := range repoIDs {
		items, err := workspaces.ListStreams(ctx, repoID, statedb.StreamFilter{})
		if err != nil {
			logger.Warn("reindex: list streams", "repo_id", repoID, "error", err)
			continue
		}
		if err := searchService.Reindex(items); err != nil {
			logger.Warn("reindex", "repo_id", repoID, "error", err)
		}
	}
}

func parseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelInfo
	}
	return level
}
