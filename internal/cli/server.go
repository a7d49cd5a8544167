package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"terratueftler-service/internal/app"
	"terratueftler-service/internal/config"
	"terratueftler-service/internal/infra/file"
	"terratueftler-service/internal/infra/memory"
	pgstore "terratueftler-service/internal/infra/postgres"
	redisstore "terratueftler-service/internal/infra/redis"
	"terratueftler-service/internal/logging"
	transport "terratueftler-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "3000"
	}

	dataDir := cfg.Data.Dir
	if dataDir == "" {
		dataDir = "data"
	}
	assetsDir := cfg.Assets.Dir
	if assetsDir == "" {
		assetsDir = "public"
	}

	var quizStore app.QuizStore
	var leaderboardStore app.LeaderboardStore
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		store := pgstore.NewStore(pool)
		quizStore, leaderboardStore = store, store
	} else {
		store, err := file.NewStore(dataDir)
		if err != nil {
			return err
		}
		quizStore, leaderboardStore = store, store
	}

	tokenTTL := config.TTLDuration(cfg.Redis.TokenTTL, time.Hour)
	var tokens app.TokenStore
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		tokens = redisstore.NewTokenStore(client, tokenTTL)
	} else {
		memTokens := memory.NewTokenStore(tokenTTL)
		defer memTokens.Close()
		tokens = memTokens
	}

	assets := file.NewAssetStorage(assetsDir)
	content, err := app.NewContentService(ctx, quizStore, assets, tokens, logger)
	if err != nil {
		return err
	}
	leaderboard, err := app.NewLeaderboardService(ctx, leaderboardStore, nil, logger)
	if err != nil {
		return err
	}

	sessions := memory.NewSessionStore()
	wsHandler := transport.NewWSHandler(leaderboard, logger)
	handler := transport.NewHandler(content, leaderboard, sessions, assets, logger)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      handler.Router(wsHandler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Infof("starting terratueftler service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Infof("shutting down server...")
	case <-ctx.Done():
		logger.Infof("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
