package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"terratueftler-service/internal/app"
	"terratueftler-service/internal/domain"
	"terratueftler-service/internal/infra/file"
	pgstore "terratueftler-service/internal/infra/postgres"
	pgmigrations "terratueftler-service/internal/infra/postgres/migrations"
	redisstore "terratueftler-service/internal/infra/redis"
	"terratueftler-service/internal/logging"
)

func TestContentFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	applyMigrations(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	store := pgstore.NewStore(pool)
	tokens := redisstore.NewTokenStore(redisClient, 5*time.Minute)
	assets := file.NewAssetStorage(t.TempDir())

	content, err := app.NewContentService(ctx, store, assets, tokens, logging.Discard())
	if err != nil {
		t.Fatalf("content service: %v", err)
	}

	question := domain.Question{
		Question:      "Which country is this bollard from?",
		Options:       []string{"Deutschland", "Frankreich"},
		CorrectAnswer: "Deutschland",
	}
	if _, err := content.AddQuestion(ctx, "bollards", question, nil, "req-1"); err != nil {
		t.Fatalf("add question: %v", err)
	}

	// The duplicate token is rejected across the Redis round trip.
	if _, err := content.AddQuestion(ctx, "bollards", question, nil, "req-1"); err != domain.ErrDuplicateRequest {
		t.Fatalf("expected duplicate request error, got %v", err)
	}

	// A second service instance sees the persisted document.
	reloaded, err := app.NewContentService(ctx, store, assets, tokens, logging.Discard())
	if err != nil {
		t.Fatalf("reload content service: %v", err)
	}
	data := reloaded.QuizData()
	if len(data.Questions["bollards"]) != 1 {
		t.Fatalf("document not persisted: %+v", data.Questions)
	}
	if len(data.Questions[domain.AllCategory]) != 1 {
		t.Fatalf("aggregate not rebuilt on reload: %+v", data.Questions)
	}
}

func TestLeaderboardPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()

	applyMigrations(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	store := pgstore.NewStore(pool)
	service, err := app.NewLeaderboardService(ctx, store, nil, logging.Discard())
	if err != nil {
		t.Fatalf("leaderboard service: %v", err)
	}

	if err := service.RecordSession(ctx, domain.LeaderboardEntry{
		Name:           "Mira",
		CorrectAnswers: 7,
		TotalQuestions: 10,
		Mode:           domain.ModeImageBased,
		Category:       "bollards",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	reloaded, err := app.NewLeaderboardService(ctx, store, nil, logging.Discard())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	entries := reloaded.Entries(domain.ModeImageBased, "bollards", nil)
	if len(entries) != 1 || entries[0].Name != "Mira" {
		t.Fatalf("leaderboard not persisted: %+v", entries)
	}
}

func applyMigrations(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
