package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/bebasset/threatsense/internal/application"
	appai "github.com/bebasset/threatsense/internal/application/ai"
	appscans "github.com/bebasset/threatsense/internal/application/scans"
	"github.com/bebasset/threatsense/internal/config"
	"github.com/bebasset/threatsense/internal/domain/analyst"
	"github.com/bebasset/threatsense/internal/domain/assets"
	"github.com/bebasset/threatsense/internal/domain/events"
	domain "github.com/bebasset/threatsense/internal/domain/scans"
	openaicli "github.com/bebasset/threatsense/internal/infra/ai/openai"
	mysqlp "github.com/bebasset/threatsense/internal/infra/db/mysql"
	postgresp "github.com/bebasset/threatsense/internal/infra/db/postgres"
	"github.com/bebasset/threatsense/internal/infra/httpserver"
	"github.com/bebasset/threatsense/internal/infra/queue"
	"github.com/bebasset/threatsense/internal/infra/scheduler"
	minioStore "github.com/bebasset/threatsense/internal/infra/storage"
	"github.com/bebasset/threatsense/internal/logging"
	"github.com/bebasset/threatsense/internal/middleware"
	"github.com/bebasset/threatsense/internal/plugins"
)

type repositories struct {
	runs     domain.Repository
	findings domain.FindingRepository
	assets   assets.Repository
	events   events.Repository
	analyses analyst.Repository
}

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *sql.DB
	var repos repositories
	switch cfg.Database.Driver {
	case "postgres":
		db, err = postgresp.Connect(ctx, cfg.PostgresDSN())
		if err == nil {
			repos = repositories{
				runs:     postgresp.NewScanRepository(db),
				findings: postgresp.NewFindingRepository(db),
				assets:   postgresp.NewAssetRepository(db),
				events:   postgresp.NewEventRepository(db),
				analyses: postgresp.NewAnalystRepository(db),
			}
		}
	default:
		db, err = mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err == nil {
			repos = repositories{
				runs:     mysqlp.NewScanRepository(db),
				findings: mysqlp.NewFindingRepository(db),
				assets:   mysqlp.NewAssetRepository(db),
				events:   mysqlp.NewEventRepository(db),
				analyses: mysqlp.NewAnalystRepository(db),
			}
		}
	}
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("database connect error")
	}
	defer db.Close()

	// Object storage mirror is optional; without it artifacts stay on disk.
	var artifacts domain.ArtifactStore
	if cfg.Minio.Enabled {
		store, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("minio init error")
		}
		artifacts = store
	}

	registry := plugins.NewRegistry(plugins.Options{
		ArtifactsRoot: cfg.Artifacts.Root,
		NucleiBinary:  cfg.Scanner.NucleiBinary,
		Logger:        logging.Component(log, "plugins"),
	})

	orch := &appscans.Orchestrator{
		Runs:      repos.runs,
		Findings:  repos.findings,
		Assets:    repos.assets,
		Events:    repos.events,
		Registry:  registry,
		Artifacts: artifacts,
		Clock:     application.SystemClock{},
		Log:       logging.Component(log, "orchestrator"),
	}

	dispatcher := queue.NewDispatcher(orch, cfg.Worker.Concurrency, cfg.Worker.QueueSize, logging.Component(log, "queue"))
	dispatcher.Start(ctx)

	sched := scheduler.New(repos.runs, dispatcher, application.SystemClock{}, logging.Component(log, "scheduler"))
	for _, job := range cfg.Worker.Schedules {
		if err := sched.AddJob(job); err != nil {
			log.Fatal().Err(err).Msg("schedule config error")
		}
	}
	sched.Start()

	var aiSvc *appai.Service
	if cfg.OpenAI.Enabled {
		aiSvc = &appai.Service{
			Client:   openaicli.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model),
			Analyses: repos.analyses,
			Runs:     repos.runs,
			Findings: repos.findings,
			Clock:    application.SystemClock{},
		}
	}

	router := httpserver.NewRouter(httpserver.Deps{
		Runs:     repos.runs,
		Findings: repos.findings,
		Assets:   repos.assets,
		Events:   repos.events,
		Registry: registry,
		Queue:    dispatcher,
		AI:       aiSvc,
		Clock:    application.SystemClock{},
		Log:      logging.Component(log, "http"),
		Health: middleware.HealthHandler(map[string]middleware.HealthChecker{
			"database": &middleware.DatabaseHealthChecker{DB: db},
		}),
	})

	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	mux.Use(middleware.RequestLogging(logging.Component(log, "http")))
	mux.Use(middleware.MetricsMiddleware)
	if len(cfg.Server.APIKeys) > 0 {
		mux.Use(middleware.APIKeyAuth(cfg.Server.APIKeys))
	}
	mux.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit.Capacity, cfg.Server.RateLimit.RefillRate))
	mux.Mount("/", router)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	sched.Stop()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	// Drain in-flight scans before exit so runs are not stranded in running.
	dispatcher.Close()
}
