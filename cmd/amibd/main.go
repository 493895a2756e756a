// Command amibd serves the ancient-IBD pipeline API: sample registry,
// workflow preview and execution, and report retrieval.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kaburi0214/amIBD/internal/api"
	"github.com/kaburi0214/amIBD/internal/executor"
	"github.com/kaburi0214/amIBD/internal/intake"
	"github.com/kaburi0214/amIBD/internal/platform/auth"
	"github.com/kaburi0214/amIBD/internal/platform/env"
	"github.com/kaburi0214/amIBD/internal/platform/httpserver"
	"github.com/kaburi0214/amIBD/internal/platform/metrics"
	"github.com/kaburi0214/amIBD/internal/platform/objectstore"
	platformpg "github.com/kaburi0214/amIBD/internal/platform/postgres"
	"github.com/kaburi0214/amIBD/internal/registry"
	repopg "github.com/kaburi0214/amIBD/internal/repo/postgres"
	"github.com/kaburi0214/amIBD/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataDir := env.String("AMIBD_DATA_DIR", "data")
	tablePath := env.String("AMIBD_REGISTRY_TABLE", dataDir+"/anc_samples.tsv")
	bamDir := env.String("AMIBD_BAM_DIR", dataDir+"/bam")
	genotypeDir := env.String("AMIBD_GENOTYPE_DIR", dataDir+"/genotypes")
	toolsPath := env.String("AMIBD_TOOLS_CONFIG", "")
	samtoolsBin := env.String("AMIBD_SAMTOOLS_BIN", "samtools")

	if err := os.MkdirAll(bamDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(genotypeDir, 0o755); err != nil {
		return err
	}

	reg, err := registry.Open(tablePath, bamDir)
	if err != nil {
		return err
	}

	tools := workflow.DefaultToolConfig()
	if toolsPath != "" {
		tools, err = workflow.LoadToolConfig(toolsPath)
		if err != nil {
			return err
		}
	}
	builder, err := workflow.NewBuilder(tools)
	if err != nil {
		return err
	}

	dbCfg, err := platformpg.ConfigFromEnv()
	if err != nil {
		return err
	}
	db, err := platformpg.Open(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()
	jobs := repopg.NewJobStore(db)
	units := repopg.NewUnitExecutionStore(db)

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return err
	}
	store, err := objectstore.NewClient(storeCfg)
	if err != nil {
		return err
	}
	if err := objectstore.EnsureBuckets(ctx, store, storeCfg); err != nil {
		return err
	}

	m := metrics.New()
	exec, err := executor.New(logger, executor.NewProcessRunner(),
		executor.WithHistory(api.NewHistoryRecorder(units)),
		executor.WithMetrics(m),
		executor.WithRegistryRevision(reg.Revision),
	)
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.ServerConfig{
		Logger:      logger,
		Registry:    reg,
		Builder:     builder,
		Executor:    exec,
		Jobs:        jobs,
		Units:       units,
		BAMChecker:  intake.NewBAMChecker(samtoolsBin),
		Store:       store,
		StoreConfig: storeCfg,
		GenotypeDir: genotypeDir,
	})
	if err != nil {
		return err
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator(ctx, authCfg)
	if err != nil {
		return err
	}
	authMW := auth.NewMiddleware(authenticator, "/healthz", "/readyz", "/metrics")

	mux := http.NewServeMux()
	mux.Handle("/healthz", httpserver.Healthz())
	mux.Handle("/readyz", httpserver.ReadyzWithChecks(
		httpserver.Check{Name: "database", Probe: db.PingContext},
		httpserver.Check{Name: "objectstore", Probe: func(ctx context.Context) error {
			return objectstore.CheckBuckets(ctx, store, storeCfg)
		}},
	))
	mux.Handle("/metrics", m.Handler())
	server.RegisterRoutes(mux)

	httpCfg, err := httpserver.ConfigFromEnv()
	if err != nil {
		return err
	}
	return httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, authMW.Wrap(mux)))
}
