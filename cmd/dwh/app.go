package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/correlator-io/songplays/internal/config"
	"github.com/correlator-io/songplays/internal/objectstore"
	"github.com/correlator-io/songplays/internal/pipeline"
	"github.com/correlator-io/songplays/internal/storage"
	"github.com/correlator-io/songplays/internal/warehouse"
)

// app holds what one command invocation needs: configuration, the warehouse connection
// and the logger.
type app struct {
	cfg    *pipeline.Config
	opts   warehouse.Options
	conn   *storage.Connection
	logger *slog.Logger
	out    io.Writer
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
}

// openApp loads the configuration at configPath and connects to the warehouse.
func openApp(configPath string, out io.Writer, logger *slog.Logger) (*app, error) {
	cfg, err := pipeline.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	storageConfig := storage.LoadConfig().WithDatabaseURL(dsn)

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to warehouse",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.String("dialect", string(opts.Dialect)),
		slog.String("user_policy", string(opts.UserPolicy)),
		slog.String("referential_mode", string(opts.Referential)),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
	)

	return &app{cfg: cfg, opts: opts, conn: conn, logger: logger, out: out}, nil
}

func (a *app) Close() error {
	return a.conn.Close()
}

// provisionStages returns the provisioning phase.
func (a *app) provisionStages() ([]pipeline.Stage, error) {
	p, err := warehouse.NewProvisioner(a.conn, a.opts, a.logger)
	if err != nil {
		return nil, err
	}

	return pipeline.ProvisionStages(p), nil
}

// eltStages returns the verify stage followed by load, cleanse and transform. verify is
// skipped when the same run provisioned the schema.
func (a *app) eltStages(verify bool) ([]pipeline.Stage, *warehouse.Transformer, error) {
	loader, err := a.loader()
	if err != nil {
		return nil, nil, err
	}

	cleanser, err := warehouse.NewCleanser(a.conn, a.cfg.Rules(), a.logger)
	if err != nil {
		return nil, nil, err
	}

	transformer, err := warehouse.NewTransformer(a.conn, a.opts, a.logger)
	if err != nil {
		return nil, nil, err
	}

	var stages []pipeline.Stage

	if verify {
		p, err := warehouse.NewProvisioner(a.conn, a.opts, a.logger)
		if err != nil {
			return nil, nil, err
		}

		stages = append(stages, pipeline.VerifyStage(p))
	}

	stages = append(stages, pipeline.ELTStages(loader, a.cfg.Sources(), cleanser, transformer)...)

	return stages, transformer, nil
}

// loader returns the server-side COPY loader, or the client-side loader reading local
// directories and S3.
func (a *app) loader() (warehouse.Loader, error) {
	if !a.cfg.ClientLoader() {
		a.logger.Info("Using server-side COPY loader",
			slog.String("iam_role", a.cfg.IAMRole.ARN),
			slog.String("region", a.cfg.S3.Region),
		)

		return warehouse.NewCopyLoader(a.conn, a.cfg.Credentials(), a.logger)
	}

	s3Store := objectstore.NewS3Store(objectstore.NewS3Client(objectstore.S3Config{
		Region:          a.cfg.S3.Region,
		AccessKeyID:     a.cfg.S3.AccessKeyID,
		SecretAccessKey: a.cfg.S3.SecretAccessKey,
		SessionToken:    a.cfg.S3.SessionToken,
	}))

	store := objectstore.NewMux().
		Handle(objectstore.SchemeFile, objectstore.NewDirStore()).
		Handle(objectstore.SchemeS3, s3Store)

	a.logger.Info("Using client-side bulk loader", slog.String("region", a.cfg.S3.Region))

	return warehouse.NewBulkLoader(a.conn, store, a.logger)
}

// run executes stages, recording them in the run log when enabled.
func (a *app) run(ctx context.Context, stages []pipeline.Stage) (*pipeline.Summary, error) {
	opts := []pipeline.Option{pipeline.WithLogger(a.logger)}

	if a.cfg.Warehouse.RunLog {
		runLog, err := storage.NewRunLog(a.conn, string(a.opts.Dialect), string(a.opts.UserPolicy), a.logger)
		if err != nil {
			return nil, err
		}

		opts = append(opts, pipeline.WithRecorder(runLog))
	}

	p, err := pipeline.New(stages, opts...)
	if err != nil {
		return nil, err
	}

	return p.Run(ctx)
}

// report prints the summary and, after a transform, the join misses.
func (a *app) report(ctx context.Context, summary *pipeline.Summary, transformer *warehouse.Transformer) {
	var stats *warehouse.PlayStats

	if transformer != nil && summary.Failed() == nil {
		s, err := transformer.PlayStats(ctx)
		if err != nil {
			a.logger.Warn("Failed to count join misses", slog.String("error", err.Error()))
		} else {
			stats = &s
		}
	}

	if err := renderSummary(a.out, summary, stats); err != nil {
		a.logger.Warn("Failed to render summary", slog.String("error", err.Error()))
	}
}
