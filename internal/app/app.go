package app

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/extra/bundebug"
	"go.uber.org/zap"

	"github.com/nanofarm/jobwatch/internal/config"
	"github.com/nanofarm/jobwatch/internal/db"
	"github.com/nanofarm/jobwatch/internal/db/models"
	"github.com/nanofarm/jobwatch/internal/db/repository"
	"github.com/nanofarm/jobwatch/internal/mq"
	"github.com/nanofarm/jobwatch/internal/services/throughput"
	"github.com/nanofarm/jobwatch/pkg/logger"
)

type App struct {
	mq         mq.MQ
	db         *bun.DB
	config     *config.Config
	ctx        context.Context
	cancelFunc context.CancelFunc

	Logger     *zap.Logger
	Throughput *throughput.Publisher

	JobResultRepository repository.IJobResultRepository
	NodeRepository      repository.INodeRepository
}

// Option funcs used to initialize the App struct
type OptionFunc func(app *App) error

func WithLogger(logger *zap.Logger) OptionFunc {
	return func(app *App) error {
		app.Logger = logger
		return nil
	}
}

func WithMQ() OptionFunc {
	return func(app *App) error {
		queue, err := mq.NewMQ(app.config)
		if err != nil {
			return err
		}
		app.mq = queue
		return nil
	}
}

func WithDBInitialization() OptionFunc {
	return func(app *App) error {
		driver, err := db.NewConnection(app.config)
		if err != nil {
			return err
		}
		app.db = driver.GetDB()
		app.db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithEnabled(false),
			bundebug.FromEnv(),
		))

		// Ensure tables exist
		err = app.db.RunInTx(app.ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			tables := []interface{}{
				(*models.JobResult)(nil),
				(*models.Node)(nil),
			}

			for _, table := range tables {
				if _, err := tx.NewCreateTable().
					Model(table).
					IfNotExists().
					Exec(ctx); err != nil {
					return fmt.Errorf("failed to create table: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		app.JobResultRepository = repository.NewJobResultRepository(app.db)
		app.NodeRepository = repository.NewNodeRepository(app.db)

		return nil
	}
}

func NewApp(cfg *config.Config, options ...OptionFunc) (*App, error) {
	log, err := logger.NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		ctx:        ctx,
		config:     cfg,
		Logger:     log,
		cancelFunc: cancel,
	}

	for _, opt := range options {
		if err := opt(app); err != nil {
			app.Logger.Error("failed to apply option", zap.Error(err))
			cancel()
			return nil, err
		}
	}

	return app, nil
}

func (app *App) SetThroughput(p *throughput.Publisher) {
	app.Throughput = p
}

func (app *App) Close() {
	app.cancelFunc()

	if app.mq != nil {
		app.mq.Close()
	}
	if app.db != nil {
		app.db.Close()
	}
	if app.Logger != nil {
		app.Logger.Sync()
	}
}

func (app *App) Config() *config.Config {
	return app.config
}

func (app *App) Context() context.Context {
	return app.ctx
}

func (app *App) MQ() mq.MQ {
	return app.mq
}

func (app *App) DB() *bun.DB {
	return app.db
}
