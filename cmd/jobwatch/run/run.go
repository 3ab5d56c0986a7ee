package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nanofarm/jobwatch/internal/app"
	"github.com/nanofarm/jobwatch/internal/config"
	"github.com/nanofarm/jobwatch/internal/server"
	"github.com/nanofarm/jobwatch/internal/services/cluster"
	"github.com/nanofarm/jobwatch/internal/services/finalizer"
	"github.com/nanofarm/jobwatch/internal/services/powermeter"
	"github.com/nanofarm/jobwatch/internal/services/reconciler"
	"github.com/nanofarm/jobwatch/internal/services/throughput"
	"github.com/nanofarm/jobwatch/internal/services/watcher"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Start the jobwatch reconciliation engine",
	RunE:  runApp,
}

func init() {
	flags := Cmd.Flags()

	flags.Int("port", 8881, "Port to run the server on")
	flags.String("host", "0.0.0.0", "Host to run the server on")
	flags.String("environment", "dev", "Environment configuration")

	flags.String("namespace", "prompts", "Namespace watched for job resources")
	flags.String("scheduler-name", "llama-scheduler", "Only jobs scheduled by this scheduler are recorded")
	flags.Int64("watch-timeout-seconds", 300, "Server-side timeout of one watch session")
	flags.Int("poll-interval-seconds", 30, "Interval between reconciliation sweeps")
	flags.Int64("log-tail-lines", 1000, "How many log lines to fetch from finished pods")

	flags.String("db-driver", "sqlite", "Database driver: 'sqlite' or 'pg'")
	flags.String("db-dsn", "file:./data/cluster.db", "Database DSN (Connection URL or Path)")
	flags.String("prometheus-url", "", "Base URL of the Prometheus server")
	flags.String("prometheus-metric", "", "Per-node power metric queried for energy accounting")
	flags.String("pulsar-url", "", "URL of the pulsar broker. Example: pulsar://localhost:6650")

	viper.BindPFlags(flags)

	bindEnvs()
}

func bindEnvs() {
	// Core settings (will use JOBWATCH_ prefix)
	// Example: JOBWATCH_PORT
	viper.BindEnv("port")
	viper.BindEnv("host")
	viper.BindEnv("environment")
	viper.BindEnv("namespace")
	viper.BindEnv("scheduler_name")
	viper.BindEnv("watch_timeout_seconds")
	viper.BindEnv("poll_interval_seconds")
	viper.BindEnv("log_tail_lines")

	viper.BindEnv("db.driver")
	viper.BindEnv("db.dsn")
	viper.BindEnv("prometheus.url")
	viper.BindEnv("prometheus.metric")
	viper.BindEnv("pulsar.url")
}

func runApp(_ *cobra.Command, _ []string) error {
	errc := make(chan error, 4)
	signalc := make(chan os.Signal, 1)

	app, err := createNewApp()
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := app.Config()
	ctx := app.Context()
	log := app.Logger

	clusterClient, err := cluster.NewClient(cfg.Namespace, cfg.LogTailLines)
	if err != nil {
		return err
	}

	resolver, err := powermeter.NewResolver(cfg.Prometheus.URL, app.NodeRepository, cfg.Prometheus.Metric, log)
	if err != nil {
		return err
	}

	publisher := throughput.NewPublisher(app.JobResultRepository, app.NodeRepository, clusterClient, log)
	app.SetThroughput(publisher)

	fin := finalizer.New(clusterClient, app.JobResultRepository, resolver, publisher, app.MQ(), log)
	defer fin.Stop()

	jobWatcher := watcher.New(clusterClient, fin, cfg.SchedulerName, cfg.WatchTimeoutSeconds, log)
	poller := reconciler.New(
		clusterClient,
		app.JobResultRepository,
		fin,
		cfg.SchedulerName,
		time.Duration(cfg.PollIntervalSeconds)*time.Second,
		log,
	)

	// Startup sweep catches completions missed while we were down.
	if err := poller.RunOnce(ctx); err != nil {
		log.Warn("startup reconciliation sweep failed", zap.Error(err))
	}

	srv, err := runServer(app)
	if err != nil {
		return err
	}

	go func() {
		errc <- jobWatcher.Run(ctx)
	}()

	go func() {
		errc <- poller.Run(ctx)
	}()

	signal.Notify(signalc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		srv.Stop(ctx)
		return err
	case <-signalc:
		log.Info("shutting down")
		srv.Stop(ctx)
		return nil
	}
}

func createNewApp() (*app.App, error) {
	return app.NewApp(
		config.MustGetConfig(),
		app.WithMQ(),
		app.WithDBInitialization(),
	)
}

func runServer(app *app.App) (*server.Server, error) {
	srv, err := server.NewServer(app.Config())
	if err != nil {
		return nil, err
	}

	srv.SetupRoutes(app)

	errc := make(chan error, 1)
	go func() {
		app.Logger.Info("server started", zap.Int("port", app.Config().Port))
		errc <- srv.Start()
	}()

	select {
	case err := <-errc:
		return nil, err
	default:
		return srv, nil
	}
}
