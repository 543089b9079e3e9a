// Command monitor runs the pg_auto_failover-style high-availability
// monitor of spec.md: it holds authoritative node/role state for every
// managed formation and drives role transitions on failure, manual
// intervention, or configuration change.
//
// Additionally, monitor has subcommands for common administrative tasks,
// the same way the teacher's praefect binary does:
//
// SQL Migrate
//
// The subcommand "sql-migrate" applies any outstanding schema migrations.
//
//	monitor -config PATH_TO_CONFIG sql-migrate
//
// SQL Migrate Status
//
// The subcommand "sql-migrate-status" shows which migrations have been
// applied and which have not.
//
//	monitor -config PATH_TO_CONFIG sql-migrate-status
//
// Show State
//
// The subcommand "show-state" renders get_nodes/last_events for one
// formation as a table.
//
//	monitor -config PATH_TO_CONFIG show-state -formation default
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgautofailover/monitor/internal/bootstrap"
	"github.com/pgautofailover/monitor/internal/dontpanic"
	"github.com/pgautofailover/monitor/internal/log"
	"github.com/pgautofailover/monitor/internal/monitor/config"
	"github.com/pgautofailover/monitor/internal/monitor/datastore"
	"github.com/pgautofailover/monitor/internal/monitor/fsm"
	"github.com/pgautofailover/monitor/internal/monitor/health"
	"github.com/pgautofailover/monitor/internal/monitor/operator"
	"github.com/pgautofailover/monitor/internal/monitor/server"
)

const progname = "monitor"

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

// version is set at the module level rather than via ldflags (the
// retrieval pack carries no version-stamping build tooling this monitor
// could reuse); it exists so -version has something to print.
const version = "dev"

func main() {
	flag.Usage = func() {
		cmds := make([]string, 0, len(subcommands))
		for k := range subcommands {
			cmds = append(cmds, k)
		}
		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	if *flagVersion {
		fmt.Println(progname + " " + version)
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	log.Configure(conf.Logging.Format, conf.Logging.Level)

	if args := flag.Args(); len(args) > 0 {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	configureSentry(conf.Sentry)

	logger.Info("starting " + progname)

	if err := run(conf); err != nil {
		logger.Fatalf("%v", err)
	}
}

func initConfig() (config.Config, error) {
	if *flagConfig == "" {
		return config.Config{}, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return config.Config{}, fmt.Errorf("error reading config file: %v", err)
	}
	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}
	return conf, nil
}

func configureSentry(cfg config.Sentry) {
	if cfg.DSN == "" {
		return
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.DSN, Environment: cfg.Environment}); err != nil {
		logger.WithError(err).Warn("sentry: failed to initialize")
	}
}

// run opens the store, starts the health-check worker in the background,
// and serves the protocol surface until a termination signal arrives or
// an upgrade completes, mirroring the teacher's run(cfgs, conf) shape
// collapsed to this monitor's single HTTP listener.
func run(conf config.Config) error {
	monitorName := config.GenerateMonitorName(conf, logger)
	logger := logger.WithField("monitor_name", monitorName)

	db, closeDB, err := openDatabase(conf)
	if err != nil {
		return err
	}
	defer closeDB()

	store := datastore.NewPostgresStore(db, logger)

	fsmConfig := fsm.Config{ElectionTimeout: conf.Election.Timeout.Duration()}
	healthWorker := health.NewWorker(store, fsmConfig, conf.HealthCheck, health.PQDialer, logger)

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	dontpanic.GoForever(time.Second, func() {
		if err := healthWorker.Run(workerCtx); err != nil {
			logger.WithError(err).Error("health worker exited")
		}
	})

	srv := &server.Server{
		Store:     store,
		FSM:       fsmConfig,
		Operator:  operator.Config{FSM: fsmConfig, PromotionLSNThreshold: conf.Failover.PromotionLSNThreshold},
		AuthToken: conf.AuthToken,
		Log:       logger,
	}

	httpServer := &http.Server{Addr: conf.ListenAddr, Handler: srv.Handler()}
	var metricsServer *http.Server
	if conf.PrometheusListenAddr != "" {
		metricsServer = &http.Server{Addr: conf.PrometheusListenAddr, Handler: promhttp.Handler()}
	}

	b, err := bootstrap.New()
	if err != nil {
		return fmt.Errorf("unable to create a bootstrap: %v", err)
	}
	b.StopAction = func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("error shutting down http server")
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("error shutting down prometheus listener")
			}
		}
	}

	b.RegisterStarter(func(listen bootstrap.ListenFunc, errs chan<- error) error {
		l, err := listen("tcp", conf.ListenAddr)
		if err != nil {
			return err
		}
		go func() {
			if err := httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
				errs <- err
			}
		}()
		return nil
	})

	if metricsServer != nil {
		logger.WithField("address", conf.PrometheusListenAddr).Info("starting prometheus listener")

		b.RegisterStarter(func(listen bootstrap.ListenFunc, errs chan<- error) error {
			l, err := listen("tcp", conf.PrometheusListenAddr)
			if err != nil {
				return err
			}
			go func() {
				if err := metricsServer.Serve(l); err != nil && err != http.ErrServerClosed {
					errs <- err
				}
			}()
			return nil
		})
	}

	logger.WithField("address", conf.ListenAddr).Info("listening")

	if err := b.Start(); err != nil {
		return fmt.Errorf("unable to start the bootstrap: %v", err)
	}

	return b.Wait(30 * time.Second)
}

func printfErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
}
