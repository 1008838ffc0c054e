package commands

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slok/reload"
	koopercontroller "github.com/spotahome/kooper/v2/controller"
	kooperlog "github.com/spotahome/kooper/v2/log"
	kooperprometheus "github.com/spotahome/kooper/v2/metrics/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"

	appgenerate "github.com/kvmigrate/kvmigrate/internal/app/generate"
	"github.com/kvmigrate/kvmigrate/internal/app/kubecontroller"
	appmigrate "github.com/kvmigrate/kvmigrate/internal/app/migrate"
	"github.com/kvmigrate/kvmigrate/internal/log"
	"github.com/kvmigrate/kvmigrate/internal/metrics"
	"github.com/kvmigrate/kvmigrate/internal/model"
	"github.com/kvmigrate/kvmigrate/internal/workload"
)

type syncCommand struct {
	planFile          string
	workers           int
	resyncInterval    time.Duration
	metricsPath       string
	metricsListenAddr string
	hotReloadPath     string
	hotReloadAddr     string
	sourceFlags       *sourceStoreFlags
	kubeFlags         *kubernetesFlags
}

// NewSyncCommand returns the sync command.
func NewSyncCommand(app *kingpin.Application) Command {
	c := &syncCommand{}
	cmd := app.Command("sync", "Runs kvmigrate in daemon mode: periodic resyncs plus a ConfigMap drift heal controller.")
	cmd.Flag("plan", "Migration plan file path.").Short('p').Required().StringVar(&c.planFile)
	cmd.Flag("workers", "Concurrent ConfigMap writes on resyncs and controller workers.").Default("4").IntVar(&c.workers)
	cmd.Flag("resync-interval", "The duration between full source store resyncs.").Default("15m").DurationVar(&c.resyncInterval)
	cmd.Flag("metrics-path", "The path for Prometheus metrics.").Default("/metrics").StringVar(&c.metricsPath)
	cmd.Flag("metrics-listen-addr", "The listen address for Prometheus metrics and pprof.").Default(":8081").StringVar(&c.metricsListenAddr)
	cmd.Flag("hot-reload-addr", "The listen address for the plan hot-reload webhook.").Default(":8082").StringVar(&c.hotReloadAddr)
	cmd.Flag("hot-reload-path", "The webhook path for the plan hot-reload.").Default("/-/reload").StringVar(&c.hotReloadPath)
	c.sourceFlags = registerSourceStoreFlags(cmd)
	c.kubeFlags = registerKubernetesFlags(cmd)

	return c
}

func (s syncCommand) Name() string { return "sync" }
func (s syncCommand) Run(ctx context.Context, config RootConfig) error {
	logger := config.Logger

	// Load plan. The holder allows hot reloading it while the daemon runs.
	initialPlan, err := loadPlanFile(ctx, s.planFile)
	if err != nil {
		return err
	}
	planHolder := newPlanHolder(*initialPlan)

	// Source store client.
	sourceCli, err := s.sourceFlags.newSourceStoreClient(ctx, logger)
	if err != nil {
		return err
	}

	// Kubernetes storage.
	repo, kubeCli, err := s.kubeFlags.newKubernetesRepository(logger)
	if err != nil {
		return err
	}

	var restarter appmigrate.WorkloadRestarter
	if s.kubeFlags.runMode == runModeDefault {
		r := workload.NewRestarter(kubeCli, logger)
		restarter = r
	}

	// Application services.
	generator, err := appgenerate.NewService(appgenerate.ServiceConfig{
		SourceReader: sourceCli,
		Logger:       syncLogger{Logger: logger},
	})
	if err != nil {
		return fmt.Errorf("could not create generate application service: %w", err)
	}

	migrator, err := appmigrate.NewService(appmigrate.ServiceConfig{
		Generator:  generator,
		Repository: repo,
		Restarter:  restarter,
		Workers:    s.workers,
		Logger:     syncLogger{Logger: logger},
	})
	if err != nil {
		return fmt.Errorf("could not create migrate application service: %w", err)
	}

	metricsRecorder := metrics.NewRecorder(nil)

	// Prepare our run and reload entrypoints.
	var g run.Group
	reloadManager := reload.NewManager()

	// Run hot-reload.
	{
		// Reload the plan file on every reload trigger.
		reloadManager.Add(1000, reload.ReloaderFunc(func(ctx context.Context, id string) error {
			newPlan, err := loadPlanFile(ctx, s.planFile)
			if err != nil {
				return fmt.Errorf("could not reload migration plan: %w", err)
			}
			planHolder.Set(*newPlan)
			logger.WithValues(log.Kv{"trigger": id}).Infof("Migration plan reloaded")
			return nil
		}))

		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				logger.Infof("Hot-reload manager running")
				defer logger.Infof("Hot-reload manager stopped")
				return reloadManager.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// OS signals.
	{
		sigC := make(chan os.Signal, 1)
		reloadC := make(chan struct{})
		exitC := make(chan struct{})
		signal.Notify(sigC, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

		// Add hot-reload notifier for SIGHUP.
		reloadManager.On(reload.NotifierFunc(func(ctx context.Context) (string, error) {
			<-reloadC
			logger.Infof("Hot-reload triggered from OS SIGHUP signal")
			return "sighup", nil
		}))

		g.Add(
			func() error {
				logger.Infof("OS signals listener started")
				defer logger.Infof("OS signals listener stopped")
				for {
					select {
					case s := <-sigC:
						logger.Infof("Signal %s received", s)
						// Don't stop if SIGHUP, only reload.
						if s == syscall.SIGHUP {
							reloadC <- struct{}{}
							continue
						}

						return nil
					case <-exitC:
						return nil
					}
				}
			},
			func(_ error) {
				close(exitC)
			},
		)
	}

	// Hot-reloading HTTP server.
	{
		// Set reloader signaler.
		hotReloadC := make(chan struct{})
		reloadManager.On(reload.NotifierFunc(func(ctx context.Context) (string, error) {
			<-hotReloadC
			logger.Infof("Hot-reload triggered from http webhook")
			return "http", nil
		}))

		mux := http.NewServeMux()

		// On request send signal for reload over the channel.
		mux.Handle(s.hotReloadPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			hotReloadC <- struct{}{}
		}))

		server := &http.Server{
			Addr:    s.hotReloadAddr,
			Handler: mux,
		}

		g.Add(
			func() error {
				logger.WithValues(log.Kv{"addr": s.hotReloadAddr}).Infof("Hot-reload http server listening")
				defer logger.WithValues(log.Kv{"addr": s.hotReloadAddr}).Infof("Hot-reload http server stopped")
				return server.ListenAndServe()
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := server.Shutdown(ctx)
				if err != nil {
					logger.Errorf("Error shutting down hot-reload server: %s", err)
				}
			},
		)
	}

	// Serving HTTP server.
	{
		mux := http.NewServeMux()

		// Metrics.
		mux.Handle(s.metricsPath, promhttp.Handler())

		// Pprof.
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		server := &http.Server{
			Addr:    s.metricsListenAddr,
			Handler: mux,
		}

		g.Add(
			func() error {
				logger.WithValues(log.Kv{"addr": s.metricsListenAddr}).Infof("Metrics http server listening")
				defer logger.WithValues(log.Kv{"addr": s.metricsListenAddr}).Infof("Metrics http server stopped")
				return server.ListenAndServe()
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := server.Shutdown(ctx)
				if err != nil {
					logger.Errorf("Error shutting down metrics server: %s", err)
				}
			},
		)
	}

	// Periodic full resync loop.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				logger.WithValues(log.Kv{"interval": s.resyncInterval}).Infof("Resync loop running")
				defer logger.Infof("Resync loop stopped")

				ticker := time.NewTicker(s.resyncInterval)
				defer ticker.Stop()

				for {
					s.resyncOnce(ctx, migrator, planHolder, metricsRecorder, logger)

					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Drift heal controller.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		handler, err := kubecontroller.NewHandler(kubecontroller.HandlerConfig{
			PlanGetter:  planHolder.Get,
			EntryGetter: sourceCli,
			Repository:  repo,
			Metrics:     metricsRecorder,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("could not create controller handler: %w", err)
		}

		ret := kubecontroller.NewManagedConfigMapsRetriever(func() string {
			return planHolder.Get().Target.Namespace
		}, repo)

		ctrl, err := koopercontroller.New(&koopercontroller.Config{
			Handler:              handler,
			Retriever:            ret,
			Logger:               kooperlogger{Logger: logger.WithValues(log.Kv{"lib": "kooper"})},
			Name:                 "kvmigrate",
			ConcurrentWorkers:    s.workers,
			ProcessingJobRetries: 2,
			ResyncInterval:       s.resyncInterval,
			MetricsRecorder:      kooperprometheus.New(kooperprometheus.Config{}),
		})
		if err != nil {
			return fmt.Errorf("could not create drift controller: %w", err)
		}

		g.Add(
			func() error {
				logger.Infof("Drift controller running")
				defer logger.Infof("Drift controller stopped")
				return ctrl.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

func (s syncCommand) resyncOnce(ctx context.Context, migrator *appmigrate.Service, planHolder *planHolder, metricsRecorder metrics.Recorder, logger log.Logger) {
	start := time.Now()
	resp, err := migrator.Migrate(ctx, appmigrate.Request{Plan: planHolder.Get()})
	metricsRecorder.ObserveResync(time.Since(start), err == nil)

	if resp != nil {
		metricsRecorder.AddSyncedEntries(string(appmigrate.EntryStatusMigrated), resp.Migrated)
		metricsRecorder.AddSyncedEntries(string(appmigrate.EntryStatusUnchanged), resp.Unchanged)
		metricsRecorder.AddSyncedEntries(string(appmigrate.EntryStatusFailed), resp.Failed)
	}

	if err != nil {
		logger.Errorf("Resync finished with errors: %s", err)
	}
}

// planHolder holds the current migration plan so it can be hot swapped while
// the daemon runs.
type planHolder struct {
	mu   sync.RWMutex
	plan model.Plan
}

func newPlanHolder(plan model.Plan) *planHolder {
	return &planHolder{plan: plan}
}

func (p *planHolder) Get() model.Plan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.plan
}

func (p *planHolder) Set(plan model.Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plan = plan
}

// Wrapper of our logger for Kooper library logger.
type kooperlogger struct {
	log.Logger
}

func (k kooperlogger) WithKV(kv kooperlog.KV) kooperlog.Logger {
	return kooperlogger{Logger: k.Logger.WithValues(log.Kv(kv))}
}

// syncLogger is an application service logger that will set the info messages
// as debug, this logger aim is being no verbose by default on the daemon and
// only show the infos when debug is enabled. We use the same components for
// the one-shot CLI commands where we do want the verbosity.
type syncLogger struct {
	log.Logger
}

func (s syncLogger) Infof(format string, args ...interface{}) { s.Debugf(format, args...) }

func (s syncLogger) WithValues(values map[string]interface{}) log.Logger {
	return syncLogger{Logger: s.Logger.WithValues(values)}
}
func (s syncLogger) WithCtxValues(ctx context.Context) log.Logger {
	return syncLogger{Logger: s.Logger.WithCtxValues(ctx)}
}
