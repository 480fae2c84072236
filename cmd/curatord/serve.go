package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/curator/internal/agent"
	"github.com/fyrsmithlabs/curator/internal/config"
	"github.com/fyrsmithlabs/curator/internal/events"
	"github.com/fyrsmithlabs/curator/internal/history"
	httpserver "github.com/fyrsmithlabs/curator/internal/http"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/logging"
	"github.com/fyrsmithlabs/curator/internal/telemetry"
	"github.com/fyrsmithlabs/curator/internal/validator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the curator agents and HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// app holds every long-lived dependency of the daemon.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	nats      *natsserver.Server
	bus       events.Bus
	repo      knowledge.Repository
	validator *validator.Validator
	rules     *validator.RulesWatcher
	history   *history.Analyzer
	server    *httpserver.Server
}

// newApp builds dependencies in order. On failure everything built so far
// is released.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	tcfg := telemetry.ConfigFrom(cfg.Telemetry, version)
	if a.telemetry, err = telemetry.New(ctx, tcfg); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	lcfg, err := logging.ConfigFrom(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	if a.logger, err = logging.NewLogger(lcfg, a.telemetry.LoggerProvider()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zlog := a.logger.Underlying()

	if a.nats, a.bus, err = buildBus(cfg.NATS, zlog); err != nil {
		return nil, err
	}
	if a.repo, err = openStore(cfg.Store); err != nil {
		return nil, err
	}

	if a.validator, err = buildValidator(cfg, a.repo, a.bus, a.logger, a.telemetry); err != nil {
		return nil, err
	}
	if a.history, err = buildHistory(cfg, a.repo, a.bus, a.logger, a.telemetry); err != nil {
		return nil, err
	}

	a.server, err = httpserver.NewServer(a.validator, zlog.Named("http"),
		&httpserver.Config{
			Host:    cfg.Server.Host,
			Port:    cfg.Server.Port,
			Version: version,
		},
		httpserver.WithAgents(a.validator.Runtime(), a.history.Runtime()),
		httpserver.WithStore(a.repo),
		httpserver.WithTelemetry(a.telemetry),
		httpserver.WithMetrics(httpserver.NewHTTPMetrics(zlog)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}
	return a, nil
}

// buildBus picks the event transport: an embedded NATS server, a remote
// NATS URL, or the in-process bus.
func buildBus(cfg config.NATSConfig, logger *zap.Logger) (*natsserver.Server, events.Bus, error) {
	opts := []events.NATSOption{
		events.WithSubjectPrefix(cfg.Subject),
		events.WithNATSLogger(logger.Named("events")),
	}

	switch {
	case cfg.Embedded:
		ns, err := natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   -1,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create embedded nats: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, nil, errors.New("embedded nats not ready")
		}
		bus, err := events.ConnectNATS(ns.ClientURL(), "", opts...)
		if err != nil {
			ns.Shutdown()
			return nil, nil, err
		}
		logger.Info("embedded nats started", zap.String("url", ns.ClientURL()))
		return ns, bus, nil

	case cfg.URL != "":
		bus, err := events.ConnectNATS(cfg.URL, cfg.Token.Value(), opts...)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to nats",
			zap.String("url", cfg.URL),
			logging.Secret("token", cfg.Token),
		)
		return nil, bus, nil

	default:
		return nil, events.NewLocalBus(logger.Named("events")), nil
	}
}

// openStore opens the configured repository.
func openStore(cfg config.StoreConfig) (knowledge.Repository, error) {
	switch cfg.Driver {
	case "", "memory":
		return knowledge.NewMemoryRepository(), nil
	case "sqlite":
		repo, err := knowledge.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func runtimeOptions(cfg config.AgentConfig, tel *telemetry.Telemetry, name string) []agent.Option {
	opts := agent.OptionsFromConfig(cfg)
	if tel != nil {
		opts = append(opts, agent.WithTracer(tel.Tracer("curator/"+name)))
	}
	return opts
}

func buildValidator(cfg *config.Config, repo knowledge.Repository, bus events.Bus, logger *logging.Logger, tel *telemetry.Telemetry) (*validator.Validator, error) {
	rules, err := validator.LoadRules(cfg.Validation.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load validation rules: %w", err)
	}
	sched, err := agent.ParseSchedule(cfg.Agents.Validator.Schedule)
	if err != nil {
		return nil, fmt.Errorf("agents.validator.schedule: %w", err)
	}

	v, err := validator.New(repo, bus, logger, cfg.Validation,
		validator.WithRules(rules),
		validator.WithSchedule(sched),
		validator.WithRuntimeOptions(runtimeOptions(cfg.Agents.Validator, tel, validator.AgentName)...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	return v, nil
}

func buildHistory(cfg *config.Config, repo knowledge.Repository, bus events.Bus, logger *logging.Logger, tel *telemetry.Telemetry) (*history.Analyzer, error) {
	sched, err := agent.ParseSchedule(cfg.Agents.History.Schedule)
	if err != nil {
		return nil, fmt.Errorf("agents.history.schedule: %w", err)
	}

	h, err := history.New(repo, bus, logger, cfg.History,
		history.WithSchedule(sched),
		history.WithRuntimeOptions(runtimeOptions(cfg.Agents.History, tel, history.AgentName)...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create history analyzer: %w", err)
	}
	return h, nil
}

// run starts the agents and the HTTP server, then blocks until ctx is
// cancelled or the server fails.
func (a *app) run(ctx context.Context) error {
	ctx = logging.WithAgent(ctx, "curatord")
	a.logger.Info(ctx, "starting curatord",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.String("store", a.cfg.Store.Driver),
	)

	if err := a.validator.Start(ctx); err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("failed to start validator: %w", err)
	}
	if path := a.cfg.Validation.RulesFile; path != "" {
		rw, err := a.validator.WatchRules(ctx, path)
		if err != nil {
			a.logger.Warn(ctx, "rules hot reload disabled", zap.String("path", path), zap.Error(err))
		} else {
			a.rules = rw
		}
	}
	if err := a.history.Start(ctx); err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("failed to start history analyzer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info(context.Background(), "shutting down curatord")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return a.close(shutdownCtx)
	})

	return g.Wait()
}

// close releases dependencies in reverse start order. Agents drain before
// the server stops accepting so in-flight submissions land.
func (a *app) close(ctx context.Context) error {
	var errs []error

	if a.rules != nil {
		_ = a.rules.Close()
	}
	if a.validator != nil {
		if err := a.validator.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop validator: %w", err))
		}
	}
	if a.history != nil {
		if err := a.history.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop history analyzer: %w", err))
		}
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if a.nats != nil {
		a.nats.Shutdown()
		a.nats.WaitForShutdown()
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
