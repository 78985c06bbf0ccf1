// Package bootstrap wires adapters and services into a running application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/textgate/textgate/adapters/clock"
	"github.com/textgate/textgate/adapters/hasher"
	apihttp "github.com/textgate/textgate/adapters/http"
	"github.com/textgate/textgate/adapters/idgen"
	"github.com/textgate/textgate/adapters/memory"
	"github.com/textgate/textgate/adapters/metrics"
	"github.com/textgate/textgate/adapters/remote"
	"github.com/textgate/textgate/adapters/rewrite"
	"github.com/textgate/textgate/adapters/sqlite"
	"github.com/textgate/textgate/app"
	"github.com/textgate/textgate/config"
	"github.com/textgate/textgate/domain/suspicion"
	"github.com/textgate/textgate/domain/usage"
)

// App is the fully wired application.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Metrics   *metrics.Collector
	Admission *app.AdmissionService
	Circuit   *app.FallbackCircuit
	Handler   *apihttp.Handler

	db        *sqlite.DB
	ledger    *memory.ShardedLedger
	suspicion *memory.ShardedSuspicionStore
	recorder  *BatchingUsageRecorder
	server    *http.Server
	holder    *config.Holder
}

// New wires the application from configuration.
func New(cfg *config.Config) (*App, error) {
	logger := newLogger(cfg.Logging)

	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	clk := clock.Real{}
	ids := idgen.UUID{}

	ledger := memory.NewShardedLedger(memory.LedgerConfig{})
	suspicionStore := memory.NewShardedSuspicionStore(memory.SuspicionStoreConfig{
		Retention:     time.Duration(cfg.Suspicion.RetentionSecs) * time.Second,
		SweepInterval: time.Duration(cfg.Suspicion.SweepIntervalSecs) * time.Second,
		Scoring:       scoringConfig(cfg.Suspicion),
		Clock:         clk,
	})

	admissionSvc := app.NewAdmissionService(app.AdmissionDeps{
		Identities: sqlite.NewIdentityStore(db),
		Keys:       sqlite.NewKeyStore(db),
		Ledger:     ledger,
		Suspicion:  suspicionStore,
		Clock:      clk,
		Hasher:     hasher.NewBcrypt(0),
		Logger:     logger,
		Metrics:    m,
	}, app.AdmissionConfig{
		KeyPrefix:      cfg.Auth.KeyPrefix,
		FreeDailyLimit: cfg.Quota.FreeDailyLimit,
	})

	circuit := app.NewFallbackCircuit(app.FallbackDeps{
		Remote: remote.New(remote.Config{
			BaseURL: cfg.Remote.URL,
			APIKey:  cfg.Remote.APIKey,
			Model:   cfg.Remote.Model,
		}),
		Local:    rewrite.New(),
		Notifier: &logNotifier{logger: logger},
		Clock:    clk,
		Logger:   logger,
		Metrics:  m,
	}, app.FallbackConfig{
		RemoteTimeout: time.Duration(cfg.Fallback.RemoteCallTimeoutMs) * time.Millisecond,
		ProbeInterval: time.Duration(cfg.Fallback.ProbeIntervalSecs) * time.Second,
	})

	recorder := NewBatchingUsageRecorder(
		sqlite.NewUsageStore(db),
		logger,
		m,
		cfg.Usage.BatchSize,
		time.Duration(cfg.Usage.FlushIntervalSecs)*time.Second,
	)

	accountant := app.NewAccountant(app.AccountantDeps{
		Recorder: recorder,
		Rates: usage.RateTable{
			PromptPerMillion:     cfg.Pricing.PromptPerMillion,
			CompletionPerMillion: cfg.Pricing.CompletionPerMillion,
		},
		IDGen:   ids,
		Clock:   clk,
		Logger:  logger,
		Metrics: m,
	})

	handler := apihttp.NewHandler(apihttp.Deps{
		Admission:  admissionSvc,
		Circuit:    circuit,
		Accountant: accountant,
		Clock:      clk,
		Logger:     logger,
		Metrics:    m,
	})

	return &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   m,
		Admission: admissionSvc,
		Circuit:   circuit,
		Handler:   handler,
		db:        db,
		ledger:    ledger,
		suspicion: suspicionStore,
		recorder:  recorder,
	}, nil
}

// NewWithHotReload wires the application from a config file and reloads the
// hot-swappable settings when the file changes or on SIGHUP.
func NewWithHotReload(path string) (*App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	a, err := New(cfg)
	if err != nil {
		return nil, err
	}

	holder, err := config.NewHolder(path, a.Logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	holder.OnChange(a.ApplyConfig)
	if err := holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable, SIGHUP reload only")
	}
	holder.WatchSignals()
	a.holder = holder

	return a, nil
}

// ApplyConfig applies a reloaded configuration to the running services.
// Only quota limits and suspicion scoring take effect without a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.Admission.UpdateQuota(cfg.Quota.FreeDailyLimit)
	a.suspicion.UpdateScoring(scoringConfig(cfg.Suspicion))
}

// Serve runs the HTTP server until the context is canceled, then shuts down
// gracefully.
func (a *App) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.Handler.Routes(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", addr).Msg("server listening")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}

// Run serves until SIGINT or SIGTERM, then shuts down and releases resources.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := a.Serve(ctx)
	if closeErr := a.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close releases all resources.
func (a *App) Close() error {
	if a.holder != nil {
		a.holder.Stop()
	}
	a.recorder.Close()
	a.ledger.Close()
	a.suspicion.Close()
	return a.db.Close()
}

// scoringConfig converts configuration values into the scoring domain config.
func scoringConfig(c config.SuspicionConfig) suspicion.Config {
	return suspicion.Config{
		Window:               time.Duration(c.WindowSecs) * time.Second,
		ScoreLimit:           c.ScoreLimit,
		MaxViolations:        c.BlockThreshold,
		MaxBlock:             time.Duration(c.MaxBlockSecs) * time.Second,
		WeightNoAgent:        c.WeightNoAgent,
		WeightAutomatedAgent: c.WeightAutomatedAgent,
		WeightEndpointSpread: c.WeightEndpointSpread,
		WeightRapidFire:      c.WeightRapidFire,
		EndpointSpreadLimit:  c.EndpointSpreadLimit,
		RapidFireGap:         time.Duration(c.RapidFireMs) * time.Millisecond,
	}
}

// logNotifier surfaces circuit transitions through the application log. A
// deployment with a chat webhook or pager can swap in its own Notifier.
type logNotifier struct {
	logger zerolog.Logger
}

func (n *logNotifier) Degraded(reason string) {
	n.logger.Warn().Str("reason", reason).Msg("service degraded: remote provider unavailable")
}

func (n *logNotifier) Restored() {
	n.logger.Info().Msg("service restored: remote provider back")
}

// newLogger builds the application logger from configuration.
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
