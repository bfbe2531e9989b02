// Package main runs the weighted staking ledger as an HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/weighted-stake-ledger/internal/bank"
	"github.com/yourorg/weighted-stake-ledger/internal/clock"
	"github.com/yourorg/weighted-stake-ledger/internal/config"
	"github.com/yourorg/weighted-stake-ledger/internal/export"
	"github.com/yourorg/weighted-stake-ledger/internal/ledger"
	"github.com/yourorg/weighted-stake-ledger/internal/migrate"
	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/otel"
	"github.com/yourorg/weighted-stake-ledger/internal/receipt"
	"github.com/yourorg/weighted-stake-ledger/internal/solvency"
	"github.com/yourorg/weighted-stake-ledger/internal/store"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
	"github.com/yourorg/weighted-stake-ledger/internal/validation"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server exposes one ledger over HTTP
type Server struct {
	config   config.Config
	decimals uint8

	ledger   *ledger.Ledger
	bank     bank.Bank
	store    store.Store
	exporter *export.Exporter
	guard    *solvency.Guard
	signer   *receipt.Signer
	replay   *receipt.ReplayCache

	rateLimit *rate.Limiter
	metrics   *serverMetrics
	server    *http.Server

	// serializes snapshot writes so the newest state is saved last
	persistMu sync.Mutex
}

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	registry *prometheus.Registry

	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	totalStake      prometheus.Gauge
	totalWeight     prometheus.Gauge
	totalReward     prometheus.Gauge
	pot             prometheus.Gauge
	custodyHeld     prometheus.Gauge
	distributions   prometheus.Counter
	payouts         prometheus.Counter
	penalties       prometheus.Counter
	guardState      prometheus.Gauge
}

// registerMetrics sets up Prometheus metrics collection on a private registry
func registerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_requests_total",
				Help: "Total number of requests processed",
			},
			[]string{"operation", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		totalStake: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_total_stake",
			Help: "Principal of all open stakes, in base units",
		}),
		totalWeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_total_stake_weight",
			Help: "Sum of amount times weight over open stakes",
		}),
		totalReward: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_total_reward",
			Help: "Rewards credited and not yet paid out",
		}),
		pot: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_pot",
			Help: "Undistributed pot held by the ledger",
		}),
		custodyHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_custody_balance",
			Help: "Token balance of the custody account at the last solvency check",
		}),
		distributions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_distributions_total",
			Help: "Number of completed distributions",
		}),
		payouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_payouts_total",
			Help: "Number of stakes paid out",
		}),
		penalties: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_penalties_total",
			Help: "Number of early removals that withheld a penalty",
		}),
		guardState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_solvency_guard_state",
			Help: "Solvency guard state (0=closed, 1=open, 2=half-open)",
		}),
	}

	m.registry.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.totalStake,
		m.totalWeight,
		m.totalReward,
		m.pot,
		m.custodyHeld,
		m.distributions,
		m.payouts,
		m.penalties,
		m.guardState,
	)
	return m
}

// main is the entry point for the application
func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	server, err := build(cfg)
	if err != nil {
		logrus.Fatalf("Failed to start ledger: %v", err)
	}
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging(level string) {
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// build wires the ledger, its collaborators and the server from configuration
func build(cfg config.Config) (*Server, error) {
	lcfg, err := config.LoadLedgerConfig(cfg.LedgerConfigPath)
	if err != nil {
		return nil, err
	}
	admin, custody, err := lcfg.Accounts()
	if err != nil {
		return nil, err
	}
	params, err := lcfg.Params()
	if err != nil {
		return nil, err
	}
	minStake, err := lcfg.MinStakeAmount()
	if err != nil {
		return nil, err
	}
	validation.CheckPeriods(params.Periods)

	b, err := newBank(cfg, lcfg, custody)
	if err != nil {
		return nil, err
	}

	genesis, interval, err := lcfg.ClockSettings()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.StoreBackend, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	exporter := export.New(lcfg.Export, st)
	l := ledger.New(admin, b, clock.NewWall(genesis, interval),
		ledger.WithParams(params),
		ledger.WithMinStake(minStake),
		ledger.WithEventHook(exporter.Observe),
	)

	fresh, err := restore(l, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	if !fresh && cfg.BankURL == "" {
		logrus.Warn("Restored ledger runs on an in-memory bank rebuilt from genesis balances: custody does not hold the restored stakes and the solvency guard will report the difference")
	}
	if !cfg.RequireSignatures {
		logrus.Warn("REQUIRE_SIGNATURES is off: X-Caller is trusted without authentication, any client can act as the admin or any account")
	}

	signer, err := receipt.NewSigner(cfg.SignerKey, receipt.Options{
		Enabled:  cfg.ReceiptsEnabled,
		Validity: cfg.ReceiptValidity,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	var guard *solvency.Guard
	if cfg.SolvencyCheckEnabled {
		maxDeficit, err := model.ParseAmount(cfg.GuardMaxDeficit)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("GUARD_MAX_DEFICIT: %w", err)
		}
		guard = solvency.New(solvency.Thresholds{
			MaxDeficit:           *maxDeficit,
			MaxOwedChangePercent: uint64(cfg.GuardMaxChangePct),
		}).WithResetDelay(cfg.GuardResetDelay)
		if cfg.GuardSuccesses > 0 {
			guard.WithSuccessThreshold(cfg.GuardSuccesses)
		}
	}

	s := NewServer(cfg, Deps{
		Ledger:   l,
		Bank:     b,
		Store:    st,
		Exporter: exporter,
		Guard:    guard,
		Signer:   signer,
		Decimals: lcfg.Decimals,
	})

	if fresh && cfg.ManifestPath != "" {
		if err := s.importManifest(context.Background(), cfg.ManifestPath); err != nil {
			st.Close()
			return nil, err
		}
	}
	return s, nil
}

// newBank connects to the token service, or builds an in-memory bank seeded
// with the configured genesis balances
func newBank(cfg config.Config, lcfg *config.LedgerConfig, custody types.Address) (bank.Bank, error) {
	if cfg.BankURL != "" {
		return bank.NewRemoteBank(bank.RemoteOptions{
			BaseURL:   cfg.BankURL,
			APIKey:    cfg.BankAPIKey,
			Custody:   custody,
			RetryMax:  cfg.BankRetryMax,
			RetryWait: 500 * time.Millisecond,
		}), nil
	}

	balances, err := lcfg.Balances()
	if err != nil {
		return nil, err
	}
	mem := bank.NewMemBank(custody)
	unlimited := new(uint256.Int).SetAllOne()
	for account, amount := range balances {
		mem.Mint(account, amount)
		mem.Approve(account, unlimited)
	}
	logrus.WithField("accounts", len(balances)).Warn("Using in-memory bank")
	return mem, nil
}

// restore loads the last snapshot into l and reports whether the store was empty
func restore(l *ledger.Ledger, st store.Store) (bool, error) {
	data, err := st.LoadSnapshot()
	if errors.Is(err, store.ErrNotFound) {
		logrus.Info("No snapshot found, starting with an empty ledger")
		return true, nil
	}
	if err != nil {
		return false, err
	}

	state, err := ledger.DecodeState(data)
	if err != nil {
		return false, err
	}
	return false, l.Restore(state)
}

// importManifest applies a migration manifest as the admin and persists the result
func (s *Server) importManifest(ctx context.Context, path string) error {
	m, err := migrate.Load(path)
	if err != nil {
		return err
	}
	res, err := migrate.Apply(ctx, s.ledger, s.ledger.Admin(), m)
	if err != nil {
		return err
	}
	for _, rej := range res.Rejected {
		logrus.Warnf("Manifest entry %d rejected: %s", rej.Index, rej.Reason)
	}
	s.persist()
	return nil
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	s.Close(ctx)

	logrus.Info("Server stopped")
}

// Close flushes exported events, saves a final snapshot and closes the store
func (s *Server) Close(ctx context.Context) {
	if s.exporter != nil {
		s.exporter.Stop(ctx)
	}
	s.persist()
	if err := s.store.Close(); err != nil {
		logrus.Errorf("Failed to close store: %v", err)
	}
}
