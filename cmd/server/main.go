// Paysentry - control plane for autonomous agent payments
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"

	_ "github.com/lib/pq"

	"github.com/mbd888/paysentry/internal/alerts"
	"github.com/mbd888/paysentry/internal/analytics"
	"github.com/mbd888/paysentry/internal/circuitbreaker"
	"github.com/mbd888/paysentry/internal/config"
	"github.com/mbd888/paysentry/internal/dispute"
	"github.com/mbd888/paysentry/internal/facilitator"
	"github.com/mbd888/paysentry/internal/facilitator/cardrail"
	"github.com/mbd888/paysentry/internal/facilitator/x402rail"
	"github.com/mbd888/paysentry/internal/ledger"
	"github.com/mbd888/paysentry/internal/logging"
	"github.com/mbd888/paysentry/internal/policy"
	"github.com/mbd888/paysentry/internal/provenance"
	"github.com/mbd888/paysentry/internal/realtime"
	"github.com/mbd888/paysentry/internal/recovery"
	"github.com/mbd888/paysentry/internal/server"
	"github.com/mbd888/paysentry/internal/transaction"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// noopExecutor rejects every recovery action. Used when no refund-capable
// facilitator client is configured; recovery actions still queue and
// record the failure for manual follow-up.
type noopExecutor struct{}

var errNoExecutor = errors.New("recovery: no refund executor configured")

func (noopExecutor) Execute(ctx context.Context, action *recovery.Action) (string, error) {
	return "", errNoExecutor
}

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting paysentry",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded", "env", cfg.Env, "port", cfg.Port)

	policyEngine := policy.New()
	if cfg.PolicyFilePath != "" {
		data, err := os.ReadFile(cfg.PolicyFilePath)
		if err != nil {
			logger.Error("failed to read policy file", "path", cfg.PolicyFilePath, "error", err)
			os.Exit(1)
		}
		p, err := policy.ParsePolicyFile(data)
		if err != nil {
			logger.Error("failed to parse policy file", "path", cfg.PolicyFilePath, "error", err)
			os.Exit(1)
		}
		policyEngine.LoadPolicy(p)
		logger.Info("policy loaded", "id", p.ID, "rules", len(p.Rules), "budgets", len(p.Budgets))
	} else {
		logger.Warn("no policy file configured, all transactions will be evaluated against an empty rule set")
	}

	spendLedger := ledger.New()
	provenanceLog := provenance.New()

	if cfg.DatabaseURL != "" {
		wirePostgresPersistence(cfg.DatabaseURL, spendLedger, provenanceLog, logger)
	}

	alertEvaluator := alerts.New(spendLedger, logger)
	analyticsService := analytics.New(spendLedger)
	disputeManager := dispute.New(provenanceLog, logger)
	disputeManager.SetSigner(provenance.NewSigner(cfg.ProvenanceSigningSecret))

	breaker := circuitbreaker.New(cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout)
	breaker.SetHalfOpenMaxRequests(cfg.BreakerHalfOpenMax)

	var facilitatorClient facilitator.FacilitatorClient
	switch {
	case cfg.X402FacilitatorURL != "":
		facilitatorClient = x402rail.New(cfg.X402FacilitatorURL)
		logger.Info("using x402 facilitator", "url", cfg.X402FacilitatorURL)
	case cfg.StripeSecretKey != "":
		facilitatorClient = cardrail.New(cfg.StripeSecretKey, cfg.StripeCurrency)
		logger.Info("using card rail facilitator")
	default:
		logger.Warn("no facilitator backend configured, x402/card rail endpoints will error on every call")
		facilitatorClient = cardrail.New("", cfg.DefaultCurrency)
	}

	facilitatorAdapter := facilitator.New(facilitatorClient, policyEngine, spendLedger, provenanceLog, alertEvaluator, breaker, facilitator.Config{
		FacilitatorKey:  "primary",
		DefaultAgent:    cfg.DefaultAgent,
		DefaultCurrency: cfg.DefaultCurrency,
	}, logger)

	recoveryEngine := recovery.New(disputeManager, spendLedger, noopExecutor{}, cfg.RecoveryMaxAttempts, cfg.RecoveryRetryDelayMs, logger)

	hub := realtime.NewHub(logger)

	if cfg.WebhookURL != "" {
		alertEvaluator.OnAlert(alerts.NewWebhookHandler(cfg.WebhookURL, cfg.WebhookSecret, nil, logger))
		logger.Info("alert webhook delivery enabled", "url", cfg.WebhookURL)
	}

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithEngines(server.Engines{
		Policy:     policyEngine,
		Ledger:     spendLedger,
		Provenance: provenanceLog,
		Alerts:     alertEvaluator,
		Analytics:  analyticsService,
		Disputes:   disputeManager,
		Recovery:   recoveryEngine,
		Breaker:    breaker,
		Adapter:    facilitatorAdapter,
		Hub:        hub,
	}))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// wirePostgresPersistence opens db, runs both stores' migrations, and
// attaches write-through persist hooks to the in-memory ledger and
// provenance log. The in-memory structures stay the source of truth read
// by every engine; Postgres only mirrors writes for durability across
// restarts. Failures here are logged and non-fatal — the control plane
// keeps running in-memory-only if persistence can't be established.
func wirePostgresPersistence(dsn string, l *ledger.Ledger, p *provenance.Log, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("failed to open database connection, continuing in-memory only", "error", err)
		return
	}

	ctx := context.Background()
	ledgerStore := ledger.NewPostgresStore(db)
	if err := ledgerStore.Migrate(ctx); err != nil {
		logger.Error("failed to migrate ledger store, continuing in-memory only", "error", err)
		return
	}
	provenanceStore := provenance.NewPostgresStore(db)
	if err := provenanceStore.Migrate(ctx); err != nil {
		logger.Error("failed to migrate provenance store, continuing in-memory only", "error", err)
		return
	}

	l.SetPersistHook(func(ctx context.Context, tx *transaction.Transaction) {
		if err := ledgerStore.Upsert(ctx, tx); err != nil {
			logger.Error("ledger postgres write-through failed", "tx_id", tx.ID, "error", err)
		}
	})
	p.SetPersistHook(func(rec *provenance.Record) {
		if err := provenanceStore.Append(context.Background(), rec); err != nil {
			logger.Error("provenance postgres write-through failed", "tx_id", rec.TransactionID, "error", err)
		}
	})

	logger.Info("postgres write-through persistence enabled")
}
