package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/actiongate/internal/actions"
	"github.com/basket/actiongate/internal/audit"
	"github.com/basket/actiongate/internal/bus"
	"github.com/basket/actiongate/internal/channels"
	"github.com/basket/actiongate/internal/config"
	"github.com/basket/actiongate/internal/cron"
	"github.com/basket/actiongate/internal/dlq"
	"github.com/basket/actiongate/internal/gate"
	"github.com/basket/actiongate/internal/gateway"
	"github.com/basket/actiongate/internal/idempotency"
	otelPkg "github.com/basket/actiongate/internal/otel"
	"github.com/basket/actiongate/internal/outcome"
	"github.com/basket/actiongate/internal/persistence"
	"github.com/basket/actiongate/internal/telemetry"
	"github.com/basket/actiongate/internal/trust"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the gateway daemon
  %s status                   Show daemon health (/healthz)
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ACTIONGATE_HOME             Data directory (default: ~/.actiongate)
  ACTIONGATE_API_KEY          Key for the /status and /feed console endpoints
  ACTIONGATE_SECRET_<NAME>    Prepend a webhook signing secret for <name>
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println("actiongate", Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit opens before the logger so logger failures are still audited.
	trail, err := audit.Open(cfg.DataDir)
	if err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer trail.Close()

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		trail.Record(ctx, "runtime.startup", "deny", "E_LOGGER_INIT: "+err.Error(), "")
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.APIKey == "" {
			logger.Warn("api_key is empty on non-loopback bind; /status and /feed are open",
				"bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := writeStarterConfig(cfg.DataDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter settings", "home", cfg.DataDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.DataDir, "actiongate.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetOutcomeCap(cfg.Outcome.HistoryCap)
	trail.AttachDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	purged, err := store.PurgeExpiredOperations(ctx, time.Now())
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "purged_reservations", purged)

	if _, statErr := os.Stat(cfg.PolicyPath); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(cfg.PolicyPath, []byte(defaultPolicyYAML), 0o644); writeErr != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", writeErr)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", cfg.PolicyPath)
	}
	pol, err := gate.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded")

	var strategy trust.Strategy = trust.DecayedHistory{}
	if cfg.Trust.Strategy == "ema" {
		strategy = trust.EMA{}
	}
	scorer := trust.NewScorer(store, strategy, logger, nil)
	scoreCache := trust.NewCachedReader(scorer, trust.DefaultScoreCacheTTL, nil)
	autoGate := gate.New(scoreCache, pol, logger, eventBus)

	recorder := outcome.NewRecorder(store, logger, outcome.Thresholds{
		Unchanged: cfg.Outcome.UnchangedThreshold,
		MinorEdit: cfg.Outcome.MinorEditThreshold,
	}, nil)

	guard := idempotency.NewGuard(store, logger, idempotency.Options{
		TTL:      cfg.IdempotencyTTL(),
		FailOpen: cfg.Idempotency.FailOpen,
	})

	sinks := []dlq.AlertSink{channels.NewLogSink(logger)}
	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram alerts enabled but token is missing")
		} else {
			sinks = append(sinks, channels.NewTelegramSink(cfg.Telegram.Token, cfg.Telegram.ChatID, logger))
		}
	}
	queue := dlq.New(store, logger, dlq.Options{
		Threshold: cfg.DLQ.AlertThreshold,
		Sinks:     sinks,
	})

	executor := actions.NewExecutor(
		actions.NewHelpdeskClient(actions.NewUpstream(cfg.Upstreams.HelpdeskURL, cfg.Upstreams.Token)),
		actions.NewPaymentsClient(actions.NewUpstream(cfg.Upstreams.PaymentsURL, cfg.Upstreams.Token)),
		actions.NewLicensingClient(actions.NewUpstream(cfg.Upstreams.LicensingURL, cfg.Upstreams.Token)),
	)

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:           store,
		Recorder:        recorder,
		Scorer:          scorer,
		ScoreCache:      scoreCache,
		Logger:          logger,
		DraftSweepExpr:  cfg.Sweeper.DraftSweepExpr,
		PurgeExpr:       cfg.Sweeper.PurgeExpr,
		TrimExpr:        cfg.Sweeper.TrimExpr,
		DeletionTimeout: cfg.DeletionTimeout(),
		DLQRetention:    cfg.DLQRetention(),
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()
	logger.Info("startup phase", "phase", "sweeper_started")

	server := gateway.NewServer(cfg, gateway.Deps{
		Store:      store,
		Guard:      guard,
		Recorder:   recorder,
		Scorer:     scorer,
		ScoreCache: scoreCache,
		Gate:       autoGate,
		Executor:   executor,
		DLQ:        queue,
		Trail:      trail,
		Bus:        eventBus,
		Metrics:    metrics,
	}, logger)

	confWatcher := config.NewWatcher(cfg.DataDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case "policy.yaml":
				newPol, err := gate.LoadPolicy(ev.Path)
				if err != nil {
					logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
					continue
				}
				autoGate.SetPolicy(newPol)
				logger.Info("policy.yaml hot-reloaded")
			case "config.yaml":
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					continue
				}
				// Bind address and storage settings need a restart; the
				// gateway picks up secrets, limits, and thresholds.
				server.UpdateConfig(newCfg)
			}
		}
	}()

	logger.Info("startup phase", "phase", "gateway_starting", "addr", cfg.BindAddr, "version", Version)
	if err := server.Start(ctx); err != nil {
		fatalStartup(logger, "E_GATEWAY_SERVE", err)
	}
	logger.Info("shutdown complete")
}

const defaultPolicyYAML = `# Auto-send gate policy. Edits apply without a restart.
denied_categories:
  - hostile
  - legal_threat
  - bulk_license
  - other
trust_threshold: 0.85
confidence_threshold: 0.90
`

// writeStarterConfig seeds a commented config.yaml on first run.
func writeStarterConfig(dataDir string) error {
	starter := `# actiongate configuration. See docs for the full reference.
bind_addr: "127.0.0.1:18980"
log_level: info

# api_key: ""            # protects /status and /feed
# rate_limit_per_minute: 600

webhook:
  max_age_seconds: 300
  integrations: {}
  # integrations:
  #   helpdesk:
  #     secrets: [your-signing-secret]

# upstreams:
#   helpdesk_url: https://helpdesk.internal
#   payments_url: https://payments.internal
#   licensing_url: https://licensing.internal
`
	return os.WriteFile(config.ConfigPath(dataDir), []byte(starter), 0o644)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"actiongate","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
