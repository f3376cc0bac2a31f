// Package main provides the deploywatch server entry point: the sync worker,
// the notification dispatcher and the management HTTP API in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/auditflow/deploywatch/pkg/alerts"
	"github.com/auditflow/deploywatch/pkg/apps"
	"github.com/auditflow/deploywatch/pkg/authz"
	"github.com/auditflow/deploywatch/pkg/commits"
	"github.com/auditflow/deploywatch/pkg/db"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/foureyes"
	"github.com/auditflow/deploywatch/pkg/githost"
	"github.com/auditflow/deploywatch/pkg/metrics"
	"github.com/auditflow/deploywatch/pkg/notify"
	"github.com/auditflow/deploywatch/pkg/opsaudit"
	"github.com/auditflow/deploywatch/pkg/paas"
	"github.com/auditflow/deploywatch/pkg/reports"
	"github.com/auditflow/deploywatch/pkg/server"
	"github.com/auditflow/deploywatch/pkg/syncer"
)

// fileConfig is the optional YAML configuration file. Every field has a
// flag or environment fallback, so the file itself is optional.
type fileConfig struct {
	Listen string `mapstructure:"listen"`

	Database struct {
		Dialect string `mapstructure:"dialect"`
		DSN     string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	CodeHost struct {
		BaseURL           string  `mapstructure:"baseUrl"`
		Token             string  `mapstructure:"token"`
		RequestsPerSecond float64 `mapstructure:"requestsPerSecond"`
		MirrorCacheDir    string  `mapstructure:"mirrorCacheDir"`
	} `mapstructure:"codeHost"`

	Platform struct {
		BaseURL  string `mapstructure:"baseUrl"`
		Token    string `mapstructure:"token"`
		PageSize int    `mapstructure:"pageSize"`
	} `mapstructure:"platform"`

	Notifications struct {
		WebhookURL string `mapstructure:"webhookUrl"`
		Token      string `mapstructure:"token"`
	} `mapstructure:"notifications"`

	PolicyPath string `mapstructure:"policyPath"`

	Auth struct {
		Mode          string `mapstructure:"mode"` // "header" or "jwt"
		RoleClaim     string `mapstructure:"roleClaim"`
		UserClaim     string `mapstructure:"userClaim"`
		OperatorValue string `mapstructure:"operatorValue"`
		PublicKeyPath string `mapstructure:"publicKeyPath"`
		Issuer        string `mapstructure:"issuer"`
		Audience      string `mapstructure:"audience"`
	} `mapstructure:"auth"`
}

func main() {
	var (
		listenAddr string
		configPath string
		policyPath string
	)
	pflag.StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	pflag.StringVar(&configPath, "config", "", "Path to YAML config file")
	pflag.StringVar(&policyPath, "policy", "", "Path to the verification policy file")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := loadFileConfig(configPath)
	if cfg.Listen != "" {
		listenAddr = cfg.Listen
	}
	if cfg.PolicyPath != "" && policyPath == "" {
		policyPath = cfg.PolicyPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Database.
	dbCfg := db.ConfigFromEnv()
	if cfg.Database.Dialect != "" {
		dbCfg.Dialect = cfg.Database.Dialect
	}
	if cfg.Database.DSN != "" {
		dbCfg.DSN = cfg.Database.DSN
	}
	conn, err := db.Connect(dbCfg, logger)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.Migrate(ctx, conn, logger); err != nil {
		glog.Fatalf("Failed to migrate database: %v", err)
	}

	// Stores.
	appStore := apps.NewStore(conn)
	deployStore := deployments.NewStore(conn)
	alertStore := alerts.NewStore(conn)
	commitStore := commits.NewStore(conn)
	jobStore := syncer.NewJobStore(conn)
	auditStore := opsaudit.NewStore(conn)
	reportStore := reports.NewStore(conn)
	serviceMetrics := metrics.New()

	// Code host client, with an optional local mirror fallback for when
	// the REST API is rate limited.
	var host githost.Client = githost.NewRESTClient(githost.RESTClientConfig{
		BaseURL:           envOrDefault("DEPLOYWATCH_CODEHOST_URL", cfg.CodeHost.BaseURL),
		Token:             envOrDefault("DEPLOYWATCH_CODEHOST_TOKEN", cfg.CodeHost.Token),
		RequestsPerSecond: cfg.CodeHost.RequestsPerSecond,
		Logger:            logger,
	})
	if cfg.CodeHost.MirrorCacheDir != "" {
		mirror := githost.NewMirrorSource(cfg.CodeHost.MirrorCacheDir, nil, logger)
		host = githost.NewFallbackClient(host, mirror, logger)
		logger.Info("mirror fallback enabled", "cacheDir", cfg.CodeHost.MirrorCacheDir)
	}

	// Verification policy, hot-reloaded on file change.
	var policies *foureyes.PolicyWatcher
	if policyPath != "" {
		policies, err = foureyes.NewPolicyWatcher(policyPath, logger)
		if err != nil {
			glog.Fatalf("Failed to load policy %s: %v", policyPath, err)
		}
		go func() {
			if err := policies.Run(ctx); err != nil {
				logger.Error("policy watcher stopped", "error", err)
			}
		}()
	} else {
		policies = foureyes.StaticPolicyWatcher(foureyes.DefaultPolicy())
		logger.Info("no policy file configured, using defaults")
	}

	classifier := foureyes.NewClassifier(
		foureyes.NewCorrelator(host),
		commits.NewWalker(commitStore, host),
		commitStore,
		host,
		policies,
		foureyes.WithClassifierLogger(logger),
	)

	events := paas.NewRESTSource(paas.RESTSourceConfig{
		BaseURL:  envOrDefault("DEPLOYWATCH_PLATFORM_URL", cfg.Platform.BaseURL),
		Token:    envOrDefault("DEPLOYWATCH_PLATFORM_TOKEN", cfg.Platform.Token),
		PageSize: cfg.Platform.PageSize,
		Logger:   logger,
	})

	syncCfg := syncer.ConfigFromEnv()
	hostname, _ := os.Hostname()
	orchestrator := syncer.NewOrchestrator(appStore, deployStore, alertStore, jobStore,
		events, classifier, syncCfg, hostname,
		syncer.WithLogger(logger), syncer.WithMetrics(serviceMetrics))

	var dispatcher *notify.Dispatcher
	webhookURL := envOrDefault("DEPLOYWATCH_NOTIFY_WEBHOOK_URL", cfg.Notifications.WebhookURL)
	if webhookURL != "" {
		transport := notify.NewWebhookTransport(webhookURL,
			envOrDefault("DEPLOYWATCH_NOTIFY_TOKEN", cfg.Notifications.Token))
		dispatcher = notify.NewDispatcher(appStore, deployStore, transport,
			notify.WithLogger(logger), notify.WithMetrics(serviceMetrics))
		logger.Info("notification dispatcher enabled")
	}

	if syncCfg.Enabled {
		var workerDispatcher syncer.Dispatcher
		if dispatcher != nil {
			workerDispatcher = dispatcher
		}
		worker := syncer.NewWorker(orchestrator, jobStore, alertStore, policies,
			workerDispatcher, syncCfg, logger)
		go worker.Run(ctx)
		logger.Info("sync worker started", "interval", syncCfg.Interval)
	} else {
		logger.Info("sync worker disabled")
	}

	extractor, err := buildExtractor(cfg, logger)
	if err != nil {
		glog.Fatalf("Failed to configure auth: %v", err)
	}

	api := server.New(server.Deps{
		Apps:         appStore,
		Deployments:  deployStore,
		Alerts:       alertStore,
		Jobs:         jobStore,
		Orchestrator: orchestrator,
		Reports:      reportStore,
		Audit:        auditStore,
		Metrics:      serviceMetrics,
		Extractor:    extractor,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: api.Router(),
	}
	go func() {
		logger.Info("deploywatch server ready", "listen", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("deploywatch server stopped")
}

// loadFileConfig reads the optional YAML config file. A missing path yields
// an all-defaults config.
func loadFileConfig(path string) *fileConfig {
	cfg := &fileConfig{}
	if path == "" {
		return cfg
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		glog.Fatalf("Failed to read config file %s: %v", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		glog.Fatalf("Failed to parse config file %s: %v", path, err)
	}
	return cfg
}

func buildExtractor(cfg *fileConfig, logger *slog.Logger) (authz.Extractor, error) {
	mode := envOrDefault("DEPLOYWATCH_AUTH_MODE", cfg.Auth.Mode)
	switch mode {
	case "jwt":
		return authz.NewJWTExtractor(authz.JWTConfig{
			UserClaim:         cfg.Auth.UserClaim,
			RoleClaim:         cfg.Auth.RoleClaim,
			OperatorRoleValue: cfg.Auth.OperatorValue,
			PublicKeyPath:     envOrDefault("DEPLOYWATCH_JWT_PUBLIC_KEY_PATH", cfg.Auth.PublicKeyPath),
			Issuer:            cfg.Auth.Issuer,
			Audience:          cfg.Auth.Audience,
			Logger:            logger,
		})
	case "header", "":
		return authz.HeaderExtractor(), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q (expected jwt, header, or empty)", mode)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
