package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mcprelay/internal/audit"
	"mcprelay/internal/auth"
	"mcprelay/internal/config"
	"mcprelay/internal/handlers"
	"mcprelay/internal/logging"
	"mcprelay/internal/metrics"
	"mcprelay/internal/ratelimit"
	"mcprelay/internal/reaper"
	"mcprelay/internal/redact"
	"mcprelay/internal/registry"
	"mcprelay/internal/router"
	"mcprelay/internal/sessioncache"
	"mcprelay/internal/stream"
	"mcprelay/internal/tlsutil"
	"mcprelay/internal/transport"
)

func main() {
	os.Exit(run())
}

// run builds and serves mcprelayd, returning the process exit code. Kept
// separate from main so startup failures return instead of calling
// os.Exit directly, matching the teacher's logger.Fatalf exit-on-failure
// style while staying testable in principle.
func run() int {
	configPath := flag.String("config", "./config.yaml", "YAML config path")
	bindAddr := flag.String("bind", "", "Bind address, overrides config bind_address")
	httpPort := flag.Int("http-port", 0, "Plain HTTP port, overrides config http_port")
	httpsPort := flag.Int("https-port", -1, "HTTPS port, overrides config https_port")
	pluginDir := flag.String("plugin-dir", "", "Plugin directory, overrides config plugin_directory")
	logLevel := flag.String("log-level", "", "debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mcprelayd %s\n", Version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = &config.Config{}
		} else {
			fmt.Fprintf(os.Stderr, "mcprelayd: config load: %v\n", err)
			return 1
		}
	}
	cfg.ApplyDefaults()

	if *bindAddr != "" {
		cfg.BindAddress = *bindAddr
	}
	if *httpPort != 0 {
		cfg.HTTPPort = *httpPort
	}
	if *httpsPort != -1 {
		cfg.HTTPSPort = *httpsPort
	}
	if *pluginDir != "" {
		cfg.PluginDirectory = *pluginDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "mcprelayd: invalid config: %v\n", err)
		return 1
	}

	log := logging.SetupToFile(*logFormat, cfg.LogLevel, cfg.LogPath, cfg.LogRotationMB)
	log.Info("mcprelayd starting", "version", Version, "bind", cfg.BindAddress, "http_port", cfg.HTTPPort)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := registry.New(log)
	if err := loadPlugins(ctx, cfg.PluginDirectory, reg, log); err != nil {
		log.Error("plugin directory scan failed", "error", err)
		return 1
	}

	auditLog, err := audit.NewLogger(auditDBPath(cfg))
	if err != nil {
		log.Error("audit logger init failed", "error", err)
		return 1
	}
	defer auditLog.Close()

	metricsCollector := metrics.NewCollector()
	redactor := redact.NewRedactor()
	authConfig := authConfigFromEnv(redactor)

	h := handlers.New(reg, handlers.ServerInfo{Name: "mcprelay", Version: Version}, log, func() {})
	r := router.New(log)
	h.Register(r)

	cache := sessioncache.New(sessioncache.Config{
		MaxSessions:         cfg.MaxSessions,
		MaxEventsPerSession: cfg.MaxEventsPerSession,
		TTL:                 cfg.SessionTTLDuration(),
	}, log)

	coordinator := stream.New(cache, reg.StartStream, log)

	idleReaper := reaper.New(coordinator, cache, log)
	go idleReaper.Run(ctx)

	srv := transport.New(r, h, coordinator, authConfig, log)
	srv.SetMetrics(metricsCollector)
	srv.SetAudit(auditLog)
	srv.SetRedactor(redactor)
	srv.SetRateLimiter(ratelimit.New(ratelimit.Config{
		MaxRequestsPerSecond:  cfg.MaxRequestsPerSecond,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		MaxRequestSize:        cfg.MaxRequestSizeBytes,
	}))

	return serve(ctx, cfg, srv.Handler(), log)
}

// authConfigFromEnv builds an auth.Config from MCPRELAY_AUTH_* environment
// variables, registering whatever credential it finds with redactor so it
// never leaks back out through a redacted error string. Absent any of
// these, auth.Config{} (SchemeNone) authorizes every request, same as the
// teacher's --sse-auth-type being unset.
func authConfigFromEnv(redactor *redact.Redactor) auth.Config {
	switch os.Getenv("MCPRELAY_AUTH_TYPE") {
	case "bearer":
		token := os.Getenv("MCPRELAY_AUTH_TOKEN")
		redactor.AddSecrets([]string{token})
		return auth.Config{Scheme: auth.SchemeBearer, Token: token}
	case "basic":
		password := os.Getenv("MCPRELAY_AUTH_PASSWORD")
		redactor.AddSecrets([]string{password})
		return auth.Config{
			Scheme:   auth.SchemeBasic,
			Username: os.Getenv("MCPRELAY_AUTH_USERNAME"),
			Password: password,
		}
	case "api-key":
		value := os.Getenv("MCPRELAY_AUTH_VALUE")
		redactor.AddSecrets([]string{value})
		return auth.Config{
			Scheme: auth.SchemeAPIKey,
			Header: os.Getenv("MCPRELAY_AUTH_HEADER"),
			Value:  value,
		}
	default:
		return auth.Config{}
	}
}

// auditDBPath places the audit database next to the log file (log_path plus
// ".audit.db") or, with no log_path, at a fixed name in the working
// directory, so it survives restarts without adding a new config key.
func auditDBPath(cfg *config.Config) string {
	if cfg.LogPath != "" {
		return cfg.LogPath + ".audit.db"
	}
	return "mcprelay-audit.db"
}

// serve starts the HTTP and, if configured, HTTPS listeners and blocks
// until ctx is cancelled, then shuts both down gracefully.
func serve(ctx context.Context, cfg *config.Config, h http.Handler, log *slog.Logger) int {
	var servers []*http.Server

	httpAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.HTTPPort)
	httpServer := &http.Server{Addr: httpAddr, Handler: h}
	servers = append(servers, httpServer)

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listener starting", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http listener: %w", err)
			return
		}
		errCh <- nil
	}()

	var httpsServer *http.Server
	if cfg.HTTPSPort != 0 {
		certPath, keyPath, err := tlsutil.EnsureCert(cfg.TLSCertPath, cfg.TLSKeyPath, ".", []string{cfg.BindAddress, "localhost"}, log)
		if err != nil {
			log.Error("tls setup failed", "error", err)
			return 1
		}
		tlsConfig, err := tlsutil.LoadConfig(certPath, keyPath)
		if err != nil {
			log.Error("tls config load failed", "error", err)
			return 1
		}

		httpsAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.HTTPSPort)
		httpsServer = &http.Server{Addr: httpsAddr, Handler: h, TLSConfig: tlsConfig}
		servers = append(servers, httpsServer)

		ln, err := net.Listen("tcp", httpsAddr)
		if err != nil {
			log.Error("https listen failed", "error", err)
			return 1
		}
		tlsListener := tls.NewListener(&tlsutil.RedirectListener{Listener: ln, HTTPSHost: httpsAddr}, tlsConfig)

		go func() {
			log.Info("https listener starting", "addr", httpsAddr)
			if err := httpsServer.Serve(tlsListener); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("https listener: %w", err)
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("listener failed", "error", err)
			shutdownAll(servers, log)
			return 1
		}
	}

	shutdownAll(servers, log)
	return 0
}

func shutdownAll(servers []*http.Server, log *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", "addr", s.Addr, "error", err)
		}
	}
}
