package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rathix/esmserve/internal/certs"
	appconfig "github.com/rathix/esmserve/internal/config"
	"github.com/rathix/esmserve/internal/resolve"
	"github.com/rathix/esmserve/internal/server"
	"github.com/rathix/esmserve/internal/sse"
	"github.com/rathix/esmserve/internal/transpile"
	"github.com/rathix/esmserve/internal/watch"
)

const (
	defaultAddr = "127.0.0.1:8000"
	defaultRoot = "test/simple"
)

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// config holds all server configuration.
type config struct {
	ShowVersion bool
	Root        string
	ListenAddr  string
	Target      string
	LogFormat   string
	ConfigFile  string
	LiveReload  bool
	HTTPS       bool
	CertDir     string
	TLSCert     string
	TLSKey      string

	// Whether the value came from a flag or the environment, so the YAML
	// config file only fills in what was left at its default.
	targetSet     bool
	liveReloadSet bool
}

func main() {
	// Quick check for version flag before full config loading
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("esmserve version %s\n", Version)
			return
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: loading .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses flags and environment variables with precedence: Flag > Env > Default.
func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("esmserve", flag.ContinueOnError)

	cfg := config{}
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	fs.StringVar(&cfg.Root, "root", getEnv("ROOT", defaultRoot), "project root directory to serve")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", defaultAddr), "listen address")
	fs.StringVar(&cfg.Target, "target", getEnv("TARGET", transpile.DefaultTarget), "JavaScript output target (es2015..es2024, esnext)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (json or text)")
	fs.StringVar(&cfg.ConfigFile, "config", getEnv("CONFIG_FILE", ""), "path to YAML config file")
	fs.BoolVar(&cfg.LiveReload, "live-reload", getEnvBool("LIVE_RELOAD", true), "reload browsers when project files change")
	fs.BoolVar(&cfg.HTTPS, "https", getEnvBool("HTTPS", false), "serve over HTTPS with a generated development certificate")
	fs.StringVar(&cfg.CertDir, "cert-dir", getEnv("CERT_DIR", defaultCertDir()), "directory for generated certificates")
	fs.StringVar(&cfg.TLSCert, "tls-cert", getEnv("TLS_CERT", ""), "custom server certificate path")
	fs.StringVar(&cfg.TLSKey, "tls-key", getEnv("TLS_KEY", ""), "custom server key path")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	_, cfg.targetSet = os.LookupEnv("TARGET")
	_, cfg.liveReloadSet = os.LookupEnv("LIVE_RELOAD")
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "target":
			cfg.targetSet = true
		case "live-reload":
			cfg.liveReloadSet = true
		}
	})

	if _, err := transpile.ParseTarget(cfg.Target); err != nil {
		return config{}, err
	}
	if cfg.Root == "" {
		return config{}, errors.New("root must not be empty")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return config{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", cfg.LogFormat)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func defaultCertDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".esmserve", "certs")
	}
	return filepath.Join(dir, "esmserve", "certs")
}

// loadTLSConfig returns nil when HTTPS is off.
func loadTLSConfig(cfg config) (*tls.Config, error) {
	if !cfg.HTTPS {
		return nil, nil
	}
	assets, err := certs.LoadOrGenerate(certs.Config{
		Dir:        cfg.CertDir,
		CustomCert: cfg.TLSCert,
		CustomKey:  cfg.TLSKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load certificates: %w", err)
	}
	if assets.WasGenerated {
		slog.Info("Generated development certificate",
			"reason", assets.GenerationReason,
			"ca", assets.CACertPath,
			"server", assets.ServerCertPath)
		slog.Info("Install ca.crt as a trusted root to avoid browser warnings", "ca", assets.CACertPath)
	} else {
		slog.Info("Using existing certificate", "server", assets.ServerCertPath)
	}
	return certs.NewTLSConfig(assets.ServerCertPath, assets.ServerKeyPath)
}

func setupLogger(format string) *slog.Logger {
	return setupLoggerWithWriter(format, os.Stdout)
}

func setupLoggerWithWriter(format string, writer io.Writer) *slog.Logger {
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, nil)
	} else {
		handler = slog.NewJSONHandler(writer, nil)
	}
	return slog.New(handler)
}

// canonicalRoot resolves dir to the absolute, symlink-free directory used as
// both document root and rewrite base.
func canonicalRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid root %q: %w", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("invalid root %q: %w", dir, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("invalid root %q: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("invalid root %q: not a directory", dir)
	}
	return resolved, nil
}

// applyFileConfig fills settings left at their defaults from the YAML config.
func applyFileConfig(cfg config, fileCfg *appconfig.Config) config {
	if fileCfg == nil {
		return cfg
	}
	if !cfg.targetSet && fileCfg.Target != "" {
		cfg.Target = fileCfg.Target
	}
	if !cfg.liveReloadSet && fileCfg.LiveReload != nil {
		cfg.LiveReload = *fileCfg.LiveReload
	}
	return cfg
}

// run starts the server and handles graceful shutdown.
func run(ctx context.Context, cfg config) error {
	logger := setupLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting esmserve", "version", Version)

	root, err := canonicalRoot(cfg.Root)
	if err != nil {
		return err
	}

	// Load optional YAML config for target and resolution policy
	fileCfg := &appconfig.Config{}
	if cfg.ConfigFile != "" {
		loaded, configErrs := appconfig.Load(cfg.ConfigFile)
		for _, e := range configErrs {
			if loaded == nil {
				slog.Error("Config parse failed, continuing with defaults", "error", e)
			} else {
				slog.Warn("Config validation warning", "error", e)
			}
		}
		if loaded != nil {
			fileCfg = loaded
			slog.Info("Config loaded", "path", cfg.ConfigFile)
		}
	}
	cfg = applyFileConfig(cfg, fileCfg)

	resolver := resolve.New(fileCfg.Resolve.Options())
	transpiler, err := transpile.New(transpile.Options{
		Root:     root,
		Resolver: resolver,
		Target:   cfg.Target,
		JSX:      fileCfg.JSX,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create transpiler: %w", err)
	}

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()

	if cfg.LiveReload {
		broker := sse.NewBroker(logger, Version)
		go broker.Run(ctx)

		watcher := watch.New(root, broker.Publish, logger)
		go func() {
			if err := watcher.Run(watcherCtx); err != nil && watcherCtx.Err() == nil {
				slog.Warn("project watcher stopped with error", "error", err)
			}
		}()

		// Register live-reload endpoints before the catch-all file handler
		mux.Handle("GET "+server.EventsPath, broker)
		mux.HandleFunc("GET "+server.ClientPath, server.ServeClientScript)
	}

	mux.Handle("/", server.NewHandler(root, transpiler, logger, cfg.LiveReload))

	srv := &http.Server{
		Addr:      cfg.ListenAddr,
		Handler:   mux,
		TLSConfig: tlsConfig,
	}

	// Channel to catch server errors
	serverError := make(chan error, 1)

	go func() {
		attrs := []any{
			"addr", cfg.ListenAddr,
			"root", root,
			"target", cfg.Target,
			"liveReload", cfg.LiveReload,
			"conditions", resolver.Options().Conditions,
		}
		var err error
		if tlsConfig != nil {
			slog.Info("Listening (HTTPS)", attrs...)
			err = srv.ListenAndServeTLS("", "")
		} else {
			slog.Info("Listening (HTTP)", attrs...)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverError <- err
		}
	}()

	// Wait for interruption or server error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down gracefully...")
		watcherCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		slog.Info("Server stopped")
	case err := <-serverError:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
