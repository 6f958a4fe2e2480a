package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/matishsiao/goInfo"
	"golang.org/x/sync/errgroup"

	"zigbee-ncp-host/internal/adapter"
	"zigbee-ncp-host/internal/api"
	"zigbee-ncp-host/internal/discovery"
	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/security"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to the YAML config file")
	withConsole := flag.Bool("console", false, "read commands from an interactive console")
	genKey := flag.Bool("gen-key", false, "print a random network key and exit")
	flag.Parse()

	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *genKey {
		key, err := security.RandomKey()
		if err != nil {
			bootLogger.Error("generate key", "err", err)
			os.Exit(1)
		}
		fmt.Println(key.String())
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	var (
		out io.Writer = os.Stdout
		rl  *readline.Instance
	)
	if *withConsole {
		rl, err = readline.NewEx(&readline.Config{
			Prompt:          "zigbee> ",
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			bootLogger.Error("create console", "err", err)
			os.Exit(1)
		}
		defer rl.Close()
		out = rl.Stdout()
	}

	logger := newLogger(cfg, out)
	slog.SetDefault(logger)

	gi, _ := goInfo.GetInfo()
	logger.Info("zigbee-ncp-host starting", "version", version,
		"os", gi.OS, "kernel", gi.Kernel, "platform", gi.Platform, "cpus", gi.CPUs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, rl, logger); err != nil {
		logger.Error("exit", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(ctx context.Context, stop context.CancelFunc, cfg *Config, rl *readline.Instance, logger *slog.Logger) error {
	db, err := store.NewBoltStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	network, err := cfg.network()
	if err != nil {
		return err
	}

	zcfg := ncp.ZBOSSConfig{
		Port:     cfg.Serial.Port,
		BaudRate: cfg.Serial.Baud,
		Endpoint: cfg.Adapter.Endpoint,
	}
	if cfg.NCP.ResetPin > 0 {
		if ncp.GPIOAvailable() {
			zcfg.Resetter = ncp.NewGPIOResetter(cfg.NCP.ResetPin, logger)
		} else {
			logger.Warn("gpio not available, hardware reset disabled", "pin", cfg.NCP.ResetPin)
		}
	}
	logger.Info("using ZBOSS NCP", "port", cfg.Serial.Port, "baud", cfg.Serial.Baud)
	transport := ncp.NewZBOSSTransport(zcfg, logger)
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Warn("close ncp", "err", err)
		}
	}()

	bus := adapter.NewEventBus(logger)
	a := adapter.New(transport, db, bus, adapter.Config{
		Network:         network,
		DispatchDelay:   cfg.Adapter.DispatchDelay,
		MaxRetries:      cfg.Adapter.MaxRetries,
		TransmitPower:   cfg.Adapter.TransmitPower,
		BackupPath:      cfg.Adapter.BackupPath,
		Source:          "zigbee-ncp-host " + version,
		Endpoint:        cfg.Adapter.Endpoint,
		MulticastGroups: cfg.Adapter.MulticastGroups,
	}, logger)

	startCtx, cancel := context.WithTimeout(ctx, cfg.Adapter.StartTimeout)
	result, err := a.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	logger.Info("network started", "result", result)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Stop(shutdownCtx); err != nil {
			logger.Error("stop adapter", "err", err)
		}
	}()

	svc := api.New(a, version, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(a, cfg, logger)
	defer auto.Stop()

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(svc, logger, webOpts...)
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	bridge := initMQTT(svc, cfg, logger)
	defer bridge.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		return nil
	})

	if cfg.MDNS.Enabled {
		port, err := listenPort(cfg.Web.Listen)
		if err != nil {
			return err
		}
		adv := discovery.NewAdvertiser(discovery.Config{
			Instance:  cfg.MDNS.Instance,
			Interface: cfg.MDNS.Interface,
		}, logger)
		g.Go(func() error {
			return adv.Run(gctx, a, discovery.Info{
				Port:    port,
				Version: version,
				APIKey:  cfg.Web.APIKey != "",
			})
		})
	}

	if rl != nil {
		c := newConsole(rl, svc, logger)
		g.Go(func() error {
			c.run(gctx, stop)
			return nil
		})
	}

	<-gctx.Done()
	logger.Info("shutting down")
	return g.Wait()
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("web.listen %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("web.listen %q: bad port", addr)
	}
	return port, nil
}

func newLogger(cfg *Config, out io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Logging.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
