// main implements the CLI for the MCP broker daemon.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/kagenti/mcp-broker/internal/access"
	"github.com/kagenti/mcp-broker/internal/aggregator"
	"github.com/kagenti/mcp-broker/internal/broker"
	"github.com/kagenti/mcp-broker/internal/clientmanager"
	"github.com/kagenti/mcp-broker/internal/config"
	"github.com/kagenti/mcp-broker/internal/jwtauth"
)

// unconfiguredVerifier rejects every authenticate call. It stands in when
// the daemon is started without -jwt-public-key, so that sessions can still
// list tools under dev mode without crashing on a nil *jwtauth.Verifier.
type unconfiguredVerifier struct{}

func (unconfiguredVerifier) Verify(string) (*access.ClientContext, error) {
	return nil, jwtauth.ErrInvalidToken
}

var logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

func main() {
	var (
		configPath string
		socketPath string
		publicKey  string
		logLevel   int
		logFormat  string
	)
	flag.StringVar(&configPath, "config", "", "path to the mcpServers config file (overrides discovery)")
	flag.StringVar(&socketPath, "socket", "", "unix-domain socket path (overrides MCP_BROKER_SOCKET)")
	flag.StringVar(&publicKey, "jwt-public-key", "", "path to the RS256 public key used to verify client JWTs")
	flag.IntVar(&logLevel, "log-level", int(slog.LevelInfo), "log level 0=info, 4=warn, 8=error, -4=debug")
	flag.StringVar(&logFormat, "log-format", "txt", "switch to json logs with --log-format=json")
	flag.Parse()

	slog.SetLogLoggerLevel(slog.Level(logLevel))
	handlerOpts := &slog.HandlerOptions{Level: slog.Level(logLevel)}
	if logFormat == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
	}

	if configPath == "" {
		discovered, err := config.DiscoverPath()
		if err != nil {
			log.Fatalf("discover config path: %v", err)
		}
		configPath = discovered
	}

	loader := config.NewLoader(configPath, logger)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}

	var verifier interface {
		Verify(string) (*access.ClientContext, error)
	}
	if publicKey != "" {
		v, err := jwtauth.NewVerifier(publicKey)
		if err != nil {
			log.Fatalf("load jwt public key: %v", err)
		}
		verifier = v
	} else {
		logger.Warn("no -jwt-public-key given; authenticate will always fail unless dev mode is enabled")
		verifier = unconfiguredVerifier{}
	}

	manager := clientmanager.New(logger)
	agg := aggregator.New(manager, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager.Start(ctx, cfg)
	loader.Watch(func(newCfg *config.BrokerConfig) {
		manager.Reconcile(ctx, newCfg)
		agg.Invalidate()
	})

	os.Remove(cfg.SocketPath)
	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.SocketPath, err)
	}
	logger.Info("mcp broker listening", "socket", cfg.SocketPath, "dev_mode", cfg.DevMode)

	server := broker.NewServer(listener, agg, verifier, cfg.DevMode, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	select {
	case <-stop:
		logger.Info("shutting down mcp broker")
	case err := <-serveErr:
		if err != nil {
			logger.Error("broker server stopped unexpectedly", "error", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("downstream shutdown did not complete cleanly", "error", err)
	}
	os.Remove(cfg.SocketPath)
}
