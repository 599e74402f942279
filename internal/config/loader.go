package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	// EnvConfigPath overrides config discovery entirely when set.
	EnvConfigPath = "MCP_CONFIG_PATH"
	// EnvSocketPath overrides the daemon's rendezvous socket path.
	EnvSocketPath = "MCP_BROKER_SOCKET"
	// EnvDevMode opts into the unauthenticated-session bypass.
	EnvDevMode = "MCP_BROKER_DEV_MODE"

	defaultSocketPath = "/tmp/mcp-broker.sock"
)

// DiscoverPath resolves the config file location using the order
// documented in the spec: $MCP_CONFIG_PATH, then
// $XDG_CONFIG_HOME/mcp_broker/config.json, then
// ~/.config/mcp_broker/config.json, then ./config.json.
func DiscoverPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return expandTilde(p), nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mcp_broker", "config.json"), nil
	}
	home, err := os.UserHomeDir()
	if err == nil {
		candidate := filepath.Join(home, ".config", "mcp_broker", "config.json")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}
	return "./config.json", nil
}

func expandTilde(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// SocketPath resolves the Unix-domain socket the daemon listens on and the
// client shim dials, per the open-question decision recorded in DESIGN.md.
func SocketPath() string {
	if p := os.Getenv(EnvSocketPath); p != "" {
		return p
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "mcp-broker.sock")
	}
	return defaultSocketPath
}

// Loader reads the broker config from disk via viper and can watch it for
// changes, mirroring the teacher's LoadConfig/viper.WatchConfig pattern
// adapted from YAML to JSON.
type Loader struct {
	path   string
	logger *slog.Logger
	v      *viper.Viper
}

// NewLoader builds a Loader reading from path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	return &Loader{path: path, logger: logger, v: v}
}

// rawServer mirrors the on-disk JSON shape of one entry under "mcpServers".
type rawServer struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Type    string            `mapstructure:"type"`
	Tags    []string          `mapstructure:"tags"`
}

// Load reads and validates the config file, returning a populated
// BrokerConfig.
func (l *Loader) Load() (*BrokerConfig, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", l.path, err)
	}

	raw := map[string]rawServer{}
	if err := l.v.UnmarshalKey("mcpServers", &raw); err != nil {
		return nil, fmt.Errorf("decoding mcpServers: %w", err)
	}

	cfg := &BrokerConfig{
		Servers:    make(map[string]*ServerConfig, len(raw)),
		SocketPath: SocketPath(),
		DevMode:    os.Getenv(EnvDevMode) == "true" || os.Getenv(EnvDevMode) == "1",
	}

	for name, r := range raw {
		sc := &ServerConfig{
			Name:    name,
			Command: expandTilde(r.Command),
			Args:    expandArgs(r.Args),
			Env:     r.Env,
			Type:    r.Type,
			Tags:    r.Tags,
		}
		if sc.Type == "" {
			sc.Type = "stdio"
		}
		if sc.Env == nil {
			sc.Env = map[string]string{}
		}
		if err := Validate(sc); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
		cfg.Servers[name] = sc
	}

	l.logger.Debug("config loaded", "path", l.path, "servers", len(cfg.Servers))
	return cfg, nil
}

func expandArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = expandTilde(a)
	}
	return out
}

// Watch installs a viper file watcher that invokes onChange (with a freshly
// loaded BrokerConfig) whenever the underlying file changes. It mirrors the
// teacher's viper.WatchConfig + fsnotify.Event handling in
// cmd/mcp-broker-router/main.go.
func (l *Loader) Watch(onChange func(*BrokerConfig)) {
	l.v.WatchConfig()
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.logger.Info("config file changed", "path", e.Name)
		cfg, err := l.Load()
		if err != nil {
			l.logger.Error("reload failed, keeping previous config", "error", err)
			return
		}
		onChange(cfg)
	})
}
