package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"syncwatch/internal/hub"
	"syncwatch/internal/playback"
	"syncwatch/internal/syncer"
	"syncwatch/internal/transport"
)

var ErrUnknownFramework = errors.New("unknown server framework")

const (
	FrameworkHertz = "hertz"
	FrameworkEcho  = "echo"
)

type Config struct {
	Server ServerConfig `koanf:"server"`
	Client ClientConfig `koanf:"client"`
}

type ServerConfig struct {
	Addr          string        `koanf:"addr"`
	Framework     string        `koanf:"framework"`  // "hertz" or "echo"
	StaticDir     string        `koanf:"static_dir"` // served under /static when set
	PingInterval  time.Duration `koanf:"ping_interval"`
	ClientTimeout time.Duration `koanf:"client_timeout"`
}

type ClientConfig struct {
	Endpoint       string        `koanf:"endpoint"`
	PageURL        string        `koanf:"page_url"` // used to derive the endpoint when endpoint is empty
	SuppressWindow time.Duration `koanf:"suppress_window"`
	Epsilon        float64       `koanf:"epsilon"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`
	SeekStep       time.Duration `koanf:"seek_step"`
	Duration       time.Duration `koanf:"duration"` // length of the simulated media
}

func Default() *Config {
	hubDefaults := hub.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			Framework:     FrameworkHertz,
			PingInterval:  hubDefaults.PingInterval,
			ClientTimeout: hubDefaults.ClientTimeout,
		},
		Client: ClientConfig{
			PageURL:        "http://localhost:8080/",
			SuppressWindow: syncer.DefaultSuppressWindow,
			Epsilon:        playback.DefaultEpsilon,
			ReconnectDelay: 2 * time.Second,
			SeekStep:       5 * time.Second,
			Duration:       2 * time.Hour,
		},
	}
}

// Load reads path, or the default locations when path is empty, on top of
// the defaults, then applies SYNCWATCH_* environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	paths := getConfigPaths()
	if path != "" {
		paths = []string{path}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if path != "" {
				return nil, fmt.Errorf("config %s: %w", p, err)
			}
			continue
		}
		if err := k.Load(file.Provider(p), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", p, err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)

	cfg.Server.Framework = strings.ToLower(strings.TrimSpace(cfg.Server.Framework))
	switch cfg.Server.Framework {
	case FrameworkHertz, FrameworkEcho:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFramework, cfg.Server.Framework)
	}
	cfg.Server.StaticDir = expandPath(cfg.Server.StaticDir)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("SYNCWATCH_ADDR", cfg.Server.Addr)
	cfg.Server.Framework = getEnv("SYNCWATCH_FRAMEWORK", cfg.Server.Framework)
	cfg.Server.StaticDir = getEnv("SYNCWATCH_STATIC_DIR", cfg.Server.StaticDir)
	cfg.Client.Endpoint = getEnv("SYNCWATCH_ENDPOINT", cfg.Client.Endpoint)
	cfg.Client.PageURL = getEnv("SYNCWATCH_PAGE_URL", cfg.Client.PageURL)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getConfigPaths() []string {
	paths := []string{}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "syncwatch", "config.toml"))
	}
	// ./config.toml wins over the home directory file.
	paths = append(paths, "config.toml")

	return paths
}

func expandPath(path string) string {
	if path != "" && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func (c ServerConfig) Hub() hub.Config {
	cfg := hub.DefaultConfig()
	if c.PingInterval > 0 {
		cfg.PingInterval = c.PingInterval
	}
	if c.ClientTimeout > 0 {
		cfg.ClientTimeout = c.ClientTimeout
	}
	return cfg
}

// Session resolves the websocket endpoint and builds the client session config.
func (c ClientConfig) Session() (syncer.Config, error) {
	endpoint := c.Endpoint
	if endpoint == "" {
		var err error
		endpoint, err = transport.Endpoint(c.PageURL)
		if err != nil {
			return syncer.Config{}, err
		}
	}

	cfg := syncer.DefaultConfig(endpoint)
	if c.SuppressWindow > 0 {
		cfg.SuppressWindow = c.SuppressWindow
	}
	if c.Epsilon > 0 {
		cfg.Epsilon = c.Epsilon
	}
	if c.ReconnectDelay >= 0 {
		cfg.ReconnectDelay = c.ReconnectDelay
	}
	return cfg, nil
}
