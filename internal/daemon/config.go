// Package daemon loads configuration and wires the CK service, the Discord
// bot and the staff API into one long-running process.
package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/nacionmx/nacion/internal/app/ck"
	"github.com/nacionmx/nacion/internal/infra/discord"
	"github.com/nacionmx/nacion/internal/infra/ledger"
	"github.com/nacionmx/nacion/internal/infra/observability"
)

// EnvPrefix prefixes every environment override, e.g. NACION_LEDGER_TOKEN.
const EnvPrefix = "nacion"

// Config is the full process configuration, read from
// $NACION_HOME/config.toml and then overridden by the environment.
type Config struct {
	DataDir    string `toml:"data_dir" envconfig:"DATA_DIR"`
	PolicyFile string `toml:"policy_file" envconfig:"POLICY_FILE"`

	API     APIConfig                   `toml:"api"`
	CK      ck.Config                   `toml:"ck"`
	Discord discord.Config              `toml:"discord"`
	Ledger  ledger.Config               `toml:"ledger"`
	Tracing observability.TracingConfig `toml:"tracing"`
}

// APIConfig controls the staff HTTP API.
type APIConfig struct {
	Enabled bool   `toml:"enabled" envconfig:"ENABLED"`
	Host    string `toml:"host" envconfig:"HOST"`
	Port    int    `toml:"port" envconfig:"PORT"`
	Token   string `toml:"token" envconfig:"TOKEN"`
	Metrics bool   `toml:"metrics" envconfig:"METRICS"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	home := Home()
	return Config{
		DataDir:    home,
		PolicyFile: filepath.Join(home, "policy.yaml"),
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8085,
			Metrics: true,
		},
		CK:      ck.DefaultConfig(),
		Discord: discord.DefaultConfig(),
		Ledger:  ledger.DefaultConfig(),
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Home returns $NACION_HOME, or ~/.nacion.
func Home() string {
	if h := os.Getenv("NACION_HOME"); h != "" {
		return h
	}
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".nacion")
	}
	return ".nacion"
}

// LoadConfig reads path over the defaults, then applies NACION_* overrides.
// An empty path means $NACION_HOME/config.toml, which may be absent.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(Home(), "config.toml")
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("environment overrides: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would only fail later at startup.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.CK.StepTimeout <= 0 {
		return fmt.Errorf("ck.step_timeout must be positive")
	}
	if c.Discord.Enabled() && c.Discord.GuildID == "" {
		return errors.New("discord.guild_id is required when a bot token is set")
	}
	return nil
}
