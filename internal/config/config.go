// Package config loads luaplug.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "luaplug.toml"

// Download backends.
const (
	BackendHTTP = "http"
	BackendWasm = "wasm"
)

var validate = validator.New()

// Config is the luaplug.toml file. Durations are Go duration strings.
type Config struct {
	ScriptsDir string        `toml:"scripts_dir" validate:"required"`
	Timeout    time.Duration `toml:"timeout" validate:"gte=0"`

	Download Download `toml:"download"`
	Log      Log      `toml:"log"`
	Server   Server   `toml:"server"`
}

type Download struct {
	Backend        string        `toml:"backend" validate:"oneof=http wasm"`
	AllowedHosts   []string      `toml:"allowed_hosts" validate:"dive,required"`
	DestDir        string        `toml:"dest_dir"`
	MaxBodySize    int64         `toml:"max_body_size" validate:"gte=0"`
	RequestTimeout time.Duration `toml:"request_timeout" validate:"gte=0"`
	CacheEntries   int           `toml:"cache_entries" validate:"gte=0"`

	// WasmModule is required for the wasm backend. With the http backend it
	// may still serve the schemes listed in WasmSchemes.
	WasmModule  string   `toml:"wasm_module" validate:"required_if=Backend wasm"`
	WasmSchemes []string `toml:"wasm_schemes" validate:"dive,required"`
}

type Log struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=console json"`
}

type Server struct {
	Port   int           `toml:"port" validate:"gte=0,lte=65535"`
	RunTTL time.Duration `toml:"run_ttl" validate:"gte=0"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ScriptsDir: "scripts",
		Timeout:    30 * time.Second,
		Download: Download{
			Backend:        BackendHTTP,
			MaxBodySize:    10 * 1024 * 1024,
			RequestTimeout: 30 * time.Second,
			CacheEntries:   128,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
		Server: Server{
			Port:   8080,
			RunTTL: 10 * time.Minute,
		},
	}
}

// Load reads path over the defaults. An empty path loads DefaultFile if it
// exists and the defaults otherwise.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultFile); errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML data into cfg and validates the result.
func Parse(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return cfg.Validate()
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
