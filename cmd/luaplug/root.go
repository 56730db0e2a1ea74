package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/caffeineduck/luaplug/capability"
	"github.com/caffeineduck/luaplug/host"
	"github.com/caffeineduck/luaplug/internal/config"
	"github.com/caffeineduck/luaplug/internal/fsroot"
	"github.com/caffeineduck/luaplug/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// exitStopped is the exit status of a script stopped by SIGINT/SIGTERM.
const exitStopped = 130

var rootCmd = &cobra.Command{
	Use:   "luaplug",
	Short: "Lua plugin host with a download capability",
	Long: `luaplug - Run Lua plugin scripts that can call download().

Scripts run in an embedded Lua 5.1 interpreter with the standard library
loaded. download(url [, dest [, headers]]) fetches a URL through the
configured backend: HTTP with a host allowlist, or a WebAssembly plugin.
A running script stops cooperatively when interrupted.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./"+config.DefaultFile+" if present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: console, json")
}

// setup loads the config file and applies the persistent flags.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format, _ = cmd.Flags().GetString("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// mustSetup is setup for Run functions: failures end the process.
func mustSetup(cmd *cobra.Command) (*config.Config, *zap.Logger) {
	cfg, logger, err := setup(cmd)
	if err != nil {
		fail(nil, err)
	}
	return cfg, logger
}

// downloadBackend is the download capability plus whatever must be released
// with it.
type downloadBackend struct {
	capability capability.Capability
	registry   *capability.Registry
	wasm       *capability.Wasm
}

func (b *downloadBackend) Close() {
	if b.wasm != nil {
		b.wasm.Close(context.Background())
	}
}

// buildDownload wires the configured backends into one capability. http and
// https go to the HTTP client unless the wasm backend is selected; the wasm
// module additionally serves any scheme in WasmSchemes.
func buildDownload(ctx context.Context, cfg config.Download, logger *zap.Logger) (*downloadBackend, error) {
	b := &downloadBackend{registry: capability.NewRegistry()}

	if cfg.Backend == config.BackendHTTP {
		var cache *capability.Cache
		if cfg.CacheEntries > 0 {
			cache = capability.NewCache(capability.CacheConfig{
				MaxEntries:   cfg.CacheEntries,
				MaxValueSize: capability.DefaultCacheValueSize,
			})
		}
		httpBackend := capability.NewHTTP(capability.HTTPConfig{
			AllowedHosts:   cfg.AllowedHosts,
			MaxBodySize:    cfg.MaxBodySize,
			RequestTimeout: cfg.RequestTimeout,
			UserAgent:      "luaplug",
			Cache:          cache,
		})
		b.registry.Register("http", httpBackend)
		b.registry.Register("https", httpBackend)
	}

	if cfg.WasmModule != "" {
		w, err := capability.LoadWasm(ctx, cfg.WasmModule,
			capability.WithWasmMaxResponseSize(cfg.MaxBodySize),
		)
		if err != nil {
			return nil, err
		}
		b.wasm = w

		schemes := cfg.WasmSchemes
		if cfg.Backend == config.BackendWasm {
			schemes = append([]string{"http", "https"}, schemes...)
		}
		for _, scheme := range schemes {
			b.registry.Register(scheme, w)
		}
	}

	var store capability.Store
	if cfg.DestDir != "" {
		root, err := fsroot.New(cfg.DestDir, fsroot.ReadWriteCreate)
		if err != nil {
			b.Close()
			return nil, err
		}
		store = root
	}

	b.capability = capability.NewDownload(b.registry, store)
	logger.Debug("download backend ready",
		zap.String("backend", cfg.Backend),
		zap.Strings("schemes", b.registry.List()),
		zap.String("dest_dir", cfg.DestDir),
	)
	return b, nil
}

// exitCode maps a script error to the process exit status.
func exitCode(err error) int {
	if errors.Is(err, host.ErrStopped) {
		return exitStopped
	}
	return 1
}

var osExit = os.Exit

// fail reports err, flushes logger, and exits. Deferred calls do not run.
func fail(logger *zap.Logger, err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if logger != nil {
		logger.Sync()
	}
	osExit(exitCode(err))
}

// printReturns writes a script's return values, tab separated.
func printReturns(w io.Writer, res *host.Result) {
	if res == nil || len(res.Returns) == 0 {
		return
	}
	fmt.Fprintln(w, strings.Join(res.Returns, "\t"))
}
