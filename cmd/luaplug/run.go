package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caffeineduck/luaplug/host"
	"github.com/caffeineduck/luaplug/internal/config"
	"github.com/caffeineduck/luaplug/stopflag"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a Lua script",
	Long: `Execute a Lua script with the download capability available.

Code can be provided via:
  - File argument: luaplug run fetch.lua
  - Inline flag: luaplug run -c 'return 1+1'
  - Stdin: echo 'return 1+1' | luaplug run

Values returned by the script are printed tab separated. Interrupting the
process (Ctrl+C, SIGTERM) stops the script with "Execution stopped by user"
and exits with status 130.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout (0 = none)")
	cmd.Flags().StringSlice("allow-host", nil, "Allow download from host (repeatable, * for any)")
	cmd.Flags().String("dest", "", "Directory download destinations are written under")
	cmd.Flags().String("backend", config.BackendHTTP, "Download backend: http, wasm")
	cmd.Flags().String("wasm-module", "", "WebAssembly download plugin")
	cmd.Flags().Int64("max-body", 10*1024*1024, "Max download size")
}

// applyRunFlags overrides file settings with flags given on the command line.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("allow-host") {
		cfg.Download.AllowedHosts, _ = flags.GetStringSlice("allow-host")
	}
	if flags.Changed("dest") {
		cfg.Download.DestDir, _ = flags.GetString("dest")
	}
	if flags.Changed("backend") {
		cfg.Download.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("wasm-module") {
		cfg.Download.WasmModule, _ = flags.GetString("wasm-module")
	}
	if flags.Changed("max-body") {
		cfg.Download.MaxBodySize, _ = flags.GetInt64("max-body")
	}
	return cfg.Validate()
}

func runRun(cmd *cobra.Command, args []string) {
	cfg, logger := mustSetup(cmd)
	defer logger.Sync()

	if err := applyRunFlags(cmd, cfg); err != nil {
		fail(logger, err)
	}

	code, _ := cmd.Flags().GetString("code")
	var path string
	switch {
	case code != "":
	case len(args) > 0:
		path = args[0]
	default:
		// Check if stdin has data (not a terminal)
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			cmd.Help()
			return
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fail(logger, err)
		}
		code = string(data)
		if code == "" {
			cmd.Help()
			return
		}
	}

	ctx := context.Background()
	backend, err := buildDownload(ctx, cfg.Download, logger)
	if err != nil {
		fail(logger, err)
	}
	defer backend.Close()

	flag := stopflag.New()
	stopOnSignal(flag, logger)

	opts := []host.Option{
		host.WithDownload(backend.capability),
		host.WithStopFlag(flag),
		host.WithTimeout(cfg.Timeout),
		host.WithOutput(cmd.OutOrStdout()),
		host.WithLogger(logger),
	}

	var res *host.Result
	if path != "" {
		res, err = host.RunFile(ctx, path, opts...)
	} else {
		res, err = runCode(ctx, code, opts...)
	}
	if err != nil {
		backend.Close()
		fail(logger, err)
	}
	printReturns(cmd.OutOrStdout(), res)
}

func runCode(ctx context.Context, code string, opts ...host.Option) (*host.Result, error) {
	h := host.New(opts...)
	defer h.Close()
	return h.ExecuteString(ctx, "(command line)", code)
}

// stopOnSignal sets flag whenever the process receives SIGINT or SIGTERM.
func stopOnSignal(flag *stopflag.Flag, logger *zap.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		for s := range sig {
			logger.Info("stop requested", zap.Stringer("signal", s))
			flag.Set(true)
		}
	}()
}
