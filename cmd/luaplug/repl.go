package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/luaplug/host"
	"github.com/caffeineduck/luaplug/stopflag"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const replChunk = "stdin"

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive Lua prompt with persistent state",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)
  - Expressions are printed: typing 1+1 shows 2
  - Ctrl+C stops a running statement

Globals persist between lines. Type 'exit' or 'quit' to end the session,
or press Ctrl+D.`,
	Run: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.luaplug_history)")
	replCmd.Flags().StringSlice("allow-host", nil, "Allow download from host (repeatable, * for any)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) {
	cfg, logger := mustSetup(cmd)
	defer logger.Sync()

	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".luaplug_history")
	}
	if cmd.Flags().Changed("allow-host") {
		cfg.Download.AllowedHosts, _ = cmd.Flags().GetStringSlice("allow-host")
	}

	backend, err := buildDownload(context.Background(), cfg.Download, logger)
	if err != nil {
		fail(logger, err)
	}
	defer backend.Close()

	flag := stopflag.New()
	h := host.New(
		host.WithDownload(backend.capability),
		host.WithStopFlag(flag),
		host.WithLogger(logger),
	)
	defer h.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	// readline reports Ctrl+C at the prompt itself; while a statement runs
	// the terminal is cooked and SIGINT arrives here instead.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	go func() {
		for range sig {
			flag.Set(true)
		}
	}()

	fmt.Fprintf(os.Stderr, "luaplug REPL (type 'exit' to quit, Ctrl+D to exit)\n")

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt("> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			break
		}

		// Handle multi-line input
		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt(">> ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt("> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		flag.Reset()
		res, err := evalLine(context.Background(), h, line)
		if err != nil {
			logger.Debug("statement failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		printReturns(os.Stdout, res)
	}
}

// evalLine runs line as an expression when it is one, and as a statement
// otherwise.
func evalLine(ctx context.Context, h *host.Host, line string) (*host.Result, error) {
	chunk, err := host.CompileString(replChunk, "return "+line)
	if err != nil {
		chunk, err = host.CompileString(replChunk, line)
		if err != nil {
			return nil, err
		}
	}
	return h.Run(ctx, chunk)
}
