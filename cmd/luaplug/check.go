package main

import (
	"fmt"
	"io"
	"os"

	"github.com/caffeineduck/luaplug/host"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check <file>...",
	Short: "Compile scripts without running them",
	Long: `Parse and compile each script and report syntax errors. No script code
runs, so top-level download() calls are never made.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) {
	if failed := checkFiles(cmd.OutOrStdout(), os.Stderr, args); failed > 0 {
		os.Exit(1)
	}
}

// checkFiles compiles each file and returns the number that failed.
func checkFiles(out, errOut io.Writer, files []string) int {
	failed := 0
	for _, file := range files {
		if err := host.CheckFile(file); err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			failed++
			continue
		}
		fmt.Fprintf(out, "ok %s\n", file)
	}
	return failed
}
