package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

var Version = "dev"

// Exit codes.
const (
	exitOK      = 0
	exitPartial = 1
	exitFatal   = 2
)

// exitError carries a run's exit code out of a command. The run summary is
// already logged, so main prints nothing more.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	rootCmd := &cobra.Command{
		Use:           "redcap-etl",
		Short:         "Extract REDCap instruments into the warehouse",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add subcommands
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(pullCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(metadataCmd())
	rootCmd.AddCommand(fieldNamesCmd())

	os.Exit(exitCode(rootCmd.Execute()))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	printError(os.Stderr, err)
	return exitFatal
}

// printError writes err and, for a known kind of error, the operator message
// with its support code.
func printError(w io.Writer, err error) {
	fmt.Fprintln(w, "error:", err)
	if core.Code(err) != core.CodeUnknown {
		fmt.Fprintln(w, core.FormatUserError(err))
	}
}

// result turns a finished run's exit code into a command error.
func result(code int) error {
	if code == exitOK {
		return nil
	}
	return &exitError{code: code}
}
