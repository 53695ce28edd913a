package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/raskyld/contained"
	"github.com/raskyld/contained/internal/config"
	"github.com/raskyld/contained/internal/logging"
	"github.com/raskyld/contained/pkg/fault"
	"github.com/spf13/cobra"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitNetwork   = 3
	exitExecution = 4
)

// exitError carries the process exit code of a command failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

// app is what every subcommand shares once the root ran.
type app struct {
	dataDir string
	cfg     config.Config
	log     slog.Handler
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := rootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(os.Stderr, ErrorStyle.Render("error:"), err)
	return exitCode(err)
}

func rootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "contained",
		Short:         "Peer-to-peer triadic workload fabric",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.dataDir)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			if cmd.Flags().Changed("log") {
				cfg.Log, _ = cmd.Flags().GetString("log")
			}
			h, err := logging.Configure(cfg.Log)
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			a.cfg = cfg
			a.log = h
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "State root (default $"+config.EnvDataDir+")")
	root.PersistentFlags().String("log", "", "Log level: debug, info, warn, error (default $"+config.EnvLog+")")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &exitError{code: exitUsage, err: err}
	})

	root.AddCommand(nodeCmd(a))
	root.AddCommand(clientCmd(a))
	root.AddCommand(keygenCmd())
	root.AddCommand(moduleCmd(a))
	return root
}

// exitCode maps an error onto the documented exit codes.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, fault.TransportFailure),
		errors.Is(err, fault.MembershipStale),
		errors.Is(err, fault.Undeliverable),
		errors.Is(err, contained.ErrJoinCluster),
		errors.Is(err, contained.ErrUnreachable):
		return exitNetwork
	case errors.Is(err, contained.ErrInvalidCfg),
		errors.Is(err, config.ErrInvalid):
		return exitUsage
	}
	if fault.KindOf(err) != fault.Unknown {
		return exitExecution
	}
	// cobra does not type its argument errors
	if strings.HasPrefix(err.Error(), "unknown command") ||
		strings.Contains(err.Error(), "arg(s)") {
		return exitUsage
	}
	return exitFailure
}
