package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/trainergo/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app
// Config, a boolean indicating if the program should exit cleanly, or
// an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("trainergo", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
TrainerGo - a configuration-driven training orchestrator.

Usage:
  trainergo [options] [CONFIG_PATH]

Arguments:
  CONFIG_PATH
    Path to an experiment configuration file (.yaml, .yml or .hcl).

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the experiment configuration file.")
	cFlag := flagSet.String("c", "", "Path to the experiment configuration file (shorthand).")
	modeFlag := flagSet.String("mode", "train", "Run mode. Options: 'train', 'val' or 'test'.")
	workDirFlag := flagSet.String("work-dir", "", "Override the configured work directory.")
	resumeFlag := flagSet.Bool("resume", false, "Resume from the latest checkpoint in the work directory.")
	loadFromFlag := flagSet.String("load-from", "", "Checkpoint to load weights from.")
	launcherFlag := flagSet.String("launcher", "", "Process group launcher. Options: 'none', 'pytorch', 'mpi' or 'slurm'.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *configFlag != "" {
		path = *configFlag
	} else if *cFlag != "" {
		path = *cFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Config path determined.", "path", path)

	if path == "" {
		slog.Debug("No config path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	switch *launcherFlag {
	case "", "none", "pytorch", "mpi", "slurm":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid launcher: must be 'none', 'pytorch', 'mpi' or 'slurm'"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		ConfigPath: path,
		Mode:       strings.ToLower(*modeFlag),
		WorkDir:    *workDirFlag,
		Resume:     *resumeFlag,
		LoadFrom:   *loadFromFlag,
		Launcher:   *launcherFlag,
		LogFormat:  logFormat,
		LogLevel:   logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
