package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/trainergo/internal/config"
	"github.com/vk/trainergo/internal/ctxlog"
	"github.com/vk/trainergo/internal/registry"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW      io.Writer
	logger    *slog.Logger
	set       *registry.Set
	appConfig *Config
	runConfig *config.Config
}

// NewApp is the constructor for the main application. It returns a
// fully initialized App instance, including its own isolated logger
// and registry set. Extra modules register domain components (models,
// datasets, metrics) on top of the core ones.
func NewApp(outW io.Writer, appConfig *Config, loader config.Loader, modules ...registry.Module) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("logger configured")

	runConfig, err := config.LoadWith(ctx, loader, appConfig.ConfigPath)
	if err != nil {
		// A failure to load config is a fatal startup error.
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	logger.Debug("configuration loaded", "path", appConfig.ConfigPath)

	if err := applyOverrides(runConfig, appConfig); err != nil {
		panic(fmt.Errorf("failed to apply command-line overrides: %w", err))
	}

	set := registry.NewSet()
	set.Install(coreModules...)
	set.Install(modules...)
	logger.Debug("component modules registered", "extra", len(modules))

	return &App{
		outW:      outW,
		logger:    logger,
		set:       set,
		appConfig: appConfig,
		runConfig: runConfig,
	}
}

// applyOverrides writes the command-line overrides into the loaded
// configuration tree so the runner sees one coherent surface.
func applyOverrides(cfg *config.Config, appConfig *Config) error {
	if appConfig.WorkDir != "" {
		if err := cfg.Set("work_dir", appConfig.WorkDir); err != nil {
			return err
		}
	}
	if appConfig.LoadFrom != "" {
		if err := cfg.Set("load_from", appConfig.LoadFrom); err != nil {
			return err
		}
	}
	if appConfig.Resume {
		if err := cfg.Set("resume", true); err != nil {
			return err
		}
	}
	if appConfig.Launcher != "" {
		if err := cfg.Set("launcher", appConfig.Launcher); err != nil {
			return err
		}
	}
	return nil
}

// Set returns the application's registry set. This is primarily for
// testing.
func (a *App) Set() *registry.Set {
	return a.set
}

// RunConfig returns the loaded configuration tree. This is primarily
// for testing.
func (a *App) RunConfig() *config.Config {
	return a.runConfig
}
