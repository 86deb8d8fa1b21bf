package app

import (
	"context"
	"fmt"

	"github.com/vk/trainergo/internal/ctxlog"
	"github.com/vk/trainergo/internal/runner"
)

// Run builds the runner from the loaded configuration and dispatches
// the requested mode.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	r, err := runner.FromConfig(ctx, a.set, a.runConfig)
	if err != nil {
		return fmt.Errorf("failed to build runner: %w", err)
	}
	defer func() {
		if cerr := r.Close(); cerr != nil {
			a.logger.Warn("runner shutdown failed", "error", cerr)
		}
	}()

	switch a.appConfig.Mode {
	case ModeTrain:
		if err := r.Train(ctx); err != nil {
			return err
		}
	case ModeVal:
		metrics, err := r.Val(ctx)
		if err != nil {
			return err
		}
		a.reportMetrics("validation", metrics)
	case ModeTest:
		metrics, err := r.Test(ctx)
		if err != nil {
			return err
		}
		a.reportMetrics("test", metrics)
	default:
		return fmt.Errorf("unknown mode %q", a.appConfig.Mode)
	}
	return nil
}

func (a *App) reportMetrics(mode string, metrics map[string]float64) {
	attrs := make([]any, 0, 2*len(metrics))
	for k, v := range metrics {
		attrs = append(attrs, k, v)
	}
	a.logger.Info(mode+" finished", attrs...)
	fmt.Fprintf(a.outW, "%s metrics: %v\n", mode, metrics)
}
