package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/klauspost/cpuid/v2"

	"github.com/vk/trainergo/internal/comm"
	"github.com/vk/trainergo/internal/ctxlog"
)

const timestampLayout = "20060102_150405"

// setupEnv performs the launcher-independent part of SetupEnv. When
// distributed is true, the process group is bootstrapped from the
// launcher's environment variables.
func (s *baseStrategy) setupEnv(ctx context.Context, opts EnvOptions, distributed bool) error {
	if s.envReady {
		return fmt.Errorf("strategy environment is already set up")
	}
	log := ctxlog.FromContext(ctx)

	if opts.MPStartMethod != "" {
		// Worker processes are started by the launcher, not forked
		// here; the configured start method is only recorded.
		log.Warn("mp_start_method has no effect in this runtime",
			"mp_start_method", opts.MPStartMethod)
	}

	if distributed {
		info, err := comm.InfoFromEnv(opts.Launcher)
		if err != nil {
			return err
		}
		backend, err := comm.Connect(ctx, info)
		if err != nil {
			return err
		}
		s.backend = backend
		s.launchInfo = info
	}

	if s.WorldSize() > 1 {
		defaultThreadEnv(log)
	}

	if err := s.shareSeed(opts); err != nil {
		return err
	}
	if err := s.shareTimestamp(); err != nil {
		return err
	}
	s.determin = opts.Deterministic

	if before, after, err := raiseFileLimit(); err == nil && after > before {
		log.Debug("raised open file limit", "from", before, "to", after)
	}
	log.Info("environment ready",
		"rank", s.Rank(),
		"world_size", s.WorldSize(),
		"seed", s.seed,
		"timestamp", s.timestamp,
		"deterministic", s.determin,
		"cpu", cpuid.CPU.BrandName,
		"cores", cpuid.CPU.LogicalCores,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2),
	)

	s.envReady = true
	return nil
}

// shareSeed fixes the run seed: rank 0 draws one when unset, every
// rank adopts it, and DiffRankSeed offsets it per rank afterwards.
func (s *baseStrategy) shareSeed(opts EnvOptions) error {
	seed := opts.Seed
	if seed == 0 && s.Rank() == 0 {
		seed = rand.New(rand.NewSource(time.Now().UnixNano())).Int63()
	}
	if s.WorldSize() > 1 {
		var payload []byte
		if s.Rank() == 0 {
			payload = []byte(strconv.FormatInt(seed, 10))
		}
		out, err := s.backend.Broadcast(0, payload)
		if err != nil {
			return fmt.Errorf("failed to share the run seed: %w", err)
		}
		shared, err := strconv.ParseInt(string(out), 10, 64)
		if err != nil {
			return fmt.Errorf("received malformed seed %q", out)
		}
		seed = shared
	}
	if opts.DiffRankSeed {
		seed += int64(s.Rank())
	}
	s.seed = seed
	return nil
}

// shareTimestamp gives every rank the same run timestamp, drawn on
// rank 0.
func (s *baseStrategy) shareTimestamp() error {
	ts := ""
	if s.Rank() == 0 {
		ts = time.Now().Format(timestampLayout)
	}
	if s.WorldSize() > 1 {
		out, err := s.backend.Broadcast(0, []byte(ts))
		if err != nil {
			return fmt.Errorf("failed to share the run timestamp: %w", err)
		}
		ts = string(out)
	}
	s.timestamp = ts
	return nil
}

// defaultThreadEnv pins BLAS-style thread pools to one thread per
// process under distribution unless the user chose otherwise.
func defaultThreadEnv(log *slog.Logger) {
	for _, name := range []string{"OMP_NUM_THREADS", "MKL_NUM_THREADS"} {
		if os.Getenv(name) != "" {
			continue
		}
		os.Setenv(name, "1")
		log.Warn("defaulting thread env for distributed run", "var", name, "value", "1")
	}
}
