package app

import (
	"errors"
	"fmt"
)

// Run modes accepted by the application.
const (
	ModeTrain = "train"
	ModeVal   = "val"
	ModeTest  = "test"
)

// Config holds all the necessary configuration for an App instance to
// run.
type Config struct {
	ConfigPath string // experiment configuration file
	Mode       string // train, val or test

	// Overrides applied on top of the configuration file.
	WorkDir  string
	Resume   bool
	LoadFrom string
	Launcher string

	LogFormat string
	LogLevel  string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	switch cfg.Mode {
	case ModeTrain, ModeVal, ModeTest:
	case "":
		cfg.Mode = ModeTrain
	default:
		return nil, fmt.Errorf("invalid mode %q: must be 'train', 'val' or 'test'", cfg.Mode)
	}
	return &cfg, nil
}
