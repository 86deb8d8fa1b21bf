package app

import (
	"github.com/vk/trainergo/internal/dataload"
	"github.com/vk/trainergo/internal/hook"
	"github.com/vk/trainergo/internal/optim"
	"github.com/vk/trainergo/internal/registry"
	"github.com/vk/trainergo/internal/scheduler"
	"github.com/vk/trainergo/internal/strategy"
	"github.com/vk/trainergo/internal/visual"
)

// coreModules are the built-in component registrations every run gets.
// Callers of NewApp append their models, datasets and metrics.
var coreModules = []registry.Module{
	optim.Module,
	scheduler.Module,
	dataload.Module,
	hook.Module,
	visual.Module,
	strategy.Module,
}
