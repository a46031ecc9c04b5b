package app

import (
	"dailycast/internal/config"
	"dailycast/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.Manager

var NewConfigManager = config.NewManager

var SummarizeConfigChange = config.SummarizeConfigChange

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var (
	NewSupervisor   = supervisor.New
	WithLogger      = supervisor.WithLogger
	WithCancelOnErr = supervisor.WithCancelOnError
)
