// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Named getters keep logger names in sync with the log.levels keys in config.

func GetOrchestratorLogger() zerolog.Logger { return GetLogger("orchestrator") }

func GetExecutorLogger() zerolog.Logger { return GetLogger("executor") }

func GetCacheLogger() zerolog.Logger { return GetLogger("cache") }

func GetContainerLogger() zerolog.Logger { return GetLogger("container") }

func GetDatabaseLogger() zerolog.Logger { return GetLogger("database") }

func GetTemporalLogger() zerolog.Logger { return GetLogger("temporal") }

func GetAPILogger() zerolog.Logger { return GetLogger("api") }

func GetCLILogger() zerolog.Logger { return GetLogger("cli") }
