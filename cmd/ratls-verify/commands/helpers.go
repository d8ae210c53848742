package commands

import (
	"sync"

	"go.uber.org/zap"
)

// commandContext caches the process-wide logger the same way the rest of
// the fleet's CLI caches its config/logger singletons: lazily, guarded by
// sync.Once, built once per process regardless of how many subcommands
// touch it.
type commandContext struct {
	loggerOnce sync.Once
	logger     *zap.Logger
}

var globalContext = &commandContext{}

func getLogger() *zap.Logger {
	globalContext.loggerOnce.Do(func() {
		var err error
		if verbose {
			globalContext.logger, err = zap.NewDevelopment()
		} else {
			globalContext.logger, err = zap.NewProduction()
		}
		if err != nil {
			globalContext.logger = zap.NewNop()
		}
	})
	return globalContext.logger
}
