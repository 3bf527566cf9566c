//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/labsync/labsync/internal/core/observability/log"
	"github.com/labsync/labsync/internal/server"
)

func ProvideLogger(level log.Level) *log.Logger {
	wire.Build(log.New)
	return nil
}

func ProvideLockRegistry() *server.LockRegistry {
	wire.Build(server.NewLockRegistry)
	return nil
}
