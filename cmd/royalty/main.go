package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"vortex-royalty/pkg/config"
	"vortex-royalty/pkg/db"
	"vortex-royalty/pkg/featureflags"
	"vortex-royalty/pkg/gen"
	"vortex-royalty/pkg/hashistack/servicediscover"
	"vortex-royalty/pkg/hashistack/secretmanager"
	"vortex-royalty/pkg/health"
	"vortex-royalty/pkg/httpapi"
	"vortex-royalty/pkg/logger"
	"vortex-royalty/pkg/otelcol"
	"vortex-royalty/pkg/profiling"
	"vortex-royalty/pkg/redis"
	"vortex-royalty/pkg/sequence"
	"vortex-royalty/pkg/server"
	"vortex-royalty/pkg/task"
	"vortex-royalty/services/royalty"
)

func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		task.Client,
		task.Server,
		featureflags.Module,
		health.Module,
		httpapi.Module,
		royalty.Module,
		royalty.Tasks,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		servicediscover.Module,
		profiling.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

// configModule reads secrets from vault when VAULT_ADDR is set and switches to
// the remote config backend when REMOTE_CONFIG_PROVIDER is set as well.
func configModule() fx.Option {
	if _, ok := os.LookupEnv("VAULT_ADDR"); !ok {
		return config.Module
	}
	if _, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		return fx.Options(secretmanager.Module, config.RemoteModule)
	}
	return fx.Options(secretmanager.Module, config.Module)
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
