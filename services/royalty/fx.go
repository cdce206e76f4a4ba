package royalty

import (
	"strings"

	"vortex-royalty/pkg/config"
	"vortex-royalty/pkg/featureflags"
	"vortex-royalty/pkg/lease"
	"vortex-royalty/pkg/money"
	"vortex-royalty/pkg/sequence"
	"vortex-royalty/pkg/task"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

var Module = fx.Module("royalty.service",
	fx.Provide(
		provideRoyaltyConfig,
		provideCurrency,
		provideLocker,
		provideTransferrer,
		NewGormConfigSource,
		provideLedger,
		provideResolver,
		NewCalculator,
		provideEvents,
		provideDispatcher,
		provideService,
		provideHealthServer,
		NewHandler,
		provideScheduler,
	),
	fx.Invoke(
		RegisterRoutes,
		StartScheduler,
	),
)

// Tasks registers the asynq handlers. It needs the task.Server module.
var Tasks = fx.Module("royalty.tasks",
	fx.Invoke(registerTasks),
)

func provideRoyaltyConfig(cfg *config.Config) (RoyaltyConfig, error) {
	return RoyaltyConfigFrom(cfg.Royalty)
}

func provideCurrency(cfg *config.Config) money.Currency {
	code := strings.ToUpper(strings.TrimSpace(cfg.Royalty.CurrencyCode))
	if code == "" {
		return money.USD
	}
	return money.Currency{Code: code, Exponent: cfg.Royalty.CurrencyExponent}
}

func provideLocker(rdb *redis.Client) lease.Locker {
	return lease.NewRedisLocker(rdb)
}

func provideTransferrer(cfg *config.Config) (Transferrer, error) {
	return NewTransferrer(cfg.Transfer)
}

type ledgerParams struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Sequence sequence.Generator
}

func provideLedger(p ledgerParams) (*Ledger, error) {
	if err := Migrate(p.DB); err != nil {
		return nil, err
	}
	return NewLedger(p.DB, p.Node, p.Sequence), nil
}

func provideResolver(cfg RoyaltyConfig, source *GormConfigSource) *Resolver {
	return NewResolver(cfg, source)
}

type eventsParams struct {
	fx.In

	Enqueuer task.Enqueuer `optional:"true"`
}

func provideEvents(p eventsParams) *Events {
	events := NewEvents()
	events.Subscribe(NewLogObserver())
	events.Subscribe(NewMetricsObserver(RoyaltyMetrics()))
	if p.Enqueuer != nil {
		events.Subscribe(NewTaskPublisher(p.Enqueuer))
	}
	return events
}

type dispatcherParams struct {
	fx.In

	Config   *config.Config
	Ledger   *Ledger
	Transfer Transferrer
	Wallets  *GormConfigSource
	Locker   lease.Locker
	Flags    featureflags.FeatureFlag `optional:"true"`
	Events   *Events
	Currency money.Currency
}

func provideDispatcher(p dispatcherParams) *Dispatcher {
	return NewDispatcher(DispatcherParams{
		Ledger:   p.Ledger,
		Transfer: p.Transfer,
		Wallets:  p.Wallets,
		Locker:   p.Locker,
		Flags:    p.Flags,
		Events:   p.Events,
		Metrics:  RoyaltyMetrics(),
		Config:   p.Config.Dispatch,
		Currency: p.Currency,
	})
}

type serviceParams struct {
	fx.In

	Config     *config.Config
	DB         *gorm.DB
	Ledger     *Ledger
	Resolver   *Resolver
	Calculator *Calculator
	Dispatcher *Dispatcher
	Configs    *GormConfigSource
	Events     *Events
	Enqueuer   task.Enqueuer `optional:"true"`
}

func provideService(p serviceParams) *Service {
	return NewService(ServiceParams{
		DB:         p.DB,
		Ledger:     p.Ledger,
		Resolver:   p.Resolver,
		Calculator: p.Calculator,
		Dispatcher: p.Dispatcher,
		Configs:    p.Configs,
		Events:     p.Events,
		Enqueuer:   p.Enqueuer,
		Config:     p.Config.Dispatch,
	})
}

func provideHealthServer(svc *Service) grpc_health_v1.HealthServer {
	return svc
}

type schedulerParams struct {
	fx.In

	Config   *config.Config
	Service  *Service
	Enqueuer task.Enqueuer `optional:"true"`
}

func provideScheduler(p schedulerParams) *Scheduler {
	return NewScheduler(p.Service, p.Enqueuer, p.Config.Dispatch.ResumeInterval, p.Config.Dispatch.Async)
}
