package app

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/sluiceproject/sluice/modules/api"
	"github.com/sluiceproject/sluice/modules/broadcast"
	"github.com/sluiceproject/sluice/modules/processor"
	"github.com/sluiceproject/sluice/sluicedb"
	"github.com/sluiceproject/sluice/sluicedb/kv"
)

// Module names. Store and Server are internal plumbing, the rest are
// user-selectable targets.
const (
	Store     string = "store"
	Server    string = "server"
	Processor string = "processor"
	Broadcast string = "broadcast"
	API       string = "api"
	All       string = "all"
)

func (t *App) initStore() (services.Service, error) {
	redisStore, err := kv.NewRedisStore(t.cfg.Storage.KV)
	if err != nil {
		return nil, errors.Wrap(err, "creating redis store")
	}

	t.store = kv.NewResilientStore(redisStore, t.cfg.Storage.KV, t.logger)
	t.cache = sluicedb.NewCache(t.store, t.logger)
	t.reader = sluicedb.NewReader(t.store)
	registerBreakerGauge(t.store)

	// Startup does not block on redis. The breaker and /ready surface an
	// unreachable backend while the consumer keeps running.
	up := func(ctx context.Context) error {
		if err := t.store.Ping(ctx); err != nil {
			level.Warn(t.logger).Log("msg", "redis not reachable at startup", "err", err)
		}
		return nil
	}
	down := func(_ error) error {
		return t.store.Close()
	}
	return services.NewIdleService(up, down), nil
}

func (t *App) initServer() (services.Service, error) {
	t.registerBaseRoutes()
	return t.serverService(), nil
}

func (t *App) initProcessor() (services.Service, error) {
	p, err := processor.New(t.cfg.Processor, t.cfg.Ingest, t.store, t.cfg.Storage, t.logger)
	if err != nil {
		return nil, errors.Wrap(err, "creating processor")
	}
	return p, nil
}

func (t *App) initBroadcast() (services.Service, error) {
	t.broadcastMgr = broadcast.New(t.cfg.Broadcast, t.logger)
	t.router.Path("/ws/live").Handler(t.broadcastMgr.Handler())

	return broadcast.NewBridge(t.store, t.broadcastMgr, t.cfg.Broadcast, t.logger), nil
}

func (t *App) initAPI() (services.Service, error) {
	a := api.New(t.cache, t.reader, t.logger)
	a.RegisterRoutes(t.router)
	return nil, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(t.logger)

	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Processor, t.initProcessor)
	mm.RegisterModule(Broadcast, t.initBroadcast)
	mm.RegisterModule(API, t.initAPI)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Processor: {Store, Server},
		Broadcast: {Store, Server},
		API:       {Store, Server},
		All:       {Processor, Broadcast, API},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm
	return nil
}
