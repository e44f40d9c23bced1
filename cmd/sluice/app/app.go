package app

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"github.com/sluiceproject/sluice/modules/broadcast"
	"github.com/sluiceproject/sluice/modules/processor"
	"github.com/sluiceproject/sluice/pkg/ingest"
	"github.com/sluiceproject/sluice/sluicedb"
	"github.com/sluiceproject/sluice/sluicedb/kv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the root configuration of the sluice binary.
type Config struct {
	Target         string      `yaml:"target"`
	HTTPListenPort int         `yaml:"http_listen_port"`
	LogLevel       dslog.Level `yaml:"log_level"`
	LogFormat      string      `yaml:"log_format"`

	Ingest    ingest.Config    `yaml:"ingest"`
	Processor processor.Config `yaml:"processor"`
	Storage   sluicedb.Config  `yaml:"storage"`
	Broadcast broadcast.Config `yaml:"broadcast"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Target, "target", All, "Module to run: all, processor, broadcast or api.")
	f.IntVar(&cfg.HTTPListenPort, "server.http-listen-port", 8000, "HTTP listen port.")
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")
	cfg.LogLevel.RegisterFlags(f)

	cfg.Ingest.RegisterFlagsAndApplyDefaults("ingest", f)
	cfg.Processor.RegisterFlagsAndApplyDefaults("processor", f)
	cfg.Storage.RegisterFlagsAndApplyDefaults("storage", f)
	cfg.Broadcast.RegisterFlagsAndApplyDefaults("broadcast", f)
}

func (cfg *Config) Validate() error {
	switch cfg.Target {
	case All, Processor, Broadcast, API:
	default:
		return errors.Errorf("unknown target %q", cfg.Target)
	}
	return cfg.Ingest.Validate()
}

// App ties the modules together under one service manager.
type App struct {
	cfg    Config
	logger log.Logger

	store  *kv.ResilientStore
	cache  *sluicedb.Cache
	reader *sluicedb.Reader

	broadcastMgr *broadcast.Manager

	router *mux.Router
	server *http.Server

	moduleManager *modules.Manager
	serviceMap    map[string]services.Service
}

func New(cfg Config, logger log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &App{
		cfg:    cfg,
		logger: logger,
		router: mux.NewRouter(),
	}
	if err := t.setupModuleManager(); err != nil {
		return nil, err
	}
	return t, nil
}

// Run starts the target's services and blocks until a signal or a module
// failure stops them.
func (t *App) Run() error {
	serviceMap, err := t.moduleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return errors.Wrap(err, "initializing module services")
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return errors.Wrap(err, "creating service manager")
	}

	t.router.Path("/ready").Handler(t.readyHandler(sm))
	t.router.Path("/config").Handler(t.configHandler())

	healthy := func() { level.Info(t.logger).Log("msg", "sluice started") }
	stopped := func() { level.Info(t.logger).Log("msg", "sluice stopped") }
	serviceFailed := func(service services.Service) {
		// One module failing stops the whole process.
		sm.StopAsync()
		for m, s := range serviceMap {
			if s == service {
				level.Error(t.logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}
		level.Error(t.logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(t.logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return errors.Wrap(err, "starting service manager")
	}
	return sm.AwaitStopped(context.Background())
}

type readyResponse struct {
	Status         string `json:"status"`
	KV             string `json:"kv"`
	CircuitBreaker string `json:"circuit_breaker"`
}

// readyHandler reports ready only when every service is running and the
// store answers a ping with a closed breaker. Liveness is served by
// /health and stays independent of storage.
func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := readyResponse{Status: "ready", KV: "connected", CircuitBreaker: t.store.BreakerStateName()}
		code := http.StatusOK

		if !sm.IsHealthy() {
			resp.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}

		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := t.store.Ping(ctx); err != nil {
			resp.Status = "not_ready"
			resp.KV = "unreachable"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/yaml")
		if _, err := w.Write(out); err != nil {
			level.Error(t.logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	}
}

// serverService runs the shared HTTP server as a module so it starts and
// stops with everything else.
func (t *App) serverService() services.Service {
	var listener net.Listener

	start := func(context.Context) error {
		var err error
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.HTTPListenPort))
		if err != nil {
			return errors.Wrap(err, "binding http listener")
		}
		t.server = &http.Server{Handler: t.router}
		level.Info(t.logger).Log("msg", "http server listening", "addr", listener.Addr())
		return nil
	}

	running := func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- t.server.Serve(listener) }()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return t.server.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}

	return services.NewBasicService(start, running, nil)
}

func registerBreakerGauge(store *kv.ResilientStore) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sluice",
		Name:      "kv_circuit_breaker_state",
		Help:      "Circuit breaker state: closed=0, open=1, half-open=2.",
	}, store.BreakerState))
}

func (t *App) registerBaseRoutes() {
	t.router.Path("/metrics").Handler(promhttp.Handler())
	t.router.Path("/health").Handler(t.healthHandler())
}
