// Command gateway is the vserver entry point: the same binary plays
// both the master supervisor role and the worker role, selected by the
// VSERVER_WORKER_ID environment variable the master sets on re-exec,
// an environment variable rather than a build-time target.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/validana-io/vserver/internal/basics"
	"github.com/validana-io/vserver/internal/cache"
	"github.com/validana-io/vserver/internal/config"
	"github.com/validana-io/vserver/internal/db"
	"github.com/validana-io/vserver/internal/dispatch"
	"github.com/validana-io/vserver/internal/eventhub"
	"github.com/validana-io/vserver/internal/logging"
	"github.com/validana-io/vserver/internal/metrics"
	"github.com/validana-io/vserver/internal/migrations"
	"github.com/validana-io/vserver/internal/notify"
	"github.com/validana-io/vserver/internal/supervisor"
	"github.com/validana-io/vserver/internal/transport/httpproto"
	"github.com/validana-io/vserver/internal/transport/listener"
	"github.com/validana-io/vserver/internal/transport/wsproto"
)

// apiVersion is the single registered API version path segment. A
// future multi-version rollout would register additional VerbTables
// under dispatch.Registry.For without touching this constant's callers.
const apiVersion = "v1"

const (
	contractsCacheTTL   = 60 * time.Second
	contractsSweep      = 5 * time.Minute
	heartbeatPipeFD     = 3
	workerShutdownGrace = 5 * time.Second
)

func main() {
	cfg := config.NewGatewayRegistry()
	fileArg := lastArgConfigFile()

	workerID, isWorker := supervisor.IsWorker()

	if isWorker {
		// Workers never read the JSON config file (§4.1): the master
		// has already resolved it into the environment it re-exec'd us
		// with (config.Registry.Env).
		if err := cfg.Load("", ""); err != nil {
			fmt.Fprintln(os.Stderr, "gateway: load config:", err)
			os.Exit(2)
		}
	} else {
		if err := cfg.Load(fileArg, ".env"); err != nil {
			fmt.Fprintln(os.Stderr, "gateway: load config:", err)
			os.Exit(2)
		}
	}

	log := logging.New(logging.Config{Level: cfg.String("LOGLEVEL"), Format: cfg.String("LOGFORMAT")})
	log.AddSecret(cfg.String("DBPASSWORD"))

	if isWorker {
		runWorker(cfg, log, workerID)
		return
	}
	runMaster(cfg, log)
}

// lastArgConfigFile returns the last CLI argument as a candidate config
// file path, matching §4.1's "file passed as last command-line argument".
func lastArgConfigFile() string {
	if len(os.Args) < 2 {
		return ""
	}
	return os.Args[len(os.Args)-1]
}

// applyMigrations brings the shared schema up to date before any worker
// starts serving traffic; the master runs this once since the
// migration itself is idempotent and workers share nothing else.
func applyMigrations(cfg *config.Registry, log *logging.Logger) error {
	dbConn, err := db.Open(context.Background(), db.Config{
		Host:           cfg.String("DBHOST"),
		Port:           cfg.Int("DBPORT"),
		User:           cfg.String("DBUSER"),
		Password:       cfg.String("DBPASSWORD"),
		Name:           cfg.String("DBNAME"),
		MinConnections: 1,
		MaxConnections: 2,
	})
	if err != nil {
		return fmt.Errorf("connect for migrations: %w", err)
	}
	defer dbConn.Close()

	if err := migrations.Run(dbConn.DB.DB); err != nil {
		return err
	}
	log.Infof("gateway: migrations applied")
	return nil
}

func runMaster(cfg *config.Registry, log *logging.Logger) {
	binary, err := os.Executable()
	if err != nil {
		log.Fatalf("gateway: resolve own binary path: %v", err)
	}

	maxMemBytes := int64(cfg.Int("MAXMEMORY")) * 1024 * 1024

	if err := applyMigrations(cfg, log); err != nil {
		log.Fatalf("gateway: apply migrations: %v", err)
	}

	master := supervisor.NewMaster(supervisor.MasterConfig{
		WorkerCount:    cfg.Workers(),
		MaxMemoryBytes: maxMemBytes,
		BinaryPath:     binary,
		Args:           os.Args[1:],
		Env:            append(os.Environ(), cfg.Env()...),
		Log:            log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	graceful, err := master.Run(ctx)
	if err != nil {
		log.Fatalf("gateway: supervisor: %v", err)
	}
	if !graceful {
		os.Exit(1)
	}
}

// workerDeps bundles everything constructed during worker startup that
// must be torn down in reverse order on shutdown.
type workerDeps struct {
	database  *db.DB
	hub       *eventhub.Registry
	caches    *cache.Registry
	aggreg    *metrics.Aggregator
	http      *listener.Server
	ws        *listener.Server
	wsProto   *wsproto.Protocol
	sharedSrv bool
}

func runWorker(cfg *config.Registry, log *logging.Logger, workerID int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := buildWorker(ctx, cfg, log, workerID)
	if err != nil {
		log.Fatalf("gateway: worker %d: startup failed: %v", workerID, err)
	}

	if hbFile := os.NewFile(heartbeatPipeFD, "heartbeat"); hbFile != nil {
		go supervisor.RunHeartbeatLoop(ctx, hbFile, supervisor.HeartbeatInterval)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	graceful := sig == syscall.SIGINT
	log.Infof("gateway: worker %d received %s, draining (graceful=%v)", workerID, sig, graceful)

	cancel()
	deps.shutdown(graceful)
	os.Exit(0)
}

func buildWorker(ctx context.Context, cfg *config.Registry, log *logging.Logger, workerID int) (*workerDeps, error) {
	// Workers only ever observe the environment (the JSON config file is
	// master-only), so the database coordinates are decoded straight off
	// VSERVER_DB* with envdecode rather than routed back through the
	// Registry that built that environment in the first place.
	dbSettings, err := config.LoadDBSettingsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("decode database settings: %w", err)
	}
	dbConn, err := db.Open(ctx, db.Config{
		Host:           dbSettings.Host,
		Port:           dbSettings.Port,
		User:           dbSettings.User,
		Password:       dbSettings.Password,
		Name:           dbSettings.Name,
		MinConnections: dbSettings.MinConnections,
		MaxConnections: dbSettings.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	hub := eventhub.NewRegistry()
	caches := cache.NewRegistry()

	contractsTTL := contractsCacheTTL
	enabled := func() bool { return cfg.Bool("CACHING") }
	contracts := caches.Create("contracts", contractsSweep, enabled)
	refreshOne := basics.ContractsRefresh(dbConn)
	contracts.RegisterAddAll(contractsTTL, func(ctx context.Context, keys []string) (map[string]any, error) {
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			v, err := refreshOne(ctx, k)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	})
	caches.Start(ctx)

	liveWorkers := func() []int {
		ids := make([]int, cfg.Workers())
		for i := range ids {
			ids[i] = i
		}
		return ids
	}
	aggreg := metrics.New(workerID, dbConn, log.With("metrics"), liveWorkers)
	if interval := cfg.Int("METRICSINTERVAL"); interval > 0 {
		go func() {
			if err := aggreg.RunSync(ctx, time.Duration(interval)*time.Second); err != nil {
				log.WithError(err).Msg("gateway: metrics sync loop ended")
			}
		}()
	}

	driverName, dsn := db.Config{
		Host: dbSettings.Host, Port: dbSettings.Port, User: dbSettings.User,
		Password: dbSettings.Password, Name: dbSettings.Name,
	}.DedicatedConn()
	nl := notify.New(driverName, dsn, dbConn, hub, log.With("notify"))
	go func() {
		if err := nl.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Msg("gateway: notification listener ended")
		}
	}()

	messageHub := hub.For("message")
	registry := dispatch.NewRegistry(messageHub)
	vt := registry.For(apiVersion)
	basics.Register(vt, basics.Deps{
		DB:             dbConn,
		Contracts:      contracts,
		Hub:            hub,
		Metrics:        aggreg,
		MetricsToken:   cfg.String("METRICSTOKEN"),
		Log:            log.With("basics"),
		ProcessTimeout: 60 * time.Second,
	})

	httpPort := cfg.Int("HTTPPORT")
	wsPort := cfg.Int("WSPORT")

	httpProto := httpproto.New(httpproto.Config{
		MaxPayloadSize: int64(cfg.Int("MAXPAYLOADSIZE")),
		AllowedOrigins: corsOrigins(cfg),
	}, registry, log.With("httpproto"), aggreg)
	wsProto := wsproto.New(wsproto.Config{KeepAlive: time.Duration(cfg.Int("TIMEOUT")) * time.Second}, registry, log.With("wsproto"), aggreg)
	go wsProto.RunKeepAlive(ctx)

	tlsCfg := listener.Config{
		TLS:      cfg.Bool("TLS"),
		KeyPath:  cfg.String("KEYPATH"),
		CertPath: cfg.String("CERTPATH"),
	}

	deps := &workerDeps{database: dbConn, hub: hub, caches: caches, aggreg: aggreg, wsProto: wsProto}

	if httpPort == wsPort {
		deps.sharedSrv = true
		addr := fmt.Sprintf(":%d", httpPort)
		cfgL := tlsCfg
		cfgL.Addr = addr
		srv, err := listener.New(cfgL, log.With("listener"))
		if err != nil {
			return nil, fmt.Errorf("shared listener: %w", err)
		}
		deps.http = srv
		go func() {
			if err := srv.Serve(ctx, sharedHandler(httpProto, wsProto)); err != nil && ctx.Err() == nil {
				log.WithError(err).Msg("gateway: shared listener ended")
			}
		}()
		return deps, nil
	}

	httpCfgL := tlsCfg
	httpCfgL.Addr = fmt.Sprintf(":%d", httpPort)
	httpSrv, err := listener.New(httpCfgL, log.With("listener-http"))
	if err != nil {
		return nil, fmt.Errorf("http listener: %w", err)
	}
	deps.http = httpSrv
	go func() {
		if err := httpSrv.Serve(ctx, httpRouter(httpProto)); err != nil && ctx.Err() == nil {
			log.WithError(err).Msg("gateway: http listener ended")
		}
	}()

	wsCfgL := tlsCfg
	wsCfgL.Addr = fmt.Sprintf(":%d", wsPort)
	wsSrv, err := listener.New(wsCfgL, log.With("listener-ws"))
	if err != nil {
		return nil, fmt.Errorf("ws listener: %w", err)
	}
	deps.ws = wsSrv
	go func() {
		if err := wsSrv.Serve(ctx, wsProto.Handler()); err != nil && ctx.Err() == nil {
			log.WithError(err).Msg("gateway: ws listener ended")
		}
	}()

	return deps, nil
}

// corsOrigins flattens every comma-separated CORS_* config value into a
// single allow-list; an empty result keeps httpproto's wildcard default.
func corsOrigins(cfg *config.Registry) []string {
	var out []string
	for _, raw := range cfg.PatternValues("CORS_") {
		for _, origin := range strings.Split(raw, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}

func httpRouter(p *httpproto.Protocol) http.Handler {
	return p.Router()
}

// sharedHandler dispatches to the WebSocket upgrader or the HTTP
// router on one shared listening socket, used when HTTPPORT == WSPORT
// (§4.4: "plain or TLS transport ... shared by the HTTP and WebSocket
// protocols").
func sharedHandler(httpProto *httpproto.Protocol, wsProto *wsproto.Protocol) http.Handler {
	router := httpProto.Router()
	wsHandler := wsProto.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) {
			wsHandler.ServeHTTP(w, r)
			return
		}
		router.ServeHTTP(w, r)
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (d *workerDeps) shutdown(graceful bool) {
	if d.http != nil {
		d.http.Shutdown(graceful)
	}
	if d.ws != nil {
		d.ws.Shutdown(graceful)
	}
	if d.wsProto != nil {
		d.wsProto.Shutdown(graceful)
	}
	if !graceful {
		time.Sleep(workerShutdownGrace)
	}
	if d.database != nil {
		d.database.Close()
	}
}
