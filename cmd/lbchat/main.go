package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/weilancys/lbchat/auth"
	"github.com/weilancys/lbchat/bus"
	"github.com/weilancys/lbchat/config"
	"github.com/weilancys/lbchat/fanout"
	"github.com/weilancys/lbchat/filter"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/membership"
	"github.com/weilancys/lbchat/metrics"
	"github.com/weilancys/lbchat/persistence"
	"github.com/weilancys/lbchat/presence"
	"github.com/weilancys/lbchat/push"
	"github.com/weilancys/lbchat/signaling"
	"github.com/weilancys/lbchat/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")
)

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		log.Fatalf("could not read configuration: %s", err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	metrics.MustRegister()

	if err := run(globalConfig); err != nil {
		globals.AppLogger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := globals.AppLogger

	persister, err := persistence.NewGormPersister(cfg)
	if err != nil {
		return fmt.Errorf("could not open persistence: %w", err)
	}
	defer persister.Close()

	var (
		nc *nats.Conn
		js nats.JetStreamContext
	)
	if cfg.BusConfig.Type == "nats" || cfg.PresenceConfig.Type == "nats" {
		nc, err = nats.Connect(cfg.NATSConfig.URL, nats.Name("lbchat-"+cfg.InstanceId))
		if err != nil {
			return fmt.Errorf("could not connect to nats: %w", err)
		}
		defer nc.Drain()
		js, err = nc.JetStream(nats.MaxWait(cfg.TimeoutConfig.Store))
		if err != nil {
			return fmt.Errorf("could not open jetstream: %w", err)
		}
		logger.Info("connected to nats", "url", cfg.NATSConfig.URL)
	}

	var b bus.Bus
	switch cfg.BusConfig.Type {
	case "nats":
		b = bus.NewNATS(nc)
	case "local", "":
		b = bus.NewLocal()
	default:
		return fmt.Errorf("unknown bus type %q", cfg.BusConfig.Type)
	}
	defer b.Close()

	store, sessions, err := newStores(cfg.PresenceConfig, js)
	if err != nil {
		return err
	}
	directory := presence.NewDirectory(store, cfg.TimeoutConfig.Store)
	defer directory.Close()
	defer sessions.Close()

	flt, err := filter.Compile(cfg.PushConfig.Filter)
	if err != nil {
		return fmt.Errorf("invalid push filter: %w", err)
	}
	dispatcher := push.NewDispatcher(push.Outbox{Store: persister}, flt, cfg.PushConfig.Workers, cfg.PushConfig.QueueSize)
	dispatcher.Start()
	defer dispatcher.Close()

	jobs := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if cfg.PushConfig.RelaySpec != "" {
		relay := push.NewRelay(persister, push.LogSender{}, 0)
		if _, err := jobs.AddFunc(cfg.PushConfig.RelaySpec, relay.Run); err != nil {
			return fmt.Errorf("invalid push relay spec %q: %w", cfg.PushConfig.RelaySpec, err)
		}
	}
	jobs.Start()
	defer func() { <-jobs.Stop().Done() }()

	registry := membership.NewRegistry(persister, cfg.TimeoutConfig.Persistence)
	engine, err := fanout.NewEngine(cfg.InstanceId, b, directory, registry, dispatcher)
	if err != nil {
		return fmt.Errorf("could not start fanout: %w", err)
	}
	defer engine.Close()
	calls := signaling.NewMachine(sessions, directory, engine, dispatcher, cfg.TimeoutConfig.Store)

	gatekeeper, err := auth.NewGatekeeper(cfg.AuthConfig, persister, cfg.TimeoutConfig.Persistence)
	if err != nil {
		return err
	}
	hub, err := ws.NewHub(ws.Options{
		InstanceId:  cfg.InstanceId,
		Gatekeeper:  gatekeeper,
		Directory:   directory,
		Registry:    registry,
		Engine:      engine,
		Calls:       calls,
		Store:       persister,
		Websocket:   cfg.WebsocketConfig,
		Timeouts:    cfg.TimeoutConfig,
		RefreshSpec: cfg.PresenceConfig.RefreshSpec,
	})
	if err != nil {
		return err
	}
	hub.Start()

	server := &http.Server{Addr: cfg.Addr, Handler: newRouter(hub)}
	errChan := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "instance", cfg.InstanceId)
		if *sslCert != "" && *sslKey != "" {
			errChan <- server.ListenAndServeTLS(*sslCert, *sslKey)
		} else {
			errChan <- server.ListenAndServe()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case err := <-errChan:
		if err != http.ErrServerClosed {
			logger.Error("stopped listening", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	hub.Close()
	return nil
}

func newRouter(hub *ws.Hub) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/ws", hub).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "ok %d\n", hub.NumClients())
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return router
}

// newStores opens the presence store and the matching call session store.
func newStores(cfg config.PresenceConfig, js nats.JetStreamContext) (presence.Store, signaling.Store, error) {
	switch cfg.Type {
	case "nats":
		store, err := presence.NewNATSStore(js, cfg.Bucket, cfg.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open presence bucket: %w", err)
		}
		sessions, err := signaling.NewNATSStore(js, cfg.CallBucket)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open call bucket: %w", err)
		}
		return store, sessions, nil
	case "buntdb", "":
		store, err := presence.NewBuntStore(cfg.BuntDBPath, cfg.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open presence database: %w", err)
		}
		return store, signaling.NewMemoryStore(), nil
	}
	return nil, nil, fmt.Errorf("unknown presence type %q", cfg.Type)
}
