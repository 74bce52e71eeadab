// Command dockmond is the DockMon daemon: the composition root that wires
// every component (C1-C12) together and serves the agent WebSocket
// endpoint and, optionally, a Prometheus metrics endpoint.
//
// Grounded on the teacher's cmd/sentinel/main.go composition-root pattern
// (construct every concrete component here, inject narrow interfaces into
// each package, run long-lived loops under a supervised errgroup, shut down
// on signal). Auth, the HTTP API/UI, HA/MQTT discovery, and GHCR-specific
// registry wiring are out of scope (spec.md Non-goals) and dropped rather
// than carried forward unused.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/darthnorse/dockmon/internal/agentserver"
	"github.com/darthnorse/dockmon/internal/alert"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/discovery"
	"github.com/darthnorse/dockmon/internal/dockerapi"
	"github.com/darthnorse/dockmon/internal/evaluation"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/hooks"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/maintenance"
	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/scan"
	"github.com/darthnorse/dockmon/internal/stack"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/tlscert"
	"github.com/darthnorse/dockmon/internal/update"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	slog.SetDefault(log.Logger)

	if err := run(cfg, log); err != nil {
		log.Error("dockmond exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := ensureLocalHost(st, cfg); err != nil {
		return fmt.Errorf("bootstrap local host: %w", err)
	}

	bus := events.New()
	clk := clock.Real{}
	pool := dockerapi.NewPool()
	defer pool.Close()

	// C3 — agent connection manager and command executor.
	agentMgr := agentserver.NewManager(st, bus, clk, log)
	agentExec := agentserver.NewExecutor(agentMgr)
	agentMgr.SetExecutor(agentExec)
	agentSrv := agentserver.NewServer(agentMgr, agentExec, bus, log, cfg.AgentAuthTimeout)

	// C1 — registry adapter, rate-limit tracker, credential store.
	rateTracker := registry.NewRateLimitTracker()
	regAdapter := registry.NewAdapter(cfg.TTLBuckets, rateTracker, log.Logger)

	// C5 — per-host discovery loop. StatsProvider is left nil: cpu/memory
	// sampling has no grounded source in the examples pack (the teacher
	// never samples container stats), so those Observed fields stay zero.
	disco := discovery.New(st, pool, bus, nil, cfg.DiscoveryInterval, log.Logger)

	// C9/C10 — alert engine driven by the evaluation service.
	notifier := buildNotifier(st, log)
	alertEngine := alert.New(st, bus, notifier, clk, log.Logger)
	liveness := evaluation.NewHostLiveness(st, agentMgr)
	evalSvc := evaluation.New(st, st, alertEngine, disco, liveness, clk, log.Logger,
		cfg.EvaluationInterval, cfg.PendingNotificationTick, cfg.SnoozeExpiryTick)

	// C6/C7/C8 — update router and its two backends.
	hookRunner := hooks.NewRunner(nil, hookStoreAdapter{st: st}, log.Logger)
	dockerExec := update.NewDockerExecutor(pool, bus, hookRunner, regAdapter, clk,
		cfg.HealthGateTimeout(), cfg.PullTimeout(), log.Logger)
	agentUpdateExec := update.NewAgentExecutor(agentExec, st, bus, hookRunner, regAdapter, clk,
		cfg.HealthGateTimeout(), log.Logger)
	validator := &update.DefaultValidator{Store: st}
	router := update.NewRouter(st, dockerExec, agentUpdateExec, validator, bus, log.Logger)

	// Registry update scan feeding the router (races the executor by
	// design — see internal/scan's doc comment).
	scanLoop := scan.New(st, st, regAdapter, disco, router, cfg, clk, log.Logger)

	// C11 — periodic maintenance, including serving-certificate rotation.
	certs := tlscert.NewManager(cfg.CertDir, cfg.CertRenewAhead, cfg.CertValidity, clk)
	maint := maintenance.New(st, st, maintenance.PoolAdapter{Pool: pool}, disco, certs, cfg, clk, log.Logger)
	if err := maint.Start(); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	defer maint.Stop()

	// C12 — compose stack deployer.
	deployer := stack.NewDeployer(st, st, maintenance.PoolAdapter{Pool: pool}, agentExec, bus, clk, log.Logger)
	_ = deployer // wired for future HTTP/API surface; exercised directly by tests today

	cert, err := certs.Ensure()
	if err != nil {
		return fmt.Errorf("ensure serving certificate: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/agent/ws", agentSrv)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	httpSrv := &http.Server{
		Addr:      cfg.AgentListenAddr,
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return disco.Run(gctx)
	})
	g.Go(func() error {
		return scanLoop.Run(gctx)
	})
	g.Go(func() error {
		return evalSvc.Run(gctx)
	})
	g.Go(func() error {
		log.Info("agent server listening", "addr", cfg.AgentListenAddr)
		if err := httpSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("agent server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ensureLocalHost seeds a default local Host row pointing at the
// configured Docker socket when the store has no hosts yet, so discovery
// has something to poll on a fresh install.
func ensureLocalHost(st *store.Store, cfg *config.Config) error {
	hosts, err := st.ListHosts()
	if err != nil {
		return err
	}
	if len(hosts) > 0 {
		return nil
	}
	return st.SaveHost(store.Host{
		ID:             uuid.NewString(),
		DisplayName:    "local",
		TransportURL:   "unix://" + cfg.DockerSock,
		ConnectionType: "local",
		IsActive:       true,
		Status:         "unknown",
	})
}

// buildNotifier constructs the fan-out notifier from the operator's
// configured channels (spec §9's carried-forward notification transports),
// same BuildFilteredNotifier/NewMulti construction the teacher uses.
func buildNotifier(st *store.Store, log *logging.Logger) *notify.Multi {
	channels, err := st.GetNotificationChannels()
	if err != nil {
		log.Warn("load notification channels failed", "error", err)
		return notify.NewMulti(log.Logger)
	}
	var notifiers []notify.Notifier
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		n, err := notify.BuildFilteredNotifier(ch)
		if err != nil {
			log.Warn("build notifier failed", "channel", ch.Name, "error", err)
			continue
		}
		notifiers = append(notifiers, n)
	}
	return notify.NewMulti(log.Logger, notifiers...)
}
