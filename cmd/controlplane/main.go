// Package main boots the control-plane binary: the facade, rate limiter,
// session manager, process controller, and scheduler, with an HTTP listener
// that serves the Prometheus metrics endpoint, a health check and the
// event-hub push connection (the facade is not routed over HTTP here).
// Channel workers run in-process under control.InProcessSupervisor;
// cmd/worker is the out-of-process alternative.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sattva2020/tg-video-stream-sub003/internal/audit"
	"github.com/sattva2020/tg-video-stream-sub003/internal/autoend"
	"github.com/sattva2020/tg-video-stream-sub003/internal/config"
	"github.com/sattva2020/tg-video-stream-sub003/internal/control"
	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/eventhub"
	"github.com/sattva2020/tg-video-stream-sub003/internal/eventhub/wstransport"
	"github.com/sattva2020/tg-video-stream-sub003/internal/facade"
	xglog "github.com/sattva2020/tg-video-stream-sub003/internal/log"
	"github.com/sattva2020/tg-video-stream-sub003/internal/queue"
	"github.com/sattva2020/tg-video-stream-sub003/internal/ratelimit"
	"github.com/sattva2020/tg-video-stream-sub003/internal/relstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/scheduler"
	"github.com/sattva2020/tg-video-stream-sub003/internal/session"
	"github.com/sattva2020/tg-video-stream-sub003/internal/sharedstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/worker"
)

var defaultRateBuckets = map[string]config.RateBucketConfig{
	"standard": {Limit: 30, WindowSeconds: 10},
	"elevated": {Limit: 10, WindowSeconds: 10},
	"strict":   {Limit: 3, WindowSeconds: 60},
}

// noopValidator treats every recovery attempt as immediately valid; a real
// deployment wires a transport-backed credential check here instead (spec
// §4.4's CredentialValidator is an external collaborator).
type noopValidator struct{}

func (noopValidator) Validate(ctx context.Context, account domain.Account) error { return nil }

// sessionCheckerProxy breaks the construction cycle between control.New
// (needs a SessionChecker) and session.New (needs a WorkerStopper, which
// the Controller itself satisfies): the proxy is handed to the controller
// before the session manager exists, then bound once it does.
type sessionCheckerProxy struct{ mgr *session.Manager }

func (p *sessionCheckerProxy) CheckStartAllowed(ctx context.Context, accountID string) error {
	return p.mgr.CheckStartAllowed(ctx, accountID)
}

func main() {
	xglog.Configure(xglog.Config{
		Level:   config.ParseString("LOG_LEVEL", "info"),
		Service: "control-plane",
	})
	logger := xglog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := config.ParseString("RELSTORE_DSN", "file:/var/lib/broadcast-core/core.db")
	db, err := relstore.Open(dsn)
	if err != nil {
		logger.Fatal().Err(err).Str("dsn", dsn).Msg("failed to open relational store")
	}
	defer func() { _ = db.Close() }()

	redisAddr := config.ParseString("SHARED_STORE_URL", "localhost:6379")
	store, err := sharedstore.New(sharedstore.Config{Addr: redisAddr, DB: config.ParseInt("SHARED_STORE_DB", 0)})
	if err != nil {
		logger.Fatal().Err(err).Str("addr", redisAddr).Msg("failed to connect to shared store")
	}
	defer func() { _ = store.Close() }()

	hub := eventhub.New()
	limiter := ratelimit.New(store, config.ParseRateLimitDefaults("RATE_LIMIT_DEFAULTS", defaultRateBuckets))
	q := queue.New(store, hub, config.ParseInt("QUEUE_MAX_LENGTH_DEFAULT", 100))
	auditLogger := audit.NewLogger(db)

	sessionProxy := &sessionCheckerProxy{}

	var ctl *control.Controller
	var ae *autoend.Controller
	factory := func(channelID string) *worker.Worker {
		logger.Warn().Str("channel_id", channelID).Msg("no voice-chat transport wired; worker will idle on placeholder only")
		return worker.New(channelID, worker.Deps{DB: db, Queue: q, Hub: hub, AutoEnd: ae})
	}
	sup := control.NewInProcessSupervisor(factory)
	ctl = control.New(control.Deps{
		DB:                         db,
		Queue:                      q,
		Hub:                        hub,
		Supervisor:                 sup,
		Session:                    sessionProxy,
		GracefulStopTimeout:        time.Duration(config.ParseInt("WORKER_GRACEFUL_STOP_SECONDS", 10)) * time.Second,
		RestartBackoff:             time.Duration(config.ParseInt("WORKER_RESTART_BACKOFF_SECONDS", 10)) * time.Second,
		RestartAttemptsBeforeError: config.ParseInt("WORKER_RESTART_ATTEMPTS_BEFORE_ERROR", 5),
	})
	ae = autoend.New(store, hub, ctl, config.ParseIntList("AUTO_END_WARNING_POINTS_SECONDS", []int{60, 30, 10}))

	sm := session.New(db, noopValidator{}, ctl, hub, time.Second, 5*time.Minute)
	defer sm.Stop()
	sessionProxy.mgr = sm

	f := facade.New(facade.Deps{
		DB:      db,
		Limiter: limiter,
		Queue:   q,
		Session: sm,
		Control: ctl,
		Audit:   auditLogger,
		Workers: sup,
	})

	sched := scheduler.New(db, store, limiter, f)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ctl.RunLoop(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		sched.RunLoop(gctx, time.Minute)
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if err := wstransport.Serve(r.Context(), hub, w, r); err != nil {
			logger.Debug().Err(err).Msg("event stream closed")
		}
	})

	listenAddr := config.ParseString("CONTROLPLANE_LISTEN_ADDR", ":8080")
	httpServer := &http.Server{Addr: listenAddr, Handler: mux}

	g.Go(func() error {
		logger.Info().Str("addr", listenAddr).Msg("control plane listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("control plane exited with error")
	}
	logger.Info().Msg("control plane exiting")
}
