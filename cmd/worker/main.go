// Package main boots a single-channel worker process: the host process
// supervisor (spec §4.8's out-of-process deployment mode, complementing
// the control plane's in-process Supervisor) execs one of these per
// channel, with CHANNEL_ID in its environment, and restarts it on exit.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/autoend"
	"github.com/sattva2020/tg-video-stream-sub003/internal/config"
	xglog "github.com/sattva2020/tg-video-stream-sub003/internal/log"
	"github.com/sattva2020/tg-video-stream-sub003/internal/queue"
	"github.com/sattva2020/tg-video-stream-sub003/internal/relstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/sharedstore"
	"github.com/sattva2020/tg-video-stream-sub003/internal/worker"
)

// exitStopRequester satisfies autoend.StopRequester for a single-channel
// process: there's no controller to ask, so auto-end exits the process and
// lets the host supervisor observe the exit and not restart it.
type exitStopRequester struct{}

func (exitStopRequester) RequestStop(ctx context.Context, channelID string) error {
	os.Exit(0)
	return nil
}

func main() {
	channelID := flag.String("channel-id", config.ParseString("CHANNEL_ID", ""), "channel to stream")
	flag.Parse()

	xglog.Configure(xglog.Config{
		Level:   config.ParseString("LOG_LEVEL", "info"),
		Service: "worker",
	})
	logger := xglog.WithComponent("main").With().Str("channel_id", *channelID).Logger()

	if *channelID == "" {
		logger.Fatal().Msg("CHANNEL_ID (or --channel-id) is required")
	}

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

	q := queue.New(store, nil, config.ParseInt("QUEUE_MAX_LENGTH_DEFAULT", 100))
	ae := autoend.New(store, nil, exitStopRequester{}, config.ParseIntList("AUTO_END_WARNING_POINTS_SECONDS", []int{60, 30, 10}))

	logger.Warn().Msg("no voice-chat transport wired; this process will idle on placeholder media only")
	w := worker.New(*channelID, worker.Deps{DB: db, Queue: q, AutoEnd: ae})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := w.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("graceful stop failed")
		}
		<-done
	case err := <-done:
		if err != nil {
			logger.Fatal().Err(err).Msg("worker exited with error")
		}
	}

	logger.Info().Msg("worker exiting")
}
