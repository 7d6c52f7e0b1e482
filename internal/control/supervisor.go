package control

import (
	"context"
	"sync"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/transport"
	"github.com/sattva2020/tg-video-stream-sub003/internal/worker"
)

// WorkerFactory builds the Worker for a channel; the controller owns the
// collaborator wiring (resolver, classifier, transcoder, transport) and
// hands the supervisor only a constructor, per name.
type WorkerFactory func(channelID string) *worker.Worker

type runningWorker struct {
	w         *worker.Worker
	startedAt time.Time
	done      chan struct{}
}

// InProcessSupervisor satisfies transport.Supervisor by running each
// channel's Worker as a goroutine instead of a separate OS process — the
// single-binary deployment spec §4.8's design note allows for.
type InProcessSupervisor struct {
	factory WorkerFactory

	mu      sync.Mutex
	workers map[string]*runningWorker
}

func NewInProcessSupervisor(factory WorkerFactory) *InProcessSupervisor {
	return &InProcessSupervisor{factory: factory, workers: make(map[string]*runningWorker)}
}

func (s *InProcessSupervisor) Start(ctx context.Context, name string, args []string, env map[string]string) error {
	s.mu.Lock()
	if _, exists := s.workers[name]; exists {
		s.mu.Unlock()
		return nil
	}
	w := s.factory(name)
	rw := &runningWorker{w: w, startedAt: time.Now(), done: make(chan struct{})}
	s.workers[name] = rw
	s.mu.Unlock()

	go func() {
		defer close(rw.done)
		_ = w.Run(context.Background())
	}()
	return nil
}

func (s *InProcessSupervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	rw, ok := s.workers[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := rw.w.Stop(ctx); err != nil {
		return err
	}
	select {
	case <-rw.done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	delete(s.workers, name)
	s.mu.Unlock()
	return nil
}

func (s *InProcessSupervisor) Status(ctx context.Context, name string) (transport.SupervisorStatus, error) {
	s.mu.Lock()
	rw, ok := s.workers[name]
	s.mu.Unlock()
	if !ok {
		return transport.StatusInactive, nil
	}

	select {
	case <-rw.done:
		return transport.StatusFailed, nil
	default:
	}

	switch rw.w.State() {
	case worker.StateStarting:
		return transport.StatusActivating, nil
	case worker.StateStopping:
		return transport.StatusDeactivating, nil
	case worker.StateStopped:
		return transport.StatusInactive, nil
	case worker.StateError:
		return transport.StatusFailed, nil
	default:
		return transport.StatusActive, nil
	}
}

// Worker returns the running Worker for name, for callers that need to
// issue direct intents (pause/resume/skip/seek/transcode params) rather
// than going through the Supervisor's start/stop/status contract.
func (s *InProcessSupervisor) Worker(name string) (*worker.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rw, ok := s.workers[name]
	if !ok {
		return nil, false
	}
	return rw.w, true
}

// Uptime reports how long name has been running, zero if unknown.
func (s *InProcessSupervisor) Uptime(name string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	rw, ok := s.workers[name]
	if !ok {
		return 0
	}
	return time.Since(rw.startedAt)
}
