package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zgpcy/azure-webapp-exporter/internal/clock"
	"github.com/zgpcy/azure-webapp-exporter/internal/logger"
)

// DefaultPollInterval is the liveness poll interval used when none is configured
const DefaultPollInterval = 10 * time.Second

// ErrAlreadyRunning is returned by Run when the supervisor is already active
var ErrAlreadyRunning = errors.New("supervisor already running")

// Worker is one long-running entry point. Run should block until ctx is done.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options configures a Supervisor
type Options struct {
	PollInterval time.Duration
}

// WorkerStatus is a point-in-time view of one worker
type WorkerStatus struct {
	Name      string
	Running   bool
	Restarts  int
	LastExit  error
	StartedAt time.Time
}

type workerState struct {
	worker    Worker
	running   bool
	restarts  int
	lastExit  error
	startedAt time.Time
}

// Supervisor keeps a fixed table of workers alive, restarting any that exit
type Supervisor struct {
	opts   Options
	logger *logger.Logger
	clock  clock.Clock

	mu      sync.Mutex
	order   []string
	workers map[string]*workerState

	restartsTotal *prometheus.CounterVec
	upGauge       *prometheus.GaugeVec

	active atomic.Bool
	wg     sync.WaitGroup
}

// New creates a supervisor for workers. Names must be unique; later duplicates are ignored.
func New(workers []Worker, opts Options, log *logger.Logger) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	s := &Supervisor{
		opts:    opts,
		logger:  log.WithFields("component", "supervisor"),
		clock:   clock.RealClock{},
		workers: make(map[string]*workerState, len(workers)),
		restartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "azure_webapp_exporter_worker_restarts_total",
				Help: "Total number of worker restarts by the supervisor",
			},
			[]string{"worker"},
		),
		upGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "azure_webapp_exporter_worker_up",
				Help: "Whether the worker is running (1 = running, 0 = exited)",
			},
			[]string{"worker"},
		),
	}

	for _, w := range workers {
		if _, dup := s.workers[w.Name]; dup {
			s.logger.Warn("Ignoring duplicate worker", "worker", w.Name)
			continue
		}
		s.order = append(s.order, w.Name)
		s.workers[w.Name] = &workerState{worker: w}
		s.restartsTotal.WithLabelValues(w.Name)
		s.upGauge.WithLabelValues(w.Name).Set(0)
	}
	return s
}

// Run starts every worker and restarts exited ones on each poll until ctx is
// done. It then waits for all workers to return.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.active.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.active.Store(false)

	s.logger.Info("Starting workers",
		"workers", len(s.order),
		"poll_interval", s.opts.PollInterval.String())

	for _, name := range s.order {
		s.start(ctx, name, false)
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping workers")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll restarts every worker that is no longer running
func (s *Supervisor) poll(ctx context.Context) {
	for _, name := range s.order {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		st := s.workers[name]
		exited := !st.running
		lastExit := st.lastExit
		s.mu.Unlock()

		if exited {
			s.logger.Warn("Worker not running, restarting",
				"worker", name,
				"last_exit", errString(lastExit))
			s.start(ctx, name, true)
		}
	}
}

func (s *Supervisor) start(ctx context.Context, name string, restart bool) {
	s.mu.Lock()
	st := s.workers[name]
	st.running = true
	st.startedAt = s.clock.Now()
	if restart {
		st.restarts++
	}
	w := st.worker
	s.mu.Unlock()

	if restart {
		s.restartsTotal.WithLabelValues(name).Inc()
	}
	s.upGauge.WithLabelValues(name).Set(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := runSafely(ctx, w)

		s.mu.Lock()
		st.running = false
		st.lastExit = err
		s.mu.Unlock()
		s.upGauge.WithLabelValues(name).Set(0)

		if ctx.Err() != nil {
			s.logger.Debug("Worker stopped", "worker", name)
			return
		}
		s.logger.Error("Worker exited", "worker", name, "error", errString(err))
	}()
}

// runSafely calls the worker's entry point, converting a panic into an error
func runSafely(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v\n%s", w.Name, r, debug.Stack())
		}
	}()
	if w.Run == nil {
		return fmt.Errorf("worker %s has no entry point", w.Name)
	}
	return w.Run(ctx)
}

func errString(err error) string {
	if err == nil {
		return "none"
	}
	return err.Error()
}

// Status returns the state of every worker in table order
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerStatus, 0, len(s.order))
	for _, name := range s.order {
		st := s.workers[name]
		out = append(out, WorkerStatus{
			Name:      name,
			Running:   st.running,
			Restarts:  st.restarts,
			LastExit:  st.lastExit,
			StartedAt: st.startedAt,
		})
	}
	return out
}

// Describe implements prometheus.Collector
func (s *Supervisor) Describe(ch chan<- *prometheus.Desc) {
	s.restartsTotal.Describe(ch)
	s.upGauge.Describe(ch)
}

// Collect implements prometheus.Collector
func (s *Supervisor) Collect(ch chan<- prometheus.Metric) {
	s.restartsTotal.Collect(ch)
	s.upGauge.Collect(ch)
}
