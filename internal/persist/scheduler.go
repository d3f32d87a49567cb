package persist

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/sensorlink/internal/monitoring"
	"github.com/banshee-data/sensorlink/internal/sensors"
	"github.com/banshee-data/sensorlink/internal/timeutil"
)

// DefaultInterval is the save period used when none is configured.
const DefaultInterval = 5 * time.Second

// Registry is the part of the sensor registry the scheduler uses.
type Registry interface {
	Dirty() []sensors.Snapshot
	DirtyCount() int
	MarkPersisted(id byte, version uint64) bool
}

// Config contains configuration for Scheduler.
type Config struct {
	// Registry supplies dirty snapshots.
	Registry Registry
	// Sinks receive every dirty snapshot, in order.
	Sinks []Sink
	// Interval is how often to save (e.g., 5*time.Second).
	Interval time.Duration
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
	// Logger is optional; if nil, uses log.Default().
	Logger *log.Logger
	// FlushOnStop runs one last save when the scheduler stops.
	FlushOnStop bool
	// Metrics is optional.
	Metrics *monitoring.Metrics
}

// Scheduler periodically saves dirty sensors. Saves never hold a sensor's
// lock during I/O, so ingestion is never blocked by slow storage.
type Scheduler struct {
	registry    Registry
	sinks       []Sink
	interval    time.Duration
	clock       timeutil.Clock
	logger      *log.Logger
	flushOnStop bool
	metrics     *monitoring.Metrics

	saveMu  sync.Mutex // serialises SaveDirty
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{
		registry:    cfg.Registry,
		sinks:       cfg.Sinks,
		interval:    cfg.Interval,
		clock:       clock,
		logger:      logger,
		flushOnStop: cfg.FlushOnStop,
		metrics:     cfg.Metrics,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Run saves every Interval until the context is cancelled or Stop is called.
// Returns nil on clean shutdown. A save already in progress when shutdown is
// requested completes; no new save starts unless FlushOnStop is set.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil // already running
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	defer func() {
		close(s.doneCh)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.interval <= 0 {
		s.logger.Printf("Scheduler: interval is zero or negative, not starting")
		return nil
	}

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("Scheduler started: interval=%v sinks=%d", s.interval, len(s.sinks))

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("Scheduler stopping due to context cancellation")
			s.flushFinal()
			return nil
		case <-s.stopCh:
			s.logger.Printf("Scheduler stopping due to Stop() call")
			s.flushFinal()
			return nil
		case <-ticker.C():
			// a cycle that has started runs to completion even if ctx ends
			s.FlushNow(context.WithoutCancel(ctx))
		}
	}
}

// Stop requests the scheduler to stop and waits for Run to return. It is
// safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
	}
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// FlushNow saves immediately, outside the regular interval, and logs the
// outcome.
func (s *Scheduler) FlushNow(ctx context.Context) {
	n, err := s.SaveDirty(ctx)
	if err != nil {
		s.logger.Printf("Scheduler: saved %d sensors with errors: %v", n, err)
		return
	}
	if n > 0 {
		monitoring.Tracef("Scheduler: saved %d sensors", n)
	}
}

// flushFinal runs the shutdown save if configured. The run context is
// already done, so it uses a fresh one.
func (s *Scheduler) flushFinal() {
	if !s.flushOnStop {
		return
	}
	n, err := s.SaveDirty(context.Background())
	if err != nil {
		s.logger.Printf("Scheduler: error during final flush: %v", err)
		return
	}
	s.logger.Printf("Scheduler: final flush saved %d sensors", n)
}

// SaveDirty stores every dirty sensor into every sink and returns how many
// sensors were fully saved. A sensor is marked persisted only when all sinks
// accepted it, and only if no newer payload arrived while it was being
// written. Failures are collected and the remaining sensors are still
// attempted.
func (s *Scheduler) SaveDirty(ctx context.Context) (int, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	start := s.clock.Now()
	dirty := s.registry.Dirty()

	var (
		saved int
		errs  []error
	)
	for _, snap := range dirty {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.store(ctx, snap); err != nil {
			s.logger.Printf("Scheduler: %v", err)
			errs = append(errs, err)
			continue
		}
		if !s.registry.MarkPersisted(snap.Sensor.ID, snap.Version) {
			monitoring.Tracef("%s changed while saving; keeping it dirty", snap.Sensor.Name)
		}
		saved++
		s.metrics.Saved(snap.Sensor.Name)
	}

	s.metrics.SaveCycle(s.clock.Since(start).Seconds(), s.registry.DirtyCount())
	return saved, errors.Join(errs...)
}

func (s *Scheduler) store(ctx context.Context, snap sensors.Snapshot) error {
	monitoring.Tracef("saving %s (%d samples, version %d)", snap.Sensor.Name, len(snap.Samples), snap.Version)
	for _, sink := range s.sinks {
		if err := sink.Store(ctx, snap); err != nil {
			s.metrics.SaveFailed(sink.Name())
			return &StorageWriteError{Sensor: snap.Sensor.Name, Sink: sink.Name(), Err: err}
		}
	}
	return nil
}
