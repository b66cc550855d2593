// Package scheduler serializes reconciliation passes on a single worker.
//
// Any goroutine may call RequestSync; the call appends a request to a FIFO
// queue and returns at once. One worker goroutine pops requests and runs
// the pass function, so passes never overlap. With Config.Coalesce set,
// requests that queued up behind a running pass are served by a single
// follow-up run.
//
// Stop drops requests that have not started, lets the running pass
// finish and waits for the worker to exit, bounded by Config.StopTimeout.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrStopped is returned by RequestSync after Stop.
	ErrStopped = errors.New("scheduler stopped")

	// ErrStopTimeout is returned by Stop when the worker did not exit in time.
	ErrStopTimeout = errors.New("timed out waiting for sync worker to exit")
)

// DefaultStopTimeout bounds how long Stop waits for a running pass.
const DefaultStopTimeout = 60 * time.Second

// RunFunc performs one reconciliation pass.
type RunFunc func(ctx context.Context) error

// Config configures a Scheduler.
type Config struct {
	// Coalesce serves all queued requests with one run.
	Coalesce bool

	// StopTimeout defaults to DefaultStopTimeout.
	StopTimeout time.Duration

	// OnComplete is called on the worker goroutine after every run.
	OnComplete func(Outcome)

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// request is one queued unit of work. A request with stop set is the
// shutdown sentinel.
type request struct {
	id       string
	reason   string
	enqueued time.Time
	stop     bool
}

// Scheduler runs passes one at a time in request order.
type Scheduler struct {
	run    RunFunc
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queue     []request
	state     State
	current   []string
	started   bool
	stopping  bool
	seq       uint64
	completed uint64
	failed    uint64
	last      *Outcome

	wake chan struct{}
	done chan struct{}
}

// New creates a Scheduler. Call Start to launch the worker.
func New(run RunFunc, cfg Config) (*Scheduler, error) {
	if run == nil {
		return nil, fmt.Errorf("run function cannot be nil")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		run:    run,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "scheduler")),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine. Requests queued before Start are
// served in order.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return ErrStopped
	}
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	go s.loop()
	s.signal()
	return nil
}

// RequestSync queues a pass and returns its correlation id without
// waiting for it to run.
func (s *Scheduler) RequestSync(reason string) (string, error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return "", ErrStopped
	}
	s.seq++
	id := fmt.Sprintf("sync-%06d", s.seq)
	s.queue = append(s.queue, request{id: id, reason: reason, enqueued: time.Now()})
	pending := len(s.queue)
	s.mu.Unlock()

	s.signal()
	s.logger.Debug("sync requested", slog.String("id", id), slog.String("reason", reason), slog.Int("pending", pending))
	return id, nil
}

// Status returns a snapshot of the worker state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:     s.state,
		Pending:   len(s.queue),
		Current:   append([]string(nil), s.current...),
		Completed: s.completed,
		Failed:    s.failed,
	}
	if s.last != nil {
		last := *s.last
		st.Last = &last
	}
	return st
}

// Stop drops pending requests, waits for the running pass to finish and
// for the worker to exit. It returns ErrStopTimeout if that takes longer
// than Config.StopTimeout, in which case the pass context is cancelled.
// Stop is safe to call more than once.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		if !s.stopping {
			s.stopping = true
			close(s.done)
		}
		s.state = StateStopped
		s.queue = nil
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	alreadyStopping := s.stopping
	if !alreadyStopping {
		s.stopping = true
		if dropped := len(s.queue); dropped > 0 {
			s.logger.Info("dropping pending sync requests", slog.Int("count", dropped))
		}
		s.queue = append(s.queue[:0], request{stop: true})
	}
	s.mu.Unlock()

	s.signal()

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-timer.C:
		s.cancel()
		s.logger.Error("sync worker did not exit in time", slog.Duration("timeout", s.cfg.StopTimeout))
		return ErrStopTimeout
	}
}

// Done is closed when the worker has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)

	for {
		batch, stop := s.next()
		if stop {
			s.logger.Debug("sync worker exiting")
			return
		}
		s.execute(batch)
	}
}

// next blocks until work or the stop sentinel is at the head of the queue.
func (s *Scheduler) next() ([]request, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			head := s.queue[0]
			if head.stop {
				s.queue = nil
				s.state = StateStopped
				s.mu.Unlock()
				return nil, true
			}

			n := 1
			if s.cfg.Coalesce {
				for n < len(s.queue) && !s.queue[n].stop {
					n++
				}
			}
			batch := make([]request, n)
			copy(batch, s.queue[:n])
			s.queue = s.queue[n:]

			s.state = StateRunning
			s.current = s.current[:0]
			for _, r := range batch {
				s.current = append(s.current, r.id)
			}
			s.mu.Unlock()
			return batch, false
		}
		s.mu.Unlock()

		<-s.wake
	}
}

func (s *Scheduler) execute(batch []request) {
	outcome := Outcome{Started: time.Now()}
	for _, r := range batch {
		outcome.IDs = append(outcome.IDs, r.id)
		outcome.Reasons = append(outcome.Reasons, r.reason)
	}
	if len(batch) > 0 {
		outcome.Waited = outcome.Started.Sub(batch[0].enqueued)
	}

	outcome.Err = s.safeRun()
	outcome.Finished = time.Now()
	if outcome.Err != nil {
		outcome.Error = outcome.Err.Error()
		s.logger.Error("sync pass failed", slog.Any("ids", outcome.IDs), slog.Any("error", outcome.Err))
	} else {
		s.logger.Debug("sync pass finished", slog.Any("ids", outcome.IDs), slog.Duration("duration", outcome.Duration()))
	}

	s.mu.Lock()
	s.state = StateIdle
	s.current = s.current[:0]
	if outcome.Err != nil {
		s.failed++
	} else {
		s.completed++
	}
	last := outcome
	s.last = &last
	s.mu.Unlock()

	if s.cfg.OnComplete != nil {
		s.cfg.OnComplete(outcome)
	}
}

// safeRun converts a panic in the pass into an error so the worker survives.
func (s *Scheduler) safeRun() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync pass panicked: %v", r)
		}
	}()
	return s.run(s.ctx)
}
