// Package recheck schedules debounced re-pulls of a feed after a push signal, to catch items a
// cached upstream response hid from the immediate pull.
package recheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/livewatch/telemetry"
)

// Timer is the part of *time.Timer the scheduler uses.
type Timer interface {
	Stop() bool
}

// AfterFunc matches time.AfterFunc. Tests inject a fake clock through it.
type AfterFunc func(d time.Duration, f func()) Timer

// Action is the job run once the quiet window elapses.
type Action func(ctx context.Context, key string)

type job struct {
	gen   uint64
	timer Timer
}

// Scheduler debounces actions per key: scheduling a key again within the window replaces the
// pending job, so the action runs once, a full window after the last call.
type Scheduler struct {
	window    time.Duration
	afterFunc AfterFunc
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	gen     uint64
	pending map[string]job
	stopped bool
	wg      sync.WaitGroup
}

// New returns a scheduler with the given quiet window. Actions receive a context that is
// cancelled by Stop.
func New(window time.Duration) *Scheduler {
	return NewWithTimer(window, func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) })
}

// NewWithTimer is New with an injectable timer factory.
func NewWithTimer(window time.Duration, af AfterFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		window:    window,
		afterFunc: af,
		ctx:       ctx,
		cancel:    cancel,
		pending:   map[string]job{},
	}
}

// Schedule cancels any pending job for key and schedules action to run after the window.
func (s *Scheduler) Schedule(key string, action Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.pending[key]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	timer := s.afterFunc(s.window, func() { s.fire(key, gen, action) })
	s.pending[key] = job{gen: gen, timer: timer}
	telemetry.SetRecheckPending(len(s.pending))
}

// fire runs action unless a newer Schedule for key superseded this job. Stop on a timer whose
// function already started cannot prevent the call, so the generation decides.
func (s *Scheduler) fire(key string, gen uint64, action Action) {
	s.mu.Lock()
	cur, ok := s.pending[key]
	if !ok || cur.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	telemetry.SetRecheckPending(len(s.pending))
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recheck panicked", slog.String("component", "recheck"), slog.String("key", key), slog.Any("panic", r))
		}
	}()
	action(s.ctx, key)
}

// Cancel drops the pending job for key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pending[key]; ok {
		old.timer.Stop()
		delete(s.pending, key)
		telemetry.SetRecheckPending(len(s.pending))
	}
}

// Pending returns the number of scheduled jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending job and waits for running actions to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for key, j := range s.pending {
		j.timer.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
