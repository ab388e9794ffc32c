package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/livewatch/telemetry"
)

// Item is one accepted callback waiting for a consumer.
type Item struct {
	// ID is the provider message id, or a generated one when the provider sends none.
	ID       string
	Provider string
	// Type is the Twitch message type or the WebSub request kind.
	Type     string
	Body     []byte
	Query    map[string]string
	Received time.Time
}

// Handler consumes one item.
type Handler func(ctx context.Context, it Item) error

// DefaultMaxStragglers bounds the timed-out handlers a queue lets run on in the background.
const DefaultMaxStragglers = 16

// Queue is an unbounded FIFO between the HTTP handlers and their consumers. Push never blocks so
// a handler can acknowledge the provider immediately.
type Queue struct {
	provider string
	mu       sync.Mutex
	items    []Item
	signal   chan struct{}

	// strays holds one slot per abandoned handler that has not returned. When it is full a timed
	// out worker waits for its handler instead of abandoning it.
	strays chan struct{}
}

// NewQueue returns an empty queue. provider labels its metrics and logs.
func NewQueue(provider string) *Queue {
	return NewQueueWithLimit(provider, DefaultMaxStragglers)
}

// NewQueueWithLimit is NewQueue with an explicit cap on abandoned handlers still running.
func NewQueueWithLimit(provider string, maxStragglers int) *Queue {
	if maxStragglers < 0 {
		maxStragglers = 0
	}
	return &Queue{provider: provider, signal: make(chan struct{}, 1), strays: make(chan struct{}, maxStragglers)}
}

// Stragglers returns the number of abandoned handlers still running.
func (q *Queue) Stragglers() int { return len(q.strays) }

// Push appends an item.
func (q *Queue) Push(it Item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	n := len(q.items)
	q.mu.Unlock()
	telemetry.SetIntakeDepth(q.provider, n)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of waiting items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) pop(ctx context.Context) (Item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = Item{}
			q.items = q.items[1:]
			n := len(q.items)
			q.mu.Unlock()
			telemetry.SetIntakeDepth(q.provider, n)
			if n > 0 {
				// Wake another worker for the remainder.
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return it, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Item{}, false
		case <-q.signal:
		}
	}
}

// Run drains the queue with the given number of workers until ctx is done. Each item gets its own
// context bounded by timeout; an item still running when the timeout fires is abandoned and the
// worker moves on, up to the queue's straggler limit. Panics and errors are logged at the item
// boundary.
func (q *Queue) Run(ctx context.Context, workers int, timeout time.Duration, fn Handler) {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	log := slog.Default().With(slog.String("component", "intake"), slog.String("provider", q.provider))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, ok := q.pop(ctx)
				if !ok {
					return
				}
				q.process(ctx, log, timeout, fn, it)
			}
		}()
	}
	wg.Wait()
}

func (q *Queue) process(ctx context.Context, log *slog.Logger, timeout time.Duration, fn Handler, it Item) {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ictx, span := telemetry.StartSpan(ictx, "webhook", "intake.item")
	defer span.End()
	ilog := log.With(slog.String("id", it.ID), slog.String("type", it.Type))

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ilog.Error("intake item panicked", slog.Any("panic", r))
				done <- nil
			}
		}()
		done <- fn(ictx, it)
	}()

	select {
	case err := <-done:
		telemetry.ObserveIntake(q.provider, time.Since(start))
		if err != nil {
			telemetry.RecordError(span, err)
			ilog.Warn("intake item failed", slog.Any("err", err))
			return
		}
		telemetry.SetSpanSuccess(span)
	case <-ictx.Done():
		telemetry.RecordError(span, ictx.Err())
		if ctx.Err() != nil {
			ilog.Warn("intake item abandoned at shutdown")
			return
		}
		select {
		case q.strays <- struct{}{}:
			n := len(q.strays)
			telemetry.SetIntakeStragglers(q.provider, n)
			ilog.Warn("intake item abandoned", slog.Duration("timeout", timeout), slog.Int("stragglers", n))
			go func() {
				<-done
				<-q.strays
				telemetry.SetIntakeStragglers(q.provider, len(q.strays))
				ilog.Info("abandoned intake item returned", slog.Duration("took", time.Since(start)))
			}()
		default:
			ilog.Warn("intake straggler limit reached, waiting for handler",
				slog.Duration("timeout", timeout), slog.Int("stragglers", cap(q.strays)))
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
	}
}
