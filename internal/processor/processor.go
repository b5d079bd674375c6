package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/genrebot/internal/announce"
	"github.com/MikeSquared-Agency/genrebot/internal/hermes"
	"github.com/MikeSquared-Agency/genrebot/internal/reconcile"
)

// DefaultQueueSize bounds the number of parsed announces waiting for the worker.
const DefaultQueueSize = 256

// deadLetterTimeout bounds a dead-letter write, which outlives worker shutdown.
const deadLetterTimeout = 5 * time.Second

// Reconciler runs one parsed announce to a terminal outcome.
type Reconciler interface {
	Reconcile(ctx context.Context, evt announce.Event, p announce.Parsed) reconcile.Outcome
}

// Publisher receives every terminal outcome.
type Publisher interface {
	PublishOutcome(outcome any) error
}

// DeadLetters records outcomes that ended in a catalog fault and forgets
// older faults for a title once a newer announce for it is committed.
type DeadLetters interface {
	Record(ctx context.Context, outcome reconcile.Outcome) error
	Supersede(ctx context.Context, noisyTitle string) (int, error)
}

// job is either a parsed announce or a serialized task (fn set).
type job struct {
	evt    announce.Event
	parsed announce.Parsed

	fn   func(ctx context.Context) error
	done chan error
}

// Processor filters announcer traffic and feeds parsed announces to a single
// worker, so reconciliations run one at a time in arrival order while the
// transport read loop never blocks.
type Processor struct {
	announcer   string
	reconciler  Reconciler
	publisher   Publisher
	deadLetters DeadLetters
	logger      *slog.Logger
	queue       chan job

	received  atomic.Int64
	parsed    atomic.Int64
	dropped   atomic.Int64
	accepted  atomic.Int64
	exhausted atomic.Int64
	errored   atomic.Int64
	panics    atomic.Int64
}

// Stats is a point-in-time snapshot of the processor counters.
type Stats struct {
	Received   int64 `json:"received"`
	Parsed     int64 `json:"parsed"`
	Dropped    int64 `json:"dropped"`
	Accepted   int64 `json:"accepted"`
	Exhausted  int64 `json:"exhausted"`
	Errored    int64 `json:"errored"`
	Panics     int64 `json:"panics"`
	QueueDepth int   `json:"queue_depth"`
}

func New(announcer string, rec Reconciler, queueSize int, logger *slog.Logger) *Processor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Processor{
		announcer:  announcer,
		reconciler: rec,
		logger:     logger,
		queue:      make(chan job, queueSize),
	}
}

// WithPublisher publishes each outcome, typically on hermes.SubjectOutcome.
func (p *Processor) WithPublisher(pub Publisher) *Processor {
	p.publisher = pub
	return p
}

// WithDeadLetters records faulted outcomes for later replay.
func (p *Processor) WithDeadLetters(dl DeadLetters) *Processor {
	p.deadLetters = dl
	return p
}

// HandleMessage is the channel message callback. It reports whether the
// message was a genre announce that was queued.
func (p *Processor) HandleMessage(sender, text string) bool {
	p.received.Add(1)
	if sender != p.announcer {
		return false
	}

	parsed, ok := announce.Parse(text)
	if !ok {
		return false
	}
	p.parsed.Add(1)

	evt := announce.NewEvent(sender, text)
	select {
	case p.queue <- job{evt: evt, parsed: parsed}:
		p.logger.Debug("announce queued", "event_id", evt.ID, "title", parsed.NoisyTitle)
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("announce queue full, dropping", "event_id", evt.ID, "title", parsed.NoisyTitle, "queue_size", cap(p.queue))
		return false
	}
}

// HandleRelay is the NATS handler for hermes.SubjectAnnounce.
func (p *Processor) HandleRelay(subject string, data []byte) {
	relay, err := hermes.ParseRelay(data)
	if err != nil {
		p.logger.Error("failed to parse announce relay", "subject", subject, "error", err)
		return
	}
	p.HandleMessage(relay.Sender, relay.Text)
}

// Run drains the queue until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("announce worker started", "queue_size", cap(p.queue))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("announce worker stopped", "pending", len(p.queue))
			return nil
		case j := <-p.queue:
			if j.fn != nil {
				j.done <- p.runTask(ctx, j.fn)
				continue
			}
			p.Process(ctx, j.evt, j.parsed)
		}
	}
}

// Serialize runs fn on the worker between announces, so it never overlaps a
// reconciliation. It waits for queue space, unlike HandleMessage, and returns
// fn's error. Run must be running for fn to execute.
func (p *Processor) Serialize(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case p.queue <- job{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) runTask(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("serialized task panicked", "panic", fmt.Sprint(r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Process reconciles one announce and fans the outcome out. A panic inside a
// single event is logged and counted; the worker keeps running.
func (p *Processor) Process(ctx context.Context, evt announce.Event, parsed announce.Parsed) (out reconcile.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.errored.Add(1)
			p.logger.Error("reconciliation panicked", "event_id", evt.ID, "title", parsed.NoisyTitle, "panic", fmt.Sprint(r))
			out = reconcile.Outcome{
				EventID:    evt.ID,
				State:      reconcile.StateErrored,
				NoisyTitle: parsed.NoisyTitle,
				Genre:      parsed.GenreNormalized,
				Error:      fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	out = p.reconciler.Reconcile(ctx, evt, parsed)

	switch out.State {
	case reconcile.StateAccepted:
		p.accepted.Add(1)
	case reconcile.StateExhausted:
		p.exhausted.Add(1)
	case reconcile.StateErrored:
		p.errored.Add(1)
	}

	if p.deadLetters != nil {
		p.settleDeadLetters(ctx, out)
	}

	if p.publisher != nil {
		if err := p.publisher.PublishOutcome(out); err != nil {
			p.logger.Error("failed to publish outcome", "event_id", evt.ID, "error", err)
		}
	}

	p.logger.Info("announce processed",
		"event_id", evt.ID,
		"title", parsed.NoisyTitle,
		"state", string(out.State),
		"attempts", out.Attempts,
	)
	return out
}

// settleDeadLetters queues a faulted outcome, or clears older faults for a
// title that was just committed. A fault hit during shutdown is still written.
func (p *Processor) settleDeadLetters(ctx context.Context, out reconcile.Outcome) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()

	switch out.State {
	case reconcile.StateErrored:
		if err := p.deadLetters.Record(dctx, out); err != nil {
			p.logger.Error("failed to record dead letter", "event_id", out.EventID, "error", err)
		}
	case reconcile.StateAccepted:
		n, err := p.deadLetters.Supersede(dctx, out.NoisyTitle)
		if err != nil {
			p.logger.Error("failed to supersede dead letters", "event_id", out.EventID, "error", err)
		} else if n > 0 {
			p.logger.Info("superseded dead letters", "event_id", out.EventID, "title", out.NoisyTitle, "count", n)
		}
	}
}

// Stats returns the current counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Received:   p.received.Load(),
		Parsed:     p.parsed.Load(),
		Dropped:    p.dropped.Load(),
		Accepted:   p.accepted.Load(),
		Exhausted:  p.exhausted.Load(),
		Errored:    p.errored.Load(),
		Panics:     p.panics.Load(),
		QueueDepth: len(p.queue),
	}
}
