package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MikeSquared-Agency/genrebot/internal/announce"
	"github.com/MikeSquared-Agency/genrebot/internal/reconcile"
)

// DefaultMaxTries is how many failed replays an entry survives before it is dropped.
const DefaultMaxTries = 5

// Catalog is the write surface used to replay write faults.
type Catalog interface {
	UpdateGenre(ctx context.Context, title, genre string) error
}

// Replayer re-runs a parsed announce with a single scoring pass.
type Replayer interface {
	Replay(ctx context.Context, p announce.Parsed) reconcile.Outcome
}

// Serializer runs fn on the same goroutine that reconciles live announces, so a
// replay never overlaps live work on the same title.
type Serializer interface {
	Serialize(ctx context.Context, fn func(ctx context.Context) error) error
}

// ErrSweepRunning is returned by RetryAll while another sweep holds the queue.
var ErrSweepRunning = errors.New("dead-letter sweep already running")

// Summary reports one sweep over the queue.
type Summary struct {
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

// Retrier sweeps the dead-letter queue. Write faults with a known matched
// title retry the update directly; everything else is replayed through the
// reconciler.
type Retrier struct {
	store    *Store
	catalog  Catalog
	replayer Replayer
	maxTries int
	logger   *slog.Logger

	serializer Serializer
	sweeping   sync.Mutex
}

func NewRetrier(store *Store, catalog Catalog, replayer Replayer, maxTries int, logger *slog.Logger) *Retrier {
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	return &Retrier{store: store, catalog: catalog, replayer: replayer, maxTries: maxTries, logger: logger}
}

// WithSerializer routes each replay through s instead of the calling goroutine.
func (r *Retrier) WithSerializer(s Serializer) *Retrier {
	r.serializer = s
	return r
}

// RetryAll replays every queued entry once. Only one sweep runs at a time;
// an overlapping call returns ErrSweepRunning without touching the queue.
func (r *Retrier) RetryAll(ctx context.Context) (Summary, error) {
	if !r.sweeping.TryLock() {
		return Summary{}, ErrSweepRunning
	}
	defer r.sweeping.Unlock()

	entries, err := r.store.List(ctx)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		replayErr := r.run(ctx, e)
		if err := ctx.Err(); err != nil {
			// Interrupted, not a failed attempt.
			return sum, err
		}
		if errors.Is(replayErr, ErrNotFound) {
			r.logger.Debug("dead letter superseded before replay", "id", e.ID, "title", e.NoisyTitle)
			continue
		}
		if replayErr == nil {
			if err := r.store.Remove(ctx, e.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return sum, err
			}
			sum.Resolved++
			r.logger.Info("dead letter resolved", "id", e.ID, "title", e.NoisyTitle, "genre", e.Genre)
			continue
		}

		tries, err := r.store.MarkTried(ctx, e.ID, replayErr.Error())
		if err != nil {
			return sum, err
		}
		if tries >= r.maxTries {
			if err := r.store.Remove(ctx, e.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return sum, err
			}
			sum.Dropped++
			r.logger.Warn("dead letter dropped", "id", e.ID, "title", e.NoisyTitle, "tries", tries, "error", replayErr)
			continue
		}
		sum.Failed++
		r.logger.Info("dead letter retry failed", "id", e.ID, "title", e.NoisyTitle, "tries", tries, "error", replayErr)
	}

	remaining, err := r.store.Count(ctx)
	if err != nil {
		return sum, err
	}
	sum.Remaining = remaining
	return sum, nil
}

// run replays e unless a live announce superseded it while the sweep waited.
func (r *Retrier) run(ctx context.Context, e Entry) error {
	replay := func(ctx context.Context) error {
		if _, err := r.store.Get(ctx, e.ID); err != nil {
			return err
		}
		return r.replay(ctx, e)
	}
	if r.serializer == nil {
		return replay(ctx)
	}
	return r.serializer.Serialize(ctx, replay)
}

func (r *Retrier) replay(ctx context.Context, e Entry) error {
	if e.Kind == KindWrite && e.MatchedTitle != "" {
		if err := r.catalog.UpdateGenre(ctx, e.MatchedTitle, e.Genre); err != nil {
			return fmt.Errorf("update genre: %w", err)
		}
		return nil
	}

	out := r.replayer.Replay(ctx, announce.Parsed{
		NoisyTitle:      e.NoisyTitle,
		GenreRaw:        e.Genre,
		GenreNormalized: e.Genre,
	})
	switch out.State {
	case reconcile.StateAccepted:
		return nil
	case reconcile.StateExhausted:
		return fmt.Errorf("no acceptable match (best %q %.2f)", out.BestCandidate, out.BestScore)
	default:
		if out.Err != nil {
			return out.Err
		}
		return errors.New(out.Error)
	}
}
