// Package reconcile matches a parsed genre announce to a catalog record and
// writes the genre, retrying with backoff while the record may not have been
// written yet.
//
// One call to Reconcile walks the state machine
//
//	Scoring -> Accepted | Retrying | Exhausted | Errored
//
// where Retrying sleeps and returns to Scoring, and the other three states
// are terminal. Catalog faults end the event immediately; they are never
// treated as "no match".
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/genrebot/internal/announce"
	"github.com/MikeSquared-Agency/genrebot/internal/matcher"
)

// Catalog is the read/update surface of the release catalog.
type Catalog interface {
	Candidates(ctx context.Context, noisyTitle, genre string) ([]string, error)
	UpdateGenre(ctx context.Context, title, genre string) error
}

// Notifier emits human-readable status lines.
type Notifier interface {
	Notify(ctx context.Context, line string)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Attempt is the mutable state threaded through one event's retry loop.
type Attempt struct {
	Number        int
	BestScore     float64
	BestCandidate string
}

func (a *Attempt) observe(c matcher.Candidate) {
	if a.BestCandidate == "" || c.Score > a.BestScore {
		a.BestCandidate = c.Title
		a.BestScore = c.Score
	}
}

type Reconciler struct {
	catalog  Catalog
	matcher  *matcher.Matcher
	notifier Notifier
	policy   Policy
	sleep    SleepFunc
	logger   *slog.Logger
}

func New(catalog Catalog, m *matcher.Matcher, notifier Notifier, policy Policy, logger *slog.Logger) *Reconciler {
	if m == nil {
		m = matcher.New(nil)
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		catalog:  catalog,
		matcher:  m,
		notifier: notifier,
		policy:   policy,
		sleep:    Sleep,
		logger:   logger,
	}
}

// WithSleep replaces the sleep used for the initial delay and backoff.
func (r *Reconciler) WithSleep(fn SleepFunc) *Reconciler {
	r.sleep = fn
	return r
}

// Policy returns the reconciler's retry policy.
func (r *Reconciler) Policy() Policy {
	return r.policy
}

// Reconcile runs the full announce pipeline for one parsed event and returns
// its single terminal outcome.
func (r *Reconciler) Reconcile(ctx context.Context, evt announce.Event, p announce.Parsed) Outcome {
	out := Outcome{
		EventID:    evt.ID,
		NoisyTitle: p.NoisyTitle,
		Genre:      p.GenreNormalized,
	}
	log := r.logger.With("event_id", evt.ID, "title", p.NoisyTitle, "genre", p.GenreNormalized)

	r.notifier.Notify(ctx, foundLine(p))
	r.notifier.Notify(ctx, genreLine(p))
	log.Info("announce received", "delay", r.policy.InitialDelay)

	if err := r.sleep(ctx, r.policy.InitialDelay); err != nil {
		return r.abort(ctx, out, log, err)
	}

	var att Attempt
	for {
		out.Passes++
		cands, err := r.catalog.Candidates(ctx, p.NoisyTitle, p.GenreNormalized)
		if err != nil {
			out.fill(att)
			return r.fault(ctx, out, log, FaultRetrieval, p.NoisyTitle, fmt.Errorf("candidate lookup: %w", err))
		}

		best, ok := r.matcher.Best(p.NoisyTitle, cands)
		if ok {
			att.observe(best)
		}
		log.Debug("scored candidates", "attempt", att.Number, "candidates", len(cands), "best", best.Title, "score", best.Score)

		if ok && r.policy.Accepts(best.Score) {
			out.fill(att)
			return r.commit(ctx, out, log, best)
		}

		if att.Number < r.policy.MaxAttempts {
			att.Number++
			wait := r.policy.Wait(att.Number)
			r.notifier.Notify(ctx, retryLine(p.NoisyTitle, att, r.policy.MaxAttempts, wait))
			log.Info("no acceptable match, retrying", "attempt", att.Number, "best_score", att.BestScore, "wait", wait)
			if err := r.sleep(ctx, wait); err != nil {
				out.fill(att)
				return r.abort(ctx, out, log, err)
			}
			out.TotalBackoff += wait
			continue
		}

		out.fill(att)
		out.State = StateExhausted
		r.notifier.Notify(ctx, gaveUpLine(p.NoisyTitle, att))
		log.Warn("gave up matching", "attempts", att.Number, "best", att.BestCandidate, "best_score", att.BestScore)
		return out
	}
}

// ScoreOnce runs a single retrieval and scoring pass without sleeping or
// writing. accepted reports whether the best candidate clears the threshold.
func (r *Reconciler) ScoreOnce(ctx context.Context, p announce.Parsed) (best matcher.Candidate, accepted bool, err error) {
	cands, err := r.catalog.Candidates(ctx, p.NoisyTitle, p.GenreNormalized)
	if err != nil {
		return matcher.Candidate{}, false, fmt.Errorf("candidate lookup: %w", err)
	}
	best, ok := r.matcher.Best(p.NoisyTitle, cands)
	if !ok {
		return matcher.Candidate{}, false, nil
	}
	return best, r.policy.Accepts(best.Score), nil
}

// Replay re-runs a parsed announce with a single scoring pass and writes the
// genre when the match is accepted. It does not back off.
func (r *Reconciler) Replay(ctx context.Context, p announce.Parsed) Outcome {
	out := Outcome{EventID: uuid.New(), NoisyTitle: p.NoisyTitle, Genre: p.GenreNormalized, Passes: 1}
	log := r.logger.With("event_id", out.EventID, "title", p.NoisyTitle, "genre", p.GenreNormalized, "replay", true)

	best, accepted, err := r.ScoreOnce(ctx, p)
	if err != nil {
		return r.fault(ctx, out, log, FaultRetrieval, p.NoisyTitle, err)
	}
	out.BestCandidate, out.BestScore = best.Title, best.Score
	if !accepted {
		out.State = StateExhausted
		r.notifier.Notify(ctx, gaveUpLine(p.NoisyTitle, Attempt{BestScore: best.Score, BestCandidate: best.Title}))
		return out
	}
	return r.commit(ctx, out, log, best)
}

func (r *Reconciler) commit(ctx context.Context, out Outcome, log *slog.Logger, best matcher.Candidate) Outcome {
	out.MatchedTitle = best.Title
	out.Score = best.Score
	r.notifier.Notify(ctx, matchLine(best))

	if err := r.catalog.UpdateGenre(ctx, best.Title, out.Genre); err != nil {
		return r.fault(ctx, out, log, FaultWrite, best.Title, fmt.Errorf("update genre: %w", err))
	}

	out.State = StateAccepted
	r.notifier.Notify(ctx, updatedLine(best.Title, out.Genre))
	log.Info("genre updated", "matched", best.Title, "score", best.Score, "attempts", out.Attempts)
	return out
}

func (r *Reconciler) fault(ctx context.Context, out Outcome, log *slog.Logger, kind Fault, subject string, err error) Outcome {
	out.State = StateErrored
	out.Fault = kind
	out.Err = err
	out.Error = err.Error()
	r.notifier.Notify(ctx, dbErrorLine(subject, err))
	log.Error("catalog fault", "fault", string(kind), "subject", subject, "error", err)
	return out
}

func (r *Reconciler) abort(ctx context.Context, out Outcome, log *slog.Logger, err error) Outcome {
	out.State = StateErrored
	out.Fault = FaultCancelled
	out.Err = err
	out.Error = err.Error()
	log.Warn("reconciliation cancelled", "error", err)
	return out
}
