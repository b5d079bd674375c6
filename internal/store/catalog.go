package store

import (
	"context"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
)

const (
	// CandidateLimit caps how many titles one lookup may return.
	CandidateLimit = 500
	// LengthWindow is the allowed difference, in characters, between the
	// noisy title and a candidate.
	LengthWindow = 10
)

// LengthBounds returns the inclusive character-length window for a noisy
// title. PostgreSQL length() counts characters, so runes are counted here too.
func LengthBounds(noisyTitle string) (int, int) {
	n := utf8.RuneCountInString(noisyTitle)
	return n - LengthWindow, n + LengthWindow
}

// Candidates returns up to CandidateLimit catalog titles, newest first, whose
// length is close to noisyTitle. Records with no genre or with exactly genre
// are preferred; only when none exist is the genre restriction dropped.
func (s *Store) Candidates(ctx context.Context, noisyTitle, genre string) ([]string, error) {
	lo, hi := LengthBounds(noisyTitle)

	titles, err := s.queryTitles(ctx, s.queries.candidatesByGenre, lo, hi, genre, CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("query candidates by genre: %w", err)
	}
	if len(titles) > 0 {
		return titles, nil
	}

	titles, err = s.queryTitles(ctx, s.queries.candidatesAny, lo, hi, CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	return titles, nil
}

func (s *Store) queryTitles(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	titles, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan titles: %w", err)
	}
	return titles, nil
}

// UpdateGenre sets the genre of the record keyed by title. It returns
// ErrRecordNotFound when no row was changed.
func (s *Store) UpdateGenre(ctx context.Context, title, genre string) error {
	tag, err := s.pool.Exec(ctx, s.queries.updateGenre, genre, title)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, title)
	}
	return nil
}

// Stats summarises genre coverage across the catalog.
type Stats struct {
	TotalReleases     int64   `json:"total_releases"`
	WithGenre         int64   `json:"with_genre"`
	WithoutGenre      int64   `json:"without_genre"`
	CompletionPercent float64 `json:"completion_percentage"`
}

// Stats counts releases with and without a genre.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.pool.QueryRow(ctx, s.queries.stats).Scan(&st.TotalReleases, &st.WithGenre); err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st.withDerived(), nil
}

func (st Stats) withDerived() Stats {
	st.WithoutGenre = st.TotalReleases - st.WithGenre
	if st.TotalReleases > 0 {
		pct := float64(st.WithGenre) / float64(st.TotalReleases) * 100
		st.CompletionPercent = math.Round(pct*100) / 100
	}
	return st
}
