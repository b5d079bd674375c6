package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRecordNotFound is returned when an update matched no catalog row.
var ErrRecordNotFound = errors.New("catalog record not found")

// Schema names the catalog table and columns. Identifiers are quoted with
// pgx.Identifier, values always travel as bind parameters.
type Schema struct {
	Table       string `toml:"table" validate:"required"`
	TitleColumn string `toml:"title_column" validate:"required"`
	GenreColumn string `toml:"genre_column" validate:"required"`
	TimeColumn  string `toml:"time_column" validate:"required"`
}

// DefaultSchema matches the releases table the announce bots write to.
func DefaultSchema() Schema {
	return Schema{
		Table:       "releases",
		TitleColumn: "title",
		GenreColumn: "genre",
		TimeColumn:  "recorded_at",
	}
}

type Store struct {
	pool    *pgxpool.Pool
	queries queries
}

func New(ctx context.Context, databaseURL string, schema Schema) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, queries: buildQueries(schema)}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

type queries struct {
	candidatesByGenre string
	candidatesAny     string
	updateGenre       string
	stats             string
}

func buildQueries(schema Schema) queries {
	table := pgx.Identifier{schema.Table}.Sanitize()
	title := pgx.Identifier{schema.TitleColumn}.Sanitize()
	genre := pgx.Identifier{schema.GenreColumn}.Sanitize()
	recorded := pgx.Identifier{schema.TimeColumn}.Sanitize()

	return queries{
		candidatesByGenre: fmt.Sprintf(`
		SELECT %[2]s FROM %[1]s
		WHERE length(%[2]s) BETWEEN $1 AND $2
		  AND (%[3]s IS NULL OR %[3]s = '' OR %[3]s = $3)
		ORDER BY %[4]s DESC
		LIMIT $4`, table, title, genre, recorded),
		candidatesAny: fmt.Sprintf(`
		SELECT %[2]s FROM %[1]s
		WHERE length(%[2]s) BETWEEN $1 AND $2
		ORDER BY %[3]s DESC
		LIMIT $3`, table, title, recorded),
		updateGenre: fmt.Sprintf(`
		UPDATE %[1]s SET %[3]s = $1
		WHERE %[2]s = $2`, table, title, genre),
		stats: fmt.Sprintf(`
		SELECT count(*),
		       count(*) FILTER (WHERE %[2]s IS NOT NULL AND %[2]s <> '')
		FROM %[1]s`, table, genre),
	}
}
