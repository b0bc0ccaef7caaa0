// Package storage persists (image path, feature vector) rows in PostgreSQL
// and answers nearest-neighbour queries over them.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/hupe1980/vecgo/distance"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Record is one image path and its feature vector.
type Record struct {
	Path     string
	Features []float32
}

// Match is a stored image ranked against a query vector.
type Match struct {
	ImageID  int64   `json:"image_id"`
	ImageURL string  `json:"image_url"`
	Distance float64 `json:"distance"`
}

type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL. The single handle lives until Close.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("can't connect to database: %w", err)
	}

	return New(db), nil
}

// New wraps an open handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema migrations using its own connection.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SaveBatch inserts every record in one transaction and returns the new
// image IDs in input order. Either all rows are stored or none.
func (s *Store) SaveBatch(ctx context.Context, records []Record) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("can't begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		var id int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO images (image_url) VALUES ($1) RETURNING image_id`, rec.Path,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("can't save image %s: %w", rec.Path, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO image_vectors (vector_image, image_id) VALUES ($1, $2)`,
			toFloat64Array(rec.Features), id,
		)
		if err != nil {
			return nil, fmt.Errorf("can't save vector for %s: %w", rec.Path, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("can't commit batch: %w", err)
	}
	return ids, nil
}

// Nearest returns the k stored images closest to query by Euclidean
// distance, closest first. Rows whose dimensionality differs from the query
// are skipped.
func (s *Store) Nearest(ctx context.Context, query []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT i.image_id, i.image_url, v.vector_image
		   FROM images i
		   JOIN image_vectors v ON v.image_id = i.image_id`)
	if err != nil {
		return nil, fmt.Errorf("can't query vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m   Match
			vec pq.Float64Array
		)
		if err := rows.Scan(&m.ImageID, &m.ImageURL, &vec); err != nil {
			return nil, fmt.Errorf("can't scan vector row: %w", err)
		}
		if len(vec) != len(query) {
			continue
		}
		m.Distance = math.Sqrt(float64(distance.SquaredL2(query, toFloat32(vec))))
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return 0
		}
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Count reports how many images and vectors are stored.
func (s *Store) Count(ctx context.Context) (images, vectors int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM images), (SELECT COUNT(*) FROM image_vectors)`,
	).Scan(&images, &vectors)
	if err != nil {
		return 0, 0, fmt.Errorf("can't count rows: %w", err)
	}
	return images, vectors, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toFloat64Array(v []float32) pq.Float64Array {
	out := make(pq.Float64Array, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
