// Package history persists the append-only observation log of the
// optimiser: one parameter vector X and one normalized objective y per
// round, keyed by a tuner instance identifier so multiple tuners in one
// pipeline do not collide.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// MaxDims is the widest parameter vector the schema stores.
const MaxDims = 4

// ErrDimensionMismatch reports an append whose vector width differs from
// the rows already recorded under the same instance key. This means the
// tuning configuration changed between runs sharing a key; reshaping the
// data silently would corrupt the model, so the caller must reset first.
var ErrDimensionMismatch = errors.New("parameter dimensions differ from recorded history")

// Observation is one recorded round.
type Observation struct {
	Round int       `json:"round"`
	X     []float64 `json:"x"`
	Y     float64   `json:"y"`
}

// Store provides persistence for observation history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and applies all
// pending migrations from migrationsDir.
func Open(path, migrationsDir string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening observation database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrateUp(migrationsDir); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendAndReload records one observation for key inside a single
// transaction and returns the full history including the new row. The
// append is durable before any modeling happens, so a crash later in the
// round loses no data and a retried round sees the observation exactly
// once.
func (s *Store) AppendAndReload(key string, x []float64, y float64) ([]Observation, error) {
	if err := s.Append(key, x, y); err != nil {
		return nil, err
	}
	return s.Load(key)
}

// Append records one observation for key. The vector width must be
// between 1 and MaxDims and must match any history already recorded
// under key.
func (s *Store) Append(key string, x []float64, y float64) error {
	if len(x) == 0 || len(x) > MaxDims {
		return fmt.Errorf("parameter vector has %d dimensions, want 1 to %d", len(x), MaxDims)
	}

	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning append transaction: %w", err)
		}
		defer tx.Rollback()

		dims, round, err := keyShape(tx, key)
		if err != nil {
			return err
		}
		if dims != 0 && dims != len(x) {
			return fmt.Errorf("key %s has %d-dimensional history, got %d values: %w", key, dims, len(x), ErrDimensionMismatch)
		}
		round++

		cols := make([]*float64, MaxDims)
		for i := range x {
			v := x[i]
			cols[i] = &v
		}
		_, err = tx.Exec(`
			INSERT INTO tuner_x (observation_id, instance_key, round, x1, x2, x3, x4)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, uuid.New().String(), key, round, cols[0], cols[1], cols[2], cols[3])
		if err != nil {
			return fmt.Errorf("inserting x for key %s round %d: %w", key, round, err)
		}

		_, err = tx.Exec(`INSERT INTO tuner_y (instance_key, round, y) VALUES (?, ?, ?)`, key, round, y)
		if err != nil {
			return fmt.Errorf("inserting y for key %s round %d: %w", key, round, err)
		}

		return tx.Commit()
	})
}

// Load returns the full observation history for key in round order.
func (s *Store) Load(key string) ([]Observation, error) {
	query := `
		SELECT x.round, x.x1, x.x2, x.x3, x.x4, y.y
		FROM tuner_x x
		JOIN tuner_y y ON y.instance_key = x.instance_key AND y.round = x.round
		WHERE x.instance_key = ?
		ORDER BY x.round
	`
	rows, err := s.db.Query(query, key)
	if err != nil {
		return nil, fmt.Errorf("loading history for key %s: %w", key, err)
	}
	defer rows.Close()

	var history []Observation
	for rows.Next() {
		var obs Observation
		var xs [MaxDims]sql.NullFloat64
		if err := rows.Scan(&obs.Round, &xs[0], &xs[1], &xs[2], &xs[3], &obs.Y); err != nil {
			return nil, fmt.Errorf("scanning observation row: %w", err)
		}
		for _, v := range xs {
			if !v.Valid {
				break
			}
			obs.X = append(obs.X, v.Float64)
		}
		history = append(history, obs)
	}
	return history, rows.Err()
}

// Count returns the number of observations recorded for key.
func (s *Store) Count(key string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tuner_y WHERE instance_key = ?`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting observations for key %s: %w", key, err)
	}
	return n, nil
}

// Best returns the observation with the lowest y for key, the earliest
// round winning ties. Returns nil when no history exists.
func (s *Store) Best(key string) (*Observation, error) {
	query := `
		SELECT x.round, x.x1, x.x2, x.x3, x.x4, y.y
		FROM tuner_x x
		JOIN tuner_y y ON y.instance_key = x.instance_key AND y.round = x.round
		WHERE x.instance_key = ?
		ORDER BY y.y, x.round
		LIMIT 1
	`
	var obs Observation
	var xs [MaxDims]sql.NullFloat64
	err := s.db.QueryRow(query, key).Scan(&obs.Round, &xs[0], &xs[1], &xs[2], &xs[3], &obs.Y)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying best observation for key %s: %w", key, err)
	}
	for _, v := range xs {
		if !v.Valid {
			break
		}
		obs.X = append(obs.X, v.Float64)
	}
	return &obs, nil
}

// Reset deletes all history recorded for key.
func (s *Store) Reset(key string) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning reset transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM tuner_x WHERE instance_key = ?`, key); err != nil {
			return fmt.Errorf("deleting x history for key %s: %w", key, err)
		}
		if _, err := tx.Exec(`DELETE FROM tuner_y WHERE instance_key = ?`, key); err != nil {
			return fmt.Errorf("deleting y history for key %s: %w", key, err)
		}
		return tx.Commit()
	})
}

// keyShape returns the dimensionality and the highest round recorded for
// key, both zero when no history exists.
func keyShape(tx *sql.Tx, key string) (dims, round int, err error) {
	var xs [MaxDims]sql.NullFloat64
	var r int
	row := tx.QueryRow(`
		SELECT round, x1, x2, x3, x4 FROM tuner_x
		WHERE instance_key = ?
		ORDER BY round DESC
		LIMIT 1
	`, key)
	if err := row.Scan(&r, &xs[0], &xs[1], &xs[2], &xs[3]); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("inspecting history for key %s: %w", key, err)
	}
	for _, v := range xs {
		if !v.Valid {
			break
		}
		dims++
	}
	return dims, r, nil
}

// retryOnBusy retries a write a few times with backoff when sqlite
// reports the database as locked by a concurrent writer.
func retryOnBusy(fn func() error) error {
	const attempts = 5
	delay := 10 * time.Millisecond

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
