package postgres

import (
	"context"
	"database/sql"
	"time"
)

// CounterStore backs the admission counters shared by every instance.
type CounterStore struct {
	db *sql.DB
}

func NewCounterStore(db *sql.DB) *CounterStore {
	return &CounterStore{db: db}
}

// Incr atomically increments key and returns the new count. An expired
// counter restarts at 1 with a fresh window.
func (s *CounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO admission_counters (key, count, expires_at)
		 VALUES ($1, 1, NOW() + $2 * INTERVAL '1 millisecond')
		 ON CONFLICT (key) DO UPDATE
		 SET count = CASE WHEN admission_counters.expires_at <= NOW() THEN 1 ELSE admission_counters.count + 1 END,
		     expires_at = CASE WHEN admission_counters.expires_at <= NOW() THEN EXCLUDED.expires_at ELSE admission_counters.expires_at END
		 RETURNING count`,
		key, window.Milliseconds(),
	).Scan(&count)
	return count, err
}

func (s *CounterStore) Reset(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admission_counters WHERE key = $1`, key)
	return err
}

func (s *CounterStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM admission_counters WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
