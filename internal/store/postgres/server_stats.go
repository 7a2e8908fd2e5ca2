package postgres

import (
	"context"
	"database/sql"
	"time"
)

type ServerStatStore struct {
	db *sql.DB
}

func NewServerStatStore(db *sql.DB) *ServerStatStore {
	return &ServerStatStore{db: db}
}

// RecordServerStat folds one attempt into the hourly row, keeping a running
// average of the relay response time in seconds.
func (s *ServerStatStore) RecordServerStat(ctx context.Context, serverID int64, success bool, latency time.Duration, at time.Time) error {
	at = at.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_stats (server_id, date, hour, sent_count, success_count, error_count, avg_response_time)
		 VALUES ($1, $2::date, $3, 1, CASE WHEN $4 THEN 1 ELSE 0 END, CASE WHEN $4 THEN 0 ELSE 1 END, $5)
		 ON CONFLICT (server_id, date, hour) DO UPDATE
		 SET avg_response_time = (server_stats.avg_response_time * server_stats.sent_count + EXCLUDED.avg_response_time)
		                         / (server_stats.sent_count + 1),
		     sent_count = server_stats.sent_count + 1,
		     success_count = server_stats.success_count + EXCLUDED.success_count,
		     error_count = server_stats.error_count + EXCLUDED.error_count`,
		serverID, at.Format("2006-01-02"), at.Hour(), success, latency.Seconds(),
	)
	return err
}

func (s *ServerStatStore) RecordServerError(ctx context.Context, serverID int64, at time.Time) error {
	at = at.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_stats (server_id, date, hour, error_count)
		 VALUES ($1, $2::date, $3, 1)
		 ON CONFLICT (server_id, date, hour) DO UPDATE
		 SET error_count = server_stats.error_count + 1`,
		serverID, at.Format("2006-01-02"), at.Hour(),
	)
	return err
}

func (s *ServerStatStore) SentOn(ctx context.Context, serverID int64, day time.Time) (int, error) {
	var sent int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(sent_count), 0) FROM server_stats WHERE server_id = $1 AND date = $2::date`,
		serverID, day.UTC().Format("2006-01-02"),
	).Scan(&sent)
	return sent, err
}

// AggregateDailyStats rolls hourly rows up to server_daily_stats for every
// day up to and including through.
func (s *ServerStatStore) AggregateDailyStats(ctx context.Context, through time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_daily_stats (server_id, date, total_sent, total_success, total_error, avg_response_time, updated_at)
		 SELECT server_id, date, SUM(sent_count), SUM(success_count), SUM(error_count), AVG(avg_response_time), NOW()
		 FROM server_stats
		 WHERE date <= $1::date
		 GROUP BY server_id, date
		 ON CONFLICT (server_id, date) DO UPDATE
		 SET total_sent = EXCLUDED.total_sent,
		     total_success = EXCLUDED.total_success,
		     total_error = EXCLUDED.total_error,
		     avg_response_time = EXCLUDED.avg_response_time,
		     updated_at = NOW()`,
		through.UTC().Format("2006-01-02"),
	)
	return err
}

func (s *ServerStatStore) DeleteServerStatsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM server_stats WHERE date < $1::date`,
		before.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
