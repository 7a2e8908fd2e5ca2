package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/znz-systems/relaywarm/internal/models"
)

type ClassStatStore struct {
	db *sql.DB
}

func NewClassStatStore(db *sql.DB) *ClassStatStore {
	return &ClassStatStore{db: db}
}

func (s *ClassStatStore) ListActiveClasses(ctx context.Context) ([]models.RecipientClass, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT class_key, active, domains FROM recipient_classes WHERE active ORDER BY class_key`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var classes []models.RecipientClass
	for rows.Next() {
		var c models.RecipientClass
		if err := rows.Scan(&c.Key, &c.Active, pq.Array(&c.Domains)); err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

// ensureClassStat seeds the row from the server's current warmup day.
func ensureClassStat(ctx context.Context, q execer, serverID int64, classKey string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO server_class_stats (server_id, class_key, warmup_day, score)
		 SELECT s.id, $2, GREATEST(1, s.warmup_day), 100 FROM servers s WHERE s.id = $1
		 ON CONFLICT (server_id, class_key) DO NOTHING`,
		serverID, classKey,
	)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const classStatColumns = `server_id, class_key, warmup_day, sent_today, delivered_today, fails_today, score, last_updated`

func scanClassStat(row rowScanner, c *models.ClassStat) error {
	return row.Scan(&c.ServerID, &c.ClassKey, &c.WarmupDay, &c.SentToday, &c.DeliveredToday, &c.FailsToday, &c.Score, &c.LastUpdated)
}

func (s *ClassStatStore) GetClassStat(ctx context.Context, serverID int64, classKey string) (*models.ClassStat, error) {
	if err := ensureClassStat(ctx, s.db, serverID, classKey); err != nil {
		return nil, fmt.Errorf("seed class stat: %w", err)
	}
	stat := &models.ClassStat{}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+classStatColumns+` FROM server_class_stats WHERE server_id = $1 AND class_key = $2`,
		serverID, classKey,
	)
	if err := scanClassStat(row, stat); err != nil {
		return nil, notFound(err)
	}
	return stat, nil
}

func (s *ClassStatStore) IncrementClassUsage(ctx context.Context, serverID int64, classKey string, success bool) error {
	if err := ensureClassStat(ctx, s.db, serverID, classKey); err != nil {
		return fmt.Errorf("seed class stat: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE server_class_stats
		 SET sent_today = sent_today + 1,
		     delivered_today = delivered_today + CASE WHEN $3 THEN 1 ELSE 0 END,
		     fails_today = fails_today + CASE WHEN $3 THEN 0 ELSE 1 END,
		     score = CASE WHEN $3 THEN score ELSE GREATEST(0, score - 5) END,
		     last_updated = NOW()
		 WHERE server_id = $1 AND class_key = $2`,
		serverID, classKey, success,
	)
	return err
}

// ResetClassDay locks the class row, lets decide pick the new day from the
// current counters, then zeroes the today counters and stores the day.
func (s *ClassStatStore) ResetClassDay(ctx context.Context, serverID int64, classKey string, decide func(models.ClassStat) int) (models.ClassDayUpdate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ClassDayUpdate{}, err
	}
	defer tx.Rollback()

	if err := ensureClassStat(ctx, tx, serverID, classKey); err != nil {
		return models.ClassDayUpdate{}, fmt.Errorf("seed class stat: %w", err)
	}

	var stat models.ClassStat
	row := tx.QueryRowContext(ctx,
		`SELECT `+classStatColumns+` FROM server_class_stats
		 WHERE server_id = $1 AND class_key = $2
		 FOR UPDATE`,
		serverID, classKey,
	)
	if err := scanClassStat(row, &stat); err != nil {
		return models.ClassDayUpdate{}, notFound(err)
	}

	newDay := decide(stat)
	if newDay < 1 {
		newDay = 1
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE server_class_stats
		 SET warmup_day = $3,
		     sent_today = 0,
		     delivered_today = 0,
		     fails_today = 0,
		     last_updated = NOW()
		 WHERE server_id = $1 AND class_key = $2`,
		serverID, classKey, newDay,
	)
	if err != nil {
		return models.ClassDayUpdate{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.ClassDayUpdate{}, err
	}
	return models.ClassDayUpdate{OldDay: stat.WarmupDay, NewDay: newDay}, nil
}

func (s *ClassStatStore) AdvanceAllClassDays(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE server_class_stats
		 SET warmup_day = warmup_day + 1,
		     sent_today = 0,
		     delivered_today = 0,
		     fails_today = 0,
		     last_updated = NOW()`,
	)
	return err
}
