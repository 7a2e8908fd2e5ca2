package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/znz-systems/relaywarm/internal/models"
)

type ServerStore struct {
	db *sql.DB
}

func NewServerStore(db *sql.DB) *ServerStore {
	return &ServerStore{db: db}
}

const serverColumns = `id, public_id, domain, api_url, api_key, active, warmup_day, daily_limit,
	sent_count, success_count, error_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner, s *models.Server) error {
	return row.Scan(&s.ID, &s.PublicID, &s.Domain, &s.APIURL, &s.APIKey, &s.Active, &s.WarmupDay, &s.DailyLimit,
		&s.SentCount, &s.SuccessCount, &s.ErrorCount, &s.CreatedAt, &s.UpdatedAt)
}

func (s *ServerStore) GetServerByID(ctx context.Context, id int64) (*models.Server, error) {
	srv := &models.Server{}
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	if err := scanServer(row, srv); err != nil {
		return nil, notFound(err)
	}
	return srv, nil
}

// GetServerByDomain matches case-insensitively; domains are stored lowercase.
func (s *ServerStore) GetServerByDomain(ctx context.Context, domain string) (*models.Server, error) {
	srv := &models.Server{}
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE domain = $1`,
		strings.ToLower(strings.TrimSpace(domain)))
	if err := scanServer(row, srv); err != nil {
		return nil, notFound(err)
	}
	return srv, nil
}

func (s *ServerStore) ListServers(ctx context.Context, activeOnly bool) ([]models.Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE active OR NOT $1 ORDER BY id`,
		activeOnly,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []models.Server
	for rows.Next() {
		var srv models.Server
		if err := scanServer(rows, &srv); err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

func (s *ServerStore) SetServerWarmupDay(ctx context.Context, id int64, day int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE servers SET warmup_day = GREATEST(1, $2), updated_at = NOW() WHERE id = $1`,
		id, day,
	)
	return err
}

func (s *ServerStore) IncrementActiveServerDays(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE servers SET warmup_day = warmup_day + 1, updated_at = NOW() WHERE active`,
	)
	return err
}

func (s *ServerStore) RecordServerResult(ctx context.Context, id int64, success bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE servers
		 SET sent_count = sent_count + 1,
		     success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
		     error_count = error_count + CASE WHEN $2 THEN 0 ELSE 1 END,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, success,
	)
	return err
}

// RecordServerFailure bumps only the failure aggregate; used for webhook
// failure events that arrive after the send was already counted.
func (s *ServerStore) RecordServerFailure(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE servers SET error_count = error_count + 1, updated_at = NOW() WHERE id = $1`,
		id,
	)
	return err
}
