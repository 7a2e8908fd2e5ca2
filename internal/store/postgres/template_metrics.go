package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/znz-systems/relaywarm/internal/models"
)

type TemplateMetricStore struct {
	db *sql.DB
}

func NewTemplateMetricStore(db *sql.DB) *TemplateMetricStore {
	return &TemplateMetricStore{db: db}
}

// IncrementTemplateMetric bumps the per-day counter. Events without a known
// template are bucketed under template id 0.
func (s *TemplateMetricStore) IncrementTemplateMetric(ctx context.Context, templateID *int64, serverID int64, eventType models.EventType, day time.Time) error {
	var id int64
	if templateID != nil {
		id = *templateID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO template_metrics (template_id, server_id, date, event_type, count)
		 VALUES ($1, $2, $3::date, $4, 1)
		 ON CONFLICT (template_id, server_id, date, event_type) DO UPDATE
		 SET count = template_metrics.count + 1`,
		id, serverID, day.UTC().Format("2006-01-02"), string(eventType),
	)
	return err
}
