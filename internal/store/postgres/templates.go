package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/znz-systems/relaywarm/internal/models"
)

type TemplateStore struct {
	db *sql.DB
}

func NewTemplateStore(db *sql.DB) *TemplateStore {
	return &TemplateStore{db: db}
}

const templateColumns = `id, name, subjects, text_body, html_body, from_name, reply_to, created_at, updated_at`

func scanTemplate(row rowScanner, t *models.Template) error {
	return row.Scan(&t.ID, &t.Name, pq.Array(&t.Subjects), &t.TextBody, &t.HTMLBody, &t.FromName, &t.ReplyTo, &t.CreatedAt, &t.UpdatedAt)
}

func (s *TemplateStore) GetTemplateByID(ctx context.Context, id int64) (*models.Template, error) {
	t := &models.Template{}
	if err := scanTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = $1`, id), t); err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (s *TemplateStore) GetTemplateByName(ctx context.Context, name string) (*models.Template, error) {
	t := &models.Template{}
	if err := scanTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE name = $1`, name), t); err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (s *TemplateStore) ListTemplates(ctx context.Context) ([]models.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []models.Template
	for rows.Next() {
		var t models.Template
		if err := scanTemplate(rows, &t); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}
