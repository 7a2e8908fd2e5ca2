package postgres

import (
	"context"
	"database/sql"
)

type SettingStore struct {
	db *sql.DB
}

func NewSettingStore(db *sql.DB) *SettingStore {
	return &SettingStore{db: db}
}

func (s *SettingStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value); err != nil {
		return "", notFound(err)
	}
	return value, nil
}

func (s *SettingStore) PutSettingIfAbsent(ctx context.Context, key, value string) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)`,
		key, value,
	)
	if err != nil && !isUniqueViolation(err) {
		return "", err
	}
	// Another instance may have won the insert; the stored value is authoritative.
	return s.GetSetting(ctx, key)
}
