package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/znz-systems/relaywarm/internal/models"
)

type HistoryStore struct {
	db *sql.DB
}

func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *HistoryStore) CreateHistoryEvent(ctx context.Context, params models.HistoryEventCreateParams) (*models.HistoryEvent, error) {
	if !params.EventType.Valid() {
		return nil, fmt.Errorf("invalid event type %q", params.EventType)
	}
	meta, err := json.Marshal(params.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}

	ev := &models.HistoryEvent{
		ServerID:   params.ServerID,
		TemplateID: params.TemplateID,
		EmailFrom:  params.EmailFrom,
		EventType:  params.EventType,
		Meta:       params.Meta,
	}
	if params.MessageID != "" {
		id := params.MessageID
		ev.MessageID = &id
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO stats_history (server_id, template_id, message_id, email_from, event_type, meta)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, timestamp`,
		params.ServerID, params.TemplateID, nullString(params.MessageID), params.EmailFrom, string(params.EventType), meta,
	).Scan(&ev.ID, &ev.Timestamp)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// FindHistoryByMessageID returns the most recent event whose message id
// equals any of the given candidates.
func (s *HistoryStore) FindHistoryByMessageID(ctx context.Context, messageIDs ...string) (*models.HistoryEvent, error) {
	ev := &models.HistoryEvent{}
	var (
		templateID sql.NullInt64
		messageID  sql.NullString
		eventType  string
		meta       []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, template_id, message_id, email_from, event_type, timestamp, meta
		 FROM stats_history
		 WHERE message_id = ANY($1)
		 ORDER BY timestamp DESC, id DESC
		 LIMIT 1`,
		pq.Array(messageIDs),
	).Scan(&ev.ID, &ev.ServerID, &templateID, &messageID, &ev.EmailFrom, &eventType, &ev.Timestamp, &meta)
	if err != nil {
		return nil, notFound(err)
	}

	if templateID.Valid {
		ev.TemplateID = &templateID.Int64
	}
	if messageID.Valid {
		ev.MessageID = &messageID.String
	}
	ev.EventType = models.EventType(eventType)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Meta); err != nil {
			return nil, fmt.Errorf("decode meta for history %d: %w", ev.ID, err)
		}
	}
	return ev, nil
}

func (s *HistoryStore) DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stats_history WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ThreadStats counts thread replies since dayStart and distinct threads seen
// since activeSince.
func (s *HistoryStore) ThreadStats(ctx context.Context, serverID int64, dayStart, activeSince time.Time) (models.ThreadStats, error) {
	var st models.ThreadStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
		     COUNT(*) FILTER (WHERE timestamp >= $2),
		     COUNT(DISTINCT meta->>'thread_id') FILTER (WHERE timestamp >= $3)
		 FROM stats_history
		 WHERE server_id = $1
		   AND meta ? 'thread_depth'
		   AND timestamp >= LEAST($2, $3)`,
		serverID, dayStart, activeSince,
	).Scan(&st.RepliesToday, &st.ActiveThreads)
	return st, err
}
