package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogUsage(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO chat_usage (trace_id, user_id, provider, model, tokens_used, latency_ms, streamed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.TraceID, rec.UserID, rec.Provider, rec.Model,
		rec.TokensUsed, rec.LatencyMs, rec.Streamed,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, trace_id, user_id, provider, model, tokens_used, latency_ms, streamed, created_at
		FROM chat_usage
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var rec Record
		err := rows.Scan(
			&rec.ID, &rec.TraceID, &rec.UserID, &rec.Provider, &rec.Model,
			&rec.TokensUsed, &rec.LatencyMs, &rec.Streamed, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return recs, nil
}
