package usage

import (
	"context"
	"time"
)

// Record is one completed request's accounting entry, written
// fire-and-forget after the response has been sent.
type Record struct {
	ID         string
	TraceID    string
	UserID     string
	Provider   string
	Model      string
	TokensUsed int
	LatencyMs  int64
	Streamed   bool
	CreatedAt  time.Time
}

type Store interface {
	LogUsage(ctx context.Context, rec *Record) error
	GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*Record, error)
}
