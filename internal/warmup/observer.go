package warmup

import "context"

// Metrics is the evidence attached to a status change.
type Metrics struct {
	Sent      int     `json:"sent"`
	Quota     int     `json:"quota"`
	ErrorRate float64 `json:"error_rate"`
}

// StatusChange is published for every notable decision.
type StatusChange struct {
	ServerID int64   `json:"server_id"`
	ClassKey string  `json:"class_key"`
	OldDay   int     `json:"old_day"`
	NewDay   int     `json:"new_day"`
	Action   Action  `json:"action"`
	Metrics  Metrics `json:"metrics"`
}

// Observer receives status changes. Errors are logged by the engine and
// never fail the warmup pass.
type Observer interface {
	OnStatusChange(ctx context.Context, change StatusChange) error
}

type ObserverFunc func(ctx context.Context, change StatusChange) error

func (f ObserverFunc) OnStatusChange(ctx context.Context, change StatusChange) error {
	return f(ctx, change)
}
