package audit

import (
	"context"
	"time"
)

const (
	// DefaultQueryLimit applies when a query names no limit.
	DefaultQueryLimit = 100
	// MaxQueryLimit caps any single page.
	MaxQueryLimit = 1000
)

// Filter narrows an audit query. Zero values are unconstrained.
type Filter struct {
	EventType         string
	Decision          *Decision
	Actor             string
	ActorTeam         string
	ServerCanonicalID string
	Tool              string
	Since             *time.Time
	Until             *time.Time
	Limit             int
	Offset            int
}

// normalized clamps paging to the allowed window.
func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// StatsTopN caps the per-server and per-team breakdowns.
const StatsTopN = 25

// Stats summarizes the trail over the filtered window. ByServer and ByTeam
// carry only the StatsTopN busiest entries.
type Stats struct {
	Total       int64            `json:"total"`
	ByDecision  map[string]int64 `json:"byDecision"`
	ByServer    map[string]int64 `json:"byServer"`
	ByTeam      map[string]int64 `json:"byTeam"`
	DeniedTotal int64            `json:"deniedTotal"`
	AvgLatency  *float64         `json:"avgLatencyMs,omitempty"`
}

// Store persists audit events. Inserts come from the single recorder
// goroutine; queries are concurrent.
type Store interface {
	Insert(ctx context.Context, ev *Event) error
	// Query returns one page matching f plus the total match count.
	Query(ctx context.Context, f Filter) ([]Event, int64, error)
	// Stats aggregates the events matching f. Paging fields are ignored.
	Stats(ctx context.Context, f Filter) (*Stats, error)
	Close() error
}
