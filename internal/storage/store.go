package storage

import (
	"context"
	"time"
)

// CounterRecord is one fixed window of hits for an endpoint+identifier key.
// ResetTime is always WindowStart + Window.
type CounterRecord struct {
	Endpoint    string
	Identifier  string
	Hits        int
	WindowStart time.Time
	ResetTime   time.Time
	MaxRequests int
	Window      time.Duration
}

// Violated reports whether the window saw more hits than its limit allowed.
func (r CounterRecord) Violated() bool {
	return r.MaxRequests > 0 && r.Hits > r.MaxRequests
}

// BlockEntry bans an identifier until ExpiresAt.
type BlockEntry struct {
	Identifier string
	Reason     string
	BlockedBy  string // empty for automatic blocks
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Active reports whether the entry still blocks at now.
func (e BlockEntry) Active(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// AuditRecord is one append-only security event.
type AuditRecord struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     map[string]string
	At           time.Time
}

// CounterStore holds fixed-window counters. Increment must be atomic per key:
// concurrent callers on the same key never lose an update, including across
// processes sharing the backend.
type CounterStore interface {
	// Increment fetches or creates the window for endpoint+identifier. When
	// now >= ResetTime the window is archived to history and restarted with
	// Hits=1; otherwise Hits is incremented. Returns the record after the update.
	Increment(ctx context.Context, endpoint, identifier string, window time.Duration, max int, now time.Time) (CounterRecord, error)

	// Refund decrements Hits of the window that started at windowStart.
	// It is a no-op if that window has already rolled over or Hits is 0.
	Refund(ctx context.Context, endpoint, identifier string, windowStart time.Time) error

	// HistorySince returns current and archived windows for identifier whose
	// WindowStart is at or after since.
	HistorySince(ctx context.Context, identifier string, since time.Time) ([]CounterRecord, error)

	// SweepExpired deletes windows whose WindowStart is before olderThan.
	SweepExpired(ctx context.Context, olderThan time.Time) (int, error)
}

// BlockStore holds temporary bans.
type BlockStore interface {
	InsertBlock(ctx context.Context, entry BlockEntry) error
	FindActiveBlocks(ctx context.Context, identifier string, now time.Time) ([]BlockEntry, error)
	ListActiveBlocks(ctx context.Context, now time.Time) ([]BlockEntry, error)

	// ExpireBlocks sets ExpiresAt=now on every active entry for identifier and
	// returns how many were changed.
	ExpireBlocks(ctx context.Context, identifier string, now time.Time) (int, error)
	PruneExpiredBlocks(ctx context.Context, now time.Time) (int, error)
}

// AuditStore is the durable side of the audit sink.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
	// ListAudit returns the newest records first, at most limit of them.
	ListAudit(ctx context.Context, limit int) ([]AuditRecord, error)
}

// Store is the full persistence interface used by the daemon.
type Store interface {
	CounterStore
	BlockStore
	AuditStore

	Ping(ctx context.Context) error
	SizeBytes() (int64, error)
	Close() error
}
