// Package blocklist bans identifiers for a bounded time.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/developingchet/admission-guard/internal/audit"
	"github.com/developingchet/admission-guard/internal/metrics"
	"github.com/developingchet/admission-guard/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultDuration applies when Block is called with a non-positive duration.
const DefaultDuration = time.Hour

// Well-known non-user actors.
const (
	SourceCrowdSec = "crowdsec"
	SourceCLI      = "cli"
)

var ErrEmptyIdentifier = errors.New("empty block identifier")

// Options tunes a Blocklist. Zero values pick the defaults.
type Options struct {
	DefaultDuration  time.Duration
	StoreTimeout     time.Duration
	ErrorLogInterval time.Duration
	Clock            func() time.Time
}

// Blocklist reads and writes BlockEntry rows. It never caches lookups.
type Blocklist struct {
	store    storage.BlockStore
	sink     audit.Sink
	log      zerolog.Logger
	now      func() time.Time
	timeout  time.Duration
	duration time.Duration
	errLog   *rate.Sometimes
}

// New returns a Blocklist over store. sink may be nil.
func New(store storage.BlockStore, sink audit.Sink, opts Options, log zerolog.Logger) *Blocklist {
	if sink == nil {
		sink = audit.Nop{}
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = DefaultDuration
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 100 * time.Millisecond
	}
	if opts.ErrorLogInterval <= 0 {
		opts.ErrorLogInterval = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Blocklist{
		store:    store,
		sink:     sink,
		log:      log.With().Str("component", "blocklist").Logger(),
		now:      opts.Clock,
		timeout:  opts.StoreTimeout,
		duration: opts.DefaultDuration,
		errLog:   &rate.Sometimes{First: 1, Interval: opts.ErrorLogInterval},
	}
}

// Block bans identifier until now+duration. An identifier_blocked audit event
// is emitted when blockedBy is set. Overlapping blocks are kept side by side.
func (b *Blocklist) Block(ctx context.Context, identifier, reason string, duration time.Duration, blockedBy string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ErrEmptyIdentifier
	}
	if duration <= 0 {
		duration = b.duration
	}
	now := b.now()
	entry := storage.BlockEntry{
		Identifier: identifier,
		Reason:     reason,
		BlockedBy:  blockedBy,
		CreatedAt:  now,
		ExpiresAt:  now.Add(duration),
	}

	sctx, cancel := b.storeContext(ctx)
	defer cancel()
	if err := b.store.InsertBlock(sctx, entry); err != nil {
		metrics.StoreErrors.WithLabelValues("insert_block").Inc()
		return fmt.Errorf("insert block for %s: %w", identifier, err)
	}

	source := blockSource(blockedBy)
	metrics.BlocksCreated.WithLabelValues(source).Inc()
	b.log.Info().Str("identifier", identifier).Str("reason", reason).
		Str("blocked_by", blockedBy).Str("source", source).Time("expires_at", entry.ExpiresAt).Msg("identifier blocked")

	if blockedBy != "" {
		b.sink.Record(ctx, audit.Event{
			ActorID:      blockedBy,
			Action:       audit.ActionIdentifierBlocked,
			ResourceType: "identifier",
			ResourceID:   identifier,
			Metadata: map[string]string{
				"reason":     reason,
				"expires_at": entry.ExpiresAt.UTC().Format(time.RFC3339),
			},
		})
	}
	return nil
}

// IsBlocked reports whether any entry for identifier is still active. Store
// failures are logged and reported as not blocked.
func (b *Blocklist) IsBlocked(ctx context.Context, identifier string) bool {
	if identifier == "" {
		return false
	}
	sctx, cancel := b.storeContext(ctx)
	defer cancel()
	entries, err := b.store.FindActiveBlocks(sctx, identifier, b.now())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("find_blocks").Inc()
		b.errLog.Do(func() {
			b.log.Error().Err(err).Msg("block store failed; treating identifier as not blocked")
		})
		return false
	}
	return len(entries) > 0
}

// Unblock expires every active entry for identifier and returns how many
// were lifted.
func (b *Blocklist) Unblock(ctx context.Context, identifier, actor string) (int, error) {
	if identifier == "" {
		return 0, ErrEmptyIdentifier
	}
	sctx, cancel := b.storeContext(ctx)
	defer cancel()
	n, err := b.store.ExpireBlocks(sctx, identifier, b.now())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("expire_blocks").Inc()
		return 0, fmt.Errorf("expire blocks for %s: %w", identifier, err)
	}
	if n > 0 && actor != "" {
		b.sink.Record(ctx, audit.Event{
			ActorID:      actor,
			Action:       audit.ActionIdentifierUnblocked,
			ResourceType: "identifier",
			ResourceID:   identifier,
			Metadata:     map[string]string{"lifted": fmt.Sprint(n)},
		})
	}
	return n, nil
}

// Active lists every unexpired entry.
func (b *Blocklist) Active(ctx context.Context) ([]storage.BlockEntry, error) {
	sctx, cancel := b.storeContext(ctx)
	defer cancel()
	entries, err := b.store.ListActiveBlocks(sctx, b.now())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_blocks").Inc()
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return entries, nil
}

func (b *Blocklist) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
}

// blockSource maps the blocking actor to a bounded metric label.
func blockSource(blockedBy string) string {
	switch blockedBy {
	case "":
		return "auto"
	case SourceCrowdSec, SourceCLI:
		return blockedBy
	default:
		return "admin"
	}
}
