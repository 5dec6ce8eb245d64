package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/admission-guard/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu       sync.Mutex
	counters map[string]storage.CounterRecord // identifier\x00endpoint -> window
	history  []storage.CounterRecord
	blocks   []storage.BlockEntry
	audit    []storage.AuditRecord

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	// Sticky errors are returned on every call until cleared.
	sticky map[string]error

	calls map[string]int

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		counters: make(map[string]storage.CounterRecord),
		errors:   make(map[string]error),
		sticky:   make(map[string]error),
		calls:    make(map[string]int),
		Size:     1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// FailAlways makes every call to method return err. A nil err clears it.
func (m *MockStore) FailAlways(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.sticky, method)
		return
	}
	m.sticky[method] = err
}

// Calls returns how many times method was invoked.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockStore) popError(method string) error {
	m.calls[method]++
	if err, ok := m.sticky[method]; ok {
		return err
	}
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func counterKey(identifier, endpoint string) string {
	return identifier + "\x00" + endpoint
}

// --- Counters ---------------------------------------------------------------

func (m *MockStore) Increment(_ context.Context, endpoint, identifier string, window time.Duration, max int, now time.Time) (storage.CounterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Increment"); err != nil {
		return storage.CounterRecord{}, err
	}
	key := counterKey(identifier, endpoint)
	cur, ok := m.counters[key]
	if ok && now.Before(cur.ResetTime) {
		cur.Hits++
		cur.MaxRequests = max
	} else {
		if ok && cur.Hits > 0 {
			m.history = append(m.history, cur)
		}
		cur = storage.CounterRecord{
			Endpoint:    endpoint,
			Identifier:  identifier,
			Hits:        1,
			WindowStart: now,
			ResetTime:   now.Add(window),
			MaxRequests: max,
			Window:      window,
		}
	}
	m.counters[key] = cur
	return cur, nil
}

func (m *MockStore) Refund(_ context.Context, endpoint, identifier string, windowStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Refund"); err != nil {
		return err
	}
	key := counterKey(identifier, endpoint)
	cur, ok := m.counters[key]
	if !ok || !cur.WindowStart.Equal(windowStart) || cur.Hits == 0 {
		return nil
	}
	cur.Hits--
	m.counters[key] = cur
	return nil
}

func (m *MockStore) HistorySince(_ context.Context, identifier string, since time.Time) ([]storage.CounterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("HistorySince"); err != nil {
		return nil, err
	}
	var out []storage.CounterRecord
	for _, rec := range m.counters {
		if rec.Identifier == identifier && !rec.WindowStart.Before(since) {
			out = append(out, rec)
		}
	}
	for _, rec := range m.history {
		if rec.Identifier == identifier && !rec.WindowStart.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

// SeedHistory appends archived windows directly, bypassing Increment.
func (m *MockStore) SeedHistory(recs ...storage.CounterRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, recs...)
}

func (m *MockStore) SweepExpired(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SweepExpired"); err != nil {
		return 0, err
	}
	swept := 0
	for k, rec := range m.counters {
		if rec.WindowStart.Before(olderThan) {
			delete(m.counters, k)
			swept++
		}
	}
	kept := m.history[:0]
	for _, rec := range m.history {
		if rec.WindowStart.Before(olderThan) {
			swept++
			continue
		}
		kept = append(kept, rec)
	}
	m.history = kept
	return swept, nil
}

// --- Blocks -----------------------------------------------------------------

func (m *MockStore) InsertBlock(_ context.Context, entry storage.BlockEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("InsertBlock"); err != nil {
		return err
	}
	m.blocks = append(m.blocks, entry)
	return nil
}

func (m *MockStore) FindActiveBlocks(_ context.Context, identifier string, now time.Time) ([]storage.BlockEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("FindActiveBlocks"); err != nil {
		return nil, err
	}
	var out []storage.BlockEntry
	for _, e := range m.blocks {
		if e.Identifier == identifier && e.Active(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockStore) ListActiveBlocks(_ context.Context, now time.Time) ([]storage.BlockEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListActiveBlocks"); err != nil {
		return nil, err
	}
	var out []storage.BlockEntry
	for _, e := range m.blocks {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockStore) ExpireBlocks(_ context.Context, identifier string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ExpireBlocks"); err != nil {
		return 0, err
	}
	n := 0
	for i, e := range m.blocks {
		if e.Identifier == identifier && e.Active(now) {
			m.blocks[i].ExpiresAt = now
			n++
		}
	}
	return n, nil
}

func (m *MockStore) PruneExpiredBlocks(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneExpiredBlocks"); err != nil {
		return 0, err
	}
	kept := m.blocks[:0]
	pruned := 0
	for _, e := range m.blocks {
		if e.Active(now) {
			kept = append(kept, e)
			continue
		}
		pruned++
	}
	m.blocks = kept
	return pruned, nil
}

// --- Audit ------------------------------------------------------------------

func (m *MockStore) AppendAudit(_ context.Context, rec storage.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("AppendAudit"); err != nil {
		return err
	}
	m.audit = append(m.audit, rec)
	return nil
}

func (m *MockStore) ListAudit(_ context.Context, limit int) ([]storage.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListAudit"); err != nil {
		return nil, err
	}
	var out []storage.AuditRecord
	for i := len(m.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.audit[i])
	}
	return out, nil
}

// AuditActions returns the recorded audit actions oldest first.
func (m *MockStore) AuditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.audit))
	for i, rec := range m.audit {
		out[i] = rec.Action
	}
	return out
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popError("Ping")
}

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error {
	return nil
}

var _ storage.Store = (*MockStore)(nil)
