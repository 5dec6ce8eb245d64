package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestIncrementWithinWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec, err := s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("Increment %d: %v", i, err)
		}
		if rec.Hits != i {
			t.Fatalf("call %d: hits=%d", i, rec.Hits)
		}
		if !rec.ResetTime.Equal(rec.WindowStart.Add(time.Minute)) {
			t.Fatalf("ResetTime %v != WindowStart+window %v", rec.ResetTime, rec.WindowStart.Add(time.Minute))
		}
	}
}

func TestIncrementResetsAfterWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0); err != nil {
			t.Fatal(err)
		}
	}
	later := t0.Add(time.Minute)
	rec, err := s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, later)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Hits != 1 {
		t.Fatalf("expected hits reset to 1, got %d", rec.Hits)
	}
	if !rec.WindowStart.Equal(later) {
		t.Fatalf("expected new window start %v, got %v", later, rec.WindowStart)
	}

	// The replaced window is archived.
	hist, err := s.HistorySince(ctx, "1.2.3.4", t0.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected archived + current window, got %d", len(hist))
	}
	if hist[0].Hits != 4 || !hist[0].WindowStart.Equal(t0) {
		t.Errorf("archived window: %+v", hist[0])
	}
}

func TestIncrementKeysAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0)
	b, _ := s.Increment(ctx, "bookingCreate", "1.2.3.4", time.Minute, 5, t0)
	c, _ := s.Increment(ctx, "login", "5.6.7.8", time.Minute, 5, t0)
	if a.Hits != 1 || b.Hits != 1 || c.Hits != 1 {
		t.Fatalf("expected independent counters, got %d %d %d", a.Hits, b.Hits, c.Hits)
	}
}

// TestIncrementConcurrent verifies no lost updates under concurrent increments.
func TestIncrementConcurrent(t *testing.T) {
	s := newTestStore(t)
	const workers = 20
	var (
		wg      sync.WaitGroup
		allowed int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.Increment(context.Background(), "bookingCreate", "9.9.9.9", time.Minute, 5, t0)
			if err != nil {
				t.Errorf("Increment: %v", err)
				return
			}
			if rec.Hits <= 5 {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt64(&allowed); got != 5 {
		t.Fatalf("expected exactly 5 within limit, got %d", got)
	}
	hist, _ := s.HistorySince(context.Background(), "9.9.9.9", t0)
	if len(hist) != 1 || hist[0].Hits != workers {
		t.Fatalf("expected one window with %d hits, got %+v", workers, hist)
	}
}

func TestRefund(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _ := s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0)
	_, _ = s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0)
	if err := s.Refund(ctx, "login", "1.2.3.4", rec.WindowStart); err != nil {
		t.Fatal(err)
	}
	next, _ := s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0)
	if next.Hits != 2 {
		t.Fatalf("expected hits=2 after refund, got %d", next.Hits)
	}

	// Refund against a window that already rolled is a no-op.
	_, _ = s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0.Add(2*time.Minute))
	if err := s.Refund(ctx, "login", "1.2.3.4", rec.WindowStart); err != nil {
		t.Fatal(err)
	}
	cur, _ := s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0.Add(2*time.Minute))
	if cur.Hits != 2 {
		t.Fatalf("stale refund changed the new window: hits=%d", cur.Hits)
	}

	// Unknown key.
	if err := s.Refund(ctx, "nope", "nobody", t0); err != nil {
		t.Fatalf("refund unknown key: %v", err)
	}
}

func TestHistorySinceFiltersByIdentifierAndTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _ = s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0.Add(-48*time.Hour))
	_, _ = s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0) // archives the old window
	_, _ = s.Increment(ctx, "apiGeneral", "1.2.3.4", time.Minute, 100, t0)
	_, _ = s.Increment(ctx, "login", "1.2.3.40", time.Minute, 5, t0)

	hist, err := s.HistorySince(ctx, "1.2.3.4", t0.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 recent windows, got %d: %+v", len(hist), hist)
	}
	for _, rec := range hist {
		if rec.Identifier != "1.2.3.4" {
			t.Errorf("foreign identifier leaked into history: %q", rec.Identifier)
		}
	}
}

func TestSweepExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _ = s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0.Add(-48*time.Hour))
	_, _ = s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0) // archives the old one
	_, _ = s.Increment(ctx, "apiGeneral", "5.6.7.8", time.Minute, 5, t0.Add(-30*time.Hour))

	swept, err := s.SweepExpired(ctx, t0.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if swept != 2 {
		t.Fatalf("expected 2 swept, got %d", swept)
	}
	hist, _ := s.HistorySince(ctx, "1.2.3.4", t0.Add(-100*time.Hour))
	if len(hist) != 1 {
		t.Fatalf("expected only the fresh window left, got %d", len(hist))
	}
}

func TestBlockInsertFindExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := BlockEntry{Identifier: "1.2.3.4", Reason: "abuse", BlockedBy: "admin", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)}
	if err := s.InsertBlock(ctx, entry); err != nil {
		t.Fatalf("InsertBlock: %v", err)
	}
	// Overlapping second block.
	if err := s.InsertBlock(ctx, BlockEntry{Identifier: "1.2.3.4", Reason: "again", CreatedAt: t0, ExpiresAt: t0.Add(2 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	active, err := s.FindActiveBlocks(ctx, "1.2.3.4", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active blocks, got %d", len(active))
	}
	active, _ = s.FindActiveBlocks(ctx, "1.2.3.4", t0.Add(90*time.Minute))
	if len(active) != 1 || active[0].Reason != "again" {
		t.Fatalf("expected only the longer block active, got %+v", active)
	}
	active, _ = s.FindActiveBlocks(ctx, "1.2.3.4", t0.Add(2*time.Hour))
	if len(active) != 0 {
		t.Fatalf("block must be inactive at ExpiresAt, got %+v", active)
	}
	if other, _ := s.FindActiveBlocks(ctx, "1.2.3.40", t0); len(other) != 0 {
		t.Fatalf("prefix leak: %+v", other)
	}

	n, err := s.ExpireBlocks(ctx, "1.2.3.4", t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired, got %d", n)
	}
	if active, _ := s.FindActiveBlocks(ctx, "1.2.3.4", t0.Add(time.Minute)); len(active) != 0 {
		t.Fatalf("expected no active blocks after expire, got %d", len(active))
	}
}

func TestListAndPruneBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.InsertBlock(ctx, BlockEntry{Identifier: "a", CreatedAt: t0, ExpiresAt: t0.Add(-time.Minute)})
	_ = s.InsertBlock(ctx, BlockEntry{Identifier: "b", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)})
	_ = s.InsertBlock(ctx, BlockEntry{Identifier: "c", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)})

	list, err := s.ListActiveBlocks(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 active, got %d", len(list))
	}

	pruned, err := s.PruneExpiredBlocks(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}
}

func TestAuditAppendList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"api_access", "access_denied", "security_alert"} {
		if err := s.AppendAudit(ctx, AuditRecord{ActorID: "u1", Action: action, At: t0}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	recs, err := s.ListAudit(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Action != "security_alert" {
		t.Errorf("expected newest first, got %q", recs[0].Action)
	}
	all, _ := s.ListAudit(ctx, 0)
	if len(all) != 3 {
		t.Errorf("limit 0 should return all, got %d", len(all))
	}
}

func TestCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Increment(ctx, "login", "1.2.3.4", time.Minute, 5, t0); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestPingAndSize(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	size, err := s.SizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	if size == 0 {
		t.Error("expected non-zero db size")
	}
}

func TestFileCreated(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBboltStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := os.Stat(filepath.Join(dir, DBFileName)); err != nil {
		t.Errorf("db file not created: %v", err)
	}
}

func TestKeyPartStripsSeparator(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = s.Increment(ctx, "login", "evil\x00login", time.Minute, 5, t0)
	hist, _ := s.HistorySince(ctx, "evil", t0.Add(-time.Hour))
	if len(hist) != 0 {
		t.Fatalf("identifier with separator leaked into another prefix: %+v", hist)
	}
}
