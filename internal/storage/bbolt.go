package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketCounters = "counters"
	bucketHistory  = "history"
	bucketBlocks   = "blocks"
	bucketAudit    = "audit"

	// DBFileName is the bbolt file created inside the data dir.
	DBFileName = "guard.db"
)

// keySep separates identifier, timestamp and endpoint parts of bucket keys.
const keySep = 0x00

// bboltStore keeps every bucket in one file. bbolt serialises Update
// transactions, so each read-modify-write below is atomic for this process;
// the file lock keeps other processes out.
type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/guard.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, DBFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCounters, bucketHistory, bucketBlocks, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Key layout ------------------------------------------------------------

// keyPart strips the separator byte so identifiers cannot forge key prefixes.
func keyPart(s string) string {
	return strings.ReplaceAll(s, string(rune(keySep)), "")
}

func identPrefix(identifier string) []byte {
	return append([]byte(keyPart(identifier)), keySep)
}

func counterKey(identifier, endpoint string) []byte {
	return append(identPrefix(identifier), keyPart(endpoint)...)
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func tsBytes(t time.Time) []byte {
	n := t.UnixNano()
	if n < 0 {
		n = 0
	}
	return be64(uint64(n))
}

// historyKey sorts by identifier, then window start.
func historyKey(rec CounterRecord) []byte {
	k := identPrefix(rec.Identifier)
	k = append(k, tsBytes(rec.WindowStart)...)
	k = append(k, keySep)
	return append(k, keyPart(rec.Endpoint)...)
}

func blockKey(identifier string, createdAt time.Time, seq uint64) []byte {
	k := identPrefix(identifier)
	k = append(k, tsBytes(createdAt)...)
	return append(k, be64(seq)...)
}

// ---- Counters --------------------------------------------------------------

func (s *bboltStore) Increment(ctx context.Context, endpoint, identifier string, window time.Duration, max int, now time.Time) (CounterRecord, error) {
	if err := ctx.Err(); err != nil {
		return CounterRecord{}, err
	}
	var rec CounterRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCounters))
		key := counterKey(identifier, endpoint)

		var cur CounterRecord
		found := false
		if raw := b.Get(key); raw != nil {
			if err := msgpack.Unmarshal(raw, &cur); err != nil {
				return fmt.Errorf("unmarshal CounterRecord for %q: %w", key, err)
			}
			found = true
		}

		if found && now.Before(cur.ResetTime) {
			cur.Hits++
			cur.MaxRequests = max
			rec = cur
		} else {
			if found && cur.Hits > 0 {
				if err := putHistory(tx, cur); err != nil {
					return err
				}
			}
			rec = CounterRecord{
				Endpoint:    endpoint,
				Identifier:  identifier,
				Hits:        1,
				WindowStart: now,
				ResetTime:   now.Add(window),
				MaxRequests: max,
				Window:      window,
			}
		}

		data, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal CounterRecord: %w", err)
		}
		return b.Put(key, data)
	})
	return rec, err
}

func putHistory(tx *bolt.Tx, rec CounterRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	return tx.Bucket([]byte(bucketHistory)).Put(historyKey(rec), data)
}

func (s *bboltStore) Refund(ctx context.Context, endpoint, identifier string, windowStart time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCounters))
		key := counterKey(identifier, endpoint)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var cur CounterRecord
		if err := msgpack.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("unmarshal CounterRecord for %q: %w", key, err)
		}
		if !cur.WindowStart.Equal(windowStart) || cur.Hits == 0 {
			return nil
		}
		cur.Hits--
		data, err := msgpack.Marshal(cur)
		if err != nil {
			return fmt.Errorf("marshal CounterRecord: %w", err)
		}
		return b.Put(key, data)
	})
}

func (s *bboltStore) HistorySince(ctx context.Context, identifier string, since time.Time) ([]CounterRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []CounterRecord
	prefix := identPrefix(identifier)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketCounters)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec CounterRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				continue // skip corrupt entries
			}
			if !rec.WindowStart.Before(since) {
				out = append(out, rec)
			}
		}

		hc := tx.Bucket([]byte(bucketHistory)).Cursor()
		start := append(append([]byte{}, prefix...), tsBytes(since)...)
		for k, v := hc.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = hc.Next() {
			var rec CounterRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	sortByWindowStart(out)
	return out, err
}

func (s *bboltStore) SweepExpired(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var swept int
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCounters, bucketHistory} {
			b := tx.Bucket([]byte(name))
			var toDelete [][]byte
			if err := b.ForEach(func(k, v []byte) error {
				var rec CounterRecord
				if err := msgpack.Unmarshal(v, &rec); err != nil {
					return nil
				}
				if rec.WindowStart.Before(olderThan) {
					toDelete = append(toDelete, append([]byte{}, k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return err
				}
				swept++
			}
		}
		return nil
	})
	return swept, err
}

// ---- Blocks ----------------------------------------------------------------

func (s *bboltStore) InsertBlock(ctx context.Context, entry BlockEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal BlockEntry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBlocks))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(blockKey(entry.Identifier, entry.CreatedAt, seq), data)
	})
}

func (s *bboltStore) FindActiveBlocks(ctx context.Context, identifier string, now time.Time) ([]BlockEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []BlockEntry
	prefix := identPrefix(identifier)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketBlocks)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry BlockEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal BlockEntry: %w", err)
			}
			if entry.Active(now) {
				out = append(out, entry)
			}
		}
		return nil
	})
	return out, err
}

func (s *bboltStore) ListActiveBlocks(ctx context.Context, now time.Time) ([]BlockEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []BlockEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBlocks)).ForEach(func(k, v []byte) error {
			var entry BlockEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if entry.Active(now) {
				out = append(out, entry)
			}
			return nil
		})
	})
	return out, err
}

func (s *bboltStore) ExpireBlocks(ctx context.Context, identifier string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var expired int
	prefix := identPrefix(identifier)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBlocks))
		updates := make(map[string][]byte)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry BlockEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				continue
			}
			if !entry.Active(now) {
				continue
			}
			entry.ExpiresAt = now
			data, err := msgpack.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshal BlockEntry: %w", err)
			}
			updates[string(k)] = data
		}
		for k, data := range updates {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	return expired, err
}

func (s *bboltStore) PruneExpiredBlocks(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBlocks))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var entry BlockEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return nil // skip corrupt entries
			}
			if !entry.Active(now) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Audit -----------------------------------------------------------------

func (s *bboltStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal AuditRecord: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAudit))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(be64(seq), data)
	})
}

func (s *bboltStore) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []AuditRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketAudit)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec AuditRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal AuditRecord: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketCounters)) == nil {
			return fmt.Errorf("bucket %s missing", bucketCounters)
		}
		return nil
	})
}

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}

// sortByWindowStart orders history records oldest first.
func sortByWindowStart(recs []CounterRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].WindowStart.Before(recs[j].WindowStart)
	})
}
