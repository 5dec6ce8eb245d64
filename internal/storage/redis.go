package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// fixedWindowLua runs fetch-reset-or-increment for one counter key. The
// replaced window is archived into the identifier's history zset. All keys
// share the {identifier} hash tag so the script stays single-slot.
const fixedWindowLua = `
local ctr = KEYS[1]
local hist = KEYS[2]
local idx = KEYS[3]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local endpoint = ARGV[4]
local retention = tonumber(ARGV[5])

local cur = redis.call("HMGET", ctr, "hits", "ws", "reset", "max", "win")
local hits = tonumber(cur[1])
local ws = tonumber(cur[2])
local reset = tonumber(cur[3])

if hits ~= nil and now < reset then
  hits = redis.call("HINCRBY", ctr, "hits", 1)
  redis.call("HSET", ctr, "max", max)
else
  if hits ~= nil and hits > 0 then
    local member = hits .. "|" .. ws .. "|" .. (cur[4] or max) .. "|" .. (cur[5] or window) .. "|" .. endpoint
    redis.call("ZADD", hist, ws, member)
    redis.call("PEXPIRE", hist, retention)
  end
  hits = 1
  ws = now
  reset = now + window
  redis.call("HSET", ctr, "hits", hits, "ws", ws, "reset", reset, "max", max, "win", window)
end

redis.call("PEXPIRE", ctr, retention + window)
redis.call("SADD", idx, endpoint)
redis.call("PEXPIRE", idx, retention + window)
return { hits, ws, reset }
`

const refundLua = `
local cur = redis.call("HMGET", KEYS[1], "hits", "ws")
local hits = tonumber(cur[1])
if hits ~= nil and hits > 0 and tonumber(cur[2]) == tonumber(ARGV[1]) then
  return redis.call("HINCRBY", KEYS[1], "hits", -1)
end
return -1
`

// RedisOptions tunes the key layout and retention of the Redis store.
type RedisOptions struct {
	Prefix      string        // key prefix, default "guard"
	Retention   time.Duration // how long archived windows are kept, default 24h
	AuditMaxLen int64         // audit list cap, default 10000
}

type redisStore struct {
	rdb    *redis.Client
	window *redis.Script
	refund *redis.Script
	opts   RedisOptions
}

// NewRedisStore wraps an existing client. Counters use server-side Lua so
// every instance sharing the Redis sees the same atomic window.
func NewRedisStore(rdb *redis.Client, opts RedisOptions) (Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	opts.Prefix = strings.Trim(opts.Prefix, ":")
	if opts.Prefix == "" {
		opts.Prefix = "guard"
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.AuditMaxLen <= 0 {
		opts.AuditMaxLen = 10000
	}
	return &redisStore{
		rdb:    rdb,
		window: redis.NewScript(fixedWindowLua),
		refund: redis.NewScript(refundLua),
		opts:   opts,
	}, nil
}

func (s *redisStore) tag(identifier string) string {
	return "{" + identifier + "}"
}

func (s *redisStore) counterKey(identifier, endpoint string) string {
	return s.opts.Prefix + ":ctr:" + s.tag(identifier) + ":" + endpoint
}

func (s *redisStore) historyKey(identifier string) string {
	return s.opts.Prefix + ":hist:" + s.tag(identifier)
}

func (s *redisStore) indexKey(identifier string) string {
	return s.opts.Prefix + ":idx:" + s.tag(identifier)
}

func (s *redisStore) blockKey(identifier string) string {
	return s.opts.Prefix + ":blk:" + s.tag(identifier)
}

func (s *redisStore) blockIndexKey() string { return s.opts.Prefix + ":blk:all" }
func (s *redisStore) auditKey() string      { return s.opts.Prefix + ":audit" }

// ---- Counters --------------------------------------------------------------

func (s *redisStore) Increment(ctx context.Context, endpoint, identifier string, window time.Duration, max int, now time.Time) (CounterRecord, error) {
	keys := []string{
		s.counterKey(identifier, endpoint),
		s.historyKey(identifier),
		s.indexKey(identifier),
	}
	values, err := s.window.Run(ctx, s.rdb, keys,
		now.UnixMilli(), window.Milliseconds(), max, endpoint, s.opts.Retention.Milliseconds()).Result()
	if err != nil {
		return CounterRecord{}, fmt.Errorf("fixed window script: %w", err)
	}
	arr, ok := values.([]interface{})
	if !ok || len(arr) < 3 {
		return CounterRecord{}, fmt.Errorf("unexpected lua result: %v", values)
	}
	var nums [3]int64
	for i := range nums {
		if nums[i], err = toInt64(arr[i]); err != nil {
			return CounterRecord{}, err
		}
	}
	return CounterRecord{
		Endpoint:    endpoint,
		Identifier:  identifier,
		Hits:        int(nums[0]),
		WindowStart: time.UnixMilli(nums[1]),
		ResetTime:   time.UnixMilli(nums[2]),
		MaxRequests: max,
		Window:      window,
	}, nil
}

func (s *redisStore) Refund(ctx context.Context, endpoint, identifier string, windowStart time.Time) error {
	err := s.refund.Run(ctx, s.rdb, []string{s.counterKey(identifier, endpoint)}, windowStart.UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("refund script: %w", err)
	}
	return nil
}

func (s *redisStore) HistorySince(ctx context.Context, identifier string, since time.Time) ([]CounterRecord, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.historyKey(identifier), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]CounterRecord, 0, len(members))
	for _, m := range members {
		rec, perr := parseHistoryMember(identifier, m)
		if perr != nil {
			continue // skip corrupt entries
		}
		out = append(out, rec)
	}

	endpoints, err := s.rdb.SMembers(ctx, s.indexKey(identifier)).Result()
	if err != nil {
		return nil, fmt.Errorf("read counter index: %w", err)
	}
	for _, ep := range endpoints {
		vals, err := s.rdb.HMGet(ctx, s.counterKey(identifier, ep), "hits", "ws", "reset", "max", "win").Result()
		if err != nil {
			return nil, fmt.Errorf("read counter %s: %w", ep, err)
		}
		rec, ok := counterFromHash(identifier, ep, vals)
		if !ok || rec.WindowStart.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	sortByWindowStart(out)
	return out, nil
}

func (s *redisStore) SweepExpired(ctx context.Context, olderThan time.Time) (int, error) {
	var swept int
	cutoff := "(" + strconv.FormatInt(olderThan.UnixMilli(), 10)
	iter := s.rdb.Scan(ctx, 0, s.opts.Prefix+":hist:*", 200).Iterator()
	for iter.Next(ctx) {
		n, err := s.rdb.ZRemRangeByScore(ctx, iter.Val(), "-inf", cutoff).Result()
		if err != nil {
			return swept, fmt.Errorf("sweep %s: %w", iter.Val(), err)
		}
		swept += int(n)
	}
	if err := iter.Err(); err != nil {
		return swept, fmt.Errorf("scan history: %w", err)
	}
	// Live counter hashes carry a PEXPIRE of retention+window, so Redis
	// reclaims them without a scan.
	return swept, nil
}

func parseHistoryMember(identifier, member string) (CounterRecord, error) {
	parts := strings.SplitN(member, "|", 5)
	if len(parts) != 5 {
		return CounterRecord{}, fmt.Errorf("malformed history member %q", member)
	}
	var nums [4]int64
	for i := 0; i < 4; i++ {
		n, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil {
			return CounterRecord{}, fmt.Errorf("malformed history member %q: %w", member, err)
		}
		nums[i] = n
	}
	window := time.Duration(nums[3]) * time.Millisecond
	ws := time.UnixMilli(nums[1])
	return CounterRecord{
		Endpoint:    parts[4],
		Identifier:  identifier,
		Hits:        int(nums[0]),
		WindowStart: ws,
		ResetTime:   ws.Add(window),
		MaxRequests: int(nums[2]),
		Window:      window,
	}, nil
}

func counterFromHash(identifier, endpoint string, vals []interface{}) (CounterRecord, bool) {
	if len(vals) < 5 {
		return CounterRecord{}, false
	}
	var nums [5]int64
	for i, v := range vals {
		if v == nil {
			return CounterRecord{}, false
		}
		n, err := toInt64(v)
		if err != nil {
			return CounterRecord{}, false
		}
		nums[i] = n
	}
	return CounterRecord{
		Endpoint:    endpoint,
		Identifier:  identifier,
		Hits:        int(nums[0]),
		WindowStart: time.UnixMilli(nums[1]),
		ResetTime:   time.UnixMilli(nums[2]),
		MaxRequests: int(nums[3]),
		Window:      time.Duration(nums[4]) * time.Millisecond,
	}, true
}

// ---- Blocks ----------------------------------------------------------------

func (s *redisStore) InsertBlock(ctx context.Context, entry BlockEntry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal BlockEntry: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, s.blockKey(entry.Identifier), redis.Z{
		Score:  float64(entry.ExpiresAt.UnixMilli()),
		Member: string(data),
	})
	pipe.SAdd(ctx, s.blockIndexKey(), entry.Identifier)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (s *redisStore) activeMembers(ctx context.Context, identifier string, now time.Time) ([]string, []BlockEntry, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.blockKey(identifier), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli()-1, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read blocks: %w", err)
	}
	var raw []string
	var entries []BlockEntry
	for _, m := range members {
		var entry BlockEntry
		if err := msgpack.Unmarshal([]byte(m), &entry); err != nil {
			continue
		}
		if entry.Active(now) {
			raw = append(raw, m)
			entries = append(entries, entry)
		}
	}
	return raw, entries, nil
}

func (s *redisStore) FindActiveBlocks(ctx context.Context, identifier string, now time.Time) ([]BlockEntry, error) {
	_, entries, err := s.activeMembers(ctx, identifier, now)
	return entries, err
}

func (s *redisStore) ListActiveBlocks(ctx context.Context, now time.Time) ([]BlockEntry, error) {
	ids, err := s.rdb.SMembers(ctx, s.blockIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read block index: %w", err)
	}
	var out []BlockEntry
	for _, id := range ids {
		entries, err := s.FindActiveBlocks(ctx, id, now)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (s *redisStore) ExpireBlocks(ctx context.Context, identifier string, now time.Time) (int, error) {
	raw, entries, err := s.activeMembers(ctx, identifier, now)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	key := s.blockKey(identifier)
	pipe := s.rdb.TxPipeline()
	for i, entry := range entries {
		entry.ExpiresAt = now
		data, err := msgpack.Marshal(entry)
		if err != nil {
			return 0, fmt.Errorf("marshal BlockEntry: %w", err)
		}
		pipe.ZRem(ctx, key, raw[i])
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: string(data)})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("expire blocks: %w", err)
	}
	return len(entries), nil
}

func (s *redisStore) PruneExpiredBlocks(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.rdb.SMembers(ctx, s.blockIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("read block index: %w", err)
	}
	var pruned int
	for _, id := range ids {
		key := s.blockKey(id)
		n, err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10)).Result()
		if err != nil {
			return pruned, fmt.Errorf("prune blocks for %s: %w", id, err)
		}
		pruned += int(n)
		left, err := s.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return pruned, fmt.Errorf("count blocks for %s: %w", id, err)
		}
		if left == 0 {
			s.rdb.SRem(ctx, s.blockIndexKey(), id)
		}
	}
	return pruned, nil
}

// ---- Audit -----------------------------------------------------------------

func (s *redisStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal AuditRecord: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, s.auditKey(), data)
	pipe.LTrim(ctx, s.auditKey(), 0, s.opts.AuditMaxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *redisStore) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.rdb.LRange(ctx, s.auditKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read audit: %w", err)
	}
	out := make([]AuditRecord, 0, len(raw))
	for _, r := range raw {
		var rec AuditRecord
		if err := msgpack.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal AuditRecord: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ---- Utility ---------------------------------------------------------------

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// SizeBytes has no file to stat; Redis memory is reported by Redis itself.
func (s *redisStore) SizeBytes() (int64, error) {
	return 0, nil
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected value type %T", value)
	}
}
