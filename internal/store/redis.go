package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisKeyPrefix = "book:snap"
	// mgetChunk bounds one MGET so large range scans stay incremental.
	mgetChunk = 512
)

// RedisStore keeps snapshot records in redis, one string key per
// (symbol, second) with the retention window as TTL. Idempotence falls out
// of SET semantics; retention falls out of expiry, so Sweep has nothing
// to do.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	log       zerolog.Logger
}

// NewRedisStore builds a store on the given client.
func NewRedisStore(client *redis.Client, retention time.Duration, logger zerolog.Logger) *RedisStore {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisStore{
		client:    client,
		retention: retention,
		log:       logger.With().Str("component", "snapshot_store").Logger(),
	}
}

func redisKey(symbol string, second int64) string {
	return fmt.Sprintf("%s:%s:%d", redisKeyPrefix, symbol, second)
}

// Put stores the encoded snapshot with the retention TTL.
func (r *RedisStore) Put(ctx context.Context, snap *Snapshot) error {
	return r.client.Set(ctx, redisKey(snap.Symbol, snap.Second), Encode(snap), r.retention).Err()
}

// Scan streams the range via chunked MGET; absent seconds are skipped.
func (r *RedisStore) Scan(ctx context.Context, symbol string, fromSec, toSec int64) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &redisIterator{
		ctx:    ctx,
		store:  r,
		symbol: symbol,
		next:   fromSec,
		last:   toSec,
	}, nil
}

// Sweep is a no-op: expiry enforces retention.
func (r *RedisStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, ctx.Err()
}

// Close releases the underlying client.
func (r *RedisStore) Close() error { return r.client.Close() }

type redisIterator struct {
	ctx    context.Context
	store  *RedisStore
	symbol string
	next   int64 // next second to fetch
	last   int64
	batch  []*Snapshot
	idx    int
	err    error
	closed bool
}

func (it *redisIterator) Next() (*Snapshot, bool) {
	for {
		if it.closed || it.err != nil {
			return nil, false
		}
		if it.idx < len(it.batch) {
			snap := it.batch[it.idx]
			it.idx++
			return snap, true
		}
		if it.next > it.last {
			return nil, false
		}
		if !it.fetch() {
			return nil, false
		}
	}
}

// fetch pulls the next chunk of seconds. Returns false on error.
func (it *redisIterator) fetch() bool {
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}
	hi := it.next + mgetChunk - 1
	if hi > it.last {
		hi = it.last
	}
	keys := make([]string, 0, hi-it.next+1)
	seconds := make([]int64, 0, hi-it.next+1)
	for sec := it.next; sec <= hi; sec++ {
		keys = append(keys, redisKey(it.symbol, sec))
		seconds = append(seconds, sec)
	}

	vals, err := it.store.client.MGet(it.ctx, keys...).Result()
	if err != nil {
		it.err = err
		return false
	}
	it.batch = it.batch[:0]
	it.idx = 0
	for i, v := range vals {
		if v == nil {
			continue
		}
		payload, ok := v.(string)
		if !ok {
			continue
		}
		snap, err := Decode(it.symbol, seconds[i], []byte(payload))
		if err != nil {
			it.store.log.Warn().Err(err).Int64("second", seconds[i]).Msg("skipping corrupt snapshot record")
			continue
		}
		it.batch = append(it.batch, snap)
	}
	it.next = hi + 1
	return true
}

func (it *redisIterator) Err() error { return it.err }

func (it *redisIterator) Close() { it.closed = true }
