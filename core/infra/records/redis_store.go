package records

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cordum/stash/core/infra/logging"
	"github.com/cordum/stash/core/record"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix    = "stash:"
	watchBackoffBase    = 500 * time.Microsecond
	watchBackoffMax     = 20 * time.Millisecond
	recordKeySegment    = "rec:"
)

// Consume strategies for RedisStore.
const (
	StrategyScript = "script"
	StrategyWatch  = "watch"
)

var errWatchContention = errors.New("watch retries exhausted")

// RedisOptions tunes a RedisStore. Zero values select defaults.
type RedisOptions struct {
	KeyPrefix    string
	Strategy     string
	// WatchRetries caps WATCH attempts per consume. Zero retries until the
	// operation deadline.
	WatchRetries int
	OpTimeout    time.Duration
	Remover      PayloadRemover
	Now          func() time.Time
}

// RedisStore keeps each record in a hash at <prefix>rec:<slug>:
//
//	kind        file | url | paste
//	path, name  file records
//	target      url records
//	body        paste records
//	remaining   decimal counter, absent when unlimited
//	expires_at  unix milliseconds, absent when the record never expires
//
// Expiring records also carry a PEXPIREAT so Redis reclaims them unread.
type RedisStore struct {
	client       redis.UniversalClient
	prefix       string
	strategy     string
	watchRetries int
	opTimeout    time.Duration
	remover      PayloadRemover
	now          func() time.Time
}

// NewRedisStore wraps a shared client. The client is closed by Close.
func NewRedisStore(client redis.UniversalClient, opts RedisOptions) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	s := &RedisStore{
		client:       client,
		prefix:       opts.KeyPrefix,
		strategy:     strings.ToLower(strings.TrimSpace(opts.Strategy)),
		watchRetries: opts.WatchRetries,
		opTimeout:    opts.OpTimeout,
		remover:      opts.Remover,
		now:          opts.Now,
	}
	if s.prefix == "" {
		s.prefix = defaultKeyPrefix
	}
	switch s.strategy {
	case "":
		s.strategy = StrategyScript
	case StrategyScript, StrategyWatch:
	default:
		return nil, fmt.Errorf("unknown consume strategy %q", opts.Strategy)
	}
	if s.opTimeout <= 0 {
		s.opTimeout = defaultOpTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *RedisStore) key(slug string) string {
	return s.prefix + recordKeySegment + slug
}

func (s *RedisStore) Fetch(ctx context.Context, slug string) (*record.Record, error) {
	if slug == "" {
		return nil, nil
	}
	opCtx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(opCtx, s.key(slug)).Result()
	if err != nil {
		return nil, backendErr(ctx, "fetch", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec, err := decodeHash(slug, fields)
	if err != nil {
		return nil, err
	}
	if !rec.Available(s.now()) {
		return nil, nil
	}
	return rec, nil
}

func (s *RedisStore) Consume(ctx context.Context, rec *record.Record) (Consumption, error) {
	if rec == nil || rec.Slug == "" {
		return Consumption{}, fmt.Errorf("%w: record without slug", record.ErrMalformedRecord)
	}
	if !rec.Bounded() {
		return Consumption{Unlimited: true}, nil
	}
	opCtx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	var (
		res consumeResult
		err error
	)
	if s.strategy == StrategyWatch {
		res, err = s.consumeWatch(opCtx, s.key(rec.Slug))
	} else {
		res, err = s.consumeScript(opCtx, s.key(rec.Slug))
	}
	if err != nil {
		if errors.Is(err, errWatchContention) && ctx.Err() == nil {
			return Consumption{}, &record.UnavailableError{Op: "consume", Err: err, RetryAfter: 100 * time.Millisecond}
		}
		if errors.Is(err, record.ErrMalformedRecord) {
			return Consumption{}, fmt.Errorf("record %q: %w", rec.Slug, err)
		}
		return Consumption{}, backendErr(ctx, "consume", err)
	}
	return res.apply(ctx, s.remover, rec.Slug)
}

type consumeResult struct {
	status    int64
	remaining int64
	path      string
}

func (r consumeResult) apply(ctx context.Context, remover PayloadRemover, slug string) (Consumption, error) {
	switch r.status {
	case statusUnlimited:
		return Consumption{Unlimited: true}, nil
	case statusCounted:
		return Consumption{Remaining: r.remaining}, nil
	case statusExhausted:
		logging.Debug(logComponent, "record exhausted", "slug", slug)
		removePayload(ctx, remover, slug, r.path)
		return Consumption{Deleted: true}, nil
	case statusPurged:
		removePayload(ctx, remover, slug, r.path)
		return Consumption{}, record.NotFound(slug)
	default:
		return Consumption{}, record.NotFound(slug)
	}
}

func (s *RedisStore) consumeScript(ctx context.Context, key string) (consumeResult, error) {
	vals, err := consumeScript.Run(ctx, s.client, []string{key}, s.now().UnixMilli()).Slice()
	if err != nil {
		return consumeResult{}, err
	}
	if len(vals) != 3 {
		return consumeResult{}, fmt.Errorf("consume script: unexpected reply %v", vals)
	}
	status, ok1 := vals[0].(int64)
	left, ok2 := vals[1].(int64)
	path, ok3 := vals[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return consumeResult{}, fmt.Errorf("consume script: unexpected reply %v", vals)
	}
	return consumeResult{status: status, remaining: left, path: path}, nil
}

// consumeWatch is the optimistic WATCH/MULTI/EXEC equivalent of consumeScript for
// deployments that disallow scripting.
func (s *RedisStore) consumeWatch(ctx context.Context, key string) (consumeResult, error) {
	var out consumeResult
	txf := func(tx *redis.Tx) error {
		out = consumeResult{}
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			out.status = statusGone
			return nil
		}
		doc, err := record.DocumentFromFields(fields)
		if err != nil {
			return err
		}
		now := s.now().UnixMilli()
		expired := doc.ExpiresAt > 0 && doc.ExpiresAt <= now
		if !expired && doc.Remaining == nil {
			out.status = statusUnlimited
			return nil
		}
		left := int64(0)
		if !expired {
			left = *doc.Remaining - 1
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if left <= 0 {
				pipe.Del(ctx, key)
			} else {
				pipe.HSet(ctx, key, record.FieldRemaining, left)
			}
			return nil
		})
		if err != nil {
			return err
		}
		switch {
		case expired || *doc.Remaining <= 0:
			out = consumeResult{status: statusPurged, path: doc.Path}
		case left <= 0:
			out = consumeResult{status: statusExhausted, path: doc.Path}
		default:
			out = consumeResult{status: statusCounted, remaining: left}
		}
		return nil
	}

	for attempt := 0; s.watchRetries <= 0 || attempt < s.watchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return consumeResult{}, err
		}
		select {
		case <-ctx.Done():
			return consumeResult{}, fmt.Errorf("%w: %w", errWatchContention, ctx.Err())
		case <-time.After(watchBackoff(attempt)):
		}
	}
	return consumeResult{}, errWatchContention
}

// watchBackoff is a capped exponential delay with full jitter, so writers that
// lost the same WATCH round do not collide again on the next one.
func watchBackoff(attempt int) time.Duration {
	ceiling := float64(watchBackoffBase) * math.Pow(2, float64(attempt))
	if ceiling > float64(watchBackoffMax) {
		ceiling = float64(watchBackoffMax)
	}
	return time.Duration(rand.Int64N(int64(ceiling)) + 1)
}

func (s *RedisStore) Put(ctx context.Context, rec *record.Record) error {
	if rec == nil || rec.Slug == "" {
		return fmt.Errorf("%w: record without slug", record.ErrMalformedRecord)
	}
	doc, err := record.ToDocument(rec)
	if err != nil {
		return err
	}
	opCtx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	key := s.key(rec.Slug)
	_, err = s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Del(opCtx, key)
		pipe.HSet(opCtx, key, doc.Fields())
		if !rec.ExpiresAt.IsZero() {
			pipe.PExpireAt(opCtx, key, rec.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return backendErr(ctx, "put", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, slug string) (*record.Record, error) {
	if slug == "" {
		return nil, nil
	}
	opCtx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	key := s.key(slug)
	var fields *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(opCtx, key)
		pipe.Del(opCtx, key)
		return nil
	})
	if err != nil {
		return nil, backendErr(ctx, "delete", err)
	}
	if len(fields.Val()) == 0 {
		return nil, nil
	}
	rec, err := decodeHash(slug, fields.Val())
	if err != nil {
		removePayload(ctx, s.remover, slug, fields.Val()[record.FieldPath])
		return nil, err
	}
	if path, ok := rec.PayloadPath(); ok {
		removePayload(ctx, s.remover, slug, path)
	}
	logging.Info(logComponent, "record deleted", "slug", slug, "kind", rec.Data.Kind())
	return rec, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	opCtx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return backendErr(ctx, "ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeHash(slug string, fields map[string]string) (*record.Record, error) {
	doc, err := record.DocumentFromFields(fields)
	if err != nil {
		return nil, fmt.Errorf("record %q: %w", slug, err)
	}
	rec, err := doc.Record(slug)
	if err != nil {
		return nil, fmt.Errorf("record %q: %w", slug, err)
	}
	return rec, nil
}
