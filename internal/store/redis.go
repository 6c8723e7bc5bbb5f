package store

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/xerrors"
)

// RedisOptions configures the Redis backed store.
type RedisOptions struct {
	// KeyPrefix namespaces both the record sets and the lock keys.
	KeyPrefix string
	// TTL is applied to an identifier's record set on every append so
	// abandoned identifiers expire server side. Usually the window size.
	TTL time.Duration
	// LockTTL bounds how long a crashed holder can block an identifier.
	// Calls made inside Atomic must finish within half of it. The client
	// needs ContextTimeoutEnabled for that deadline to reach the socket.
	LockTTL time.Duration
	// LockRetry is the pause between lock attempts while another check for
	// the same identifier is in flight.
	LockRetry time.Duration
}

// Redis keeps each identifier's admissions in a sorted set scored by
// timestamp in microseconds. Atomic takes a per-identifier lock key so the
// purge, query and append issued by one check cannot interleave with another
// check on the same identifier, from this process or any other.
//
// Timestamps are stored at microsecond resolution.
type Redis struct {
	client redis.UniversalClient
	opts   RedisOptions
}

// releases the lock only if we still own it
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "ratelimit"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Second
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = 5 * time.Millisecond
	}
	return &Redis{client: client, opts: opts}
}

// Ping reports whether Redis is reachable, used for readiness.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return xerrors.Wrap(err, "redis ping")
	}
	return nil
}

// Atomic blocks until the identifier's lock is held or ctx is done. Every
// Redis call fn makes is bounded to LockTTL/2 from acquisition, so the lock
// cannot expire under a stalled check and let a second holder in.
func (r *Redis) Atomic(ctx context.Context, identifier string, fn func(Records) error) (err error) {
	lockKey := r.lockKey(identifier)
	token := uuid.NewString()

	if err := r.lock(ctx, lockKey, token); err != nil {
		return err
	}
	defer func() {
		// release even if the caller's ctx was cancelled mid-check
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if uerr := unlockScript.Run(uctx, r.client, []string{lockKey}, token).Err(); uerr != nil && err == nil {
			err = xerrors.Wrapf(uerr, "redis unlock %s", lockKey)
		}
	}()

	return fn(redisRecords{
		r:        r,
		key:      r.recordsKey(identifier),
		deadline: time.Now().Add(r.opts.LockTTL / 2),
	})
}

func (r *Redis) lock(ctx context.Context, key, token string) error {
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.opts.LockTTL).Result()
		if err != nil {
			return xerrors.Wrapf(err, "redis lock %s", key)
		}
		if ok {
			return nil
		}
		t := time.NewTimer(r.opts.LockRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return xerrors.Wrapf(ctx.Err(), "waiting for redis lock %s", key)
		case <-t.C:
		}
	}
}

// hash tag keeps the records and lock for one identifier in the same cluster slot
func (r *Redis) recordsKey(identifier string) string {
	return r.opts.KeyPrefix + ":{" + identifier + "}"
}

func (r *Redis) lockKey(identifier string) string {
	return r.opts.KeyPrefix + ":lock:{" + identifier + "}"
}

type redisRecords struct {
	r        *Redis
	key      string
	deadline time.Time
}

// bound caps ctx at the lock deadline and fails fast once it has passed.
func (rr redisRecords) bound(ctx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithDeadline(ctx, rr.deadline)
	if err := ctx.Err(); err != nil {
		cancel()
		return nil, nil, xerrors.Wrapf(err, "redis lock deadline for %s", rr.key)
	}
	return ctx, cancel, nil
}

func (rr redisRecords) Purge(ctx context.Context, cutoff time.Time) error {
	ctx, cancel, err := rr.bound(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	// "(" makes the bound exclusive: only records strictly before cutoff go
	upper := "(" + strconv.FormatInt(cutoff.UnixMicro(), 10)
	if err := rr.r.client.ZRemRangeByScore(ctx, rr.key, "-inf", upper).Err(); err != nil {
		return xerrors.Wrap(err, "redis zremrangebyscore")
	}
	return nil
}

func (rr redisRecords) Query(ctx context.Context) (Snapshot, error) {
	ctx, cancel, err := rr.bound(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	defer cancel()
	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err = rr.r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		card = p.ZCard(ctx, rr.key)
		oldest = p.ZRangeWithScores(ctx, rr.key, 0, 0)
		return nil
	})
	if err != nil {
		return Snapshot{}, xerrors.Wrap(err, "redis query window")
	}

	snap := Snapshot{Count: int(card.Val())}
	if zs := oldest.Val(); len(zs) > 0 {
		snap.Oldest = time.UnixMicro(int64(zs[0].Score))
		snap.HasOldest = true
	}
	return snap, nil
}

func (rr redisRecords) Append(ctx context.Context, ts time.Time) error {
	ctx, cancel, err := rr.bound(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	micros := ts.UnixMicro()
	// members must be unique or two admissions in the same instant collapse into one
	member := strconv.FormatInt(micros, 10) + ":" + uuid.NewString()

	_, err = rr.r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, rr.key, redis.Z{Score: float64(micros), Member: member})
		if rr.r.opts.TTL > 0 {
			p.PExpire(ctx, rr.key, rr.r.opts.TTL)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(err, "redis zadd")
	}
	return nil
}
