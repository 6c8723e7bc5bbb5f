package main

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/health"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/store"
	"github.com/keithlinneman/linnemanlabs-ratelimiter/internal/xerrors"
)

// backend bundles the selected store with its readiness check and cleanup.
type backend struct {
	store store.Store
	ready health.Probe

	closeOnce sync.Once
	closeFn   func() error
	closeErr  error
}

func (b *backend) close() error {
	b.closeOnce.Do(func() {
		if b.closeFn != nil {
			b.closeErr = b.closeFn()
		}
	})
	return b.closeErr
}

func newBackend(ctx context.Context, conf cfg.App, m *metrics.ServerMetrics) (*backend, error) {
	L := log.FromContext(ctx)
	window := conf.Window()

	switch conf.Store {
	case cfg.StoreMemory:
		mem := store.NewMemory(conf.Shards)
		go mem.RunSweeper(ctx, window, conf.SweepInterval, func(removed int) {
			m.AddSweepRemoved(removed)
			m.SetTrackedIdentifiers(mem.Len())
			if removed > 0 {
				L.Debug(ctx, "swept idle identifiers", "removed", removed)
			}
		})
		// memory is always reachable, readiness only tracks the shutdown gate
		return &backend{store: mem, ready: health.Fixed(true, "")}, nil

	case cfg.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
			// the store's lock deadline only reaches the socket with this on
			ContextTimeoutEnabled: true,
		})
		rs := store.NewRedis(client, store.RedisOptions{
			KeyPrefix: conf.RedisKeyPrefix,
			// one extra second so a set never expires while its newest record is in window
			TTL: window + time.Second,
		})

		pingCtx, cancel := context.WithTimeout(ctx, health.DefaultPingTimeout)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			// not fatal, readiness stays red until redis answers
			L.Warn(ctx, "redis not reachable at startup", "addr", conf.RedisAddr, "error", err.Error())
		}

		return &backend{
			store:   rs,
			ready:   health.StorePing(rs, health.DefaultPingTimeout),
			closeFn: client.Close,
		}, nil
	}
	return nil, xerrors.Newf("unknown store %q", conf.Store)
}
