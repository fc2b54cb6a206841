package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/chrono/pkg/metrics"
	"github.com/cuemby/chrono/pkg/types"
)

// redisRenewScript is a Lua script that renews a member's score (its
// expiry deadline) only if the member is still present, so a Renew racing
// a concurrent Deregister cannot resurrect a member that just left.
const redisRenewScript = `
local key = KEYS[1]
local member = ARGV[1]
local newScore = ARGV[2]
if redis.call('ZSCORE', key, member) then
  redis.call('ZADD', key, newScore, member)
  return 1
end
return 0
`

// RedisRegistry implements Registry and Discovery with one Redis sorted
// set per group, scored by expiry-deadline unix millis: members past their
// score are stale and filtered out of Discover rather than actively
// expired, since ZADD has no native per-member TTL.
type RedisRegistry struct {
	client       *redis.Client
	renewScript  *redis.Script
	keyPrefix    string
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		client:      client,
		renewScript: redis.NewScript(redisRenewScript),
		keyPrefix:   "chrono:registry:",
	}
}

func (r *RedisRegistry) groupKey(group string) string {
	return r.keyPrefix + group
}

func (r *RedisRegistry) channelKey(group string) string {
	return r.keyPrefix + group + ":changes"
}

func (r *RedisRegistry) Register(ctx context.Context, endpoint types.ServerEndpoint, ttl time.Duration) error {
	deadline := time.Now().Add(ttl).UnixMilli()
	member, err := json.Marshal(endpoint)
	if err != nil {
		return fmt.Errorf("registry: marshal endpoint: %w", err)
	}
	key := r.groupKey(endpoint.Group)
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: float64(deadline), Member: string(member)}).Err(); err != nil {
		metrics.RegistryRefreshes.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("registry: register: %w", err)
	}
	r.client.Publish(ctx, r.channelKey(endpoint.Group), "changed")
	metrics.RegistryRefreshes.WithLabelValues("redis", "ok").Inc()
	return nil
}

func (r *RedisRegistry) Renew(ctx context.Context, endpoint types.ServerEndpoint, ttl time.Duration) error {
	deadline := time.Now().Add(ttl).UnixMilli()
	member, err := json.Marshal(endpoint)
	if err != nil {
		return fmt.Errorf("registry: marshal endpoint: %w", err)
	}
	key := r.groupKey(endpoint.Group)
	n, err := r.renewScript.Run(ctx, r.client, []string{key}, string(member), deadline).Int()
	if err != nil {
		metrics.RegistryRefreshes.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("registry: renew: %w", err)
	}
	if n == 0 {
		// the member had already expired or been deregistered; re-register
		return r.Register(ctx, endpoint, ttl)
	}
	metrics.RegistryRefreshes.WithLabelValues("redis", "ok").Inc()
	return nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, endpoint types.ServerEndpoint) error {
	member, err := json.Marshal(endpoint)
	if err != nil {
		return fmt.Errorf("registry: marshal endpoint: %w", err)
	}
	key := r.groupKey(endpoint.Group)
	if err := r.client.ZRem(ctx, key, string(member)).Err(); err != nil {
		return fmt.Errorf("registry: deregister: %w", err)
	}
	r.client.Publish(ctx, r.channelKey(endpoint.Group), "changed")
	return nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) Discover(ctx context.Context, group string) ([]types.ServerEndpoint, error) {
	key := r.groupKey(group)
	now := float64(time.Now().UnixMilli())
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: fmt.Sprintf("%f", now), Max: "+inf"}).Result()
	if err != nil {
		metrics.RegistryRefreshes.WithLabelValues("redis", "error").Inc()
		return nil, fmt.Errorf("registry: discover: %w", err)
	}
	out := make([]types.ServerEndpoint, 0, len(members))
	for _, m := range members {
		var ep types.ServerEndpoint
		if err := json.Unmarshal([]byte(m), &ep); err != nil {
			continue
		}
		out = append(out, ep)
	}
	metrics.RegistryAliveWorkers.WithLabelValues(group).Set(float64(len(out)))
	return out, nil
}

// Watch subscribes to the group's pub/sub change channel and re-discovers
// on every notification, debounced to at most one refresh per tick so a
// burst of renewals doesn't hammer Redis with ZRangeByScore calls.
func (r *RedisRegistry) Watch(ctx context.Context, group string) (<-chan []types.ServerEndpoint, error) {
	sub := r.client.Subscribe(ctx, r.channelKey(group))
	out := make(chan []types.ServerEndpoint, 1)

	initial, err := r.Discover(ctx, group)
	if err != nil {
		sub.Close()
		return nil, err
	}
	out <- initial

	go func() {
		defer sub.Close()
		defer close(out)
		ch := sub.Channel()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		dirty := false
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				dirty = true
			case <-ticker.C:
				if !dirty {
					continue
				}
				dirty = false
				snap, err := r.Discover(ctx, group)
				if err != nil {
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
