package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"custodial-ledger/internal/domain"

	"github.com/redis/go-redis/v9"
)

// putIfNewer writes balance and version only when the cached version is
// older, so a slow reader cannot overwrite a balance refreshed by a transfer.
// An invalidated entry keeps its version without a balance and accepts a
// write of that same version.
var putIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur then
  local c = tonumber(cur)
  local v = tonumber(ARGV[2])
  if c > v then
    return 0
  end
  if c == v and redis.call('HEXISTS', KEYS[1], 'balance') == 1 then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'balance', ARGV[1], 'version', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// invalidate drops the balance but remembers the version it was dropped at.
var invalidate = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HDEL', KEYS[1], 'balance')
redis.call('HSET', KEYS[1], 'version', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

type cacheRepository struct {
	client *redis.Client
	ttl    time.Duration

	// bypass holds owners whose invalidation could not reach Redis. Their
	// cached entries are ignored until a fresh Put lands or the TTL passes.
	mu     sync.Mutex
	bypass map[string]bypassEntry
}

type bypassEntry struct {
	version int64
	until   time.Time
}

func NewCacheRepository(client *redis.Client, ttl time.Duration) domain.BalanceCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &cacheRepository{client: client, ttl: ttl, bypass: make(map[string]bypassEntry)}
}

func balanceKey(ownerID string) string {
	return fmt.Sprintf("ledger:balance:%s", ownerID)
}

func (r *cacheRepository) Get(ctx context.Context, ownerID string) (*domain.Account, error) {
	if r.bypassed(ownerID) {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, balanceKey(ownerID), "balance", "version").Result()
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, nil // Cache miss
	}

	balance, err := parseCachedInt(vals[0])
	if err != nil {
		return nil, err
	}
	version, err := parseCachedInt(vals[1])
	if err != nil {
		return nil, err
	}
	return &domain.Account{OwnerID: ownerID, Balance: balance, Version: version}, nil
}

func (r *cacheRepository) Put(ctx context.Context, account domain.Account) error {
	if account.Balance < 0 {
		return fmt.Errorf("refusing to cache negative balance for %s", account.OwnerID)
	}
	keys := []string{balanceKey(account.OwnerID)}
	written, err := putIfNewer.Run(ctx, r.client, keys, account.Balance, account.Version, r.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if written == 1 {
		r.clearBypass(account.OwnerID, account.Version)
	}
	return nil
}

// Invalidate drops the cached balance of account.OwnerID. Writes older than
// account.Version stay rejected. If Redis cannot be reached the owner is
// served from the store by this process until the TTL passes.
func (r *cacheRepository) Invalidate(ctx context.Context, account domain.Account) error {
	keys := []string{balanceKey(account.OwnerID)}
	if err := invalidate.Run(ctx, r.client, keys, account.Version, r.ttl.Milliseconds()).Err(); err != nil {
		r.mu.Lock()
		r.bypass[account.OwnerID] = bypassEntry{version: account.Version, until: time.Now().Add(r.ttl)}
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *cacheRepository) bypassed(ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bypass[ownerID]
	if !ok {
		return false
	}
	if time.Now().After(e.until) {
		delete(r.bypass, ownerID)
		return false
	}
	return true
}

func (r *cacheRepository) clearBypass(ownerID string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.bypass[ownerID]; ok && version >= e.version {
		delete(r.bypass, ownerID)
	}
}

func parseCachedInt(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected cache value type")
	}
	return strconv.ParseInt(s, 10, 64)
}

type noopCache struct{}

// NewNoopCache is used when no Redis address is configured.
func NewNoopCache() domain.BalanceCache { return noopCache{} }

func (noopCache) Get(context.Context, string) (*domain.Account, error) { return nil, nil }

func (noopCache) Put(context.Context, domain.Account) error { return nil }

func (noopCache) Invalidate(context.Context, domain.Account) error { return nil }
