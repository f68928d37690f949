// Package redis adapts Redis to the broker's concurrency leasing, credit
// ledger, and realtime fan-out ports, using Lua scripts for every
// compare-and-set operation so each is a single atomic round trip.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/renderflow/broker/internal/domain"
)

// leaseAcquireScript atomically admits member into the per-(tier,owner)
// lease set if it is already a member or the set has spare capacity.
const leaseAcquireScript = `
local key = KEYS[1]
local cap = tonumber(ARGV[1])
local member = ARGV[2]

if redis.call("SISMEMBER", key, member) == 1 then
  return 1
end

local count = redis.call("SCARD", key)
if count < cap then
  redis.call("SADD", key, member)
  return 1
end
return 0
`

// Leaser implements domain.Leaser with a Redis set per (tier, owner),
// capped at the tier's concurrency limit (spec §5).
type Leaser struct {
	rdb    *redis.Client
	script *redis.Script
}

// NewLeaser constructs a Leaser.
func NewLeaser(rdb *redis.Client) *Leaser {
	return &Leaser{rdb: rdb, script: redis.NewScript(leaseAcquireScript)}
}

func leaseKey(tier domain.Tier, ownerID string) string {
	return fmt.Sprintf("lease:%s:%s", tier, ownerID)
}

// Acquire admits jobID into the owner's concurrency set for tier, returning
// false (not an error) when the owner is already at their cap.
func (l *Leaser) Acquire(ctx context.Context, tier domain.Tier, ownerID, jobID string) (bool, error) {
	res, err := l.script.Run(ctx, l.rdb, []string{leaseKey(tier, ownerID)}, tier.ConcurrencyCap(), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("op=leaser.acquire: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("op=leaser.acquire: unexpected script result %T", res)
	}
	return n == 1, nil
}

// Release removes jobID from the owner's concurrency set.
func (l *Leaser) Release(ctx context.Context, tier domain.Tier, ownerID, jobID string) error {
	if err := l.rdb.SRem(ctx, leaseKey(tier, ownerID), jobID).Err(); err != nil {
		return fmt.Errorf("op=leaser.release: %w", err)
	}
	return nil
}
