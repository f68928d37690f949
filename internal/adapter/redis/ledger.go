package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/renderflow/broker/internal/domain"
)

// ledgerApplyScript applies an idempotent balance delta keyed by (owner,
// operation kind, ref):
// a ref already seen returns the current balance without re-applying,
// matching the idempotent-refund requirement in spec §4.7.
const ledgerApplyScript = `
local balKey = KEYS[1]
local opKey = KEYS[2]
local delta = tonumber(ARGV[1])
local ttlSeconds = tonumber(ARGV[2])

if redis.call("EXISTS", opKey) == 1 then
  local bal = tonumber(redis.call("GET", balKey) or "0")
  return {0, bal}
end

local bal = tonumber(redis.call("GET", balKey) or "0")
local newBal = bal + delta
if delta < 0 and newBal < 0 then
  return {-1, bal}
end

redis.call("SET", balKey, newBal)
redis.call("SET", opKey, "1", "EX", ttlSeconds)
return {1, newBal}
`

const ledgerOpTTL = 7 * 24 * time.Hour

// CreditLedger implements domain.CreditLedger against a Redis balance key
// per owner, guarded by an idempotency key per (owner, operation kind, ref).
type CreditLedger struct {
	rdb    *redis.Client
	script *redis.Script
}

// NewCreditLedger constructs a CreditLedger.
func NewCreditLedger(rdb *redis.Client) *CreditLedger {
	return &CreditLedger{rdb: rdb, script: redis.NewScript(ledgerApplyScript)}
}

func balanceKey(ownerID string) string { return "credits:balance:" + ownerID }

// opKey is namespaced per operation kind as well as (owner, ref): a Deduct
// and a later Refund against the same job id must not share an idempotency
// marker, or the refund's EXISTS check would see the deduct's marker and
// silently no-op instead of crediting the balance back.
func opKey(ownerID, kind, ref string) string { return "credits:op:" + ownerID + ":" + kind + ":" + ref }

func (l *CreditLedger) apply(ctx context.Context, ownerID, kind string, delta int64, ref string) (int64, error) {
	res, err := l.script.Run(ctx, l.rdb,
		[]string{balanceKey(ownerID), opKey(ownerID, kind, ref)},
		delta, int64(ledgerOpTTL.Seconds()),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("op=ledger.apply: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, fmt.Errorf("op=ledger.apply: unexpected script result %T", res)
	}
	status, _ := vals[0].(int64)
	balance, _ := vals[1].(int64)
	if status == -1 {
		return balance, domain.ErrInsufficientCredits
	}
	return balance, nil
}

// Deduct atomically subtracts amount from the owner's balance, keyed by ref
// for idempotency.
func (l *CreditLedger) Deduct(ctx context.Context, ownerID string, amount int64, ref string) (int64, error) {
	balance, err := l.apply(ctx, ownerID, "deduct", -amount, ref)
	if err != nil {
		return balance, err
	}
	return balance, nil
}

// Refund atomically adds amount back to the owner's balance, idempotent on
// ref so a retried cancel/fail cannot double-refund.
func (l *CreditLedger) Refund(ctx context.Context, ownerID string, amount int64, ref string) (int64, error) {
	return l.apply(ctx, ownerID, "refund", amount, ref)
}

// Balance reads the owner's current balance.
func (l *CreditLedger) Balance(ctx context.Context, ownerID string) (int64, error) {
	n, err := l.rdb.Get(ctx, balanceKey(ownerID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("op=ledger.balance: %w", err)
	}
	return n, nil
}
