package abuse

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and optionally takes one token in a single
// atomic step. ARGV: capacity, refill, interval_ms, now_ms, take (0|1).
// Returns {taken (0|1), tokens as string}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local take = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + (elapsed * refill / interval))

local taken = 0
if take == 1 then
  if tokens >= 1 then
    tokens = tokens - 1
    taken = 1
  end
  redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
  local ttl = math.ceil((capacity - tokens) * interval / refill)
  if ttl < 1 then
    ttl = 1
  end
  redis.call("PEXPIRE", KEYS[1], ttl)
end

return {taken, tostring(tokens)}
`)

// RedisBuckets shares bucket state between API instances. Errors are
// returned, never treated as an available token.
type RedisBuckets struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisBuckets(client *redis.Client) *RedisBuckets {
	return &RedisBuckets{client: client, prefix: "bucket:", now: time.Now}
}

func (r *RedisBuckets) Peek(ctx context.Context, key string, params BucketParams) (float64, error) {
	_, tokens, err := r.run(ctx, key, params, false)
	return tokens, err
}

func (r *RedisBuckets) Take(ctx context.Context, key string, params BucketParams) (bool, error) {
	taken, _, err := r.run(ctx, key, params, true)
	return taken, err
}

func (r *RedisBuckets) run(ctx context.Context, key string, params BucketParams, take bool) (bool, float64, error) {
	if !params.valid() || params.Interval < time.Millisecond {
		return false, 0, fmt.Errorf("invalid bucket params %+v", params)
	}
	takeArg := 0
	if take {
		takeArg = 1
	}
	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + key},
		params.Capacity,
		params.RefillRate,
		params.Interval.Milliseconds(),
		r.now().UnixMilli(),
		takeArg,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, 0, fmt.Errorf("token bucket script: unexpected result %v", res)
	}
	taken, _ := vals[0].(int64)
	rawTokens, _ := vals[1].(string)
	tokens, err := strconv.ParseFloat(rawTokens, 64)
	if err != nil {
		return false, 0, fmt.Errorf("token bucket script: parse tokens %q: %w", rawTokens, err)
	}
	return taken == 1, tokens, nil
}
