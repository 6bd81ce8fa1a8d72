package faststore

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/relaycore/relay/model"
)

// tokenBucketScript refills and debits a per-credential token bucket
// atomically. Both keys expire together so idle buckets clean themselves up.
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = tonumber(redis.call('GET', tokens_key))
if tokens == nil then
	tokens = capacity
end
local last = tonumber(redis.call('GET', ts_key))
if last == nil then
	last = now
end

local elapsed = now - last
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(capacity, tokens + (elapsed / 1000) * rate)

local allowed = 0
if tokens >= requested then
	allowed = 1
	tokens = tokens - requested
end

redis.call('SET', tokens_key, tokens, 'PX', ttl)
redis.call('SET', ts_key, now, 'PX', ttl)

return {allowed, tostring(tokens)}
`)

// RateLimitResult is the outcome of a token bucket check.
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// AllowRequest debits one token from the credential's bucket. The limit is
// expressed in requests per minute; the bucket refills continuously.
func (s *Store) AllowRequest(ctx context.Context, credentialID string, limitPerMinute int) (*RateLimitResult, error) {
	now := model.GetMillis()
	ratePerSecond := float64(limitPerMinute) / 60.0

	values, err := tokenBucketScript.Run(ctx, s.client,
		[]string{rateLimitTokens + credentialID, rateLimitStamp + credentialID},
		ratePerSecond,
		limitPerMinute,
		now,
		1,
		rateLimitKeysTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, errors.Wrap(err, "failed to run token bucket script")
	}
	if len(values) != 2 {
		return nil, errors.Errorf("unexpected token bucket response of length %d", len(values))
	}

	allowed, ok := values[0].(int64)
	if !ok {
		return nil, errors.New("unexpected token bucket allowed type")
	}
	tokensStr, ok := values[1].(string)
	if !ok {
		return nil, errors.New("unexpected token bucket remaining type")
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse remaining tokens")
	}

	result := &RateLimitResult{
		Allowed:   allowed == 1,
		Limit:     limitPerMinute,
		Remaining: int(math.Floor(tokens)),
	}

	if !result.Allowed && ratePerSecond > 0 {
		// Time until a full token accrues.
		deficit := 1 - tokens
		result.RetryAfter = time.Duration(math.Ceil(deficit/ratePerSecond)) * time.Second
		if result.RetryAfter < time.Second {
			result.RetryAfter = time.Second
		}
	}

	return result, nil
}
