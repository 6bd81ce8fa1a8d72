package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaycore/relay/internal/auth"
	"github.com/relaycore/relay/internal/faststore"
	"github.com/relaycore/relay/model"
)

// authenticateRequest resolves the caller's credential, enforces the required
// scope, and debits the rate limit bucket. It writes the error response and
// returns false when the request must not proceed.
func authenticateRequest(c *Context, w http.ResponseWriter, r *http.Request, scope model.Scope) bool {
	rawKey := extractRawKey(r)
	if rawKey == "" {
		writeProblem(c, w, model.NewProblem(http.StatusUnauthorized, model.ErrorCodeInvalidAPIKey, "missing api key"))
		return false
	}

	key, err := c.Authenticator.Authenticate(r.Context(), rawKey)
	if err == auth.ErrInvalidKey {
		writeProblem(c, w, model.NewProblem(http.StatusUnauthorized, model.ErrorCodeInvalidAPIKey, "invalid api key"))
		return false
	}
	if err != nil {
		c.Logger.WithError(err).Error("failed to authenticate request")
		writeProblem(c, w, model.NewProblem(http.StatusServiceUnavailable, model.ErrorCodeUnavailable, "credential lookup unavailable"))
		return false
	}

	if !key.HasScope(scope) {
		writeProblem(c, w, model.NewProblem(http.StatusForbidden, model.ErrorCodeInsufficientScopes, "api key lacks the required scope"))
		return false
	}

	c.APIKey = key
	c.Logger = c.Logger.WithField("credential", key.ID)

	return checkRateLimit(c, w, r, key)
}

func extractRawKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func checkRateLimit(c *Context, w http.ResponseWriter, r *http.Request, key *model.APIKey) bool {
	limit := c.DefaultRateLimit
	if key.RateLimit > 0 {
		limit = key.RateLimit
	}
	if limit <= 0 {
		return true
	}

	result, err := c.FastStore.AllowRequest(r.Context(), key.ID, limit)
	if err != nil {
		// The fast store is authoritative; when it is unreachable an
		// in-process bucket keeps a single replica from running open.
		c.Logger.WithError(err).Warn("rate limit check degraded to local bucket")
		result = fallback.allow(key.ID, limit)
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rateLimitResetAt(result), 10))

	if !result.Allowed {
		retryAfter := int(result.RetryAfter / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeProblem(c, w, model.NewProblem(http.StatusTooManyRequests, model.ErrorCodeRateLimited, "rate limit exceeded"))
		return false
	}

	return true
}

// rateLimitResetAt estimates the unix time at which the bucket is full again.
func rateLimitResetAt(result *faststore.RateLimitResult) int64 {
	now := time.Now().Unix()
	if result.Limit <= 0 || result.Remaining >= result.Limit {
		return now
	}
	ratePerSecond := float64(result.Limit) / 60.0
	return now + int64(math.Ceil(float64(result.Limit-result.Remaining)/ratePerSecond))
}

// localLimiter approximates the shared token bucket for one process while the
// fast store is down.
type localLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

var fallback = &localLimiter{buckets: make(map[string]*rate.Limiter)}

func (l *localLimiter) allow(credentialID string, limitPerMinute int) *faststore.RateLimitResult {
	l.mu.Lock()
	limiter, ok := l.buckets[credentialID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(limitPerMinute)/60.0), limitPerMinute)
		l.buckets[credentialID] = limiter
	}
	l.mu.Unlock()

	allowed := limiter.Allow()
	result := &faststore.RateLimitResult{
		Allowed:   allowed,
		Limit:     limitPerMinute,
		Remaining: int(limiter.Tokens()),
	}
	if !allowed {
		result.RetryAfter = time.Second
	}
	return result
}
