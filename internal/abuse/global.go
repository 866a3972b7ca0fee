package abuse

import (
	"context"

	"inkwell/api/internal/operation"
)

// globalScope prefixes the per-address bucket shared by every route.
const globalScope operation.Kind = "global"

// GlobalLimiter is the coarse per-address bucket applied to every request
// before routing, on top of the per-operation limits.
type GlobalLimiter struct {
	rule *RateLimitRule
}

// NewGlobalLimiter returns nil when params are not a usable bucket, which
// disables the limit.
func NewGlobalLimiter(buckets BucketStore, params BucketParams) *GlobalLimiter {
	if buckets == nil || !params.valid() {
		return nil
	}
	return &GlobalLimiter{rule: &RateLimitRule{Buckets: buckets, Params: params, Key: ByIP}}
}

// Allow spends one token from ip's bucket. A nil limiter allows everything.
func (g *GlobalLimiter) Allow(ctx context.Context, ip string) (Decision, error) {
	if g == nil {
		return Allow(), nil
	}
	return g.rule.Consume(ctx, Request{Operation: globalScope, IP: ip})
}
