package abuse

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Characteristic selects the request attribute a bucket is keyed by.
type Characteristic string

const (
	ByIP    Characteristic = "ip"
	ByEmail Characteristic = "email"
)

// RateLimitRule admits a request while its bucket holds a token. Evaluate
// only looks at the bucket; the token is spent in Consume.
type RateLimitRule struct {
	Buckets BucketStore
	Params  BucketParams
	Key     Characteristic
}

func (r *RateLimitRule) Name() string { return "rate_limit" }

func (r *RateLimitRule) Evaluate(ctx context.Context, req Request) (Decision, error) {
	tokens, err := r.Buckets.Peek(ctx, r.bucketKey(req), r.Params)
	if err != nil {
		return Decision{}, err
	}
	if tokens < 1 {
		return r.deny(tokens), nil
	}
	return Allow(), nil
}

func (r *RateLimitRule) Consume(ctx context.Context, req Request) (Decision, error) {
	taken, err := r.Buckets.Take(ctx, r.bucketKey(req), r.Params)
	if err != nil {
		return Decision{}, err
	}
	if !taken {
		return r.deny(0), nil
	}
	return Allow(), nil
}

func (r *RateLimitRule) deny(tokens float64) Decision {
	wait := r.Params.untilToken(tokens).Round(time.Second)
	if wait < time.Second {
		wait = time.Second
	}
	return Deny(r.Name(), ReasonRateLimit, fmt.Sprintf("bucket empty, next token in %s", wait))
}

func (r *RateLimitRule) bucketKey(req Request) string {
	key, value := ByIP, req.IP
	if r.Key == ByEmail {
		key, value = ByEmail, strings.ToLower(strings.TrimSpace(req.Email))
	}
	if value == "" {
		value = "unknown"
	}
	return string(req.Operation) + ":" + string(key) + ":" + value
}
