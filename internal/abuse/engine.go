package abuse

import (
	"context"
	"fmt"
	"net"

	"inkwell/api/internal/config"
	"inkwell/api/internal/operation"
)

// Policy is the ordered rule list for one operation.
type Policy struct {
	Rules []Rule
}

type Engine struct {
	policies map[operation.Kind]Policy
}

func NewEngine(policies map[operation.Kind]Policy) *Engine {
	return &Engine{policies: policies}
}

// Evaluate runs the operation's rules in order and returns the first denial.
// Budgets are only spent once every rule has allowed the request.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	policy, ok := e.policies[req.Operation]
	if !ok {
		return Decision{}, fmt.Errorf("no abuse policy for operation %q", req.Operation)
	}

	var consumers []Consumer
	for _, rule := range policy.Rules {
		decision, err := rule.Evaluate(ctx, req)
		if err != nil {
			return Decision{}, fmt.Errorf("%s rule: %w", rule.Name(), err)
		}
		if decision.Denied() {
			return decision, nil
		}
		if consumer, ok := rule.(Consumer); ok {
			consumers = append(consumers, consumer)
		}
	}

	for _, consumer := range consumers {
		decision, err := consumer.Consume(ctx, req)
		if err != nil {
			return Decision{}, fmt.Errorf("%s rule: %w", consumer.Name(), err)
		}
		if decision.Denied() {
			return decision, nil
		}
	}
	return Allow(), nil
}

// PoliciesFromConfig builds the per-operation rule sets:
//
//	register, login: email quality, bot, rate limit
//	create-post, add-comment: bot, shield, rate limit
func PoliciesFromConfig(cfg config.Config, buckets BucketStore, resolver MXResolver) map[operation.Kind]Policy {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	disposable := cfg.DisposableDomains
	if len(disposable) == 0 {
		disposable = DefaultDisposableDomains
	}
	email := NewEmailRule(resolver, disposable)
	bot := &BotRule{Allow: cfg.BotAllow}
	shield := &ShieldRule{Mode: ParseShieldMode(cfg.ShieldMode), Threshold: cfg.ShieldThreshold}
	limit := func(l config.BucketLimit) *RateLimitRule {
		return &RateLimitRule{
			Buckets: buckets,
			Params:  BucketParams{Capacity: l.Capacity, RefillRate: l.RefillRate, Interval: l.Interval},
			Key:     ByIP,
		}
	}

	return map[operation.Kind]Policy{
		operation.Register:   {Rules: []Rule{email, bot, limit(cfg.RegisterLimit)}},
		operation.Login:      {Rules: []Rule{email, bot, limit(cfg.LoginLimit)}},
		operation.CreatePost: {Rules: []Rule{bot, shield, limit(cfg.PostLimit)}},
		operation.AddComment: {Rules: []Rule{bot, shield, limit(cfg.CommentLimit)}},
	}
}
