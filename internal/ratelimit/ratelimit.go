// Package ratelimit enforces fixed-window request budgets keyed by (limit type, identifier).
//
// Each limit type has its own window and maximum. The first hit in a window opens it with
// count 1; further hits increment the count until the maximum, after which callers are
// rejected with a *RateLimitError until the window expires and the count starts over.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/audit-ledger/audit-ledger/internal/config"
)

// LimitType names an independent request budget
type LimitType string

const (
	Auth             LimitType = "auth"
	AuditIngest      LimitType = "auditIngest"
	AuditQuery       LimitType = "auditQuery"
	APIKeyManagement LimitType = "apiKeyManagement"
)

// Rule is the window length and request cap of one limit type
type Rule struct {
	Window      time.Duration
	MaxRequests int
}

// Rules maps each limit type to its budget
type Rules map[LimitType]Rule

// RulesFromConfig builds the rule set from the security.rate_limiting section
func RulesFromConfig(cfg *config.RateLimitingConfig) Rules {
	return Rules{
		Auth:             {Window: cfg.Auth.Window, MaxRequests: cfg.Auth.MaxRequests},
		AuditIngest:      {Window: cfg.AuditIngest.Window, MaxRequests: cfg.AuditIngest.MaxRequests},
		AuditQuery:       {Window: cfg.AuditQuery.Window, MaxRequests: cfg.AuditQuery.MaxRequests},
		APIKeyManagement: {Window: cfg.APIKeyManagement.Window, MaxRequests: cfg.APIKeyManagement.MaxRequests},
	}
}

// Entry is the state of one key after a hit
type Entry struct {
	Count   int
	ResetAt time.Time
}

// Remaining returns how many more requests the window admits under rule
func (e Entry) Remaining(rule Rule) int {
	if n := rule.MaxRequests - e.Count; n > 0 {
		return n
	}
	return 0
}

// RateLimitError is returned when a key has used up its window
type RateLimitError struct {
	LimitType  LimitType
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.LimitType, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below 1
func (e *RateLimitError) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Limiter is implemented by the in-process and redis backends
type Limiter interface {
	// Hit records one request for key. When the window is exhausted the returned
	// error is a *RateLimitError and the count is left unchanged.
	Hit(ctx context.Context, limitType LimitType, key string) (Entry, error)
	// Rule returns the budget configured for limitType
	Rule(limitType LimitType) (Rule, bool)
}

func unknownLimitType(lt LimitType) error {
	return fmt.Errorf("ratelimit: no rule configured for limit type %q", lt)
}
