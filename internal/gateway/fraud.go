// Package gateway holds the sandbox collaborators the service runs against
// when no real acquirer, fraud vendor or order system is configured.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payment-core/internal/service"
)

// RuleResult explains one rule's contribution to a score.
type RuleResult struct {
	Rule      string `json:"rule"`
	Triggered bool   `json:"triggered"`
	Score     int    `json:"score"`
}

// VelocityCounter counts events per key inside a sliding window.
type VelocityCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RuleFraudScorer adds up fixed rule weights and caps the total at 100.
type RuleFraudScorer struct {
	HighAmount       decimal.Decimal
	VeryHighAmount   decimal.Decimal
	BlockedCountries map[string]bool
	// Velocity is optional; without it the velocity rule never fires.
	Velocity      VelocityCounter
	VelocityLimit int64
	logger        *zap.Logger
}

func NewRuleFraudScorer(velocity VelocityCounter, logger *zap.Logger) *RuleFraudScorer {
	return &RuleFraudScorer{
		HighAmount:       decimal.NewFromInt(1000),
		VeryHighAmount:   decimal.NewFromInt(5000),
		BlockedCountries: map[string]bool{"KP": true, "IR": true, "SY": true},
		Velocity:         velocity,
		VelocityLimit:    5,
		logger:           logger,
	}
}

var _ service.FraudDetectionService = (*RuleFraudScorer)(nil)

func (s *RuleFraudScorer) AnalyzeTransaction(ctx context.Context, check service.FraudCheck) (int, error) {
	rules, err := s.Evaluate(ctx, check)
	if err != nil {
		return 0, err
	}
	score := 0
	for _, r := range rules {
		if r.Triggered {
			score += r.Score
		}
	}
	if score > 100 {
		score = 100
	}
	s.logger.Debug("Fraud score computed",
		zap.String("transaction_id", check.Transaction.ID.String()),
		zap.Int("score", score))
	return score, nil
}

func (s *RuleFraudScorer) Evaluate(ctx context.Context, check service.FraudCheck) ([]RuleResult, error) {
	amount := check.Transaction.Amount.Amount()
	rules := []RuleResult{
		{Rule: "very_high_amount", Triggered: amount.GreaterThanOrEqual(s.VeryHighAmount), Score: 60},
		{Rule: "high_amount", Triggered: amount.GreaterThanOrEqual(s.HighAmount) && amount.LessThan(s.VeryHighAmount), Score: 25},
		{Rule: "blocked_country", Triggered: s.BlockedCountries[strings.ToUpper(check.Country)], Score: 85},
		{Rule: "missing_ip", Triggered: check.IPAddress == "", Score: 5},
	}
	if pm := check.PaymentMethod; pm != nil {
		rules = append(rules, RuleResult{
			Rule:      "new_payment_method",
			Triggered: time.Since(pm.CreatedAt) < time.Hour,
			Score:     10,
		})
	}

	if s.Velocity != nil && check.PaymentMethod != nil {
		n, err := s.Velocity.Hit(ctx, "fraud:velocity:"+check.PaymentMethod.ID.String(), time.Hour)
		if err != nil {
			// Velocity is advisory; a cache outage must not block payments.
			s.logger.Warn("Velocity check unavailable", zap.Error(err))
		} else {
			rules = append(rules, RuleResult{Rule: "velocity", Triggered: n > s.VelocityLimit, Score: 40})
		}
	}
	return rules, nil
}

// RedisVelocity counts hits with INCR and a window-long expiry on first hit.
type RedisVelocity struct {
	client *redis.Client
}

func NewRedisVelocity(client *redis.Client) *RedisVelocity {
	return &RedisVelocity{client: client}
}

func (v *RedisVelocity) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := v.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
