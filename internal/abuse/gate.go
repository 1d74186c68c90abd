// Package abuse screens questions before they reach the answer cascade and
// escalates restrictions for users who keep sending invalid ones.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/llm"
	"github.com/manual-qa/backend/internal/metrics"
	"github.com/manual-qa/backend/internal/storage/models"
	"github.com/manual-qa/backend/pkg/logger"
)

type ViolationType string

const (
	ViolationOffTopic      ViolationType = "off_topic"
	ViolationInappropriate ViolationType = "inappropriate"
	ViolationAttack        ViolationType = "attack"
)

type Method string

const (
	MethodRuleBased Method = "rule_based"
	MethodLLM       Method = "llm"
)

// DefaultEscalation maps violation counts 1..4+ to restriction windows.
var DefaultEscalation = []time.Duration{0, time.Hour, 24 * time.Hour, 7 * 24 * time.Hour}

type Verdict struct {
	Valid  bool
	Type   ViolationType
	Method Method
	Reason string
	// Unchecked marks a rejection caused by an unavailable semantic check
	// under the fail-closed policy. It is not recorded as a violation.
	Unchecked bool
}

// Restriction is an active restriction window.
type Restriction struct {
	Until          time.Time
	ViolationCount int
}

type Store interface {
	GetRestriction(ctx context.Context, userID string) (*models.Restriction, error)
	IncrementViolationCount(ctx context.Context, userID string, at time.Time) (int, error)
	SetRestrictedUntil(ctx context.Context, userID string, until *time.Time, at time.Time) error
	InsertViolation(ctx context.Context, v *models.Violation) error
}

type Config struct {
	SemanticEnabled bool
	// SemanticFailOpen treats the question as valid when the semantic check fails.
	SemanticFailOpen bool
	Escalation       []time.Duration
}

type Gate struct {
	store Store
	gen   llm.Generator
	cfg   Config
	now   func() time.Time
}

func NewGate(store Store, gen llm.Generator, cfg Config) *Gate {
	if len(cfg.Escalation) == 0 {
		cfg.Escalation = DefaultEscalation
	}
	return &Gate{
		store: store,
		gen:   gen,
		cfg:   cfg,
		now:   time.Now,
	}
}

// ActiveRestriction returns nil when the user may ask questions. An expired
// window counts as no restriction.
func (g *Gate) ActiveRestriction(ctx context.Context, userID string) (*Restriction, error) {
	r, err := g.store.GetRestriction(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load restriction: %w", err)
	}
	if r.RestrictedUntil == nil || !g.now().Before(*r.RestrictedUntil) {
		return nil, nil
	}
	return &Restriction{Until: *r.RestrictedUntil, ViolationCount: r.ViolationCount}, nil
}

// Validate runs the rule lists, then the semantic check when enabled.
func (g *Gate) Validate(ctx context.Context, question, productContext string) Verdict {
	if m := CheckRules(question); m != nil {
		return Verdict{
			Type:   m.Type,
			Method: MethodRuleBased,
			Reason: fmt.Sprintf("matched %s rule: %q", m.Type, m.Pattern),
		}
	}

	if !g.cfg.SemanticEnabled || g.gen == nil {
		return Verdict{Valid: true}
	}

	v, ok := checkSemantic(ctx, g.gen, question, productContext)
	if ok {
		return v
	}
	if g.cfg.SemanticFailOpen {
		return Verdict{Valid: true}
	}
	return Verdict{
		Type:      ViolationOffTopic,
		Method:    MethodLLM,
		Reason:    "question could not be validated, please try again",
		Unchecked: true,
	}
}

// RecordViolation stores the violation and escalates the user's restriction.
// It returns the new window, or nil when the count carries no restriction.
func (g *Gate) RecordViolation(ctx context.Context, userID, productKey, question string, v Verdict) (*Restriction, error) {
	now := g.now()

	err := g.store.InsertViolation(ctx, &models.Violation{
		UserID:     userID,
		ProductKey: productKey,
		Question:   question,
		Type:       string(v.Type),
		Method:     string(v.Method),
		Reason:     v.Reason,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record violation: %w", err)
	}
	metrics.Violations.WithLabelValues(string(v.Type), string(v.Method)).Inc()

	count, err := g.store.IncrementViolationCount(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update violation count: %w", err)
	}

	d := g.Escalation(count)
	if d <= 0 {
		logger.Info("Violation recorded",
			zap.String("user_id", userID),
			zap.String("type", string(v.Type)),
			zap.Int("violation_count", count),
		)
		return nil, nil
	}

	until := now.Add(d)
	if err := g.store.SetRestrictedUntil(ctx, userID, &until, now); err != nil {
		return nil, fmt.Errorf("failed to set restriction: %w", err)
	}

	logger.Warn("User restricted",
		zap.String("user_id", userID),
		zap.String("type", string(v.Type)),
		zap.Int("violation_count", count),
		zap.Time("until", until),
	)
	return &Restriction{Until: until, ViolationCount: count}, nil
}

// Escalation returns the restriction window for a violation count. Counts
// past the end of the table use its last entry.
func (g *Gate) Escalation(count int) time.Duration {
	if count <= 0 {
		return 0
	}
	if count > len(g.cfg.Escalation) {
		count = len(g.cfg.Escalation)
	}
	return g.cfg.Escalation[count-1]
}
