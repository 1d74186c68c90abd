// Package feedback records answer ratings and evicts user-added knowledge
// base entries once enough distinct users rate them unhelpful.
package feedback

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/metrics"
	"github.com/manual-qa/backend/internal/product"
	"github.com/manual-qa/backend/internal/storage/models"
	"github.com/manual-qa/backend/pkg/fingerprint"
	"github.com/manual-qa/backend/pkg/logger"
	"github.com/manual-qa/backend/pkg/retry"
)

const DefaultDeletionThreshold = 3

type RatingStore interface {
	InsertRating(ctx context.Context, r *models.Rating) error
	CountNegativeRatings(ctx context.Context, productKey, fingerprint string) (int, error)
	DeleteRatings(ctx context.Context, productKey, fingerprint string) (int64, error)
}

type EntryRemover interface {
	RemoveByQuestion(ctx context.Context, p product.ID, question, reason string) (bool, error)
}

type Outcome struct {
	NegativeCount int   `json:"negative_count"`
	Deleted       bool  `json:"deleted"`
	PurgedRatings int64 `json:"purged_ratings,omitempty"`
}

type Service struct {
	ratings   RatingStore
	entries   EntryRemover
	threshold int
	purge     retry.Config
	now       func() time.Time
}

func NewService(ratings RatingStore, entries EntryRemover, threshold int) *Service {
	if threshold <= 0 {
		threshold = DefaultDeletionThreshold
	}
	return &Service{
		ratings:   ratings,
		entries:   entries,
		threshold: threshold,
		purge: retry.Config{
			Name:           "rating_purge",
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
		now: time.Now,
	}
}

// Rate records the rating, then evicts the entry when the negative count for
// the question's fingerprint reaches the threshold. Ratings are purged only
// after the entry is actually removed.
func (s *Service) Rate(ctx context.Context, p product.ID, userID, question, answer string, helpful bool) (*Outcome, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}
	fp := fingerprint.Of(question)

	err := s.ratings.InsertRating(ctx, &models.Rating{
		ProductKey:  p.Key(),
		UserID:      userID,
		Fingerprint: fp,
		Question:    question,
		Answer:      answer,
		Helpful:     helpful,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record rating: %w", err)
	}
	metrics.Ratings.WithLabelValues(strconv.FormatBool(helpful)).Inc()

	count, err := s.ratings.CountNegativeRatings(ctx, p.Key(), fp)
	if err != nil {
		return nil, fmt.Errorf("failed to count negative ratings: %w", err)
	}

	out := &Outcome{NegativeCount: count}
	if helpful || count < s.threshold {
		return out, nil
	}

	removed, err := s.entries.RemoveByQuestion(ctx, p, question, "feedback")
	if err != nil {
		logger.Warn("Feedback eviction failed",
			zap.String("product", p.Key()),
			zap.String("fingerprint", fp),
			zap.Error(err),
		)
		return out, nil
	}
	if !removed {
		logger.Info("No user-added entry to evict",
			zap.String("product", p.Key()),
			zap.String("fingerprint", fp),
			zap.Int("negative_count", count),
		)
		return out, nil
	}
	out.Deleted = true

	purged, err := retry.DoWithResult(ctx, s.purge, func() (int64, error) {
		return s.ratings.DeleteRatings(ctx, p.Key(), fp)
	})
	if err != nil {
		// Entry is gone but its ratings remain counted.
		logger.Warn("Failed to purge ratings after eviction",
			zap.String("product", p.Key()),
			zap.String("fingerprint", fp),
			zap.Error(err),
		)
		return out, nil
	}
	out.PurgedRatings = purged

	logger.Info("Entry evicted by feedback",
		zap.String("product", p.Key()),
		zap.String("fingerprint", fp),
		zap.Int("negative_count", count),
		zap.Int64("purged_ratings", purged),
	)
	return out, nil
}
