// Package assistant runs one question end to end: abuse gate, session,
// answer cascade and persistence of the turn.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/abuse"
	"github.com/manual-qa/backend/internal/cascade"
	"github.com/manual-qa/backend/internal/metrics"
	"github.com/manual-qa/backend/internal/product"
	"github.com/manual-qa/backend/internal/storage/models"
	"github.com/manual-qa/backend/pkg/logger"
)

var ErrEmptyQuestion = errors.New("question is required")

type Category string

const (
	CategoryUnauthenticated Category = "unauthenticated"
	CategoryRestricted      Category = "restricted"
	CategoryInvalidQuestion Category = "invalid_question"
)

// RejectionError stops a request before any generation work.
type RejectionError struct {
	Category       Category
	Until          *time.Time
	ViolationCount int
	ViolationType  string
	Reason         string
}

func (e *RejectionError) Error() string {
	switch e.Category {
	case CategoryRestricted:
		return fmt.Sprintf("restricted until %s after %d violations", e.Until.Format(time.RFC3339), e.ViolationCount)
	case CategoryInvalidQuestion:
		return fmt.Sprintf("invalid question (%s): %s", e.ViolationType, e.Reason)
	}
	return string(e.Category)
}

type Gate interface {
	ActiveRestriction(ctx context.Context, userID string) (*abuse.Restriction, error)
	Validate(ctx context.Context, question, productContext string) abuse.Verdict
	RecordViolation(ctx context.Context, userID, productKey, question string, v abuse.Verdict) (*abuse.Restriction, error)
}

type Sessions interface {
	Resolve(ctx context.Context, userID, productKey, sessionID string) (*models.Session, error)
	AddMessage(ctx context.Context, sessionID, role, content string, meta models.MessageMeta) (*models.Message, error)
	Conversation(ctx context.Context, sessionID string) (string, error)
}

type Answerer interface {
	Answer(ctx context.Context, req cascade.Request, emit cascade.Emitter) (*cascade.Result, error)
}

type Request struct {
	Product   product.ID
	UserID    string
	Question  string
	SessionID string
}

type Response struct {
	cascade.Result
	SessionID string `json:"session_id"`
}

type Service struct {
	gate     Gate
	sessions Sessions
	cascade  Answerer
}

func NewService(gate Gate, sessions Sessions, answerer Answerer) *Service {
	return &Service{gate: gate, sessions: sessions, cascade: answerer}
}

func (s *Service) Ask(ctx context.Context, req Request) (*Response, error) {
	return s.AskStream(ctx, req, nil)
}

// AskStream reports cascade progress through emit and finishes with an
// answer event. Rejections return *RejectionError and emit nothing.
func (s *Service) AskStream(ctx context.Context, req Request, emit cascade.Emitter) (*Response, error) {
	req.Question = strings.TrimSpace(req.Question)

	if req.UserID == "" {
		return nil, s.reject(&RejectionError{Category: CategoryUnauthenticated})
	}
	if req.Question == "" {
		return nil, ErrEmptyQuestion
	}

	restriction, err := s.gate.ActiveRestriction(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if restriction != nil {
		until := restriction.Until
		return nil, s.reject(&RejectionError{
			Category:       CategoryRestricted,
			Until:          &until,
			ViolationCount: restriction.ViolationCount,
		})
	}

	productKey := req.Product.Key()
	if verdict := s.gate.Validate(ctx, req.Question, req.Product.String()); !verdict.Valid {
		return nil, s.rejectQuestion(ctx, req, verdict)
	}

	sess, err := s.sessions.Resolve(ctx, req.UserID, productKey, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	conversation, err := s.sessions.Conversation(ctx, sess.ID)
	if err != nil {
		logger.Warn("Failed to load conversation context", zap.String("session_id", sess.ID), zap.Error(err))
	}

	if _, err := s.sessions.AddMessage(ctx, sess.ID, models.RoleUser, req.Question, models.MessageMeta{}); err != nil {
		return nil, fmt.Errorf("failed to store question: %w", err)
	}

	result, err := s.cascade.Answer(ctx, cascade.Request{
		Product:      req.Product,
		Question:     req.Question,
		Conversation: conversation,
	}, emit)
	if err != nil {
		logger.Info("Question abandoned",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return nil, err
	}

	// The answer is complete; keep it even if the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	_, err = s.sessions.AddMessage(persistCtx, sess.ID, models.RoleAssistant, result.Answer, models.MessageMeta{
		Source:               string(result.Source),
		Reference:            result.Reference,
		SelfCheckScore:       result.SelfCheckScore,
		NeedsVerification:    result.NeedsVerification,
		UsedGeneralKnowledge: result.UsedGeneralKnowledge,
		AddedToQA:            result.AddedToQA,
	})
	if err != nil {
		logger.Warn("Failed to store answer", zap.String("session_id", sess.ID), zap.Error(err))
	}

	if emit != nil {
		emit(cascade.Event{Kind: cascade.EventAnswer, Answer: result, SessionID: sess.ID})
	}

	return &Response{Result: *result, SessionID: sess.ID}, nil
}

func (s *Service) rejectQuestion(ctx context.Context, req Request, v abuse.Verdict) error {
	rej := &RejectionError{
		Category:      CategoryInvalidQuestion,
		ViolationType: string(v.Type),
		Reason:        v.Reason,
	}
	if v.Unchecked {
		return s.reject(rej)
	}

	restriction, err := s.gate.RecordViolation(ctx, req.UserID, req.Product.Key(), req.Question, v)
	if err != nil {
		logger.Error("Failed to record violation", zap.String("user_id", req.UserID), zap.Error(err))
	}
	if restriction != nil {
		until := restriction.Until
		rej.Until = &until
		rej.ViolationCount = restriction.ViolationCount
	}
	return s.reject(rej)
}

func (s *Service) reject(e *RejectionError) error {
	metrics.Rejections.WithLabelValues(string(e.Category)).Inc()
	logger.Info("Question rejected",
		zap.String("category", string(e.Category)),
		zap.String("violation_type", e.ViolationType),
	)
	return e
}
