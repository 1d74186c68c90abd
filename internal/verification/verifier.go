// Package verification scores whether a candidate answer addresses what the
// question actually asks.
package verification

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/llm"
	"github.com/manual-qa/backend/internal/metrics"
	"github.com/manual-qa/backend/pkg/logger"
)

type Intent string

const (
	IntentMethod          Intent = "method"
	IntentFrequency       Intent = "frequency"
	IntentCause           Intent = "cause"
	IntentTroubleshooting Intent = "troubleshooting"
	IntentSpecification   Intent = "specification"
	IntentOther           Intent = "other"
)

const (
	MinScore      = 1
	MaxScore      = 5
	MidpointScore = 3

	// mismatchCap bounds the score when the answer's intent differs from the question's.
	mismatchCap = 2
)

type Result struct {
	Score          int
	Acceptable     bool
	Reason         string
	QuestionIntent Intent
	AnswerIntent   Intent
	IntentMatch    bool
	// Fallback is set when the score came from the failure policy.
	Fallback bool
}

type Config struct {
	// FailOpen accepts answers at the midpoint score when scoring fails.
	FailOpen bool
}

type Verifier struct {
	gen      llm.Generator
	failOpen bool
}

func NewVerifier(gen llm.Generator, cfg Config) *Verifier {
	return &Verifier{gen: gen, failOpen: cfg.FailOpen}
}

const verifySystemPrompt = `You check whether an answer responds to the question that was asked.

1. Classify the intent of the QUESTION as one of: method, frequency, cause, troubleshooting, specification, other.
   - method: how to do something
   - frequency: how often or when
   - cause: why something happens
   - troubleshooting: something is wrong and needs fixing
   - specification: a value, size, capacity, rating or part
2. Classify what the ANSWER actually provides using the same categories.
3. Decide whether they match.
4. Rate relevance from 1 (unrelated) to 5 (directly and completely answers the question).

Respond with JSON only:
{"question_intent": "...", "answer_intent": "...", "intent_match": true|false, "score": 1-5, "reason": "<one sentence>"}`

type verifyPayload struct {
	QuestionIntent string `json:"question_intent"`
	AnswerIntent   string `json:"answer_intent"`
	IntentMatch    *bool  `json:"intent_match"`
	Score          *int   `json:"score"`
	Reason         string `json:"reason"`
}

// Verify never fails. Backend or parse failures resolve through the
// configured failure policy and set Result.Fallback.
func (v *Verifier) Verify(ctx context.Context, question, answer string, threshold int) Result {
	if strings.TrimSpace(answer) == "" {
		return Result{Score: MinScore, Reason: "empty answer", QuestionIntent: IntentOther, AnswerIntent: IntentOther}
	}

	resp, err := v.gen.Complete(ctx, llm.CompletionRequest{
		Purpose:      "verify",
		SystemPrompt: verifySystemPrompt,
		UserPrompt:   fmt.Sprintf("QUESTION:\n%s\n\nANSWER:\n%s", question, answer),
		Temperature:  0.1,
		MaxTokens:    300,
		JSON:         true,
	})
	if err != nil {
		logger.Warn("Verification backend failed", zap.Error(err))
		return v.fallback(threshold, "verification unavailable")
	}

	var payload verifyPayload
	if err := llm.DecodeJSON(resp.Content, &payload); err != nil || payload.Score == nil {
		logger.Warn("Unparseable verification reply", zap.Error(err), zap.String("content", truncate(resp.Content, 200)))
		return v.fallback(threshold, "verification reply could not be parsed")
	}

	qi := parseIntent(payload.QuestionIntent)
	ai := parseIntent(payload.AnswerIntent)
	match := qi == ai
	if payload.IntentMatch != nil {
		match = *payload.IntentMatch
	}

	score := clamp(*payload.Score)
	if !match && score > mismatchCap {
		score = mismatchCap
	}

	result := Result{
		Score:          score,
		Acceptable:     score >= threshold,
		Reason:         strings.TrimSpace(payload.Reason),
		QuestionIntent: qi,
		AnswerIntent:   ai,
		IntentMatch:    match,
	}

	logger.Debug("Answer verified",
		zap.Int("score", result.Score),
		zap.Bool("acceptable", result.Acceptable),
		zap.String("question_intent", string(qi)),
		zap.String("answer_intent", string(ai)),
	)
	return result
}

func (v *Verifier) fallback(threshold int, reason string) Result {
	metrics.VerificationFallbacks.Inc()
	if v.failOpen {
		return Result{
			Score:          MidpointScore,
			Acceptable:     true,
			Reason:         reason,
			QuestionIntent: IntentOther,
			AnswerIntent:   IntentOther,
			IntentMatch:    true,
			Fallback:       true,
		}
	}
	return Result{
		Score:          MinScore,
		Acceptable:     MinScore >= threshold,
		Reason:         reason,
		QuestionIntent: IntentOther,
		AnswerIntent:   IntentOther,
		Fallback:       true,
	}
}

func parseIntent(s string) Intent {
	switch i := Intent(strings.ToLower(strings.TrimSpace(s))); i {
	case IntentMethod, IntentFrequency, IntentCause, IntentTroubleshooting, IntentSpecification:
		return i
	}
	return IntentOther
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
