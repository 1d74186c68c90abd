// Package cascade answers product questions from three sources in a fixed
// order: the knowledge base, the cached manual text and the manual itself.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/extraction"
	"github.com/manual-qa/backend/internal/knowledgebase"
	"github.com/manual-qa/backend/internal/llm"
	"github.com/manual-qa/backend/internal/metrics"
	"github.com/manual-qa/backend/internal/product"
	"github.com/manual-qa/backend/internal/storage/objectstore"
	"github.com/manual-qa/backend/internal/textcache"
	"github.com/manual-qa/backend/internal/verification"
	"github.com/manual-qa/backend/pkg/logger"
)

type Source string

const (
	SourceKnowledgeBase   Source = "knowledge_base"
	SourceTextExtraction  Source = "text_extraction"
	SourcePrimaryDocument Source = "primary_document"
	SourceNone            Source = "none"
)

type KnowledgeBase interface {
	Read(ctx context.Context, p product.ID) (*knowledgebase.Document, error)
	Append(ctx context.Context, p product.ID, e knowledgebase.Entry) (knowledgebase.Entry, error)
	RemoveByID(ctx context.Context, p product.ID, id, reason string) (bool, error)
}

type Searcher interface {
	Search(ctx context.Context, doc *knowledgebase.Document, question, conversation string) (*knowledgebase.Match, error)
}

type TextSource interface {
	Get(ctx context.Context, p product.ID) (string, error)
}

type Verifier interface {
	Verify(ctx context.Context, question, answer string, threshold int) verification.Result
}

type Request struct {
	Product  product.ID
	Question string
	// Conversation is prior turns rendered as text, oldest first.
	Conversation string
}

type Result struct {
	Answer               string `json:"answer"`
	Source               Source `json:"source"`
	Reference            string `json:"reference,omitempty"`
	AddedToQA            bool   `json:"added_to_qa"`
	SelfCheckScore       *int   `json:"self_check_score,omitempty"`
	NeedsVerification    bool   `json:"needs_verification,omitempty"`
	UsedGeneralKnowledge bool   `json:"used_general_knowledge,omitempty"`
}

type Config struct {
	VerificationEnabled   bool
	VerificationThreshold int
	// MaxDocumentChars bounds the manual text attached to a prompt.
	MaxDocumentChars int
}

type Engine struct {
	kb       KnowledgeBase
	searcher Searcher
	texts    TextSource
	objects  objectstore.Store
	verifier Verifier
	gen      llm.Generator
	cfg      Config
}

func NewEngine(kb KnowledgeBase, searcher Searcher, texts TextSource, objects objectstore.Store, verifier Verifier, gen llm.Generator, cfg Config) *Engine {
	if cfg.VerificationThreshold <= 0 {
		cfg.VerificationThreshold = verification.MidpointScore
	}
	return &Engine{
		kb:       kb,
		searcher: searcher,
		texts:    texts,
		objects:  objects,
		verifier: verifier,
		gen:      gen,
		cfg:      cfg,
	}
}

// NoInformation is the answer returned when no source can be consulted.
func NoInformation(p product.ID) string {
	return fmt.Sprintf("Sorry, no information is available for the %s yet.", p.String())
}

// Answer runs the cascade. Collaborator failures advance to the next stage;
// the only error returned is ctx's, checked between stages.
func (e *Engine) Answer(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	start := time.Now()
	req.Question = strings.TrimSpace(req.Question)

	logger.Info("Running answer cascade",
		zap.String("product", req.Product.Key()),
		zap.Int("question_len", len(req.Question)),
	)

	result, err := e.run(ctx, req, emit)
	if err != nil {
		return nil, err
	}

	metrics.AnswerDuration.WithLabelValues(string(result.Source)).Observe(time.Since(start).Seconds())
	logger.Info("Answer cascade finished",
		zap.String("product", req.Product.Key()),
		zap.String("source", string(result.Source)),
		zap.Bool("added_to_qa", result.AddedToQA),
		zap.Bool("needs_verification", result.NeedsVerification),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func (e *Engine) run(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	if res := e.knowledgeBaseStage(ctx, req, emit); res != nil {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, noDocument := e.textStage(ctx, req, emit)
	if res != nil {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if noDocument {
		return e.noInformation(req), nil
	}

	if res := e.documentStage(ctx, req, emit); res != nil {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.noInformation(req), nil
}

func (e *Engine) knowledgeBaseStage(ctx context.Context, req Request, emit Emitter) *Result {
	const stage = "knowledge_base"
	emit.start(StepKnowledgeBase)

	doc, err := e.kb.Read(ctx, req.Product)
	if err != nil {
		outcome := "error"
		if errors.Is(err, knowledgebase.ErrNotFound) {
			outcome = "unavailable"
		} else {
			logger.Warn("Knowledge base read failed", zap.String("product", req.Product.Key()), zap.Error(err))
		}
		metrics.StageOutcomes.WithLabelValues(stage, outcome).Inc()
		emit.complete(StepKnowledgeBase, nil)
		return nil
	}

	match, err := e.searcher.Search(ctx, doc, req.Question, req.Conversation)
	emit.complete(StepKnowledgeBase, nil)
	if err != nil {
		logger.Warn("Knowledge base search failed", zap.String("product", req.Product.Key()), zap.Error(err))
		metrics.StageOutcomes.WithLabelValues(stage, "error").Inc()
		return nil
	}
	if match == nil {
		metrics.StageOutcomes.WithLabelValues(stage, "not_found").Inc()
		return nil
	}

	score, accepted := e.verify(ctx, stage, StepKnowledgeBaseVerify, req.Question, match.Answer, emit)
	if !accepted {
		metrics.StageOutcomes.WithLabelValues(stage, "rejected").Inc()
		e.evict(ctx, req.Product, match.Entry)
		return nil
	}

	metrics.StageOutcomes.WithLabelValues(stage, "accepted").Inc()
	return &Result{
		Answer:         match.Answer,
		Source:         SourceKnowledgeBase,
		Reference:      match.PageRef,
		SelfCheckScore: score,
	}
}

// evict removes a rejected entry so the next request does not find it.
// Curated entries are read-only and stay.
func (e *Engine) evict(ctx context.Context, p product.ID, entry knowledgebase.Located) {
	if entry.Curated {
		logger.Warn("Curated knowledge base entry failed verification",
			zap.String("product", p.Key()),
			zap.String("entry_id", entry.ID),
			zap.String("section", entry.Section),
		)
		return
	}
	removed, err := e.kb.RemoveByID(ctx, p, entry.ID, "verification")
	if err != nil {
		logger.Warn("Failed to evict rejected entry", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	if !removed {
		logger.Debug("Rejected entry already gone", zap.String("entry_id", entry.ID))
	}
}

// textStage reports noDocument when the product has no manual at all.
func (e *Engine) textStage(ctx context.Context, req Request, emit Emitter) (res *Result, noDocument bool) {
	const stage = "text_extraction"
	emit.start(StepTextExtraction)

	text, err := e.texts.Get(ctx, req.Product)
	if err != nil {
		emit.complete(StepTextExtraction, nil)
		if errors.Is(err, textcache.ErrNoDocument) {
			metrics.StageOutcomes.WithLabelValues(stage, "unavailable").Inc()
			return nil, true
		}
		logger.Warn("Text extraction unavailable", zap.String("product", req.Product.Key()), zap.Error(err))
		metrics.StageOutcomes.WithLabelValues(stage, "error").Inc()
		return nil, false
	}

	if limit := e.cfg.MaxDocumentChars; limit > 0 && len(text) > limit {
		text = truncateUTF8(text, limit)
	}

	cand, err := e.generate(ctx, "text_answer", req, llm.Attachment{
		Name:     "manual_text",
		MIMEType: "text/plain",
		Data:     []byte(text),
	})
	emit.complete(StepTextExtraction, nil)
	if err != nil {
		logger.Warn("Text extraction answer failed", zap.String("product", req.Product.Key()), zap.Error(err))
		metrics.StageOutcomes.WithLabelValues(stage, "error").Inc()
		return nil, false
	}
	if cand == nil {
		metrics.StageOutcomes.WithLabelValues(stage, "not_found").Inc()
		return nil, false
	}

	score, accepted := e.verify(ctx, stage, StepTextExtractionVerify, req.Question, cand.Answer, emit)
	if !accepted {
		metrics.StageOutcomes.WithLabelValues(stage, "rejected").Inc()
		return nil, false
	}

	metrics.StageOutcomes.WithLabelValues(stage, "accepted").Inc()
	return &Result{
		Answer:               cand.Answer,
		Source:               SourceTextExtraction,
		Reference:            cand.PageReference,
		AddedToQA:            e.learn(ctx, req, cand, knowledgebase.SourceTextExtraction),
		SelfCheckScore:       score,
		UsedGeneralKnowledge: cand.UsedGeneralKnowledge,
	}, false
}

func (e *Engine) documentStage(ctx context.Context, req Request, emit Emitter) *Result {
	const stage = "primary_document"
	emit.start(StepPrimaryDocument)

	manual, err := e.objects.Get(ctx, req.Product.ManualPath())
	if err != nil {
		emit.complete(StepPrimaryDocument, nil)
		outcome := "unavailable"
		if !errors.Is(err, objectstore.ErrNotFound) {
			outcome = "error"
			logger.Warn("Primary document read failed", zap.String("product", req.Product.Key()), zap.Error(err))
		}
		metrics.StageOutcomes.WithLabelValues(stage, outcome).Inc()
		return nil
	}

	doc, err := extraction.Extract(manual)
	if err != nil {
		emit.complete(StepPrimaryDocument, nil)
		logger.Warn("Primary document unreadable", zap.String("product", req.Product.Key()), zap.Error(err))
		metrics.StageOutcomes.WithLabelValues(stage, "error").Inc()
		return nil
	}
	rendered := doc.PagedText()
	if limit := e.cfg.MaxDocumentChars; limit > 0 && len(rendered) > limit {
		rendered = truncateUTF8(rendered, limit)
	}

	cand, err := e.generate(ctx, "document_answer", req, llm.Attachment{
		Name:     "manual",
		MIMEType: string(extraction.KindText),
		Data:     []byte(rendered),
	})
	emit.complete(StepPrimaryDocument, nil)
	if err != nil {
		logger.Warn("Primary document answer failed", zap.String("product", req.Product.Key()), zap.Error(err))
		metrics.StageOutcomes.WithLabelValues(stage, "error").Inc()
		return nil
	}
	if cand == nil {
		metrics.StageOutcomes.WithLabelValues(stage, "not_found").Inc()
		return nil
	}

	score, accepted := e.verify(ctx, stage, StepPrimaryDocumentVerify, req.Question, cand.Answer, emit)

	res := &Result{
		Answer:               cand.Answer,
		Source:               SourcePrimaryDocument,
		Reference:            cand.PageReference,
		SelfCheckScore:       score,
		UsedGeneralKnowledge: cand.UsedGeneralKnowledge,
	}
	if !accepted {
		metrics.StageOutcomes.WithLabelValues(stage, "rejected").Inc()
		res.NeedsVerification = true
		return res
	}

	metrics.StageOutcomes.WithLabelValues(stage, "accepted").Inc()
	res.AddedToQA = e.learn(ctx, req, cand, knowledgebase.SourcePrimaryDocument)
	return res
}

// verify returns a nil score when verification is disabled.
func (e *Engine) verify(ctx context.Context, stage, step, question, answer string, emit Emitter) (*int, bool) {
	if !e.cfg.VerificationEnabled {
		return nil, true
	}

	emit.start(step)
	r := e.verifier.Verify(ctx, question, answer, e.cfg.VerificationThreshold)
	score := r.Score
	emit.complete(step, &score)

	metrics.VerificationScore.WithLabelValues(stage).Observe(float64(score))
	logger.Debug("Stage answer verified",
		zap.String("stage", stage),
		zap.Int("score", score),
		zap.Bool("acceptable", r.Acceptable),
		zap.String("reason", r.Reason),
	)
	return &score, r.Acceptable
}

// learn appends an accepted answer to the user-added section. Failures are
// logged and reported as not added.
func (e *Engine) learn(ctx context.Context, req Request, cand *candidate, source knowledgebase.Source) bool {
	_, err := e.kb.Append(ctx, req.Product, knowledgebase.Entry{
		Question:      req.Question,
		Answer:        cand.Answer,
		PageReference: cand.PageReference,
		Source:        source,
	})
	if err != nil {
		logger.Warn("Failed to append answer to knowledge base",
			zap.String("product", req.Product.Key()),
			zap.String("source", string(source)),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (e *Engine) noInformation(req Request) *Result {
	metrics.StageOutcomes.WithLabelValues("none", "returned").Inc()
	return &Result{
		Answer: NoInformation(req.Product),
		Source: SourceNone,
	}
}

func truncateUTF8(s string, n int) string {
	for n > 0 && n < len(s) && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
