package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AnswerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "manualqa_answer_duration_seconds",
			Help:    "End-to-end answer latency by final source",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 90},
		},
		[]string{"source"},
	)

	StageOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manualqa_cascade_stage_outcomes_total",
			Help: "Cascade stage outcomes (accepted, rejected, not_found, error, unavailable)",
		},
		[]string{"stage", "outcome"},
	)

	VerificationScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "manualqa_verification_score",
			Help:    "Self-verification scores per stage",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"stage"},
	)

	VerificationFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "manualqa_verification_fallbacks_total",
			Help: "Verifications resolved by the fail-open/fail-closed policy",
		},
	)

	KnowledgeBaseMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manualqa_knowledge_base_mutations_total",
			Help: "Knowledge-base entry appends and removals",
		},
		[]string{"op", "reason"},
	)

	TextCacheMaterializations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manualqa_text_cache_materializations_total",
			Help: "Text extraction cache lookups by result",
		},
		[]string{"result"},
	)

	Violations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manualqa_violations_total",
			Help: "Rejected questions by category and detection method",
		},
		[]string{"type", "method"},
	)

	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manualqa_rejections_total",
			Help: "Requests rejected before the cascade",
		},
		[]string{"category"},
	)

	Ratings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manualqa_ratings_total",
			Help: "User feedback ratings",
		},
		[]string{"helpful"},
	)

	SummaryTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manualqa_session_summary_tasks_total",
			Help: "Background session summary task outcomes",
		},
		[]string{"outcome"},
	)

	LLMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manualqa_llm_requests_total",
			Help: "Generation backend requests",
		},
		[]string{"purpose", "status"},
	)

	LLMLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "manualqa_llm_request_duration_seconds",
			Help:    "Generation backend latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"purpose"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manualqa_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			AnswerDuration,
			StageOutcomes,
			VerificationScore,
			VerificationFallbacks,
			KnowledgeBaseMutations,
			TextCacheMaterializations,
			Violations,
			Rejections,
			Ratings,
			SummaryTasks,
			LLMRequests,
			LLMLatency,
			LLMTokensUsed,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
