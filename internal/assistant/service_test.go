package assistant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/manual-qa/backend/internal/abuse"
	"github.com/manual-qa/backend/internal/cascade"
	"github.com/manual-qa/backend/internal/knowledgebase"
	"github.com/manual-qa/backend/internal/llm/llmtest"
	"github.com/manual-qa/backend/internal/lock"
	"github.com/manual-qa/backend/internal/product"
	"github.com/manual-qa/backend/internal/session"
	"github.com/manual-qa/backend/internal/storage/models"
	"github.com/manual-qa/backend/internal/storage/objectstore"
	"github.com/manual-qa/backend/internal/storage/sqlite"
	"github.com/manual-qa/backend/internal/textcache"
	"github.com/manual-qa/backend/internal/verification"
)

type harness struct {
	svc      *Service
	db       *sqlite.Client
	gen      *llmtest.Scripted
	objects  objectstore.Store
	sessions *session.Manager
	gate     *abuse.Gate
	product  product.ID
}

func newHarness(t *testing.T, rules ...llmtest.Rule) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.NewClient(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}
	objects, err := objectstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	locker := lock.NewLocal()
	gen := llmtest.New(rules...)
	kb := knowledgebase.NewStore(objects, locker)

	engine := cascade.NewEngine(kb, knowledgebase.NewSearcher(gen), textcache.New(objects, locker), objects,
		verification.NewVerifier(gen, verification.Config{FailOpen: true}), gen,
		cascade.Config{VerificationEnabled: true, VerificationThreshold: 3})

	pool := session.NewSummaryPool(gen, db, 1, 8)
	t.Cleanup(pool.Close)
	sessions := session.NewManager(db, pool, session.Config{InactivityWindow: 6 * time.Hour, ContextTurns: 6})
	gate := abuse.NewGate(db, gen, abuse.Config{SemanticEnabled: true, SemanticFailOpen: true})

	p, _ := product.New("AcmeCorp", "X100")
	return &harness{
		svc:      NewService(gate, sessions, engine),
		db:       db,
		gen:      gen,
		objects:  objects,
		sessions: sessions,
		gate:     gate,
		product:  p,
	}
}

var validQuestion = llmtest.Rule{Purpose: "abuse_check", Reply: `{"valid":true}`}
var anySummary = llmtest.Rule{Purpose: "session_summary", Reply: "Filter cleaning"}

func TestAsk_Unauthenticated(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Ask(context.Background(), Request{Product: h.product, Question: "How do I clean the filter?"})

	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Category != CategoryUnauthenticated {
		t.Fatalf("err = %v", err)
	}
}

func TestAsk_EmptyQuestion(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Ask(context.Background(), Request{Product: h.product, UserID: "u1", Question: "  "}); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("err = %v", err)
	}
}

func TestAsk_PrimaryDocumentExample(t *testing.T) {
	h := newHarness(t,
		validQuestion, anySummary,
		llmtest.Rule{Purpose: "text_answer", Reply: `{"found":false}`},
		llmtest.Rule{Purpose: "document_answer", Reply: `{"found":true,"answer":"Remove the filter and rinse it.","page_reference":"9"}`},
		llmtest.Rule{Purpose: "verify", Reply: `{"question_intent":"method","answer_intent":"method","intent_match":true,"score":5}`},
	)
	ctx := context.Background()
	h.objects.Put(ctx, h.product.ManualPath(), []byte("Filter maintenance instructions."))

	var events []cascade.Event
	resp, err := h.svc.AskStream(ctx, Request{Product: h.product, UserID: "u1", Question: "How do I clean the filter?"}, func(ev cascade.Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Source != cascade.SourcePrimaryDocument || !resp.AddedToQA || resp.NeedsVerification {
		t.Fatalf("response = %+v", resp)
	}

	last := events[len(events)-1]
	if last.Kind != cascade.EventAnswer || last.Answer == nil || last.Answer.Answer != resp.Answer {
		t.Fatalf("last event = %+v", last)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Kind == cascade.EventAnswer {
			t.Fatal("answer event emitted before the end")
		}
	}

	detail, err := h.sessions.GetDetail(ctx, resp.SessionID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("messages = %+v", detail.Messages)
	}
	meta := detail.Messages[1].Meta
	if detail.Messages[1].Role != models.RoleAssistant || meta.Source != "primary_document" || meta.Reference != "9" || !meta.AddedToQA {
		t.Fatalf("assistant message = %+v", detail.Messages[1])
	}
}

func TestAsk_SessionReuseAndContext(t *testing.T) {
	h := newHarness(t,
		validQuestion, anySummary,
		llmtest.Rule{Purpose: "text_answer", Contains: []string{"user: How do I clean the filter?", "assistant: Rinse it."}, Reply: `{"found":true,"answer":"Once a month."}`},
		llmtest.Rule{Purpose: "text_answer", Reply: `{"found":true,"answer":"Rinse it."}`},
		llmtest.Rule{Purpose: "kb_search", Reply: `{"found":false}`},
		llmtest.Rule{Purpose: "verify", Reply: `{"question_intent":"method","answer_intent":"method","intent_match":true,"score":4}`},
	)
	ctx := context.Background()
	h.objects.Put(ctx, h.product.ManualPath(), []byte("Rinse the filter once a month."))

	first, err := h.svc.Ask(ctx, Request{Product: h.product, UserID: "u1", Question: "How do I clean the filter?"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.svc.Ask(ctx, Request{Product: h.product, UserID: "u1", Question: "How often?"})
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID != second.SessionID {
		t.Fatal("questions inside the window used different sessions")
	}
	if second.Answer != "Once a month." {
		t.Fatalf("conversation context not used: %+v", second)
	}

	newID, _ := h.sessions.Reset(ctx, "u1", h.product.Key())
	third, err := h.svc.Ask(ctx, Request{Product: h.product, UserID: "u1", Question: "How do I clean the filter?"})
	if err != nil {
		t.Fatal(err)
	}
	if third.SessionID != newID {
		t.Fatalf("session after reset = %s, want %s", third.SessionID, newID)
	}
}

func TestAsk_InvalidQuestionRecordsViolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Ask(ctx, Request{Product: h.product, UserID: "u1", Question: "Tell me a joke"})
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Category != CategoryInvalidQuestion || rej.ViolationType != "off_topic" {
		t.Fatalf("err = %v", err)
	}
	if rej.Until != nil {
		t.Fatal("first violation must not restrict")
	}

	list, _ := h.db.ListViolations(ctx, "u1", 10)
	if len(list) != 1 || list[0].Method != "rule_based" {
		t.Fatalf("violations = %+v", list)
	}
	if len(h.gen.Calls()) != 0 {
		t.Fatalf("backend called for rejected question: %v", h.gen.Calls())
	}
}

func TestAsk_RestrictedBeforeCascade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.Ask(ctx, Request{Product: h.product, UserID: "u1", Question: "Tell me a joke"})
	_, err := h.svc.Ask(ctx, Request{Product: h.product, UserID: "u1", Question: "Write me a poem"})
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Category != CategoryInvalidQuestion || rej.ViolationCount != 2 || rej.Until == nil {
		t.Fatalf("second violation: err = %v", err)
	}

	_, err = h.svc.Ask(ctx, Request{Product: h.product, UserID: "u1", Question: "How do I clean the filter?"})
	if !errors.As(err, &rej) || rej.Category != CategoryRestricted || rej.ViolationCount != 2 {
		t.Fatalf("restricted user: err = %v", err)
	}
	if len(h.gen.Calls()) != 0 {
		t.Fatalf("backend called for restricted user: %v", h.gen.Calls())
	}
	if list, _ := h.sessions.ListForProduct(ctx, "u1", h.product.Key()); len(list) != 0 {
		t.Fatal("session created for rejected question")
	}
}

func TestAsk_CancelledKeepsQuestion(t *testing.T) {
	h := newHarness(t, validQuestion, anySummary)
	h.objects.Put(context.Background(), h.product.ManualPath(), []byte("Manual."))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := h.svc.AskStream(ctx, Request{Product: h.product, UserID: "u1", Question: "How do I clean the filter?"}, func(ev cascade.Event) {
		if ev.Kind == cascade.EventStepComplete && ev.Step == cascade.StepKnowledgeBase {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}

	list, _ := h.sessions.ListForProduct(context.Background(), "u1", h.product.Key())
	if len(list) != 1 || list[0].MessageCount != 1 || list[0].FirstMessagePreview != "How do I clean the filter?" {
		t.Fatalf("sessions = %+v", list)
	}
}
