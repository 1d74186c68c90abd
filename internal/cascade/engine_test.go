package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/manual-qa/backend/internal/knowledgebase"
	"github.com/manual-qa/backend/internal/llm/llmtest"
	"github.com/manual-qa/backend/internal/lock"
	"github.com/manual-qa/backend/internal/product"
	"github.com/manual-qa/backend/internal/storage/objectstore"
	"github.com/manual-qa/backend/internal/textcache"
	"github.com/manual-qa/backend/internal/verification"
)

const question = "How do I clean the filter?"

type fixture struct {
	engine  *Engine
	gen     *llmtest.Scripted
	kb      *knowledgebase.Store
	objects objectstore.Store
	product product.ID
	events  []string
}

func newFixture(t *testing.T, verify bool, rules ...llmtest.Rule) *fixture {
	t.Helper()
	objects, err := objectstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	locker := lock.NewLocal()
	gen := llmtest.New(rules...)
	kb := knowledgebase.NewStore(objects, locker)
	p, _ := product.New("AcmeCorp", "X100")

	engine := NewEngine(
		kb,
		knowledgebase.NewSearcher(gen),
		textcache.New(objects, locker),
		objects,
		verification.NewVerifier(gen, verification.Config{FailOpen: true}),
		gen,
		Config{VerificationEnabled: verify, VerificationThreshold: 3, MaxDocumentChars: 10000},
	)
	return &fixture{engine: engine, gen: gen, kb: kb, objects: objects, product: p}
}

func (f *fixture) emit(ev Event) {
	s := string(ev.Kind) + ":" + ev.Step
	if ev.SelfCheckScore != nil {
		s += fmt.Sprintf("=%d", *ev.SelfCheckScore)
	}
	f.events = append(f.events, s)
}

func (f *fixture) putManual(t *testing.T, text string) {
	t.Helper()
	if err := f.objects.Put(context.Background(), f.product.ManualPath(), []byte(text)); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedKB(t *testing.T, doc *knowledgebase.Document) {
	t.Helper()
	data, _ := doc.Marshal()
	if err := f.objects.Put(context.Background(), f.product.KnowledgeBasePath(), data); err != nil {
		t.Fatal(err)
	}
}

func verifyRule(answer string, score int) llmtest.Rule {
	return llmtest.Rule{
		Purpose:  "verify",
		Contains: []string{"ANSWER:\n" + answer},
		Reply:    fmt.Sprintf(`{"question_intent":"method","answer_intent":"method","intent_match":true,"score":%d,"reason":"test"}`, score),
	}
}

func assertEvents(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("events:\n got  %v\n want %v", got, want)
	}
}

func TestAnswer_KnowledgeBaseAccepted(t *testing.T) {
	f := newFixture(t, true,
		llmtest.Rule{Purpose: "kb_search", Reply: `{"found":true,"entry_id":"e1"}`},
		verifyRule("Rinse it under water.", 5),
	)
	f.seedKB(t, &knowledgebase.Document{UserAdded: []knowledgebase.Entry{{ID: "e1", Question: question, Answer: "Rinse it under water.", PageReference: "14"}}})
	before, _ := f.objects.Get(context.Background(), f.product.KnowledgeBasePath())

	res, err := f.engine.Answer(context.Background(), Request{Product: f.product, Question: question}, f.emit)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceKnowledgeBase || res.AddedToQA || res.Reference != "14" || *res.SelfCheckScore != 5 {
		t.Fatalf("result = %+v", res)
	}

	after, _ := f.objects.Get(context.Background(), f.product.KnowledgeBasePath())
	if string(before) != string(after) {
		t.Fatal("knowledge base mutated on accepted hit")
	}
	if f.gen.Count("text_answer") != 0 || f.gen.Count("document_answer") != 0 {
		t.Fatalf("later stages ran: %v", f.gen.Calls())
	}
	assertEvents(t, f.events, "step_start:1", "step_complete:1", "step_start:1.5", "step_complete:1.5=5")
}

func TestAnswer_RejectedEntryEvictedBeforeTextStage(t *testing.T) {
	f := newFixture(t, true,
		llmtest.Rule{Purpose: "kb_search", Reply: `{"found":true,"entry_id":"bad"}`, Times: 1},
		verifyRule("Replace the battery.", 1),
		llmtest.Rule{Purpose: "text_answer", Reply: `{"found":true,"answer":"Rinse the filter monthly.","page_reference":"12"}`},
		verifyRule("Rinse the filter monthly.", 5),
	)
	f.seedKB(t, &knowledgebase.Document{UserAdded: []knowledgebase.Entry{{ID: "bad", Question: question, Answer: "Replace the battery."}}})
	f.putManual(t, "Filter care: rinse the filter monthly.")

	ctx := context.Background()
	evictedFirst := false
	emit := func(ev Event) {
		f.emit(ev)
		if ev.Kind == EventStepStart && ev.Step == StepTextExtraction {
			doc, err := f.kb.Read(ctx, f.product)
			evictedFirst = err == nil && doc.Len() == 0
		}
	}

	res, err := f.engine.Answer(ctx, Request{Product: f.product, Question: question}, emit)
	if err != nil {
		t.Fatal(err)
	}
	if !evictedFirst {
		t.Fatal("rejected entry still present when the text stage started")
	}
	if res.Source != SourceTextExtraction || !res.AddedToQA || res.Reference != "12" {
		t.Fatalf("result = %+v", res)
	}

	doc, _ := f.kb.Read(ctx, f.product)
	if len(doc.UserAdded) != 1 {
		t.Fatalf("user added = %+v", doc.UserAdded)
	}
	if e := doc.UserAdded[0]; e.Source != knowledgebase.SourceTextExtraction || e.Question != question || e.ID == "bad" {
		t.Fatalf("appended entry = %+v", e)
	}
	assertEvents(t, f.events,
		"step_start:1", "step_complete:1", "step_start:1.5", "step_complete:1.5=1",
		"step_start:2", "step_complete:2", "step_start:2.5", "step_complete:2.5=5",
	)
}

func TestAnswer_CuratedEntryNotEvicted(t *testing.T) {
	f := newFixture(t, true,
		llmtest.Rule{Purpose: "kb_search", Reply: `{"found":true,"entry_id":"c1"}`},
		verifyRule("Use vinegar.", 1),
		llmtest.Rule{Purpose: "text_answer", Reply: `{"found":false}`},
		llmtest.Rule{Purpose: "document_answer", Reply: `{"found":false}`},
	)
	f.seedKB(t, &knowledgebase.Document{Sections: []knowledgebase.Section{{Title: "Care", Entries: []knowledgebase.Entry{{ID: "c1", Question: question, Answer: "Use vinegar."}}}}})
	f.putManual(t, "Unrelated content.")

	res, err := f.engine.Answer(context.Background(), Request{Product: f.product, Question: question}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceNone {
		t.Fatalf("source = %s", res.Source)
	}
	doc, _ := f.kb.Read(context.Background(), f.product)
	if doc.Len() != 1 {
		t.Fatal("curated entry removed")
	}
}

func TestAnswer_PrimaryDocumentAccepted(t *testing.T) {
	f := newFixture(t, true,
		llmtest.Rule{Purpose: "text_answer", Reply: `{"found":false}`},
		llmtest.Rule{Purpose: "document_answer", Reply: `{"found":true,"answer":"Open the hatch and rinse the filter.","page_reference":"7"}`},
		verifyRule("Open the hatch and rinse the filter.", 4),
	)
	f.putManual(t, "Maintenance section.")

	res, err := f.engine.Answer(context.Background(), Request{Product: f.product, Question: question}, f.emit)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourcePrimaryDocument || !res.AddedToQA || res.NeedsVerification || res.Reference != "7" {
		t.Fatalf("result = %+v", res)
	}

	doc, err := f.kb.Read(context.Background(), f.product)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.UserAdded) != 1 || doc.UserAdded[0].Source != knowledgebase.SourcePrimaryDocument {
		t.Fatalf("user added = %+v", doc.UserAdded)
	}
	assertEvents(t, f.events,
		"step_start:1", "step_complete:1",
		"step_start:2", "step_complete:2",
		"step_start:3", "step_complete:3", "step_start:3.5", "step_complete:3.5=4",
	)
}

func TestAnswer_PrimaryDocumentRejectedStillReturned(t *testing.T) {
	f := newFixture(t, true,
		llmtest.Rule{Purpose: "text_answer", Reply: `{"found":false}`},
		llmtest.Rule{Purpose: "document_answer", Reply: `{"found":true,"answer":"Maybe rinse it.","used_general_knowledge":true}`},
		verifyRule("Maybe rinse it.", 2),
	)
	f.putManual(t, "Maintenance section.")

	res, err := f.engine.Answer(context.Background(), Request{Product: f.product, Question: question}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourcePrimaryDocument || res.AddedToQA || !res.NeedsVerification || !res.UsedGeneralKnowledge {
		t.Fatalf("result = %+v", res)
	}
	if _, err := f.kb.Read(context.Background(), f.product); !errors.Is(err, knowledgebase.ErrNotFound) {
		t.Fatalf("knowledge base created for rejected answer: %v", err)
	}
}

func TestAnswer_TextAnswerRejectedFallsThroughToDocument(t *testing.T) {
	f := newFixture(t, true,
		llmtest.Rule{Purpose: "text_answer", Reply: `{"found":true,"answer":"Shake the filter.","page_reference":"3"}`},
		verifyRule("Shake the filter.", 2),
		llmtest.Rule{Purpose: "document_answer", Reply: `{"found":true,"answer":"Remove the filter and rinse it.","page_reference":"9"}`},
		verifyRule("Remove the filter and rinse it.", 4),
	)
	f.putManual(t, "Filter care: remove the filter and rinse it.")

	res, err := f.engine.Answer(context.Background(), Request{Product: f.product, Question: question}, f.emit)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourcePrimaryDocument || !res.AddedToQA || res.NeedsVerification || res.Reference != "9" {
		t.Fatalf("result = %+v", res)
	}

	doc, err := f.kb.Read(context.Background(), f.product)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.UserAdded) != 1 {
		t.Fatalf("user added = %+v", doc.UserAdded)
	}
	if e := doc.UserAdded[0]; e.Source != knowledgebase.SourcePrimaryDocument || e.Answer != "Remove the filter and rinse it." {
		t.Fatalf("appended entry = %+v", e)
	}
	assertEvents(t, f.events,
		"step_start:1", "step_complete:1",
		"step_start:2", "step_complete:2", "step_start:2.5", "step_complete:2.5=2",
		"step_start:3", "step_complete:3", "step_start:3.5", "step_complete:3.5=4",
	)
}

func TestAnswer_DocumentAttachmentBounded(t *testing.T) {
	f := newFixture(t, false,
		llmtest.Rule{Purpose: "text_answer", Reply: `{"found":false}`},
		llmtest.Rule{Purpose: "document_answer", Reply: `{"found":false}`},
	)
	f.engine.cfg.MaxDocumentChars = 64
	f.putManual(t, "Filter care: rinse the filter monthly. "+strings.Repeat("Safety notice. ", 200))

	if _, err := f.engine.Answer(context.Background(), Request{Product: f.product, Question: question}, nil); err != nil {
		t.Fatal(err)
	}

	var seen int
	for _, req := range f.gen.Requests() {
		if req.Purpose != "text_answer" && req.Purpose != "document_answer" {
			continue
		}
		seen++
		if len(req.Attachments) != 1 {
			t.Fatalf("%s attachments = %d", req.Purpose, len(req.Attachments))
		}
		a := req.Attachments[0]
		if len(a.Data) > 64 || a.MIMEType != "text/plain" {
			t.Fatalf("%s attachment: %d bytes, %s", req.Purpose, len(a.Data), a.MIMEType)
		}
		if req.Purpose == "document_answer" && !strings.HasPrefix(string(a.Data), "[Page 1]\n") {
			t.Fatalf("document attachment not page-marked: %q", a.Data)
		}
	}
	if seen != 2 {
		t.Fatalf("answer requests = %d, want 2", seen)
	}
}

func TestAnswer_NoPrimaryDocument(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.engine.Answer(context.Background(), Request{Product: f.product, Question: question}, f.emit)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceNone || res.Answer != NoInformation(f.product) || res.AddedToQA {
		t.Fatalf("result = %+v", res)
	}
	if len(f.gen.Calls()) != 0 {
		t.Fatalf("backend called: %v", f.gen.Calls())
	}
	assertEvents(t, f.events, "step_start:1", "step_complete:1", "step_start:2", "step_complete:2")
}

func TestAnswer_BackendFailuresFallThrough(t *testing.T) {
	boom := errors.New("backend down")
	f := newFixture(t, true,
		llmtest.Rule{Purpose: "kb_search", Err: boom},
		llmtest.Rule{Purpose: "text_answer", Err: boom},
		llmtest.Rule{Purpose: "document_answer", Reply: "not json at all"},
	)
	f.seedKB(t, &knowledgebase.Document{UserAdded: []knowledgebase.Entry{{ID: "e1", Question: "q", Answer: "a"}}})
	f.putManual(t, "Manual text.")

	res, err := f.engine.Answer(context.Background(), Request{Product: f.product, Question: question}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceNone {
		t.Fatalf("result = %+v", res)
	}
}

func TestAnswer_VerificationDisabled(t *testing.T) {
	f := newFixture(t, false,
		llmtest.Rule{Purpose: "text_answer", Reply: `{"found":true,"answer":"Rinse it."}`},
	)
	f.putManual(t, "Rinse it.")

	res, err := f.engine.Answer(context.Background(), Request{Product: f.product, Question: question}, f.emit)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceTextExtraction || res.SelfCheckScore != nil || !res.AddedToQA {
		t.Fatalf("result = %+v", res)
	}
	if f.gen.Count("verify") != 0 {
		t.Fatal("verification ran while disabled")
	}
	assertEvents(t, f.events, "step_start:1", "step_complete:1", "step_start:2", "step_complete:2")
}

func TestAnswer_ConversationReachesPrompts(t *testing.T) {
	f := newFixture(t, false,
		llmtest.Rule{Purpose: "text_answer", Contains: []string{"user: What about the pump?"}, Reply: `{"found":true,"answer":"Clean the pump too."}`},
	)
	f.putManual(t, "Pump and filter care.")

	res, err := f.engine.Answer(context.Background(), Request{Product: f.product, Question: "And the filter?", Conversation: "user: What about the pump?"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "Clean the pump too." {
		t.Fatalf("result = %+v", res)
	}
}

func TestAnswer_CancelledBetweenStages(t *testing.T) {
	f := newFixture(t, true)
	f.putManual(t, "Manual text.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emit := func(ev Event) {
		f.emit(ev)
		if ev.Kind == EventStepComplete && ev.Step == StepKnowledgeBase {
			cancel()
		}
	}

	_, err := f.engine.Answer(ctx, Request{Product: f.product, Question: question}, emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	assertEvents(t, f.events, "step_start:1", "step_complete:1")
}

func TestTruncateUTF8(t *testing.T) {
	s := "aé"
	if got := truncateUTF8(s, 2); got != "a" {
		t.Fatalf("got %q", got)
	}
	if got := truncateUTF8(s, 3); got != s {
		t.Fatalf("got %q", got)
	}
}
