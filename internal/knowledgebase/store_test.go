package knowledgebase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/manual-qa/backend/internal/llm"
	"github.com/manual-qa/backend/internal/llm/llmtest"
	"github.com/manual-qa/backend/internal/lock"
	"github.com/manual-qa/backend/internal/product"
	"github.com/manual-qa/backend/internal/storage/objectstore"
)

func newTestStore(t *testing.T) (*Store, objectstore.Store, product.ID) {
	t.Helper()
	objects, err := objectstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p, _ := product.New("AcmeCorp", "X100")
	return NewStore(objects, lock.NewLocal()), objects, p
}

func TestStore_ReadMissing(t *testing.T) {
	s, _, p := newTestStore(t)
	if _, err := s.Read(context.Background(), p); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_AppendCreatesDocument(t *testing.T) {
	s, _, p := newTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	e, err := s.Append(ctx, p, Entry{Question: "  How do I clean the filter? ", Answer: "Rinse it.", Source: SourceTextExtraction, PageReference: "12"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ID == "" || e.AddedAt == nil || !e.AddedAt.Equal(fixed) {
		t.Fatalf("entry not stamped: %+v", e)
	}

	doc, err := s.Read(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Metadata.ProductKey != p.Key() || !doc.Metadata.CreatedAt.Equal(fixed) || !doc.Metadata.UpdatedAt.Equal(fixed) {
		t.Fatalf("metadata = %+v", doc.Metadata)
	}
	if len(doc.UserAdded) != 1 || doc.UserAdded[0].Question != "How do I clean the filter?" || doc.UserAdded[0].Source != SourceTextExtraction {
		t.Fatalf("user added = %+v", doc.UserAdded)
	}
}

func TestStore_AppendRejectsEmpty(t *testing.T) {
	s, _, p := newTestStore(t)
	if _, err := s.Append(context.Background(), p, Entry{Question: "q", Answer: "  "}); err == nil {
		t.Fatal("expected error for empty answer")
	}
}

func TestStore_RemoveByQuestion(t *testing.T) {
	s, _, p := newTestStore(t)
	ctx := context.Background()

	removed, err := s.RemoveByQuestion(ctx, p, "anything", "feedback")
	if err != nil || removed {
		t.Fatalf("missing document: removed=%v err=%v", removed, err)
	}

	s.Append(ctx, p, Entry{Question: "How do I clean the filter?", Answer: "Rinse it."})
	s.Append(ctx, p, Entry{Question: "How often?", Answer: "Monthly."})

	removed, err = s.RemoveByQuestion(ctx, p, "How do I clean the filter? ", "feedback")
	if err != nil || !removed {
		t.Fatalf("removed=%v err=%v", removed, err)
	}

	removed, err = s.RemoveByQuestion(ctx, p, "How do I clean the filter?", "feedback")
	if err != nil || removed {
		t.Fatalf("second removal: removed=%v err=%v", removed, err)
	}

	doc, _ := s.Read(ctx, p)
	if len(doc.UserAdded) != 1 || doc.UserAdded[0].Question != "How often?" {
		t.Fatalf("user added = %+v", doc.UserAdded)
	}
}

func TestStore_RemoveByIDSkipsCurated(t *testing.T) {
	s, objects, p := newTestStore(t)
	ctx := context.Background()

	doc := &Document{
		Metadata: Metadata{ProductKey: p.Key()},
		Sections: []Section{{Title: "Maintenance", Entries: []Entry{{ID: "curated-1", Question: "q", Answer: "a"}}}},
	}
	data, _ := doc.Marshal()
	objects.Put(ctx, p.KnowledgeBasePath(), data)

	removed, err := s.RemoveByID(ctx, p, "curated-1", "verification")
	if err != nil || removed {
		t.Fatalf("curated removal: removed=%v err=%v", removed, err)
	}

	added, _ := s.Append(ctx, p, Entry{Question: "q2", Answer: "a2"})
	removed, err = s.RemoveByID(ctx, p, added.ID, "verification")
	if err != nil || !removed {
		t.Fatalf("user-added removal: removed=%v err=%v", removed, err)
	}

	got, _ := s.Read(ctx, p)
	if got.Len() != 1 {
		t.Fatalf("entries = %d, want 1", got.Len())
	}
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s, _, p := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Append(ctx, p, Entry{Question: "q", Answer: "a"}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	doc, _ := s.Read(ctx, p)
	if len(doc.UserAdded) != 10 {
		t.Fatalf("user added = %d, want 10", len(doc.UserAdded))
	}
}

func TestSearcher(t *testing.T) {
	doc := &Document{
		Sections:  []Section{{Title: "Care", Entries: []Entry{{ID: "c1", Question: "How do I descale?", Answer: "Use vinegar.", PageReference: "8"}}}},
		UserAdded: []Entry{{ID: "u1", Question: "How do I clean the filter?", Answer: "Rinse it."}},
	}

	tests := []struct {
		name      string
		reply     string
		err       error
		wantID    string
		wantAns   string
		wantPage  string
		wantError bool
	}{
		{name: "match with backend answer", reply: `{"found":true,"entry_id":"u1","answer":"Rinse the filter under water."}`, wantID: "u1", wantAns: "Rinse the filter under water."},
		{name: "falls back to entry text", reply: "```json\n{\"found\":true,\"entry_id\":\"c1\"}\n```", wantID: "c1", wantAns: "Use vinegar.", wantPage: "8"},
		{name: "not found", reply: `{"found":false}`},
		{name: "unknown id", reply: `{"found":true,"entry_id":"zzz","answer":"x"}`},
		{name: "garbage", reply: "I think so"},
		{name: "backend error", err: errors.New("boom"), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := llmtest.New(llmtest.Rule{Purpose: "kb_search", Reply: tt.reply, Err: tt.err})
			m, err := NewSearcher(gen).Search(context.Background(), doc, "How do I clean it?", "")
			if tt.wantError {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if tt.wantID == "" {
				if m != nil {
					t.Fatalf("expected no match, got %+v", m)
				}
				return
			}
			if m == nil || m.Entry.ID != tt.wantID || m.Answer != tt.wantAns || m.PageRef != tt.wantPage {
				t.Fatalf("match = %+v", m)
			}
		})
	}
}

func TestSearcher_EmptyDocumentSkipsBackend(t *testing.T) {
	gen := llmtest.New()
	m, err := NewSearcher(gen).Search(context.Background(), &Document{}, "q", "")
	if err != nil || m != nil {
		t.Fatalf("m=%v err=%v", m, err)
	}
	if len(gen.Calls()) != 0 {
		t.Fatal("backend called for empty document")
	}
}

var _ llm.Generator = (*llmtest.Scripted)(nil)
