package knowledgebase

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/llm"
	"github.com/manual-qa/backend/pkg/logger"
)

const searchSystemPrompt = `You look up answers in a product knowledge base.
Find the single entry that answers the user's question. Only pick an entry whose
question asks the same thing; a related topic is not enough.

Respond with JSON only:
{"found": true|false, "entry_id": "<id of the entry>", "answer": "<answer adapted to the question>", "page_reference": "<page or empty>"}`

// Match is a knowledge-base entry selected for a question.
type Match struct {
	Entry   Located
	Answer  string
	PageRef string
}

type searchPayload struct {
	Found         bool   `json:"found"`
	EntryID       string `json:"entry_id"`
	Answer        string `json:"answer"`
	PageReference string `json:"page_reference"`
}

type Searcher struct {
	gen llm.Generator
}

func NewSearcher(gen llm.Generator) *Searcher {
	return &Searcher{gen: gen}
}

// Search returns nil when no entry answers the question. Only backend
// failures are returned as errors; malformed replies count as not found.
func (s *Searcher) Search(ctx context.Context, doc *Document, question, conversation string) (*Match, error) {
	if doc == nil || doc.Len() == 0 {
		return nil, nil
	}

	var prompt strings.Builder
	if conversation != "" {
		fmt.Fprintf(&prompt, "Conversation so far:\n%s\n\n", conversation)
	}
	fmt.Fprintf(&prompt, "Question: %s", question)

	resp, err := s.gen.Complete(ctx, llm.CompletionRequest{
		Purpose:      "kb_search",
		SystemPrompt: searchSystemPrompt,
		UserPrompt:   prompt.String(),
		Attachments: []llm.Attachment{{
			Name:     "knowledge_base",
			MIMEType: "text/plain",
			Data:     []byte(doc.Render()),
		}},
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge base search failed: %w", err)
	}

	var payload searchPayload
	if err := llm.DecodeJSON(resp.Content, &payload); err != nil {
		logger.Warn("Unparseable knowledge base search reply", zap.Error(err))
		return nil, nil
	}
	if !payload.Found {
		return nil, nil
	}

	entry, ok := doc.Find(strings.TrimSpace(payload.EntryID))
	if !ok {
		logger.Warn("Knowledge base search named an unknown entry", zap.String("entry_id", payload.EntryID))
		return nil, nil
	}

	answer := strings.TrimSpace(payload.Answer)
	if answer == "" {
		answer = entry.Answer
	}
	pageRef := strings.TrimSpace(payload.PageReference)
	if pageRef == "" {
		pageRef = entry.PageReference
	}

	return &Match{Entry: entry, Answer: answer, PageRef: pageRef}, nil
}
