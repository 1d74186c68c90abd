package cascade

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/llm"
	"github.com/manual-qa/backend/pkg/logger"
)

const answerSystemPrompt = `You answer questions about the %s using the attached product documentation.

Rules:
- Ground the answer in the document. Quote settings, values and steps exactly.
- If the document contains page markers like [Page 12], cite the page the answer comes from.
- If the document does not cover the question but general appliance knowledge answers it safely,
  you may answer from general knowledge and must set "used_general_knowledge" to true.
- If neither applies, set "found" to false.
- Answer in the language of the question. Keep it short and practical.

Respond with JSON only:
{"found": true|false, "answer": "<answer>", "page_reference": "<page or empty>", "used_general_knowledge": true|false}`

type candidate struct {
	Answer               string
	PageReference        string
	UsedGeneralKnowledge bool
}

type answerPayload struct {
	Found                bool   `json:"found"`
	Answer               string `json:"answer"`
	PageReference        string `json:"page_reference"`
	UsedGeneralKnowledge bool   `json:"used_general_knowledge"`
}

// generate returns nil when the backend reports no answer or replies with
// something unparseable.
func (e *Engine) generate(ctx context.Context, purpose string, req Request, doc llm.Attachment) (*candidate, error) {
	var prompt strings.Builder
	if req.Conversation != "" {
		fmt.Fprintf(&prompt, "Conversation so far:\n%s\n\n", req.Conversation)
	}
	fmt.Fprintf(&prompt, "Question: %s", req.Question)

	resp, err := e.gen.Complete(ctx, llm.CompletionRequest{
		Purpose:      purpose,
		SystemPrompt: fmt.Sprintf(answerSystemPrompt, req.Product.String()),
		UserPrompt:   prompt.String(),
		Attachments:  []llm.Attachment{doc},
		Temperature:  0.2,
		JSON:         true,
	})
	if err != nil {
		return nil, err
	}

	var payload answerPayload
	if err := llm.DecodeJSON(resp.Content, &payload); err != nil {
		logger.Warn("Unparseable answer reply", zap.String("purpose", purpose), zap.Error(err))
		return nil, nil
	}

	answer := strings.TrimSpace(payload.Answer)
	if answer == "" || !(payload.Found || payload.UsedGeneralKnowledge) {
		return nil, nil
	}

	return &candidate{
		Answer:               answer,
		PageReference:        strings.TrimSpace(payload.PageReference),
		UsedGeneralKnowledge: payload.UsedGeneralKnowledge,
	}, nil
}
