package cascade

type EventKind string

const (
	EventStepStart    EventKind = "step_start"
	EventStepComplete EventKind = "step_complete"
	EventAnswer       EventKind = "answer"
	EventError        EventKind = "error"
)

// Step numbers as reported to clients. The .5 steps are verification.
const (
	StepKnowledgeBase         = "1"
	StepKnowledgeBaseVerify   = "1.5"
	StepTextExtraction        = "2"
	StepTextExtractionVerify  = "2.5"
	StepPrimaryDocument       = "3"
	StepPrimaryDocumentVerify = "3.5"
)

var stepNames = map[string]string{
	StepKnowledgeBase:         "Searching knowledge base",
	StepKnowledgeBaseVerify:   "Verifying knowledge base answer",
	StepTextExtraction:        "Searching manual text",
	StepTextExtractionVerify:  "Verifying manual text answer",
	StepPrimaryDocument:       "Reading product manual",
	StepPrimaryDocumentVerify: "Verifying manual answer",
}

// Event is one progress update. Answer is set only on EventAnswer.
type Event struct {
	Kind           EventKind `json:"type"`
	Step           string    `json:"step,omitempty"`
	Name           string    `json:"name,omitempty"`
	SelfCheckScore *int      `json:"self_check_score,omitempty"`
	Answer         *Result   `json:"-"`
	SessionID      string    `json:"session_id,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// Emitter receives progress events in order. It must not block for long.
type Emitter func(Event)

func (e Emitter) start(step string) {
	if e != nil {
		e(Event{Kind: EventStepStart, Step: step, Name: stepNames[step]})
	}
}

func (e Emitter) complete(step string, score *int) {
	if e != nil {
		e(Event{Kind: EventStepComplete, Step: step, Name: stepNames[step], SelfCheckScore: score})
	}
}
