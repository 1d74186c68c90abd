package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/llm"
	"github.com/manual-qa/backend/internal/metrics"
	"github.com/manual-qa/backend/pkg/logger"
)

const (
	maxSummaryRunes = 60
	summaryTimeout  = 30 * time.Second
)

const summarySystemPrompt = `Write a short title (at most 6 words) for a support conversation that starts
with the user's message below. Reply with the title only, no quotes or punctuation at the end.`

type SummaryStore interface {
	SetSessionSummary(ctx context.Context, id, summary string) error
}

type summaryTask struct {
	sessionID string
	message   string
}

// SummaryPool generates session titles on a fixed set of workers, off the
// request path. Each task runs under its own recover and timeout.
type SummaryPool struct {
	gen   llm.Generator
	store SummaryStore
	tasks chan summaryTask
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewSummaryPool(gen llm.Generator, store SummaryStore, workers, queue int) *SummaryPool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 64
	}

	p := &SummaryPool{
		gen:   gen,
		store: store,
		tasks: make(chan summaryTask, queue),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit never blocks. A full queue or closed pool drops the task.
func (p *SummaryPool) Submit(sessionID, firstMessage string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.tasks <- summaryTask{sessionID: sessionID, message: firstMessage}:
		return true
	default:
		metrics.SummaryTasks.WithLabelValues("dropped").Inc()
		logger.Warn("Summary queue full, dropping task", zap.String("session_id", sessionID))
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *SummaryPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *SummaryPool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(t)
	}
}

func (p *SummaryPool) run(t summaryTask) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SummaryTasks.WithLabelValues("panic").Inc()
			logger.Error("Summary task panicked",
				zap.String("session_id", t.sessionID),
				zap.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
	defer cancel()

	summary, err := p.summarize(ctx, t.message)
	if err != nil {
		metrics.SummaryTasks.WithLabelValues("failed").Inc()
		logger.Warn("Session summary failed", zap.String("session_id", t.sessionID), zap.Error(err))
		return
	}

	if err := p.store.SetSessionSummary(ctx, t.sessionID, summary); err != nil {
		metrics.SummaryTasks.WithLabelValues("failed").Inc()
		logger.Warn("Failed to store session summary", zap.String("session_id", t.sessionID), zap.Error(err))
		return
	}

	metrics.SummaryTasks.WithLabelValues("ok").Inc()
	logger.Debug("Session summary stored", zap.String("session_id", t.sessionID), zap.String("summary", summary))
}

func (p *SummaryPool) summarize(ctx context.Context, message string) (string, error) {
	resp, err := p.gen.Complete(ctx, llm.CompletionRequest{
		Purpose:      "session_summary",
		SystemPrompt: summarySystemPrompt,
		UserPrompt:   message,
		Temperature:  0.3,
		MaxTokens:    30,
	})
	if err != nil {
		return "", err
	}

	summary := cleanSummary(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}

func cleanSummary(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'` ")
	s = strings.TrimRight(s, ".!?:;,")

	if utf8.RuneCountInString(s) > maxSummaryRunes {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:maxSummaryRunes]))
	}
	return s
}
