package knowledgebase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/lock"
	"github.com/manual-qa/backend/internal/metrics"
	"github.com/manual-qa/backend/internal/product"
	"github.com/manual-qa/backend/internal/storage/objectstore"
	"github.com/manual-qa/backend/pkg/logger"
)

type Store struct {
	objects objectstore.Store
	locker  lock.Locker
	now     func() time.Time
}

func NewStore(objects objectstore.Store, locker lock.Locker) *Store {
	return &Store{
		objects: objects,
		locker:  locker,
		now:     time.Now,
	}
}

func lockKey(p product.ID) string {
	return "kb:" + p.Key()
}

// Read returns ErrNotFound when the product has no knowledge base yet.
func (s *Store) Read(ctx context.Context, p product.ID) (*Document, error) {
	data, err := s.objects.Get(ctx, p.KnowledgeBasePath())
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base: %w", err)
	}
	return Parse(data)
}

// Append adds a new entry to the user-added section, creating the document
// when absent. The entry id and timestamp are assigned here.
func (s *Store) Append(ctx context.Context, p product.ID, e Entry) (Entry, error) {
	e.Question = strings.TrimSpace(e.Question)
	e.Answer = strings.TrimSpace(e.Answer)
	if e.Question == "" || e.Answer == "" {
		return Entry{}, fmt.Errorf("entry requires question and answer")
	}

	err := s.mutate(ctx, p, true, func(doc *Document, now time.Time) bool {
		e.ID = uuid.New().String()
		e.AddedAt = &now
		doc.UserAdded = append(doc.UserAdded, e)
		return true
	})
	if err != nil {
		return Entry{}, err
	}

	metrics.KnowledgeBaseMutations.WithLabelValues("append", string(e.Source)).Inc()
	logger.Info("Knowledge base entry appended",
		zap.String("product", p.Key()),
		zap.String("entry_id", e.ID),
		zap.String("source", string(e.Source)),
	)
	return e, nil
}

// RemoveByID deletes a user-added entry. Curated entries and unknown ids
// report false without error.
func (s *Store) RemoveByID(ctx context.Context, p product.ID, id, reason string) (bool, error) {
	return s.remove(ctx, p, reason, func(e Entry) bool { return e.ID == id })
}

// RemoveByQuestion deletes the user-added entry whose question equals the
// given text after trimming.
func (s *Store) RemoveByQuestion(ctx context.Context, p product.ID, question, reason string) (bool, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return false, nil
	}
	return s.remove(ctx, p, reason, func(e Entry) bool { return strings.TrimSpace(e.Question) == question })
}

func (s *Store) remove(ctx context.Context, p product.ID, reason string, match func(Entry) bool) (bool, error) {
	var removed Entry
	var found bool

	err := s.mutate(ctx, p, false, func(doc *Document, _ time.Time) bool {
		removed, found = doc.removeUserAdded(match)
		return found
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	metrics.KnowledgeBaseMutations.WithLabelValues("remove", reason).Inc()
	logger.Info("Knowledge base entry removed",
		zap.String("product", p.Key()),
		zap.String("entry_id", removed.ID),
		zap.String("reason", reason),
	)
	return true, nil
}

// mutate runs a read-modify-write cycle under the product lock. fn reports
// whether the document changed.
func (s *Store) mutate(ctx context.Context, p product.ID, create bool, fn func(doc *Document, now time.Time) bool) error {
	unlock, err := s.locker.Lock(ctx, lockKey(p))
	if err != nil {
		return fmt.Errorf("failed to lock knowledge base: %w", err)
	}
	defer unlock()

	now := s.now().UTC()

	doc, err := s.Read(ctx, p)
	if errors.Is(err, ErrNotFound) && create {
		doc = &Document{
			Metadata: Metadata{
				ProductKey:   p.Key(),
				Manufacturer: p.Manufacturer,
				Model:        p.Model,
				CreatedAt:    now,
			},
		}
	} else if err != nil {
		return err
	}

	if !fn(doc, now) {
		return nil
	}
	doc.Metadata.UpdatedAt = now

	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode knowledge base: %w", err)
	}
	if err := s.objects.Put(ctx, p.KnowledgeBasePath(), data); err != nil {
		return fmt.Errorf("failed to write knowledge base: %w", err)
	}
	return nil
}
