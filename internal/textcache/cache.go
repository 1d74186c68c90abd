// Package textcache materializes the full-text extraction of a product
// manual the first time it is needed and serves the stored copy after that.
package textcache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/extraction"
	"github.com/manual-qa/backend/internal/lock"
	"github.com/manual-qa/backend/internal/metrics"
	"github.com/manual-qa/backend/internal/product"
	"github.com/manual-qa/backend/internal/storage/objectstore"
	"github.com/manual-qa/backend/pkg/logger"
)

// ErrNoDocument means the product has no primary document to extract from.
var ErrNoDocument = errors.New("primary document not available")

type Cache struct {
	objects objectstore.Store
	locker  lock.Locker
	extract func([]byte) (*extraction.Document, error)
}

func New(objects objectstore.Store, locker lock.Locker) *Cache {
	return &Cache{
		objects: objects,
		locker:  locker,
		extract: extraction.Extract,
	}
}

// Get returns the cached text, extracting it from the manual under the
// product lock when absent. Concurrent callers extract at most once.
func (c *Cache) Get(ctx context.Context, p product.ID) (string, error) {
	text, err := c.objects.Get(ctx, p.TextPath())
	if err == nil {
		metrics.TextCacheMaterializations.WithLabelValues("hit").Inc()
		return string(text), nil
	}
	if !errors.Is(err, objectstore.ErrNotFound) {
		return "", fmt.Errorf("failed to read text cache: %w", err)
	}

	unlock, err := c.locker.Lock(ctx, "text:"+p.Key())
	if err != nil {
		return "", fmt.Errorf("failed to lock text cache: %w", err)
	}
	defer unlock()

	// Another holder may have finished while we waited.
	text, err = c.objects.Get(ctx, p.TextPath())
	if err == nil {
		metrics.TextCacheMaterializations.WithLabelValues("hit").Inc()
		return string(text), nil
	}
	if !errors.Is(err, objectstore.ErrNotFound) {
		return "", fmt.Errorf("failed to read text cache: %w", err)
	}

	manual, err := c.objects.Get(ctx, p.ManualPath())
	if errors.Is(err, objectstore.ErrNotFound) {
		metrics.TextCacheMaterializations.WithLabelValues("missing").Inc()
		return "", ErrNoDocument
	}
	if err != nil {
		return "", fmt.Errorf("failed to read primary document: %w", err)
	}

	doc, err := c.extract(manual)
	if err != nil {
		metrics.TextCacheMaterializations.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to extract text: %w", err)
	}

	plain := doc.PlainText()
	if err := c.objects.Put(ctx, p.TextPath(), []byte(plain)); err != nil {
		metrics.TextCacheMaterializations.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to store text cache: %w", err)
	}

	metrics.TextCacheMaterializations.WithLabelValues("materialized").Inc()
	logger.Info("Text extraction cached",
		zap.String("product", p.Key()),
		zap.String("kind", string(doc.Kind)),
		zap.Int("pages", len(doc.Pages)),
		zap.Int("chars", len(plain)),
	)
	return plain, nil
}
