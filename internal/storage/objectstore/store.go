// Package objectstore holds per-product documents: the primary manual, its
// text extraction and the knowledge-base document.
package objectstore

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrInvalidPath = errors.New("invalid object path")
)

type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
}

func validatePath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidPath
		}
	}
	return nil
}
