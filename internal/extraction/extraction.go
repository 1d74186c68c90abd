// Package extraction renders a product manual (PDF, HTML or plain text) to text.
package extraction

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/manual-qa/backend/internal/llm"
)

var (
	ErrUnsupported = errors.New("unsupported document type")
	ErrNoText      = errors.New("no text content found")
)

type Kind string

const (
	KindPDF  Kind = "application/pdf"
	KindHTML Kind = "text/html"
	KindText Kind = "text/plain"
)

type Page struct {
	Number int
	Text   string
}

type Document struct {
	Kind  Kind
	Title string
	Pages []Page
}

// Detect sniffs the document type from its leading bytes.
func Detect(data []byte) Kind {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return KindPDF
	}
	ct := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(ct, "text/html"):
		return KindHTML
	case strings.HasPrefix(ct, "text/plain"):
		return KindText
	case strings.HasPrefix(ct, "application/pdf"):
		return KindPDF
	}
	return Kind(ct)
}

func Extract(data []byte) (*Document, error) {
	kind := Detect(data)

	var (
		doc *Document
		err error
	)
	switch kind {
	case KindPDF:
		doc, err = extractPDF(data)
	case KindHTML:
		doc, err = extractHTML(data)
	case KindText:
		doc = &Document{Pages: []Page{{Number: 1, Text: normalizeSpace(string(data))}}}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
	if err != nil {
		return nil, err
	}

	doc.Kind = kind
	if len(doc.Pages) == 0 {
		return nil, ErrNoText
	}
	return doc, nil
}

// PlainText joins all pages without page markers.
func (d *Document) PlainText() string {
	parts := make([]string, 0, len(d.Pages))
	for _, p := range d.Pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}

// PagedText joins pages with "[Page N]" markers so answers can cite pages.
func (d *Document) PagedText() string {
	var b strings.Builder
	for i, p := range d.Pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[Page ")
		b.WriteString(strconv.Itoa(p.Number))
		b.WriteString("]\n")
		b.WriteString(p.Text)
	}
	return b.String()
}

// Renderer adapts Extract to the llm attachment pipeline.
func Renderer(a llm.Attachment) (string, error) {
	doc, err := Extract(a.Data)
	if err != nil {
		return "", err
	}
	return doc.PagedText(), nil
}

func normalizeSpace(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		} else if unicode.IsPrint(r) {
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
