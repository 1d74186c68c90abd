// Package knowledgebase holds the per-product Q/A document: curated sections
// plus a user-added section that grows as the cascade learns answers.
package knowledgebase

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("knowledge base not found")

type Source string

const (
	SourceKnowledgeBase   Source = "knowledge_base"
	SourceTextExtraction  Source = "text_extraction"
	SourcePrimaryDocument Source = "primary_document"
)

type Entry struct {
	ID            string     `json:"id"`
	Question      string     `json:"question"`
	Answer        string     `json:"answer"`
	PageReference string     `json:"page_reference,omitempty"`
	Source        Source     `json:"source,omitempty"`
	AddedAt       *time.Time `json:"added_at,omitempty"`
}

type Section struct {
	Title   string  `json:"title"`
	Entries []Entry `json:"entries"`
}

type Metadata struct {
	ProductKey   string    `json:"product_key"`
	Manufacturer string    `json:"manufacturer"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Document is the stored knowledge base. Curated sections are read-only;
// only UserAdded is mutated.
type Document struct {
	Metadata  Metadata  `json:"metadata"`
	Sections  []Section `json:"sections"`
	UserAdded []Entry   `json:"user_added"`
}

// Located is an entry plus where it lives in the document.
type Located struct {
	Entry
	Section string
	Curated bool
}

func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base: %w", err)
	}
	return &doc, nil
}

func (d *Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// All lists every entry, curated sections first.
func (d *Document) All() []Located {
	var out []Located
	for _, s := range d.Sections {
		for _, e := range s.Entries {
			out = append(out, Located{Entry: e, Section: s.Title, Curated: true})
		}
	}
	for _, e := range d.UserAdded {
		out = append(out, Located{Entry: e, Section: UserAddedTitle})
	}
	return out
}

func (d *Document) Len() int {
	n := len(d.UserAdded)
	for _, s := range d.Sections {
		n += len(s.Entries)
	}
	return n
}

func (d *Document) Find(id string) (Located, bool) {
	for _, l := range d.All() {
		if l.ID == id {
			return l, true
		}
	}
	return Located{}, false
}

// UserAddedTitle names the mutable section when the document is rendered.
const UserAddedTitle = "User-added Q&A"

// Render lays out every entry with its id for a search prompt.
func (d *Document) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Knowledge base for %s %s\n", d.Metadata.Manufacturer, d.Metadata.Model)

	writeEntry := func(e Entry) {
		fmt.Fprintf(&b, "\n[id: %s]\nQ: %s\nA: %s\n", e.ID, e.Question, e.Answer)
		if e.PageReference != "" {
			fmt.Fprintf(&b, "Page: %s\n", e.PageReference)
		}
	}

	for _, s := range d.Sections {
		fmt.Fprintf(&b, "\n## %s\n", s.Title)
		for _, e := range s.Entries {
			writeEntry(e)
		}
	}
	if len(d.UserAdded) > 0 {
		fmt.Fprintf(&b, "\n## %s\n", UserAddedTitle)
		for _, e := range d.UserAdded {
			writeEntry(e)
		}
	}
	return b.String()
}

func (d *Document) removeUserAdded(match func(Entry) bool) (Entry, bool) {
	for i, e := range d.UserAdded {
		if match(e) {
			d.UserAdded = append(d.UserAdded[:i], d.UserAdded[i+1:]...)
			return e, true
		}
	}
	return Entry{}, false
}
