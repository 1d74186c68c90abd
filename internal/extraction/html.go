package extraction

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"
)

// extractHTML treats each top-level section or the whole body as one page.
func extractHTML(data []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, nav, footer, header, aside, noscript").Remove()

	title := normalizeSpace(doc.Find("title").First().Text())
	if title == "" {
		title = normalizeSpace(doc.Find("h1").First().Text())
	}

	var pages []Page
	doc.Find("body > section, body > article, main > section").Each(func(_ int, s *goquery.Selection) {
		if text := normalizeSpace(s.Text()); text != "" {
			pages = append(pages, Page{Number: len(pages) + 1, Text: text})
		}
	})
	if len(pages) == 0 {
		if text := normalizeSpace(doc.Find("body").Text()); text != "" {
			pages = append(pages, Page{Number: 1, Text: text})
		}
	}

	return &Document{Title: title, Pages: pages}, nil
}
