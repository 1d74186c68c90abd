package product

import (
	"errors"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var ErrInvalid = errors.New("manufacturer and model are required")

// ID identifies one product. It is immutable once created.
type ID struct {
	Manufacturer string
	Model        string
}

func New(manufacturer, model string) (ID, error) {
	id := ID{
		Manufacturer: strings.TrimSpace(manufacturer),
		Model:        strings.TrimSpace(model),
	}
	if sanitize(id.Manufacturer) == "" || sanitize(id.Model) == "" {
		return ID{}, ErrInvalid
	}
	return id, nil
}

func (id ID) String() string {
	return id.Manufacturer + " " + id.Model
}

// Key is the ASCII-safe form used to address every per-product artifact.
func (id ID) Key() string {
	return sanitize(id.Manufacturer) + "/" + sanitize(id.Model)
}

func (id ID) ManualPath() string {
	return path.Join("manuals", id.Key(), "manual")
}

func (id ID) TextPath() string {
	return path.Join("manuals", id.Key(), "extracted.txt")
}

func (id ID) KnowledgeBasePath() string {
	return path.Join("manuals", id.Key(), "knowledge_base.json")
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func sanitize(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			underscore = false
		case r == '-' || r == '.':
			b.WriteRune(r)
			underscore = false
		default:
			if !underscore && b.Len() > 0 {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_.-")
}
