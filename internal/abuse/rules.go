package abuse

import (
	"regexp"
	"strings"

	"github.com/jdkato/prose/v2"
)

var offTopicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(tell|give)\s+me\s+a\s+(joke|poem|story|riddle)\b`),
	regexp.MustCompile(`(?i)\bwrite\s+(me\s+)?(a|an)\s+(poem|essay|song|story|letter|cover\s+letter|novel)\b`),
	regexp.MustCompile(`(?i)\b(do|solve|finish)\s+my\s+(homework|assignment|exam)\b`),
	regexp.MustCompile(`(?i)\b(stock|share|crypto(currency)?|bitcoin)\s+(price|prices|tips?|market)\b`),
	regexp.MustCompile(`(?i)\b(lottery|lotto)\s+numbers?\b`),
	regexp.MustCompile(`(?i)\b(horoscope|zodiac\s+sign)\b`),
	regexp.MustCompile(`(?i)\bwho\s+(won|will\s+win)\s+the\s+(election|game|match|world\s+cup|super\s+bowl)\b`),
	regexp.MustCompile(`(?i)\b(dating|relationship)\s+advice\b`),
}

var attackPatterns = []*regexp.Regexp{
	// Instruction override
	regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?)`),

	// System prompt extraction
	regexp.MustCompile(`(?i)(reveal|show|print|output|display|repeat)\s+(me\s+)?(your|the)\s+(system\s+prompt|prompt\b|(system|hidden|initial|original)\s+(instructions|rules))`),
	regexp.MustCompile(`(?i)(reveal|repeat|output)\s+(me\s+)?your\s+(instructions|rules|config)`),
	regexp.MustCompile(`(?i)what\s+(are|is)\s+your\s+(system\s+prompt|prompt\b|(system|hidden|initial|original)\s+(instructions?|rules?))`),

	// Jailbreaks
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(DAN|evil|unrestricted|unfiltered|jailbroken)`),
	regexp.MustCompile(`(?i)(pretend|act)\s+(like\s+)?(you\s+are|to\s+be)\s+.{0,30}(without|no)\s+(restrictions?|limits?|rules?|filters?)`),
	regexp.MustCompile(`(?i)enter\s+(DAN|developer|god|sudo|admin)\s+mode`),

	// Chat template delimiters
	regexp.MustCompile(`(?i)<\|?(system|endof(text|turn)|im_start|im_end)\|?>`),
	regexp.MustCompile(`(?i)\[INST\]|\[/INST\]|\[SYS(TEM)?\]`),

	// SQL and script injection
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b|\bdrop\s+table\b|;\s*--`),
	regexp.MustCompile(`(?i)\binsert\s+into\s+\w+\s*(\(|\bvalues\b)|\bdelete\s+from\s+\w+\s*(\bwhere\b|;)`),
	regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1`),
	regexp.MustCompile(`(?i)<script|<iframe|javascript\s*:|on(load|error|click|mouseover)\s*=`),
}

var inappropriateWords = map[string]bool{
	"fuck": true, "fucking": true, "shit": true, "bitch": true, "asshole": true,
	"bastard": true, "cunt": true, "dickhead": true, "motherfucker": true,
	"porn": true, "porno": true, "nude": true, "nudes": true, "nsfw": true,
	"whore": true, "slut": true, "retard": true,
}

// RuleMatch is the first rule a question tripped.
type RuleMatch struct {
	Type    ViolationType
	Pattern string
}

// CheckRules runs the fixed lists. Attacks are checked first.
func CheckRules(question string) *RuleMatch {
	for _, p := range attackPatterns {
		if m := p.FindString(question); m != "" {
			return &RuleMatch{Type: ViolationAttack, Pattern: strings.TrimSpace(m)}
		}
	}

	for _, word := range tokens(question) {
		if inappropriateWords[word] {
			return &RuleMatch{Type: ViolationInappropriate, Pattern: word}
		}
	}

	for _, p := range offTopicPatterns {
		if m := p.FindString(question); m != "" {
			return &RuleMatch{Type: ViolationOffTopic, Pattern: strings.TrimSpace(m)}
		}
	}
	return nil
}

func tokens(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return strings.Fields(strings.ToLower(text))
	}

	out := make([]string, 0, len(doc.Tokens()))
	for _, tok := range doc.Tokens() {
		out = append(out, strings.ToLower(tok.Text))
	}
	return out
}
