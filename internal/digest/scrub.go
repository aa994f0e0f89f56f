package digest

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/livinlefevreloca/digestd/internal/activity"
)

const anonymous = "a contributor"

var (
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)+`)
	mentionPattern  = regexp.MustCompile(`(^|[^A-Za-z0-9_])@[A-Za-z0-9](?:[A-Za-z0-9\-]{0,38})`)
	mdLinkPattern   = regexp.MustCompile(`\[([^\]]*)\]\((?:https?://[^)\s]+)\)`)
	bareURLPattern  = regexp.MustCompile(`<?https?://[^\s<>()]+>?`)
	emptyParens     = regexp.MustCompile(`\(\s*\)`)
	multiSpace      = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforeStop = regexp.MustCompile(`\s+([.,;:!?])`)
)

// authorScrubber removes the identities of a batch's authors from text
type authorScrubber struct {
	patterns []*regexp.Regexp
}

func newAuthorScrubber(changes []activity.Change) *authorScrubber {
	seen := make(map[string]struct{})
	var idents []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if len(s) < 2 {
			return
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		idents = append(idents, s)
	}

	for _, ch := range changes {
		add(ch.AuthorEmail)
		add(ch.Author)
		add(ch.AuthorHandle)
		// Summaries often refer to people by first or last name alone.
		for _, part := range strings.Fields(ch.Author) {
			if len(part) >= 3 && unicode.IsUpper([]rune(part)[0]) {
				add(part)
			}
		}
	}

	// Longest first so "Ada Lovelace" is replaced before "Ada".
	sort.SliceStable(idents, func(i, j int) bool {
		return len(idents[i]) > len(idents[j])
	})

	s := &authorScrubber{}
	for _, id := range idents {
		s.patterns = append(s.patterns, identityPattern(id))
	}
	return s
}

func identityPattern(id string) *regexp.Regexp {
	expr := regexp.QuoteMeta(id)
	if isWordChar(rune(id[0])) {
		expr = `\b` + expr
	}
	if isWordChar(rune(id[len(id)-1])) {
		expr = expr + `\b`
	}
	return regexp.MustCompile(`(?i)@?` + expr)
}

func isWordChar(r rune) bool {
	return r == '_' || r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

// Scrub replaces known identities, email addresses and @mentions
func (s *authorScrubber) Scrub(text string) string {
	text = emailPattern.ReplaceAllString(text, anonymous)
	for _, p := range s.patterns {
		text = p.ReplaceAllString(text, anonymous)
	}
	text = mentionPattern.ReplaceAllString(text, "${1}"+anonymous)
	return tidy(text)
}

// stripLinks drops URLs, keeping the text of markdown links
func stripLinks(text string) string {
	text = mdLinkPattern.ReplaceAllString(text, "$1")
	text = bareURLPattern.ReplaceAllString(text, "")
	text = emptyParens.ReplaceAllString(text, "")
	return tidy(text)
}

func tidy(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = multiSpace.ReplaceAllString(line, " ")
		line = spaceBeforeStop.ReplaceAllString(line, "$1")
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
