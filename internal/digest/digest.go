package digest

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/livinlefevreloca/digestd/internal/report"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrSuppressed means there was nothing to report and the configuration
// asked for no notice. The run succeeds without delivering anything.
var ErrSuppressed = errors.New("digest: suppressed, no activity and no notice requested")

// CompositionError is a failure to produce a digest, usually because the
// summarizer failed
type CompositionError struct {
	Op        string
	Err       error
	retryable bool
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("digest: %s: %v", e.Op, e.Err)
}

func (e *CompositionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether composing again may succeed
func (e *CompositionError) Retryable() bool {
	return e.retryable
}

// Kind is the conventional-commit category of a change
type Kind string

const (
	KindFeature  Kind = "feat"
	KindFix      Kind = "fix"
	KindDocs     Kind = "docs"
	KindRefactor Kind = "refactor"
	KindChore    Kind = "chore"
	KindOther    Kind = "other"
)

// kindOrder is the changelog section order
var kindOrder = []Kind{KindFeature, KindFix, KindDocs, KindRefactor, KindChore, KindOther}

func (k Kind) heading() string {
	switch k {
	case KindFeature:
		return "new features"
	case KindFix:
		return "bug fixes"
	case KindDocs:
		return "documentation"
	case KindRefactor:
		return "refactoring"
	case KindChore:
		return "maintenance"
	default:
		return "other changes"
	}
}

// Item is one listed change
type Item struct {
	ID     string
	Kind   Kind
	Title  string
	Author string // empty unless author display is on
	URL    string // empty unless commit links are on
}

// Section is a titled group of items
type Section struct {
	Title string
	Items []Item
}

// Header is the metadata every digest carries
type Header struct {
	ConfigurationID string
	Repository      string
	Branch          string
	Since           time.Time
	Until           time.Time
	ActivityCount   int
	GeneratedAt     time.Time
}

// Digest is the rendered output of one run
type Digest struct {
	Header
	Style      report.Style
	Summary    string
	Sections   []Section
	NoActivity bool
}

// Title is the one-line heading used by every channel
func (d *Digest) Title() string {
	if d.Branch == "" {
		return fmt.Sprintf("%s digest", d.Repository)
	}
	return fmt.Sprintf("%s (%s) digest", d.Repository, d.Branch)
}

// Window renders the covered time range
func (d *Digest) Window() string {
	const layout = "Jan 2 15:04"
	if d.Since.IsZero() {
		return "until " + d.Until.UTC().Format(layout) + " UTC"
	}
	return fmt.Sprintf("%s to %s UTC", d.Since.UTC().Format(layout), d.Until.UTC().Format(layout))
}

// Items returns every listed item across sections
func (d *Digest) Items() []Item {
	var items []Item
	for _, s := range d.Sections {
		items = append(items, s.Items...)
	}
	return items
}

//go:embed templates
var templateFS embed.FS

var markdownTemplate = template.Must(template.New("digest.md.tmpl").Funcs(template.FuncMap{
	"title": cases.Title(language.English).String,
	"line":  itemLine,
}).ParseFS(templateFS, "templates/digest.md.tmpl"))

// Markdown renders the full digest body
func (d *Digest) Markdown() string {
	var buf bytes.Buffer
	if err := markdownTemplate.Execute(&buf, d); err != nil {
		// The template only reads fields of d; a failure is a programming error.
		panic(fmt.Sprintf("digest: render markdown: %v", err))
	}
	return strings.TrimSpace(buf.String()) + "\n"
}

// itemLine renders one change as a markdown list entry body
func itemLine(it Item) string {
	var b strings.Builder
	b.WriteString(it.Title)
	if it.Author != "" {
		b.WriteString(" by ")
		b.WriteString(it.Author)
	}
	if it.URL != "" {
		fmt.Fprintf(&b, " ([%s](%s))", shortID(it.ID), it.URL)
	}
	return b.String()
}

func shortID(id string) string {
	if id == "" {
		return "link"
	}
	if len(id) > 7 {
		return id[:7]
	}
	return id
}
