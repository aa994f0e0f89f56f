package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/livinlefevreloca/digestd/internal/activity"
	"github.com/livinlefevreloca/digestd/internal/report"
	"github.com/livinlefevreloca/digestd/internal/summarize"
)

const (
	DefaultMaxInputBytes     = 12000
	DefaultCommitURLTemplate = "https://github.com/%s/commit/%s"
	minInputBytes            = 256
	truncationMarker         = "..."
)

// Config tunes a Composer
type Config struct {
	// MaxInputBytes caps the content of a single summarizer call
	MaxInputBytes int `toml:"max_input_bytes"`
	// CommitURLTemplate builds a change link from repository and change ID
	// when the provider supplied none
	CommitURLTemplate string `toml:"commit_url_template"`
	// CallTimeout bounds each summarizer call; zero leaves it to the caller
	CallTimeout time.Duration `toml:"call_timeout"`
}

// Composer turns an activity batch into a Digest
type Composer struct {
	summarizer summarize.Summarizer
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewComposer creates a composer
func NewComposer(s summarize.Summarizer, cfg Config, logger *slog.Logger) *Composer {
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = DefaultMaxInputBytes
	}
	if cfg.MaxInputBytes < minInputBytes {
		cfg.MaxInputBytes = minInputBytes
	}
	if cfg.CommitURLTemplate == "" {
		cfg.CommitURLTemplate = DefaultCommitURLTemplate
	}
	return &Composer{
		summarizer: s,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the generated-at time source
func (c *Composer) SetClock(now func() time.Time) {
	c.now = now
}

// Compose summarizes batch and renders it per opts. An empty batch is
// handled as ComposeNoUpdates.
func (c *Composer) Compose(ctx context.Context, batch *activity.Batch, opts report.FormattingOptions) (*Digest, error) {
	header := Header{GeneratedAt: c.now().UTC()}
	if batch != nil {
		header.ConfigurationID = batch.ConfigurationID
		header.Repository = batch.Repository
		header.Branch = batch.Branch
		header.Since = batch.Since
		header.Until = batch.Until
		header.ActivityCount = batch.Len()
	}
	if batch.Len() == 0 {
		return c.ComposeNoUpdates(header, opts)
	}

	items := c.buildItems(batch, opts)
	scrubber := newAuthorScrubber(batch.Changes)

	summary, err := c.summarize(ctx, batch, items, opts)
	if err != nil {
		return nil, err
	}

	summary = c.postProcess(summary, scrubber, opts)
	if !opts.AuthorDisplay {
		for i := range items {
			items[i].Title = scrubber.Scrub(items[i].Title)
		}
	}
	if !opts.LinkToCommits {
		for i := range items {
			items[i].Title = stripLinks(items[i].Title)
		}
	}

	return &Digest{
		Header:   header,
		Style:    opts.Style,
		Summary:  summary,
		Sections: sectionsFor(opts.Style, items),
	}, nil
}

// ComposeNoUpdates renders the explicit no-activity notice, or returns
// ErrSuppressed when the configuration does not want one
func (c *Composer) ComposeNoUpdates(header Header, opts report.FormattingOptions) (*Digest, error) {
	if !opts.OnNoUpdates {
		return nil, ErrSuppressed
	}
	if header.GeneratedAt.IsZero() {
		header.GeneratedAt = c.now().UTC()
	}
	header.ActivityCount = 0

	return &Digest{
		Header:     header,
		Style:      opts.Style,
		Summary:    noUpdatesText(header.Branch, opts.Tone),
		NoActivity: true,
	}, nil
}

func noUpdatesText(branch string, tone report.Tone) string {
	if branch == "" {
		branch = "the tracked branch"
	}
	if tone == report.ToneFriendlyCasual {
		return fmt.Sprintf("All quiet on %s. Nothing new landed since the last digest.", branch)
	}
	return fmt.Sprintf("No new activity on %s since the last digest.", branch)
}

func (c *Composer) buildItems(batch *activity.Batch, opts report.FormattingOptions) []Item {
	items := make([]Item, 0, len(batch.Changes))
	for _, ch := range batch.Changes {
		kind, subject := classify(ch.Title)
		title := ch.Title
		if opts.Style == report.StyleChangelog {
			title = subject
		}
		if title == "" {
			title = shortID(ch.ID)
		}

		it := Item{ID: ch.ID, Kind: kind, Title: title}
		if opts.AuthorDisplay {
			it.Author = displayAuthor(ch)
		}
		if opts.LinkToCommits {
			it.URL = ch.URL
			if it.URL == "" {
				it.URL = c.commitURL(batch.Repository, ch.ID)
			}
		}
		items = append(items, it)
	}
	return items
}

func (c *Composer) commitURL(repository, id string) string {
	if id == "" {
		return "https://github.com/" + repository
	}
	return fmt.Sprintf(c.cfg.CommitURLTemplate, repository, id)
}

func displayAuthor(ch activity.Change) string {
	switch {
	case ch.Author != "":
		return ch.Author
	case ch.AuthorHandle != "":
		return "@" + ch.AuthorHandle
	default:
		return ""
	}
}

var conventionalPrefix = regexp.MustCompile(`^([A-Za-z]+)(\([^)]*\))?!?:\s*(.+)$`)

// classify maps a conventional-commit title to its Kind and subject
func classify(title string) (Kind, string) {
	m := conventionalPrefix.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return KindOther, strings.TrimSpace(title)
	}
	subject := m[3]
	switch strings.ToLower(m[1]) {
	case "feat", "feature":
		return KindFeature, subject
	case "fix", "bugfix", "hotfix":
		return KindFix, subject
	case "docs", "doc":
		return KindDocs, subject
	case "refactor", "perf", "style":
		return KindRefactor, subject
	case "chore", "build", "ci", "test", "tests", "deps":
		return KindChore, subject
	default:
		return KindOther, strings.TrimSpace(title)
	}
}

func sectionsFor(style report.Style, items []Item) []Section {
	switch style {
	case report.StyleSummary:
		return nil
	case report.StyleChangelog:
		byKind := make(map[Kind][]Item)
		for _, it := range items {
			byKind[it.Kind] = append(byKind[it.Kind], it)
		}
		var sections []Section
		for _, k := range kindOrder {
			if len(byKind[k]) > 0 {
				sections = append(sections, Section{Title: k.heading(), Items: byKind[k]})
			}
		}
		return sections
	default:
		return []Section{{Title: "changes", Items: items}}
	}
}

// ============================================================================
// Summarization
// ============================================================================

func (c *Composer) summarize(ctx context.Context, batch *activity.Batch, items []Item, opts report.FormattingOptions) (string, error) {
	instructions := instructionsFor(opts)
	chunks := chunkContent(batch, opts, c.cfg.MaxInputBytes)

	partials := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		text, err := c.call(ctx, summarize.Request{Instructions: instructions, Content: chunk})
		if err != nil {
			return "", c.wrap(ctx, fmt.Sprintf("summarize chunk %d/%d", i+1, len(chunks)), err)
		}
		partials = append(partials, text)
	}

	if len(partials) == 1 {
		return partials[0], nil
	}

	c.logger.Debug("merging partial summaries",
		"configuration_id", batch.ConfigurationID,
		"chunks", len(partials),
		"items", len(items))

	merged := truncate(strings.Join(partials, "\n\n"), c.cfg.MaxInputBytes)
	text, err := c.call(ctx, summarize.Request{
		Instructions: instructions + " Combine the following partial summaries of one period into a single summary.",
		Content:      merged,
	})
	if err != nil {
		return "", c.wrap(ctx, "merge summaries", err)
	}
	return text, nil
}

func (c *Composer) call(ctx context.Context, req summarize.Request) (string, error) {
	callCtx := ctx
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	text, err := c.summarizer.Summarize(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) &&
		!errors.Is(err, context.DeadlineExceeded) {
		// Some failures on an expired context (the rate limiter's) do not wrap it
		err = fmt.Errorf("%w after %v: %w", context.DeadlineExceeded, c.cfg.CallTimeout, err)
	}
	return text, err
}

// wrap classifies a summarizer failure. Errors that do not say otherwise
// are retryable, and so is a call that ran out its own timeout while ctx,
// the run's context, is still live.
func (c *Composer) wrap(ctx context.Context, op string, err error) error {
	retryable := true
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		retryable = r.Retryable()
	}
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		retryable = false
	case errors.Is(err, context.DeadlineExceeded):
		retryable = true
	}
	return &CompositionError{Op: op, Err: err, retryable: retryable}
}

func (c *Composer) postProcess(summary string, scrubber *authorScrubber, opts report.FormattingOptions) string {
	if !opts.AuthorDisplay {
		summary = scrubber.Scrub(summary)
	}
	if !opts.LinkToCommits {
		summary = stripLinks(summary)
	}
	return strings.TrimSpace(summary)
}

func instructionsFor(opts report.FormattingOptions) string {
	var b strings.Builder
	b.WriteString("You summarize source-control activity for a team digest. ")

	switch opts.Tone {
	case report.ToneInformative:
		b.WriteString("Write in a neutral, informative tone that explains what changed and its effect. ")
	case report.ToneFriendlyCasual:
		b.WriteString("Write in a friendly, casual tone; light enthusiasm is welcome but stay clear. ")
	default:
		b.WriteString("Write in a concise, professional tone suitable for a status update. ")
	}

	switch opts.Style {
	case report.StyleSummary:
		b.WriteString("Produce a single paragraph overview of the changes. ")
	case report.StyleChangelog:
		b.WriteString("Produce one or two sentences on the most significant changes; a grouped changelog is appended separately. ")
	default:
		b.WriteString("Produce a short overview paragraph; the list of changes is appended separately. ")
	}

	if !opts.AuthorDisplay {
		b.WriteString("Do not mention people by name, handle or email address. ")
	}
	if !opts.LinkToCommits {
		b.WriteString("Do not include URLs. ")
	}
	b.WriteString("Answer with plain text only.")
	return b.String()
}

// chunkContent renders the batch as prompt text split into pieces of at
// most maxBytes. An item that alone exceeds the budget is truncated.
func chunkContent(batch *activity.Batch, opts report.FormattingOptions, maxBytes int) []string {
	preamble := fmt.Sprintf("Repository %s, branch %s. Changes:\n", batch.Repository, batch.Branch)
	budget := maxBytes - len(preamble)
	if budget < minInputBytes/2 {
		preamble = "Changes:\n"
		budget = maxBytes - len(preamble)
	}

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, preamble+cur.String())
			cur.Reset()
		}
	}

	for _, ch := range batch.Changes {
		line := promptLine(ch, opts)
		if len(line) > budget {
			line = truncate(line[:len(line)-1], budget-1) + "\n"
		}
		if cur.Len()+len(line) > budget {
			flush()
		}
		cur.WriteString(line)
	}
	flush()
	return chunks
}

func promptLine(ch activity.Change, opts report.FormattingOptions) string {
	var b strings.Builder
	b.WriteString("- ")
	b.WriteString(ch.Title)
	if opts.AuthorDisplay && ch.Author != "" {
		b.WriteString(" (by ")
		b.WriteString(ch.Author)
		b.WriteString(")")
	}
	if body := strings.TrimSpace(strings.TrimPrefix(ch.Message, ch.Title)); body != "" {
		b.WriteString(": ")
		b.WriteString(strings.Join(strings.Fields(body), " "))
	}
	b.WriteString("\n")
	return b.String()
}

// truncate cuts s to at most max bytes on a rune boundary
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= len(truncationMarker) {
		return truncationMarker[:max]
	}
	cut := max - len(truncationMarker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
