package digest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/digestd/internal/activity"
	"github.com/livinlefevreloca/digestd/internal/report"
	"github.com/livinlefevreloca/digestd/internal/summarize"
)

type recordingSummarizer struct {
	mu       sync.Mutex
	requests []summarize.Request
	reply    func(req summarize.Request) (string, error)
}

func (r *recordingSummarizer) Summarize(_ context.Context, req summarize.Request) (string, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.reply != nil {
		return r.reply(req)
	}
	return "Summary.", nil
}

func (r *recordingSummarizer) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

var generatedAt = time.Date(2024, 3, 12, 13, 0, 5, 0, time.UTC)

func newTestComposer(s summarize.Summarizer, cfg Config) *Composer {
	c := NewComposer(s, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SetClock(func() time.Time { return generatedAt })
	return c
}

func fiveCommits() *activity.Batch {
	base := time.Date(2024, 3, 11, 14, 0, 0, 0, time.UTC)
	mk := func(id, title, author, email, handle string, offset time.Duration) activity.Change {
		ch := activity.Change{
			ID: id, Title: title, Message: title, Author: author, AuthorEmail: email,
			AuthorHandle: handle, Timestamp: base.Add(offset),
		}
		if id != "" {
			ch.URL = "https://github.com/acme/widgets/commit/" + id
		}
		return ch
	}
	return &activity.Batch{
		ConfigurationID: "cfg-1",
		Repository:      "acme/widgets",
		Branch:          "main",
		Since:           time.Date(2024, 3, 11, 13, 0, 0, 0, time.UTC),
		Until:           time.Date(2024, 3, 12, 13, 0, 0, 0, time.UTC),
		Changes: []activity.Change{
			mk("a1b2c3d4e5", "feat(api): add export endpoint", "Ada Lovelace", "ada@example.com", "adal", 0),
			mk("b2c3d4e5f6", "fix: handle empty cart", "Grace Hopper", "grace@example.com", "ghopper", time.Hour),
			mk("c3d4e5f6a7", "docs: describe export format", "Ada Lovelace", "ada@example.com", "adal", 2*time.Hour),
			mk("d4e5f6a7b8", "Bump dependencies", "Linus", "linus@example.com", "linus", 3*time.Hour),
			mk("", "chore: tidy CI config", "Grace Hopper", "grace@example.com", "ghopper", 4*time.Hour),
		},
	}
}

// ============================================================================
// Formatting determinism
// ============================================================================

func TestCompose_ChangelogProfessionalNoAuthorsWithLinks(t *testing.T) {
	s := &recordingSummarizer{reply: func(summarize.Request) (string, error) {
		// A summarizer that ignores its instructions.
		return "Ada Lovelace shipped an export endpoint (thanks @ghopper, grace@example.com). " +
			"Linus bumped deps, see https://github.com/acme/widgets/pull/9.", nil
	}}
	c := newTestComposer(s, Config{})

	opts := report.FormattingOptions{
		Style:         report.StyleChangelog,
		Tone:          report.ToneProfessional,
		AuthorDisplay: false,
		LinkToCommits: true,
	}

	for run := 0; run < 2; run++ {
		d, err := c.Compose(context.Background(), fiveCommits(), opts)
		if err != nil {
			t.Fatalf("Compose failed: %v", err)
		}

		body := d.Markdown()
		for _, ident := range []string{"Ada", "Lovelace", "Grace", "Hopper", "ghopper", "adal", "Linus", "@example.com"} {
			if strings.Contains(body, ident) {
				t.Errorf("digest leaks author identity %q:\n%s", ident, body)
			}
		}

		items := d.Items()
		if len(items) != 5 {
			t.Fatalf("expected 5 items, got %d", len(items))
		}
		for _, it := range items {
			if it.URL == "" {
				t.Errorf("item %q has no link", it.Title)
			}
			if it.Author != "" {
				t.Errorf("item %q carries author %q", it.Title, it.Author)
			}
			if !strings.Contains(body, it.URL) {
				t.Errorf("rendered body misses link %s", it.URL)
			}
		}
		// The change without an ID falls back to the repository URL.
		if items[len(items)-2].URL != "https://github.com/acme/widgets" {
			t.Errorf("unexpected fallback link %q", items[len(items)-2].URL)
		}
	}

	instr := s.requests[0].Instructions
	if !strings.Contains(instr, "professional") || !strings.Contains(instr, "Do not mention people") {
		t.Errorf("unexpected instructions %q", instr)
	}
	if strings.Contains(instr, "Do not include URLs") {
		t.Error("links were requested, instructions must not forbid URLs")
	}
}

func TestCompose_ChangelogSections(t *testing.T) {
	c := newTestComposer(&recordingSummarizer{}, Config{})

	d, err := c.Compose(context.Background(), fiveCommits(), report.FormattingOptions{Style: report.StyleChangelog})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	var titles []string
	for _, s := range d.Sections {
		titles = append(titles, s.Title)
	}
	want := []string{"new features", "bug fixes", "documentation", "maintenance", "other changes"}
	if strings.Join(titles, ",") != strings.Join(want, ",") {
		t.Errorf("expected sections %v, got %v", want, titles)
	}
	if d.Sections[0].Items[0].Title != "add export endpoint" {
		t.Errorf("expected conventional prefix stripped, got %q", d.Sections[0].Items[0].Title)
	}
	if !strings.Contains(d.Markdown(), "*New Features*") {
		t.Errorf("expected title-cased heading in:\n%s", d.Markdown())
	}
}

func TestCompose_NoLinksStripsURLs(t *testing.T) {
	s := &recordingSummarizer{reply: func(summarize.Request) (string, error) {
		return "Export landed ([a1b2c3d](https://github.com/acme/widgets/commit/a1b2c3d)). Details at https://example.com/x.", nil
	}}
	c := newTestComposer(s, Config{})

	d, err := c.Compose(context.Background(), fiveCommits(), report.FormattingOptions{Style: report.StyleStandard})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	body := d.Markdown()
	if strings.Contains(body, "http") {
		t.Errorf("expected no URLs in body:\n%s", body)
	}
	if !strings.Contains(d.Summary, "Export landed") {
		t.Errorf("summary text lost: %q", d.Summary)
	}
	if len(d.Sections) != 1 || len(d.Sections[0].Items) != 5 {
		t.Errorf("expected one section with every change, got %+v", d.Sections)
	}
}

func TestCompose_AuthorDisplay(t *testing.T) {
	c := newTestComposer(&recordingSummarizer{}, Config{})

	d, err := c.Compose(context.Background(), fiveCommits(), report.FormattingOptions{Style: report.StyleStandard, AuthorDisplay: true})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if d.Sections[0].Items[0].Author != "Ada Lovelace" {
		t.Errorf("expected author kept, got %q", d.Sections[0].Items[0].Author)
	}
	if !strings.Contains(d.Markdown(), "by Ada Lovelace") {
		t.Errorf("expected author in body")
	}
}

func TestCompose_SummaryStyleHasNoList(t *testing.T) {
	c := newTestComposer(&recordingSummarizer{}, Config{})

	d, err := c.Compose(context.Background(), fiveCommits(), report.FormattingOptions{Style: report.StyleSummary})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if len(d.Sections) != 0 {
		t.Errorf("expected no sections, got %d", len(d.Sections))
	}
	if d.ActivityCount != 5 || d.ConfigurationID != "cfg-1" || !d.GeneratedAt.Equal(generatedAt) {
		t.Errorf("unexpected header %+v", d.Header)
	}
}

// ============================================================================
// Size limits
// ============================================================================

func TestCompose_SingleItem(t *testing.T) {
	s := &recordingSummarizer{}
	c := newTestComposer(s, Config{})

	batch := fiveCommits()
	batch.Changes = batch.Changes[:1]
	d, err := c.Compose(context.Background(), batch, report.FormattingOptions{})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if s.calls() != 1 || d.ActivityCount != 1 {
		t.Errorf("expected one call and one item, got %d calls, %d items", s.calls(), d.ActivityCount)
	}
}

func TestCompose_LargeBatchIsChunkedAndMerged(t *testing.T) {
	s := &recordingSummarizer{}
	c := newTestComposer(s, Config{MaxInputBytes: 1024})

	batch := fiveCommits()
	batch.Changes = nil
	for i := 0; i < 400; i++ {
		batch.Changes = append(batch.Changes, activity.Change{
			ID:        strings.Repeat("f", 10),
			Title:     "fix: correct rounding in invoice totals for multi-currency carts",
			Timestamp: batch.Since.Add(time.Duration(i) * time.Second),
		})
	}

	d, err := c.Compose(context.Background(), batch, report.FormattingOptions{})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if s.calls() < 3 {
		t.Fatalf("expected several chunk calls plus a merge, got %d", s.calls())
	}
	for i, req := range s.requests {
		if len(req.Content) > 1024 {
			t.Errorf("request %d content is %d bytes", i, len(req.Content))
		}
	}
	last := s.requests[len(s.requests)-1]
	if !strings.Contains(last.Instructions, "Combine") {
		t.Errorf("expected final call to merge partial summaries")
	}
	if d.ActivityCount != 400 {
		t.Errorf("expected 400 items, got %d", d.ActivityCount)
	}
}

func TestCompose_OversizeItemIsTruncated(t *testing.T) {
	s := &recordingSummarizer{}
	c := newTestComposer(s, Config{MaxInputBytes: 512})

	batch := fiveCommits()
	batch.Changes = batch.Changes[:1]
	batch.Changes[0].Message = batch.Changes[0].Title + "\n\n" + strings.Repeat("é long body ", 500)

	if _, err := c.Compose(context.Background(), batch, report.FormattingOptions{}); err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if s.calls() != 1 {
		t.Fatalf("expected a single call, got %d", s.calls())
	}
	content := s.requests[0].Content
	if len(content) > 512 {
		t.Errorf("content is %d bytes", len(content))
	}
	if !strings.Contains(content, truncationMarker) {
		t.Errorf("expected truncation marker")
	}
}

func TestCompose_EmptyBatch(t *testing.T) {
	s := &recordingSummarizer{}
	c := newTestComposer(s, Config{})

	d, err := c.Compose(context.Background(), &activity.Batch{Branch: "main"}, report.FormattingOptions{OnNoUpdates: true})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if !d.NoActivity || s.calls() != 0 {
		t.Errorf("expected no-activity digest without summarizer calls")
	}

	if _, err := c.Compose(context.Background(), nil, report.FormattingOptions{}); !errors.Is(err, ErrSuppressed) {
		t.Errorf("expected ErrSuppressed for nil batch, got %v", err)
	}
}

// ============================================================================
// No updates and errors
// ============================================================================

func TestComposeNoUpdates(t *testing.T) {
	c := newTestComposer(&recordingSummarizer{}, Config{})
	header := Header{ConfigurationID: "cfg-1", Repository: "acme/widgets", Branch: "main"}

	d, err := c.ComposeNoUpdates(header, report.FormattingOptions{OnNoUpdates: true})
	if err != nil {
		t.Fatalf("ComposeNoUpdates failed: %v", err)
	}
	if !d.NoActivity || d.ActivityCount != 0 {
		t.Errorf("unexpected digest %+v", d)
	}
	if !strings.Contains(d.Markdown(), "No new activity on main") {
		t.Errorf("unexpected body:\n%s", d.Markdown())
	}

	_, err = c.ComposeNoUpdates(header, report.FormattingOptions{OnNoUpdates: false})
	if !errors.Is(err, ErrSuppressed) {
		t.Errorf("expected ErrSuppressed, got %v", err)
	}
}

func TestCompose_SummarizerErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"unclassified", errors.New("boom"), true},
		{"permanent provider error", &summarize.Error{Provider: "openai", StatusCode: 401, Err: errors.New("bad key")}, false},
		{"cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordingSummarizer{reply: func(summarize.Request) (string, error) { return "", tt.err }}
			c := newTestComposer(s, Config{})

			_, err := c.Compose(context.Background(), fiveCommits(), report.FormattingOptions{})
			var compErr *CompositionError
			if !errors.As(err, &compErr) {
				t.Fatalf("expected CompositionError, got %v", err)
			}
			if compErr.Retryable() != tt.retryable {
				t.Errorf("expected retryable=%v", tt.retryable)
			}
		})
	}
}

// slowLLM answers only after delay, or gives up when the caller does
func slowLLM(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(delay):
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"late"}}]}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCompose_CallTimeoutIsRetryable(t *testing.T) {
	server := slowLLM(t, 500*time.Millisecond)
	client, err := summarize.NewClient(summarize.Config{Provider: "openai", BaseURL: server.URL, Model: "gpt-test"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	c := newTestComposer(client, Config{CallTimeout: 50 * time.Millisecond})

	_, err = c.Compose(context.Background(), fiveCommits(), report.FormattingOptions{})
	var compErr *CompositionError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected CompositionError, got %v", err)
	}
	if !compErr.Retryable() {
		t.Errorf("expected a per-call timeout to be retryable: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestCompose_RunDeadlineIsNotRetryable(t *testing.T) {
	server := slowLLM(t, 500*time.Millisecond)
	client, err := summarize.NewClient(summarize.Config{Provider: "openai", BaseURL: server.URL, Model: "gpt-test"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	c := newTestComposer(client, Config{CallTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Compose(ctx, fiveCommits(), report.FormattingOptions{})
	var compErr *CompositionError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected CompositionError, got %v", err)
	}
	if compErr.Retryable() {
		t.Errorf("expected an expired run to stop retrying: %v", err)
	}
}

func TestCompose_RateLimitWaitPastCallTimeoutIsRetryable(t *testing.T) {
	server := slowLLM(t, 0)
	client, err := summarize.NewClient(summarize.Config{
		Provider: "openai", BaseURL: server.URL, Model: "gpt-test", RequestsPerMinute: 1,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	c := newTestComposer(client, Config{CallTimeout: 50 * time.Millisecond})

	// The first call spends the only token.
	if _, err := c.Compose(context.Background(), fiveCommits(), report.FormattingOptions{}); err != nil {
		t.Fatalf("first Compose failed: %v", err)
	}

	_, err = c.Compose(context.Background(), fiveCommits(), report.FormattingOptions{})
	var compErr *CompositionError
	if !errors.As(err, &compErr) || !compErr.Retryable() {
		t.Fatalf("expected retryable CompositionError, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		title   string
		kind    Kind
		subject string
	}{
		{"feat: add x", KindFeature, "add x"},
		{"feat(ui)!: drop IE", KindFeature, "drop IE"},
		{"fix(db): retry", KindFix, "retry"},
		{"perf: faster", KindRefactor, "faster"},
		{"ci: cache modules", KindChore, "cache modules"},
		{"Update README", KindOther, "Update README"},
		{"wip: stuff", KindOther, "wip: stuff"},
	}

	for _, tt := range tests {
		kind, subject := classify(tt.title)
		if kind != tt.kind || subject != tt.subject {
			t.Errorf("classify(%q) = %s, %q; want %s, %q", tt.title, kind, subject, tt.kind, tt.subject)
		}
	}
}

func TestAuthorScrubber(t *testing.T) {
	s := newAuthorScrubber([]activity.Change{{Author: "Al Xu", AuthorHandle: "alx", AuthorEmail: "al@x.io"}})

	got := s.Scrub("Also, Al Xu and @alx merged it; mail al@x.io or @someone.")
	if strings.Contains(got, "Al Xu") || strings.Contains(got, "alx") || strings.Contains(got, "al@x.io") || strings.Contains(got, "@someone") {
		t.Errorf("identities remain: %q", got)
	}
	if !strings.HasPrefix(got, "Also,") {
		t.Errorf("scrubbing must not touch ordinary words: %q", got)
	}
}
