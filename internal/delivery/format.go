package delivery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/livinlefevreloca/digestd/internal/digest"
	"github.com/livinlefevreloca/digestd/internal/report"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Channel payload limits
const (
	slackSectionLimit   = 3000
	slackHeaderLimit    = 150
	slackMaxBlocks      = 50
	discordTitleLimit   = 256
	discordDescLimit    = 4096
	discordFieldLimit   = 1024
	discordMaxFields    = 25
	discordFieldNameLim = 256
)

var titleCase = cases.Title(language.English)

// Formatter maps a digest to a channel's wire payload. Implementations are
// pure: the same digest always yields the same bytes.
type Formatter interface {
	Format(d *digest.Digest) ([]byte, error)
}

// FormatterFor returns the formatter of a channel type
func FormatterFor(ch report.ChannelType) Formatter {
	switch ch {
	case report.ChannelSlack:
		return SlackFormatter{}
	case report.ChannelDiscord:
		return DiscordFormatter{}
	default:
		return GenericFormatter{}
	}
}

// ============================================================================
// Slack
// ============================================================================

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// SlackFormatter renders Block Kit messages for incoming webhooks
type SlackFormatter struct{}

func (SlackFormatter) Format(d *digest.Digest) ([]byte, error) {
	msg := slackMessage{
		Text: d.Title(),
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: clip(d.Title(), slackHeaderLimit)}},
			{Type: "context", Elements: []slackText{{Type: "mrkdwn", Text: footer(d)}}},
		},
	}

	if d.Summary != "" {
		for _, part := range split(slackEscape(d.Summary), slackSectionLimit) {
			msg.Blocks = append(msg.Blocks, slackSection(part))
		}
	}

	for _, s := range d.Sections {
		lines := make([]string, 0, len(s.Items)+1)
		lines = append(lines, "*"+titleCase.String(s.Title)+"*")
		for _, it := range s.Items {
			lines = append(lines, "• "+slackItem(it))
		}
		for _, part := range split(strings.Join(lines, "\n"), slackSectionLimit) {
			msg.Blocks = append(msg.Blocks, slackSection(part))
		}
	}

	if len(msg.Blocks) > slackMaxBlocks {
		msg.Blocks = append(msg.Blocks[:slackMaxBlocks-1],
			slackSection(fmt.Sprintf("_%d more changes not shown_", d.ActivityCount)))
	}

	return json.Marshal(msg)
}

func slackSection(text string) slackBlock {
	return slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: text}}
}

func slackItem(it digest.Item) string {
	var b strings.Builder
	b.WriteString(slackEscape(it.Title))
	if it.Author != "" {
		b.WriteString(" by ")
		b.WriteString(slackEscape(it.Author))
	}
	if it.URL != "" {
		fmt.Fprintf(&b, " (<%s|%s>)", it.URL, shortRef(it))
	}
	return b.String()
}

// slackEscape escapes the three characters mrkdwn treats as control
func slackEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// ============================================================================
// Discord
// ============================================================================

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordMessage struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

// DiscordFormatter renders an embed for Discord webhooks
type DiscordFormatter struct{}

func (DiscordFormatter) Format(d *digest.Digest) ([]byte, error) {
	embed := discordEmbed{
		Title:       clip(d.Title(), discordTitleLimit),
		Description: clip(d.Summary, discordDescLimit),
		Footer:      &discordFooter{Text: footer(d)},
	}
	if !d.GeneratedAt.IsZero() {
		embed.Timestamp = d.GeneratedAt.UTC().Format(time.RFC3339)
	}

	for _, s := range d.Sections {
		name := titleCase.String(s.Title)
		lines := make([]string, 0, len(s.Items))
		for _, it := range s.Items {
			lines = append(lines, "• "+discordItem(it))
		}
		for i, part := range split(strings.Join(lines, "\n"), discordFieldLimit) {
			fieldName := name
			if i > 0 {
				fieldName = name + " (cont.)"
			}
			embed.Fields = append(embed.Fields, discordField{Name: clip(fieldName, discordFieldNameLim), Value: part})
		}
	}
	if len(embed.Fields) > discordMaxFields {
		embed.Fields = embed.Fields[:discordMaxFields]
	}

	return json.Marshal(discordMessage{
		Content: d.Title(),
		Embeds:  []discordEmbed{embed},
	})
}

func discordItem(it digest.Item) string {
	var b strings.Builder
	b.WriteString(it.Title)
	if it.Author != "" {
		b.WriteString(" by ")
		b.WriteString(it.Author)
	}
	if it.URL != "" {
		fmt.Fprintf(&b, " ([%s](%s))", shortRef(it), it.URL)
	}
	return b.String()
}

// ============================================================================
// Generic
// ============================================================================

type genericItem struct {
	ID     string `json:"id,omitempty"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
	URL    string `json:"url,omitempty"`
}

type genericSection struct {
	Title string        `json:"title"`
	Items []genericItem `json:"items"`
}

type genericWindow struct {
	Since *time.Time `json:"since"`
	Until time.Time  `json:"until"`
}

type genericPayload struct {
	ConfigurationID string           `json:"configuration_id"`
	Repository      string           `json:"repository"`
	Branch          string           `json:"branch"`
	Title           string           `json:"title"`
	Window          genericWindow    `json:"window"`
	ActivityCount   int              `json:"activity_count"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Style           string           `json:"style"`
	Summary         string           `json:"summary"`
	Body            string           `json:"body"`
	Sections        []genericSection `json:"sections"`
	NoActivity      bool             `json:"no_activity"`
}

// GenericFormatter renders a plain structured JSON document
type GenericFormatter struct{}

func (GenericFormatter) Format(d *digest.Digest) ([]byte, error) {
	p := genericPayload{
		ConfigurationID: d.ConfigurationID,
		Repository:      d.Repository,
		Branch:          d.Branch,
		Title:           d.Title(),
		Window:          genericWindow{Until: d.Until.UTC()},
		ActivityCount:   d.ActivityCount,
		GeneratedAt:     d.GeneratedAt.UTC(),
		Style:           d.Style.String(),
		Summary:         d.Summary,
		Body:            d.Markdown(),
		Sections:        []genericSection{},
		NoActivity:      d.NoActivity,
	}
	if !d.Since.IsZero() {
		since := d.Since.UTC()
		p.Window.Since = &since
	}
	for _, s := range d.Sections {
		gs := genericSection{Title: s.Title, Items: make([]genericItem, 0, len(s.Items))}
		for _, it := range s.Items {
			gs.Items = append(gs.Items, genericItem{
				ID: it.ID, Kind: string(it.Kind), Title: it.Title, Author: it.Author, URL: it.URL,
			})
		}
		p.Sections = append(p.Sections, gs)
	}
	return json.Marshal(p)
}

// ============================================================================
// Helpers
// ============================================================================

func footer(d *digest.Digest) string {
	if d.NoActivity {
		return d.Window() + " · no new activity"
	}
	noun := "changes"
	if d.ActivityCount == 1 {
		noun = "change"
	}
	return fmt.Sprintf("%s · %d %s", d.Window(), d.ActivityCount, noun)
}

func shortRef(it digest.Item) string {
	if len(it.ID) > 7 {
		return it.ID[:7]
	}
	if it.ID == "" {
		return "link"
	}
	return it.ID
}

// clip shortens s to at most limit runes
func clip(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

// split breaks text into pieces of at most limit runes, preferring line
// boundaries
func split(text string, limit int) []string {
	if len([]rune(text)) <= limit {
		return []string{text}
	}
	var parts []string
	var cur []string
	curLen := 0
	for _, line := range strings.Split(text, "\n") {
		n := len([]rune(line))
		if n > limit {
			line = clip(line, limit)
			n = limit
		}
		if curLen > 0 && curLen+1+n > limit {
			parts = append(parts, strings.Join(cur, "\n"))
			cur, curLen = nil, 0
		}
		if curLen > 0 {
			curLen++
		}
		cur = append(cur, line)
		curLen += n
	}
	if len(cur) > 0 {
		parts = append(parts, strings.Join(cur, "\n"))
	}
	return parts
}
