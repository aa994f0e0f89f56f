package delivery

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/livinlefevreloca/digestd/internal/digest"
	"github.com/livinlefevreloca/digestd/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDigest() *digest.Digest {
	return &digest.Digest{
		Header: digest.Header{
			ConfigurationID: "cfg-1",
			Repository:      "acme/widgets",
			Branch:          "main",
			Since:           time.Date(2024, 3, 11, 13, 0, 0, 0, time.UTC),
			Until:           time.Date(2024, 3, 12, 13, 0, 0, 0, time.UTC),
			ActivityCount:   2,
			GeneratedAt:     time.Date(2024, 3, 12, 13, 0, 4, 0, time.UTC),
		},
		Style:   report.StyleChangelog,
		Summary: "Export shipped & a cart bug <fixed>.",
		Sections: []digest.Section{
			{Title: "new features", Items: []digest.Item{
				{ID: "a1b2c3d4e5", Kind: digest.KindFeature, Title: "add export", URL: "https://github.com/acme/widgets/commit/a1b2c3d4e5"},
			}},
			{Title: "bug fixes", Items: []digest.Item{
				{ID: "b2c3d4e5f6", Kind: digest.KindFix, Title: "handle empty cart"},
			}},
		},
	}
}

func TestFormatterFor(t *testing.T) {
	assert.IsType(t, SlackFormatter{}, FormatterFor(report.ChannelSlack))
	assert.IsType(t, DiscordFormatter{}, FormatterFor(report.ChannelDiscord))
	assert.IsType(t, GenericFormatter{}, FormatterFor(report.ChannelGeneric))
	assert.IsType(t, GenericFormatter{}, FormatterFor("carrier-pigeon"))
}

func TestSlackFormatter(t *testing.T) {
	raw, err := SlackFormatter{}.Format(sampleDigest())
	require.NoError(t, err)

	var msg slackMessage
	require.NoError(t, json.Unmarshal(raw, &msg))

	assert.Equal(t, "acme/widgets (main) digest", msg.Text)
	require.Len(t, msg.Blocks, 5)
	assert.Equal(t, "header", msg.Blocks[0].Type)
	assert.Equal(t, "plain_text", msg.Blocks[0].Text.Type)
	assert.Equal(t, "context", msg.Blocks[1].Type)
	assert.Contains(t, msg.Blocks[1].Elements[0].Text, "2 changes")

	assert.Equal(t, "Export shipped &amp; a cart bug &lt;fixed&gt;.", msg.Blocks[2].Text.Text)
	assert.Equal(t, "mrkdwn", msg.Blocks[3].Text.Type)
	assert.Equal(t, "*New Features*\n• add export (<https://github.com/acme/widgets/commit/a1b2c3d4e5|a1b2c3d>)", msg.Blocks[3].Text.Text)
	assert.Equal(t, "*Bug Fixes*\n• handle empty cart", msg.Blocks[4].Text.Text)
}

func TestSlackFormatter_SplitsLongSections(t *testing.T) {
	d := sampleDigest()
	var items []digest.Item
	for i := 0; i < 200; i++ {
		items = append(items, digest.Item{Title: strings.Repeat("x", 40)})
	}
	d.Sections = []digest.Section{{Title: "changes", Items: items}}

	raw, err := SlackFormatter{}.Format(d)
	require.NoError(t, err)

	var msg slackMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Greater(t, len(msg.Blocks), 4)
	for _, b := range msg.Blocks {
		if b.Type == "section" {
			assert.LessOrEqual(t, len([]rune(b.Text.Text)), slackSectionLimit)
		}
	}
}

func TestDiscordFormatter(t *testing.T) {
	raw, err := DiscordFormatter{}.Format(sampleDigest())
	require.NoError(t, err)

	var msg discordMessage
	require.NoError(t, json.Unmarshal(raw, &msg))

	assert.Equal(t, "acme/widgets (main) digest", msg.Content)
	require.Len(t, msg.Embeds, 1)
	embed := msg.Embeds[0]
	assert.Equal(t, "acme/widgets (main) digest", embed.Title)
	assert.Equal(t, "Export shipped & a cart bug <fixed>.", embed.Description)
	assert.Equal(t, "2024-03-12T13:00:04Z", embed.Timestamp)
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "New Features", embed.Fields[0].Name)
	assert.Equal(t, "• add export ([a1b2c3d](https://github.com/acme/widgets/commit/a1b2c3d4e5))", embed.Fields[0].Value)
	require.NotNil(t, embed.Footer)
	assert.Contains(t, embed.Footer.Text, "2 changes")
}

func TestDiscordFormatter_ClipsDescription(t *testing.T) {
	d := sampleDigest()
	d.Summary = strings.Repeat("ü", discordDescLimit+100)

	raw, err := DiscordFormatter{}.Format(d)
	require.NoError(t, err)

	var msg discordMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Len(t, []rune(msg.Embeds[0].Description), discordDescLimit)
}

func TestGenericFormatter(t *testing.T) {
	raw, err := GenericFormatter{}.Format(sampleDigest())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))

	assert.Equal(t, "cfg-1", got["configuration_id"])
	assert.Equal(t, float64(2), got["activity_count"])
	assert.Equal(t, false, got["no_activity"])
	assert.Equal(t, "changelog", got["style"])
	window := got["window"].(map[string]any)
	assert.Equal(t, "2024-03-11T13:00:00Z", window["since"])
	assert.Equal(t, "2024-03-12T13:00:00Z", window["until"])
	assert.Contains(t, got["body"], "Export shipped")

	sections := got["sections"].([]any)
	require.Len(t, sections, 2)
	first := sections[0].(map[string]any)
	assert.Equal(t, "new features", first["title"])
}

func TestGenericFormatter_NoActivity(t *testing.T) {
	d := &digest.Digest{
		Header:     digest.Header{ConfigurationID: "cfg-1", Repository: "acme/widgets", Until: time.Unix(0, 0)},
		Summary:    "No new activity on main since the last digest.",
		NoActivity: true,
	}

	raw, err := GenericFormatter{}.Format(d)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, true, got["no_activity"])
	assert.Nil(t, got["window"].(map[string]any)["since"])
	assert.Empty(t, got["sections"])
}

func TestFormattersAreDeterministic(t *testing.T) {
	for _, f := range []Formatter{SlackFormatter{}, DiscordFormatter{}, GenericFormatter{}} {
		a, err := f.Format(sampleDigest())
		require.NoError(t, err)
		b, err := f.Format(sampleDigest())
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b))
	}
}
