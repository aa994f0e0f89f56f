package report

import (
	"fmt"
	"strings"
)

// Style controls the overall shape of a rendered digest
type Style int

const (
	StyleSummary   Style = iota // One paragraph overview
	StyleStandard                // Overview plus a list of changes
	StyleChangelog               // Changes grouped by kind
)

// String returns the stored representation of the style
func (s Style) String() string {
	switch s {
	case StyleSummary:
		return "summary"
	case StyleStandard:
		return "standard"
	case StyleChangelog:
		return "changelog"
	default:
		return "unknown"
	}
}

// ParseStyle maps a stored style value back to a Style
func ParseStyle(v string) (Style, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "summary":
		return StyleSummary, nil
	case "standard", "":
		return StyleStandard, nil
	case "changelog":
		return StyleChangelog, nil
	default:
		return StyleStandard, fmt.Errorf("unknown style %q", v)
	}
}

// Tone controls the voice the summarizer is asked to write in
type Tone int

const (
	ToneProfessional Tone = iota
	ToneInformative
	ToneFriendlyCasual
)

// String returns the stored representation of the tone
func (t Tone) String() string {
	switch t {
	case ToneProfessional:
		return "professional"
	case ToneInformative:
		return "informative"
	case ToneFriendlyCasual:
		return "friendly_casual"
	default:
		return "unknown"
	}
}

// ParseTone maps a stored tone value back to a Tone
func ParseTone(v string) (Tone, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "professional", "":
		return ToneProfessional, nil
	case "informative":
		return ToneInformative, nil
	case "friendly_casual", "friendly&casual", "friendly":
		return ToneFriendlyCasual, nil
	default:
		return ToneProfessional, fmt.Errorf("unknown tone %q", v)
	}
}

// FormattingOptions is the closed set of user formatting preferences
type FormattingOptions struct {
	Style         Style
	Tone          Tone
	AuthorDisplay bool // include author identities
	LinkToCommits bool // include a link for every change
	OnNoUpdates   bool // send an explicit notice when nothing happened
}

// DefaultFormattingOptions returns the options a new configuration starts with
func DefaultFormattingOptions() FormattingOptions {
	return FormattingOptions{
		Style:         StyleStandard,
		Tone:          ToneProfessional,
		AuthorDisplay: false,
		LinkToCommits: false,
		OnNoUpdates:   true,
	}
}

// ChannelType identifies the payload envelope a target expects
type ChannelType string

const (
	ChannelSlack   ChannelType = "slack"
	ChannelDiscord ChannelType = "discord"
	ChannelGeneric ChannelType = "generic"
)

// ParseChannelType validates a stored channel type
func ParseChannelType(v string) (ChannelType, error) {
	switch ChannelType(strings.ToLower(strings.TrimSpace(v))) {
	case ChannelSlack:
		return ChannelSlack, nil
	case ChannelDiscord:
		return ChannelDiscord, nil
	case ChannelGeneric, "":
		return ChannelGeneric, nil
	default:
		return ChannelGeneric, fmt.Errorf("unknown channel type %q", v)
	}
}

// Target is one delivery destination of a configuration
type Target struct {
	ID      string
	URL     string
	Channel ChannelType
}

// Configuration is a user's report configuration as the engine sees it.
// The engine never mutates it.
type Configuration struct {
	ID         string
	UserID     string
	Repository string // owner/name
	Branch     string
	Schedule   string // five-field cron expression
	Timezone   string // IANA zone name
	Enabled    bool
	Formatting FormattingOptions
	Targets    []Target
}
