package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/bwmarrin/discordgo"
)

const (
	colorReady   = 0x00CC66
	colorWarning = 0xFF9900
	colorInfo    = 0x3399FF
)

// DiscordSession abstracts the discordgo.Session methods the notifier
// uses so tests need no Discord API.
type DiscordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts operator-facing events to a channel: the next
// battery to pull and batteries docked without a scan.
type DiscordNotifier struct {
	session   DiscordSession
	channelID string
	station   string
}

// NewDiscordNotifier creates a notifier with a real bot session. Sending
// embeds only uses the REST API, so no gateway connection is opened.
func NewDiscordNotifier(token, channelID, station string) (*DiscordNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return NewDiscordNotifierWithSession(dg, channelID, station), nil
}

// NewDiscordNotifierWithSession creates a notifier with an injected session (for testing).
func NewDiscordNotifierWithSession(session DiscordSession, channelID, station string) *DiscordNotifier {
	return &DiscordNotifier{session: session, channelID: channelID, station: station}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Handle(ctx context.Context, ev shared.SessionEvent) error {
	embed := d.embedFor(ev)
	if embed == nil {
		return nil
	}
	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send discord embed: %w", err)
	}
	return nil
}

func (d *DiscordNotifier) embedFor(ev shared.SessionEvent) *discordgo.MessageEmbed {
	var embed *discordgo.MessageEmbed
	switch ev.Type {
	case shared.EventNextChanged:
		if !ev.HasCandidate {
			return nil
		}
		embed = &discordgo.MessageEmbed{
			Title: "Battery ready",
			Color: colorReady,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Slot", Value: fmt.Sprintf("%d", ev.SlotID), Inline: true},
				{Name: "Battery", Value: orDash(ev.Identifier), Inline: true},
			},
		}
	case shared.EventSlotUnmatched:
		embed = &discordgo.MessageEmbed{
			Title:       "Unidentified battery",
			Description: fmt.Sprintf("Slot %d is occupied but no scan matched it. Remove the battery and scan it again.", ev.SlotID),
			Color:       colorWarning,
		}
	case shared.EventSessionClosed:
		if ev.Session == nil || !ev.Counted {
			return nil
		}
		embed = &discordgo.MessageEmbed{
			Title: "Charge cycle complete",
			Color: colorInfo,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Battery", Value: orDash(ev.Identifier), Inline: true},
				{Name: "Slot", Value: fmt.Sprintf("%d", ev.SlotID), Inline: true},
				{Name: "Duration", Value: formatSeconds(ev.Session.DurationSeconds), Inline: true},
			},
		}
	default:
		return nil
	}

	if d.station != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: d.station}
	}
	if !ev.OccurredAt.IsZero() {
		embed.Timestamp = ev.OccurredAt.UTC().Format(time.RFC3339)
	}
	return embed
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatSeconds(seconds *int64) string {
	if seconds == nil {
		return "-"
	}
	return (time.Duration(*seconds) * time.Second).String()
}
