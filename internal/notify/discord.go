package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// discordSender abstracts the discordgo.Session method we use, enabling test mocks.
type discordSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts events as embeds over the REST API. No gateway connection
// is opened.
type Discord struct {
	sess      discordSender
	channelID string
}

// NewDiscord returns a Discord notifier using a bot token.
func NewDiscord(botToken, channelID string) (*Discord, error) {
	sess, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return &Discord{sess: sess, channelID: channelID}, nil
}

// Notify implements Notifier.
func (d *Discord) Notify(ctx context.Context, ev Event) error {
	embed := &discordgo.MessageEmbed{
		Title:       ev.TicketKey + ": " + ev.Title,
		URL:         ev.URL,
		Description: ev.Body,
		Color:       parseHexColor(colorFor(ev.Kind)),
		Footer:      &discordgo.MessageEmbedFooter{Text: ev.TenantID + " · " + ev.JobID},
	}
	for _, f := range ev.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: true})
	}
	_, err := d.sess.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}

// parseHexColor converts "#rrggbb" to the integer Discord expects.
func parseHexColor(hex string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}
