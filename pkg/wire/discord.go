package wire

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/model"
)

// DiscordCodec is the second EXPANSION secondary channel: a
// ChannelConnection backed by a Discord bot token and channel id,
// behind the same Codec contract as WhatsApp and Telegram.
type DiscordCodec struct{}

func NewDiscordCodec() *DiscordCodec { return &DiscordCodec{} }

func (c *DiscordCodec) Name() string { return "discord" }

// VerifyWebhook: Discord delivers events over a gateway websocket
// connection rather than an inbound webhook, so there is no
// subscription handshake at this layer — always ok.
func (c *DiscordCodec) VerifyWebhook(query map[string]string, verifyToken string) (string, bool) {
	return "", true
}

// discordGatewayEvent is the shape forwarded internally once the
// gateway session (held by cmd/wadeskd, not this codec) receives a
// MessageCreate event and re-serializes it for ParseWebhook.
type discordGatewayEvent struct {
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Username  string `json:"username"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Attachment *struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	} `json:"attachment"`
}

func (c *DiscordCodec) ParseWebhook(body []byte) ([]InboundEvent, error) {
	var e discordGatewayEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse discord gateway event", err)
	}

	ev := InboundEvent{
		RemotePhone:       e.ChannelID,
		ContactName:       e.Username,
		ProviderMessageID: e.MessageID,
		Text:              e.Content,
		Timestamp:         time.Unix(e.Timestamp, 0).UTC(),
	}
	if e.Attachment != nil {
		ev.MediaURL = e.Attachment.URL
		ev.MediaType = model.AttachmentDocument
	}
	return []InboundEvent{ev}, nil
}

func (c *DiscordCodec) Send(conn *model.ChannelConnection, accessToken string, msg OutboundMessage) (string, error) {
	session, err := discordgo.New("Bot " + accessToken)
	if err != nil {
		return "", errs.Wrap(errs.KindConfig, "init discord session", err)
	}

	var sent *discordgo.Message
	if len(msg.Buttons) > 0 {
		row := discordgo.ActionsRow{}
		for _, b := range msg.Buttons {
			row.Components = append(row.Components, discordgo.Button{
				Label:    b.Title,
				Style:    discordgo.PrimaryButton,
				CustomID: b.ID,
			})
		}
		sent, err = session.ChannelMessageSendComplex(msg.RemotePhone, &discordgo.MessageSend{
			Content:    msg.Text,
			Components: []discordgo.MessageComponent{row},
		})
	} else {
		sent, err = session.ChannelMessageSend(msg.RemotePhone, msg.Text)
	}
	if err != nil {
		return "", errs.Wrap(errs.KindUpstream, "discord send message", err)
	}
	return sent.ID, nil
}
