package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/model"
)

// TelegramCodec is a secondary channel adapter satisfying the same
// Codec contract as WhatsApp, so the engine and queue stay
// channel-agnostic. Entry-flow resolution in pkg/flowcat is keyed by
// channel connection id alone and does not distinguish channels.
type TelegramCodec struct{}

func NewTelegramCodec() *TelegramCodec { return &TelegramCodec{} }

func (c *TelegramCodec) Name() string { return "telegram" }

// VerifyWebhook: Telegram has no GET verification handshake — the bot
// token itself, embedded in the webhook URL path, is the secret. This
// always reports ok so the HTTP layer can proceed straight to POST
// handling for this codec.
func (c *TelegramCodec) VerifyWebhook(query map[string]string, verifyToken string) (string, bool) {
	return "", true
}

func (c *TelegramCodec) ParseWebhook(body []byte) ([]InboundEvent, error) {
	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse telegram update", err)
	}
	if update.Message == nil {
		return nil, nil
	}
	m := update.Message

	ev := InboundEvent{
		RemotePhone:       strconv.FormatInt(m.Chat.ID, 10),
		ContactName:       telegramDisplayName(m),
		ProviderMessageID: strconv.Itoa(m.MessageID),
		Text:              m.Text,
		Timestamp:         time.Unix(int64(m.Date), 0).UTC(),
	}

	switch {
	case m.Photo != nil && len(m.Photo) > 0:
		ev.MediaType = model.AttachmentImage
		ev.MediaURL = m.Photo[len(m.Photo)-1].FileID
	case m.Voice != nil:
		ev.MediaType = model.AttachmentAudio
		ev.MediaURL = m.Voice.FileID
	case m.Video != nil:
		ev.MediaType = model.AttachmentVideo
		ev.MediaURL = m.Video.FileID
	case m.Document != nil:
		ev.MediaType = model.AttachmentDocument
		ev.MediaURL = m.Document.FileID
	}

	return []InboundEvent{ev}, nil
}

func telegramDisplayName(m *telego.Message) string {
	if m.From == nil {
		return ""
	}
	name := m.From.FirstName
	if m.From.LastName != "" {
		name += " " + m.From.LastName
	}
	return name
}

func (c *TelegramCodec) Send(conn *model.ChannelConnection, accessToken string, msg OutboundMessage) (string, error) {
	bot, err := telego.NewBot(accessToken)
	if err != nil {
		return "", errs.Wrap(errs.KindConfig, "init telegram bot client", err)
	}

	chatID, err := strconv.ParseInt(msg.RemotePhone, 10, 64)
	if err != nil {
		return "", errs.New(errs.KindValidation, fmt.Sprintf("telegram chat id %q is not numeric", msg.RemotePhone))
	}

	params := tu.Message(tu.ID(chatID), msg.Text)
	if len(msg.Buttons) > 0 {
		rows := make([][]telego.InlineKeyboardButton, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			rows = append(rows, []telego.InlineKeyboardButton{tu.InlineKeyboardButton(b.Title).WithCallbackData(b.ID)})
		}
		params.ReplyMarkup = tu.InlineKeyboard(rows...)
	}

	sent, err := bot.SendMessage(context.Background(), params)
	if err != nil {
		return "", errs.Wrap(errs.KindUpstream, "telegram send message", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}
