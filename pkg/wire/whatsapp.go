package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/model"
)

// maxInlineButtons is the Cloud API's hard cap on interactive.button
// replies per message (spec.md §4.1(c)); anything beyond it must be
// sent as an interactive.list instead.
const maxInlineButtons = 3

// WhatsAppCodec implements Codec against the WhatsApp Business Cloud
// API (graph.facebook.com). It is the only codec required by spec.md —
// Telegram and Discord are additive.
type WhatsAppCodec struct {
	APIVersion string // e.g. "v21.0"
	httpClient *http.Client
}

func NewWhatsAppCodec(apiVersion string) *WhatsAppCodec {
	return &WhatsAppCodec{
		APIVersion: apiVersion,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *WhatsAppCodec) Name() string { return "whatsapp" }

// VerifyWebhook implements the Cloud API's GET subscription challenge:
// hub.mode=subscribe, hub.verify_token must match, echo hub.challenge.
func (c *WhatsAppCodec) VerifyWebhook(query map[string]string, verifyToken string) (string, bool) {
	if query["hub.mode"] != "subscribe" {
		return "", false
	}
	if query["hub.verify_token"] != verifyToken {
		return "", false
	}
	return query["hub.challenge"], true
}

type waWebhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
					Image *waMediaRef `json:"image"`
					Audio *waMediaRef `json:"audio"`
					Video *waMediaRef `json:"video"`
					Document *waMediaRef `json:"document"`
				} `json:"messages"`
				Statuses []struct {
					ID        string `json:"id"`
					Status    string `json:"status"`
					Timestamp string `json:"timestamp"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waMediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
}

var waStatusMap = map[string]model.MessageStatus{
	"sent":      model.MessageSent,
	"delivered": model.MessageDelivered,
	"read":      model.MessageRead,
	"failed":    model.MessageFailed,
}

func (c *WhatsAppCodec) ParseWebhook(body []byte) ([]InboundEvent, error) {
	var env waWebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse whatsapp webhook body", err)
	}

	var events []InboundEvent
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			connID := v.Metadata.PhoneNumberID

			contactName := ""
			if len(v.Contacts) > 0 {
				contactName = v.Contacts[0].Profile.Name
			}

			for _, m := range v.Messages {
				ts := parseUnixSeconds(m.Timestamp)
				ev := InboundEvent{
					ChannelConnectionID: connID,
					RemotePhone:         m.From,
					DisplayNumber:       v.Metadata.DisplayPhoneNumber,
					ContactName:         contactName,
					ProviderMessageID:   m.ID,
					Timestamp:           ts,
				}
				switch m.Type {
				case "text":
					ev.Text = m.Text.Body
				case "image":
					ev.MediaType = model.AttachmentImage
					if m.Image != nil {
						ev.MediaURL = m.Image.ID
					}
				case "audio":
					ev.MediaType = model.AttachmentAudio
					if m.Audio != nil {
						ev.MediaURL = m.Audio.ID
					}
				case "video":
					ev.MediaType = model.AttachmentVideo
					if m.Video != nil {
						ev.MediaURL = m.Video.ID
					}
				case "document":
					ev.MediaType = model.AttachmentDocument
					if m.Document != nil {
						ev.MediaURL = m.Document.ID
					}
				}
				events = append(events, ev)
			}

			for _, st := range v.Statuses {
				status, ok := waStatusMap[st.Status]
				if !ok {
					continue
				}
				events = append(events, InboundEvent{
					ChannelConnectionID: connID,
					Timestamp:           parseUnixSeconds(st.Timestamp),
					Status: &StatusUpdate{
						ProviderMessageID: st.ID,
						Status:            status,
					},
				})
			}
		}
	}
	return events, nil
}

func parseUnixSeconds(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(n, 0).UTC()
}

func (c *WhatsAppCodec) Send(conn *model.ChannelConnection, accessToken string, msg OutboundMessage) (string, error) {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                msg.RemotePhone,
	}

	switch {
	case len(msg.Buttons) > maxInlineButtons:
		// spec.md §4.1(c): more than 3 options overflow into a single
		// interactive list message rather than being rejected outright
		// or silently truncated — the Cloud API itself rejects an
		// interactive.button payload carrying more than 3 buttons.
		rows := make([]map[string]interface{}, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			rows = append(rows, map[string]interface{}{
				"id":    b.ID,
				"title": b.Title,
			})
		}
		payload["type"] = "interactive"
		payload["interactive"] = map[string]interface{}{
			"type": "list",
			"body": map[string]string{"text": msg.Text},
			"action": map[string]interface{}{
				"button":   "Options",
				"sections": []map[string]interface{}{{"rows": rows}},
			},
		}

	case len(msg.Buttons) > 0:
		buttons := make([]map[string]interface{}, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			buttons = append(buttons, map[string]interface{}{
				"type": "reply",
				"reply": map[string]string{
					"id":    b.ID,
					"title": b.Title,
				},
			})
		}
		payload["type"] = "interactive"
		payload["interactive"] = map[string]interface{}{
			"type": "button",
			"body": map[string]string{"text": msg.Text},
			"action": map[string]interface{}{
				"buttons": buttons,
			},
		}
	case msg.TemplateName != "":
		components := []map[string]interface{}{}
		if len(msg.TemplateParams) > 0 {
			params := make([]map[string]string, 0, len(msg.TemplateParams))
			for _, v := range msg.TemplateParams {
				params = append(params, map[string]string{"type": "text", "text": v})
			}
			components = append(components, map[string]interface{}{
				"type":       "body",
				"parameters": params,
			})
		}
		payload["type"] = "template"
		payload["template"] = map[string]interface{}{
			"name":       msg.TemplateName,
			"language":   map[string]string{"code": "en_US"},
			"components": components,
		}
	case msg.MediaURL != "":
		payload["type"] = string(msg.MediaType)
		payload[string(msg.MediaType)] = map[string]string{"link": msg.MediaURL}
	default:
		payload["type"] = "text"
		payload["text"] = map[string]string{"body": msg.Text}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "marshal whatsapp send payload", err)
	}

	url := fmt.Sprintf("https://graph.facebook.com/%s/%s/messages", c.APIVersion, conn.ProviderPhoneID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "build whatsapp send request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.KindNetwork, "whatsapp send request", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", errs.RateLimited("whatsapp API rate limited", 30*time.Second)
	}
	if resp.StatusCode >= 500 {
		return "", errs.New(errs.KindUpstream, fmt.Sprintf("whatsapp send returned %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode >= 400 {
		return "", errs.New(errs.KindValidation, fmt.Sprintf("whatsapp send rejected %d: %s", resp.StatusCode, respBody))
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", errs.Wrap(errs.KindUpstream, "decode whatsapp send response", err)
	}
	if len(result.Messages) == 0 {
		return "", errs.New(errs.KindUpstream, "whatsapp send response had no message id")
	}
	return result.Messages[0].ID, nil
}
