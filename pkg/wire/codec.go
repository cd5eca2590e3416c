// Package wire translates between the core's channel-agnostic message
// model and each messaging provider's wire format. WhatsAppCodec is the
// spec-required primary implementation (spec.md §1/§4 C1); Telegram and
// Discord satisfy the same interface as secondary channels, so the
// rest of the system does not care which provider is on the other end.
package wire

import (
	"time"

	"github.com/sipeed/wadesk/pkg/model"
)

// InboundEvent is one normalized event parsed out of a provider
// webhook delivery — either a new message or a delivery-status update.
type InboundEvent struct {
	ChannelConnectionID string
	RemotePhone         string // provider-specific remote identifier (phone, chat id, ...)
	DisplayNumber       string
	ContactName         string
	ProviderMessageID   string
	Text                string
	MediaURL            string
	MediaType           model.AttachmentType
	Timestamp           time.Time
	Status              *StatusUpdate
}

// StatusUpdate reports a provider-side delivery status change for a
// message the core previously sent.
type StatusUpdate struct {
	ProviderMessageID string
	Status            model.MessageStatus
}

// Button is one quick-reply option in an OutboundMessage with buttons.
type Button struct {
	ID    string
	Title string
}

// OutboundMessage is the channel-agnostic payload a Codec turns into a
// provider-specific send call.
type OutboundMessage struct {
	RemotePhone    string
	Text           string
	MediaURL       string
	MediaType      model.AttachmentType
	Buttons        []Button
	TemplateName   string
	TemplateParams map[string]string
}

// Codec is the contract every wire-format adapter implements. Outbound
// sends look the codec up by the conversation's Channel field; the
// engine and queue never import a concrete codec package directly.
type Codec interface {
	Name() string

	// VerifyWebhook answers the provider's subscription-verification
	// handshake. ok is false if the request doesn't match this codec's
	// verify token.
	VerifyWebhook(query map[string]string, verifyToken string) (challenge string, ok bool)

	// ParseWebhook decodes one webhook delivery body into zero or more
	// normalized events.
	ParseWebhook(body []byte) ([]InboundEvent, error)

	// Send delivers an outbound message over the provider's API using
	// the channel connection's decrypted credentials, returning the
	// provider's message id for later status correlation.
	Send(conn *model.ChannelConnection, accessToken string, msg OutboundMessage) (providerMessageID string, err error)
}

// Registry resolves a channel connection's codec by name.
type Registry struct {
	codecs map[string]Codec
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

func (r *Registry) Register(c Codec) {
	r.codecs[c.Name()] = c
}

func (r *Registry) Get(name string) (Codec, bool) {
	c, ok := r.codecs[name]
	return c, ok
}
