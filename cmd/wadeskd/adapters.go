package main

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/secrets"
	"github.com/sipeed/wadesk/pkg/store"
	"github.com/sipeed/wadesk/pkg/wire"
)

// connResolver satisfies both pkg/engine.ConnResolver and
// pkg/scheduler.ConnResolver, which are structurally identical — one
// adapter wired once at startup serves both.
type connResolver struct {
	db *store.Store
}

func (r *connResolver) ResolveConnection(conv *model.Conversation) (*model.ChannelConnection, string, error) {
	conn, err := r.db.GetChannelConnection(conv.ChannelConnectionID)
	if err != nil {
		return nil, "", err
	}
	return conn, conv.Channel, nil
}

// tokenResolver decrypts a channel connection's access token on
// demand; nothing caches the plaintext beyond the single outbound call
// that needed it.
type tokenResolver struct {
	secrets *secrets.Store
}

func (r *tokenResolver) AccessToken(conn *model.ChannelConnection) (string, error) {
	if len(conn.AccessTokenEnc) == 0 {
		return "", fmt.Errorf("channel connection %s has no access token configured", conn.ID)
	}
	plaintext, err := r.secrets.DecryptBlob(conn.AccessTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt access token for connection %s: %w", conn.ID, err)
	}
	return string(plaintext), nil
}

// verifyToken decrypts a channel connection's webhook verify token,
// used only during the GET subscription handshake.
func verifyToken(secretsStore *secrets.Store, conn *model.ChannelConnection) (string, error) {
	if len(conn.VerifyTokenEnc) == 0 {
		return "", fmt.Errorf("channel connection %s has no verify token configured", conn.ID)
	}
	plaintext, err := secretsStore.DecryptBlob(conn.VerifyTokenEnc)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// crmPhones implements pkg/crm.ConversationPhones over the store.
type crmPhones struct {
	db *store.Store
}

func (p *crmPhones) RemotePhone(conversationID string) (string, error) {
	conv, err := p.db.GetConversation(conversationID)
	if err != nil {
		return "", err
	}
	return conv.RemotePhone, nil
}

// gateway is the single outbound send path every component above the
// wire codecs goes through — pkg/engine.sendOutbound does the same
// resolve-connection/resolve-codec/send/append sequence internally,
// but that method isn't exported, and pkg/agent and pkg/tools both
// need an equivalent send path of their own since they sit outside the
// engine.
type gateway struct {
	db     *store.Store
	codecs *wire.Registry
	conns  *connResolver
	tokens *tokenResolver
}

func (g *gateway) send(conversationID string, msg wire.OutboundMessage, msgType model.MessageType) error {
	conv, err := g.db.GetConversation(conversationID)
	if err != nil {
		return err
	}
	msg.RemotePhone = conv.RemotePhone

	conn, codecName, err := g.conns.ResolveConnection(conv)
	if err != nil {
		return err
	}
	codec, ok := g.codecs.Get(codecName)
	if !ok {
		return fmt.Errorf("no codec registered for %q", codecName)
	}
	token, err := g.tokens.AccessToken(conn)
	if err != nil {
		return err
	}

	providerMsgID, sendErr := codec.Send(conn, token, msg)
	status := model.MessageSent
	if sendErr != nil {
		status = model.MessageFailed
	}
	appendErr := g.db.AppendMessage(&model.Message{
		ConversationID: conversationID,
		Direction:      model.DirectionOut,
		Type:           msgType,
		Text:           msg.Text,
		MediaURL:       msg.MediaURL,
		Status:         status,
		Timestamp:      time.Now().UTC(),
		ProviderMsgID:  providerMsgID,
	})
	if sendErr != nil {
		return fmt.Errorf("send via %s: %w", codecName, sendErr)
	}
	return appendErr
}

// SendText implements pkg/agent.Sender.
func (g *gateway) SendText(conversationID, text string) error {
	return g.send(conversationID, wire.OutboundMessage{Text: text}, model.MessageText)
}

// SendMedia implements pkg/tools.OutboundSender.
func (g *gateway) SendMedia(conversationID, mediaURL, caption string) error {
	return g.send(conversationID, wire.OutboundMessage{MediaURL: mediaURL, Text: caption}, model.MessageMedia)
}

// realtimeAuthenticator resolves a realtime bearer token to an advisor
// id. spec.md §4.9 names only "bearer token matching a per-deployment
// key" — there's no per-advisor credential/session concept anywhere
// else in the store, so a token is taken to be "<advisor_id>:<shared
// key>"; the shared key is cfg.RealtimeAuthKey, checked with constant
// time comparison, and the advisor id must resolve to a real row.
type realtimeAuthenticator struct {
	db      *store.Store
	sharedKey string
}

func (a *realtimeAuthenticator) Authenticate(token string) (string, error) {
	advisorID, key, ok := splitToken(token)
	if !ok || key == "" || a.sharedKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(a.sharedKey)) != 1 {
		return "", fmt.Errorf("realtime: invalid credentials")
	}
	if _, err := a.db.GetAdvisor(advisorID); err != nil {
		return "", fmt.Errorf("realtime: unknown advisor %q: %w", advisorID, err)
	}
	return advisorID, nil
}

func splitToken(token string) (advisorID, key string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == ':' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}
