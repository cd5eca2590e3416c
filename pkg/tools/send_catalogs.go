package tools

import (
	"context"
	"fmt"

	"github.com/sipeed/wadesk/pkg/model"
)

// CatalogItem is one piece of outbound media a catalog send emits.
type CatalogItem struct {
	Brand     string
	MediaURL  string
	Caption   string
	HasPrices bool
}

// CatalogSource resolves the brands/with-prices arguments of
// send_catalogs to the concrete media items to send. Kept as a narrow
// interface since spec.md never specifies catalog storage — only that
// the tool "produces a set of outbound media messages" — so the
// concrete source (a static config list, a CMS, a spreadsheet import)
// is left to whatever cmd/wadeskd wires in.
type CatalogSource interface {
	Catalogs(brands []string, withPrices bool) ([]CatalogItem, error)
}

// OutboundSender is the narrow send surface send_catalogs needs —
// satisfied by a small adapter cmd/wadeskd builds over pkg/wire's
// codec registry, the same resolve-connection/resolve-codec path
// pkg/engine's own sendOutbound uses.
type OutboundSender interface {
	SendMedia(conversationID, mediaURL, caption string) error
}

// SendCatalogsTool implements spec.md §4.6's
// send_catalogs({with_prices, brands, customer_note?}).
type SendCatalogsTool struct {
	catalogs       CatalogSource
	sender         OutboundSender
	conversationID string
}

func NewSendCatalogsTool(catalogs CatalogSource, sender OutboundSender) *SendCatalogsTool {
	return &SendCatalogsTool{catalogs: catalogs, sender: sender}
}

func (t *SendCatalogsTool) SetConversation(conv *model.Conversation) {
	t.conversationID = conv.ID
}

func (t *SendCatalogsTool) Name() string { return "send_catalogs" }

func (t *SendCatalogsTool) Description() string {
	return "Send product catalog images to the customer for the requested brands."
}

func (t *SendCatalogsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"with_prices": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether the catalog images should include prices",
			},
			"brands": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Brand names to send catalogs for",
			},
			"customer_note": map[string]interface{}{
				"type":        "string",
				"description": "Optional caption note to accompany the catalog images",
			},
		},
		"required": []string{"brands"},
	}
}

func (t *SendCatalogsTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	rawBrands, _ := args["brands"].([]interface{})
	if len(rawBrands) == 0 {
		return ErrorResult("brands is required")
	}
	brands := make([]string, 0, len(rawBrands))
	for _, b := range rawBrands {
		if s, ok := b.(string); ok && s != "" {
			brands = append(brands, s)
		}
	}
	withPrices, _ := args["with_prices"].(bool)
	note, _ := args["customer_note"].(string)

	items, err := t.catalogs.Catalogs(brands, withPrices)
	if err != nil {
		return ErrorResult(fmt.Sprintf("loading catalogs: %v", err))
	}
	if len(items) == 0 {
		return ErrorResult("no catalog items found for the requested brands")
	}

	sent := 0
	for _, item := range items {
		caption := item.Caption
		if note != "" {
			caption = note + "\n" + caption
		}
		if err := t.sender.SendMedia(t.conversationID, item.MediaURL, caption); err != nil {
			return ErrorResult(fmt.Sprintf("sending catalog image for %s: %v", item.Brand, err))
		}
		sent++
	}

	return OKResult(fmt.Sprintf("Sent %d catalog image(s).", sent))
}
