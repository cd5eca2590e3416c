package tools

import (
	"context"
	"fmt"

	"github.com/sipeed/wadesk/pkg/ocr"
)

// ExtractTextOCRTool implements spec.md §4.6's extract_text_ocr({
// image_url, document_type, purpose?}) -> {text, context} or a
// structured failure. The OCR backend is whatever ocr.Client
// cmd/wadeskd wires in; pkg/ocr itself ships only the interface (see
// its package doc for why).
type ExtractTextOCRTool struct {
	client ocr.Client
}

func NewExtractTextOCRTool(client ocr.Client) *ExtractTextOCRTool {
	return &ExtractTextOCRTool{client: client}
}

func (t *ExtractTextOCRTool) Name() string { return "extract_text_ocr" }

func (t *ExtractTextOCRTool) Description() string {
	return "Extract text from a document or ID image the customer sent."
}

func (t *ExtractTextOCRTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"image_url":     map[string]interface{}{"type": "string"},
			"document_type": map[string]interface{}{"type": "string", "enum": []string{"invoice", "id_card", "receipt", "other"}},
			"purpose":       map[string]interface{}{"type": "string"},
		},
		"required": []string{"image_url", "document_type"},
	}
}

func (t *ExtractTextOCRTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	imageURL, _ := args["image_url"].(string)
	docType, _ := args["document_type"].(string)
	if imageURL == "" || docType == "" {
		return ErrorResult("image_url and document_type are required")
	}
	purpose, _ := args["purpose"].(string)

	result, err := t.client.Extract(ctx, imageURL, ocr.DocumentType(docType), purpose)
	if err != nil {
		return ErrorResult(fmt.Sprintf("OCR extraction failed: %v", err))
	}

	payload := map[string]interface{}{
		"text":    result.Text,
		"context": result.Context,
	}
	return OKResult(toJSON(payload))
}
