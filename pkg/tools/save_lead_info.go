package tools

import (
	"context"

	"github.com/sipeed/wadesk/pkg/crm"
	"github.com/sipeed/wadesk/pkg/logger"
)

// LeadSaver is the narrow CRM surface save_lead_info needs.
type LeadSaver interface {
	SaveLead(info crm.LeadInfo) error
}

// SaveLeadInfoTool implements spec.md §4.6's save_lead_info({phone,
// name?, location?, business_type?, interest?, notes?}) — a
// best-effort CRM write: a failure is logged and reported back to the
// model as a (non-fatal) tool error, never propagated as a conversation
// failure.
type SaveLeadInfoTool struct {
	crm LeadSaver
}

func NewSaveLeadInfoTool(saver LeadSaver) *SaveLeadInfoTool {
	return &SaveLeadInfoTool{crm: saver}
}

func (t *SaveLeadInfoTool) Name() string { return "save_lead_info" }

func (t *SaveLeadInfoTool) Description() string {
	return "Save a prospective customer's contact details and interest to the CRM."
}

func (t *SaveLeadInfoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"phone":         map[string]interface{}{"type": "string"},
			"name":          map[string]interface{}{"type": "string"},
			"location":      map[string]interface{}{"type": "string"},
			"business_type": map[string]interface{}{"type": "string"},
			"interest":      map[string]interface{}{"type": "string"},
			"notes":         map[string]interface{}{"type": "string"},
		},
		"required": []string{"phone"},
	}
}

func (t *SaveLeadInfoTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	phone, _ := args["phone"].(string)
	if phone == "" {
		return ErrorResult("phone is required")
	}

	info := crm.LeadInfo{
		Phone:        phone,
		Name:         str(args, "name"),
		Location:     str(args, "location"),
		BusinessType: str(args, "business_type"),
		Interest:     str(args, "interest"),
		Notes:        str(args, "notes"),
	}

	if err := t.crm.SaveLead(info); err != nil {
		logger.WarnCF("tools", "save_lead_info failed", map[string]interface{}{
			"phone": phone, "error": err.Error(),
		})
		return ErrorResult("could not save lead to CRM, continuing without it")
	}
	return OKResult("Lead info saved.")
}

func str(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}
