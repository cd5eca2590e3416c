// Package crm is the Bitrix24-style CRM adapter (spec.md §4.6,
// §6 "CRM REST (…/rest/{auth}/{method}.json)"). Per SPEC_FULL.md's
// restated Non-goal, there is no OAuth flow here — the client is
// constructed with a pre-obtained static auth token, the same way a
// Bitrix24 inbound webhook integration works. The retry/backoff shape
// mirrors pkg/engine/webhook.go's doWebhookWithRetry: jittered
// exponential backoff on 5xx/429, 15s per-call timeout, never retry
// on other 4xx.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/logger"
)

var callBackoffs = []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 4500 * time.Millisecond}

const callTimeout = 15 * time.Second

// ConversationPhones resolves a conversation to the phone number its
// CRM contact is keyed on — satisfied by a small adapter over
// *store.Store, kept narrow so this package doesn't import pkg/store.
type ConversationPhones interface {
	RemotePhone(conversationID string) (string, error)
}

// Client is a thin Bitrix24 REST wrapper: every call hits
// {baseURL}/rest/{authToken}/{method}.json with a form-urlencoded POST body.
type Client struct {
	baseURL    string
	authToken  string
	phones     ConversationPhones
	httpClient *http.Client
}

func New(baseURL, authToken string, phones ConversationPhones) *Client {
	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		phones:     phones,
		httpClient: http.DefaultClient,
	}
}

// call invokes a Bitrix REST method, retrying transient failures.
func (c *Client) call(method string, params url.Values) (map[string]interface{}, error) {
	endpoint := fmt.Sprintf("%s/rest/%s/%s.json", c.baseURL, c.authToken, method)

	var lastErr error
	for attempt := 0; attempt <= len(callBackoffs); attempt++ {
		if attempt > 0 {
			backoff := callBackoffs[attempt-1]
			jitter := time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))
			time.Sleep(jitter)
		}

		body, status, err := c.callOnce(endpoint, params)
		if err == nil && status < 300 {
			var parsed map[string]interface{}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return nil, errs.Wrap(errs.KindUpstream, "crm: decode response", err)
			}
			if errDesc, ok := parsed["error_description"].(string); ok && errDesc != "" {
				return nil, errs.New(errs.KindUpstream, "crm: "+errDesc)
			}
			return parsed, nil
		}
		if err != nil {
			lastErr = errs.Wrap(errs.KindNetwork, "crm call", err)
			continue
		}
		if status == 429 || status >= 500 {
			lastErr = errs.New(errs.KindUpstream, "crm non-2xx: "+strconv.Itoa(status))
			continue
		}
		return nil, errs.New(errs.KindValidation, "crm non-2xx: "+strconv.Itoa(status))
	}
	return nil, lastErr
}

func (c *Client) callOnce(endpoint string, params url.Values) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// ResolveField implements pkg/engine's CRMResolver: looks the
// conversation's contact up by phone, returning a named field from the
// matched crm.contact record. Any lookup failure (network, no match,
// unset field) reports ok=false rather than propagating an error — a
// missing CRM field leaves the {{entity:FIELD}} token literal per
// spec.md's substitution rule, it never breaks message delivery.
func (c *Client) ResolveField(conversationID, field string) (string, bool) {
	phone, err := c.phones.RemotePhone(conversationID)
	if err != nil || phone == "" {
		return "", false
	}

	params := url.Values{}
	params.Set("filter[PHONE]", phone)
	resp, err := c.call("crm.contact.list", params)
	if err != nil {
		logger.WarnCF("crm", "resolve field lookup failed", map[string]interface{}{
			"conversation_id": conversationID, "field": field, "error": err.Error(),
		})
		return "", false
	}

	result, _ := resp["result"].([]interface{})
	if len(result) == 0 {
		return "", false
	}
	contact, _ := result[0].(map[string]interface{})
	value, ok := contact[field]
	if !ok || value == nil {
		return "", false
	}
	return fmt.Sprintf("%v", value), true
}

// LeadInfo is the save_lead_info tool's argument shape (spec.md §4.6).
type LeadInfo struct {
	Phone        string
	Name         string
	Location     string
	BusinessType string
	Interest     string
	Notes        string
}

// SaveLead writes a new lead to the CRM, best-effort: the caller (the
// save_lead_info tool) logs and swallows any error rather than failing
// the conversation turn — spec.md marks this write non-fatal.
func (c *Client) SaveLead(info LeadInfo) error {
	params := url.Values{}
	params.Set("fields[TITLE]", fmt.Sprintf("WhatsApp lead: %s", info.Phone))
	params.Set("fields[PHONE][0][VALUE]", info.Phone)
	params.Set("fields[PHONE][0][VALUE_TYPE]", "WORK")
	if info.Name != "" {
		params.Set("fields[NAME]", info.Name)
	}
	if info.BusinessType != "" {
		params.Set("fields[COMPANY_TITLE]", info.BusinessType)
	}
	var comments string
	if info.Location != "" {
		comments += "Location: " + info.Location + "\n"
	}
	if info.Interest != "" {
		comments += "Interest: " + info.Interest + "\n"
	}
	if info.Notes != "" {
		comments += info.Notes
	}
	if comments != "" {
		params.Set("fields[COMMENTS]", comments)
	}
	params.Set("fields[SOURCE_ID]", "WHATSAPP")

	_, err := c.call("crm.lead.add", params)
	return err
}
