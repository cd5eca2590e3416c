package engine

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/flowcat"
	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/store"
)

var webhookBackoffs = []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 4500 * time.Millisecond}

const webhookCallTimeout = 15 * time.Second

// execWebhookOut performs the node's configured HTTP call with the
// bounded retry budget from spec.md §7: retry on 5xx/429, never on
// other 4xx, up to 3 retries after the first attempt with jittered
// exponential backoff (webhookBackoffs).
func (e *Engine) execWebhookOut(conv *model.Conversation, node flowcat.Node, sess *store.BotSession) (nodeOutcome, error) {
	url := substituteVars(cfgString(node.Config, "url"), conv.ID, sess.Variables, e.crm)
	method := cfgString(node.Config, "method")
	if method == "" {
		method = http.MethodPost
	}
	body := substituteVars(cfgString(node.Config, "body"), conv.ID, sess.Variables, e.crm)

	respBody, err := doWebhookWithRetry(method, url, body)
	if err != nil {
		logger.WarnCF("engine", "webhook_out failed", map[string]interface{}{
			"conversation_id": conv.ID, "node_id": node.ID, "error": err.Error(),
		})
		return cont(node.Edges["out:error"])
	}

	captureVar := cfgString(node.Config, "capture_variable")
	if captureVar != "" {
		if err := e.sessions.SetVariable(conv.ID, captureVar, string(respBody)); err != nil {
			return nodeOutcome{}, err
		}
	}
	return cont(node.Edges["out:success"])
}

func doWebhookWithRetry(method, url, body string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= len(webhookBackoffs); attempt++ {
		if attempt > 0 {
			backoff := webhookBackoffs[attempt-1]
			jitter := time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))
			time.Sleep(jitter)
		}

		respBody, status, err := doWebhookOnce(method, url, body)
		if err == nil && status < 300 {
			return respBody, nil
		}
		if err != nil {
			lastErr = errs.Wrap(errs.KindNetwork, "webhook call", err)
			continue
		}
		if status == 429 || status >= 500 {
			lastErr = errs.New(errs.KindUpstream, "webhook non-2xx: "+strconv.Itoa(status))
			continue
		}
		return nil, errs.New(errs.KindValidation, "webhook non-2xx: "+strconv.Itoa(status))
	}
	return nil, lastErr
}

func doWebhookOnce(method, url, body string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewBufferString(body))
	if err != nil {
		return nil, 0, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
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
