// Package metrics records per-tool-call token usage for C6's agent
// loop and summarizes it for the AI usage report (spec.md §6). The
// teacher's JSONL token tracker + hardcoded per-model pricing table is
// replaced by a thin wrapper over the rag_usage sqlite table
// (pkg/store/rag_usage.go) — cost reporting here is in tokens, not
// dollars, since spec.md's report format is a TOON-shaped usage
// ledger, not a billing statement.
package metrics

import (
	"time"

	"github.com/sipeed/wadesk/pkg/store"
)

// Recorder is the store surface the tracker needs.
type Recorder interface {
	RecordRAGUsage(e store.RAGUsageEntry) error
	SummarizeRAGUsage(since time.Time) ([]store.RAGUsageSummary, error)
}

// Tracker records each agent tool call's token cost as it happens.
type Tracker struct {
	db Recorder
}

func NewTracker(db Recorder) *Tracker {
	return &Tracker{db: db}
}

// Record logs one tool invocation's token usage. Failures are logged
// by the caller's own error handling path, not here: a lost usage
// record must never abort the agent loop mid-turn.
func (t *Tracker) Record(conversationID, toolName string, promptTokens, completionTokens int) error {
	return t.db.RecordRAGUsage(store.RAGUsageEntry{
		ConversationID:   conversationID,
		ToolName:         toolName,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	})
}

// Summary returns the per-tool usage totals since the given time —
// the rows the AI usage report renders as a TOON table.
func (t *Tracker) Summary(since time.Time) ([]store.RAGUsageSummary, error) {
	return t.db.SummarizeRAGUsage(since)
}
