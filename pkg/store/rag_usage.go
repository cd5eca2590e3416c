package store

import (
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
)

// RAGUsageEntry records one agent tool invocation's token cost,
// replacing the teacher's JSONL usage tracker with a queryable table
// (pkg/metrics reads this back for the AI usage report, §6).
type RAGUsageEntry struct {
	ConversationID   string
	ToolName         string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

func (s *Store) RecordRAGUsage(e RAGUsageEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO rag_usage(conversation_id, tool_name, prompt_tokens, completion_tokens, created_at)
		VALUES (?, ?, ?, ?, ?)`, e.ConversationID, e.ToolName, e.PromptTokens, e.CompletionTokens, e.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "record rag usage", err)
	}
	return nil
}

// RAGUsageSummary is the aggregated cost for one tool over a window,
// the shape the TOON usage report (§6) renders as a table row.
type RAGUsageSummary struct {
	ToolName         string
	Calls            int
	PromptTokens     int
	CompletionTokens int
}

func (s *Store) SummarizeRAGUsage(since time.Time) ([]RAGUsageSummary, error) {
	rows, err := s.db.Query(`SELECT tool_name, COUNT(*), COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0)
		FROM rag_usage WHERE created_at >= ? GROUP BY tool_name ORDER BY tool_name`, since)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "summarize rag usage", err)
	}
	defer rows.Close()

	var out []RAGUsageSummary
	for rows.Next() {
		var r RAGUsageSummary
		if err := rows.Scan(&r.ToolName, &r.Calls, &r.PromptTokens, &r.CompletionTokens); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan rag usage summary", err)
		}
		out = append(out, r)
	}
	return out, nil
}
