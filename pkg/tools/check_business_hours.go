package tools

import (
	"strconv"
	"strings"
	"time"

	"context"

	"github.com/sipeed/wadesk/pkg/model"
)

// QueueSchedules resolves a queue_type to the queue record holding its
// business-hours schedule.
type QueueSchedules interface {
	GetQueue(id string) (*model.Queue, error)
}

// CheckBusinessHoursTool implements spec.md §4.6's
// check_business_hours({queue_type}) -> {is_open, current_day,
// current_time, schedule}. The day/window evaluation mirrors
// pkg/engine/business_hours.go's inBusinessHours, applied to
// model.Queue.Schedule instead of a scheduler node's config — the two
// call sites read from different places so the small parsing helper
// is duplicated rather than shared across package boundaries.
type CheckBusinessHoursTool struct {
	queues   QueueSchedules
	queueIDs map[string]string
}

func NewCheckBusinessHoursTool(queues QueueSchedules, queueIDs map[string]string) *CheckBusinessHoursTool {
	return &CheckBusinessHoursTool{queues: queues, queueIDs: queueIDs}
}

func (t *CheckBusinessHoursTool) Name() string { return "check_business_hours" }

func (t *CheckBusinessHoursTool) Description() string {
	return "Check whether a queue's team is currently within business hours."
}

func (t *CheckBusinessHoursTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"queue_type": map[string]interface{}{
				"type": "string",
				"enum": []string{"sales", "support", "prospects"},
			},
		},
		"required": []string{"queue_type"},
	}
}

func (t *CheckBusinessHoursTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	queueType, _ := args["queue_type"].(string)
	if queueType == "" {
		return ErrorResult("queue_type is required")
	}
	queueID := queueType
	if mapped, ok := t.queueIDs[queueType]; ok {
		queueID = mapped
	}

	q, err := t.queues.GetQueue(queueID)
	if err != nil {
		return ErrorResult("could not load schedule for queue " + queueID)
	}

	now := time.Now()
	offsetMin := cfgInt(q.Schedule, "utc_offset_minutes", 0)
	local := now.Add(time.Duration(offsetMin) * time.Minute)
	dayKey := strings.ToLower(local.Weekday().String())[:3]

	schedule, _ := q.Schedule["schedule"].(map[string]interface{})
	window, _ := schedule[dayKey].(string)

	isOpen := false
	if window != "" {
		if start, end, ok := parseWindow(window); ok {
			minutesNow := local.Hour()*60 + local.Minute()
			isOpen = minutesNow >= start && minutesNow < end
		}
	}

	payload := map[string]interface{}{
		"is_open":      isOpen,
		"current_day":  dayKey,
		"current_time": local.Format("15:04"),
		"schedule":     window,
	}
	return OKResult(toJSON(payload))
}

func cfgInt(cfg map[string]interface{}, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func parseWindow(window string) (startMin, endMin int, ok bool) {
	parts := strings.SplitN(window, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	s, ok1 := parseHHMM(parts[0])
	e, ok2 := parseHHMM(parts[1])
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return s, e, true
}

func parseHHMM(s string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
