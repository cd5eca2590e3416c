package engine

import (
	"strconv"
	"strings"
	"time"
)

// inBusinessHours evaluates a scheduler node's per-day window config
// against now, shifted by the node's configured UTC offset (spec.md
// §4.6's "fixed locale offset"). Config shape:
//
//	{"utc_offset_minutes": -300, "schedule": {"mon": "09:00-18:00", ...}}
//
// A day absent from schedule, or an unparsable window, counts as
// closed rather than open — a misconfigured schedule should never
// silently treat every hour as business hours.
func inBusinessHours(cfg map[string]interface{}, now time.Time) bool {
	offsetMin := cfgInt(cfg, "utc_offset_minutes", 0)
	local := now.Add(time.Duration(offsetMin) * time.Minute)

	schedule, _ := cfg["schedule"].(map[string]interface{})
	if schedule == nil {
		return false
	}
	dayKey := strings.ToLower(local.Weekday().String())[:3]
	window, ok := schedule[dayKey].(string)
	if !ok {
		return false
	}
	start, end, ok := parseWindow(window)
	if !ok {
		return false
	}
	minutesNow := local.Hour()*60 + local.Minute()
	return minutesNow >= start && minutesNow < end
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
