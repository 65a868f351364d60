package collab

import (
	"strings"
	"unicode/utf8"

	"github.com/obeci/obeci/backend/go-services/internal/instrument"
)

const internalEventPrefix = "INTERNAL_"

// ShouldRecord decides whether an update earns a change-log entry. Internal
// event types and client retry artifacts are skipped. Defaults are applied
// before matching.
func ShouldRecord(eventType, summary string) bool {
	eventType, summary = withDefaults(eventType, summary)
	if strings.HasPrefix(strings.ToUpper(eventType), internalEventPrefix) {
		return false
	}
	s := strings.ToLower(summary)
	if strings.Contains(s, "retry") && (strings.Contains(s, "conflict") || strings.Contains(s, "conflito")) {
		return false
	}
	if strings.Contains(s, "version_conflict") {
		return false
	}
	return true
}

func withDefaults(eventType, summary string) (string, string) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		eventType = instrument.DefaultEventType
	}
	if strings.TrimSpace(summary) == "" {
		summary = instrument.DefaultSummary
	}
	return eventType, truncateRunes(summary, instrument.MaxSummaryRunes)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
