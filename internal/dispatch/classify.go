package dispatch

import "strings"

// usageLimitMarkers are the stderr/output fragments that identify a run
// ending because the provider's usage quota ran out rather than because
// the task itself failed. Matched case-insensitively.
var usageLimitMarkers = []string{
	"exceeded your usage limit",
	"claude.ai usage limit",
	"please wait until your limit resets",
}

// IsUsageLimit reports whether text indicates a usage-quota exhaustion.
func IsUsageLimit(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, m := range usageLimitMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
