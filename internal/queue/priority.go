package queue

import (
	"strings"

	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// urgentKeywords trigger HIGH priority when present in the inbound
// text.
var urgentKeywords = []string{"urgent", "urgente", "problema", "reclamo"}

// AssignPriority derives a QueuedItem's priority from its content and
// the sender's standing: a VIP user or a supervisory-originated message
// is URGENT; bulk automation traffic is LOW; a complaint-shaped message
// is HIGH; everything else is NORMAL.
func AssignPriority(msg model.InboundMessage, vip, supervisory, bulkAutomation bool) model.Priority {
	if vip || supervisory {
		return model.PriorityUrgent
	}
	if bulkAutomation {
		return model.PriorityLow
	}
	lower := strings.ToLower(msg.Text)
	for _, kw := range urgentKeywords {
		if strings.Contains(lower, kw) {
			return model.PriorityHigh
		}
	}
	return model.PriorityNormal
}
