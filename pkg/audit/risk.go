package audit

import (
	"strconv"
	"strings"
	"time"
)

// FailedAuthEscalationThreshold is the attempt count at which failed
// authentication is treated as high risk
const FailedAuthEscalationThreshold = 5

// ClassifyRisk derives the risk level of an action. Failed authentication
// escalates to high once metadata carries attempt_count at or above the
// threshold.
func ClassifyRisk(action Action, metadata map[string]interface{}) RiskLevel {
	switch action {
	case ActionDataDelete:
		return RiskCritical
	case ActionUserRoleChange, ActionPermissionGrant, ActionPermissionRevoke:
		return RiskHigh
	case ActionAuthFailedLogin:
		if attemptCount(metadata) >= FailedAuthEscalationThreshold {
			return RiskHigh
		}
		return RiskMedium
	case ActionSuspiciousActivity:
		return RiskHigh
	case ActionPermissionDenied, ActionRateLimitExceeded, ActionDataExport, ActionAuthPasswordReset:
		return RiskMedium
	case ActionDataRead:
		return RiskLow
	}

	switch {
	case strings.HasSuffix(string(action), ".delete"):
		return RiskCritical
	case strings.HasPrefix(string(action), "security."):
		return RiskMedium
	}
	return RiskLow
}

func attemptCount(metadata map[string]interface{}) int {
	switch v := metadata[MetaAttemptCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Enrich returns a copy of e whose metadata carries timestamp, risk_level
// and status. A caller supplied status is kept.
func Enrich(e Entry, now time.Time) Entry {
	meta := make(map[string]interface{}, len(e.Metadata)+3)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[MetaTimestamp] = now.UTC().Format(time.RFC3339Nano)
	meta[MetaRiskLevel] = string(ClassifyRisk(e.Action, e.Metadata))
	if _, ok := meta[MetaStatus]; !ok {
		meta[MetaStatus] = string(StatusSuccess)
	}
	e.Metadata = meta
	return e
}

func metaString(meta map[string]interface{}, key string) string {
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}
