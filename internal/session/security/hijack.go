package security

import (
	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/session"
)

// Hijack indicator types.
const (
	HijackIPChange      = "ip_change"
	HijackDeviceChange  = "device_change"
	HijackSessionHijack = "session_hijack"
)

// Actions ordered by escalation.
const (
	ActionAllow     = "allow"
	ActionChallenge = "challenge"
	ActionTerminate = "terminate"
)

// Verdict is the outcome of a hijack check.
type Verdict struct {
	Detected bool     `json:"detected"`
	Type     string   `json:"type,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	Action   string   `json:"action"`
}

// HijackDetector flags sessions whose client fingerprint shifted under
// them. A device change is treated as worse than an IP change: IPs
// move with networks, device identifiers should not.
type HijackDetector struct {
	logger *zap.Logger
}

// NewHijackDetector creates a HijackDetector.
func NewHijackDetector(logger *zap.Logger) *HijackDetector {
	return &HijackDetector{logger: logger}
}

// Check compares act against the session fingerprint and returns a
// verdict with the recommended action.
func (d *HijackDetector) Check(sess *session.Session, act Activity) Verdict {
	ipChanged := act.IP != "" && sess.IP != "" && act.IP != sess.IP
	// A shifted user agent marks a new client as surely as a new device
	// identifier does.
	deviceChanged := act.DeviceID != "" && sess.DeviceID != "" && act.DeviceID != sess.DeviceID ||
		act.UserAgent != "" && sess.UserAgent != "" && act.UserAgent != sess.UserAgent

	var verdict Verdict
	switch {
	case ipChanged && deviceChanged:
		verdict = Verdict{Detected: true, Type: HijackSessionHijack, Severity: SeverityCritical}
	case deviceChanged:
		verdict = Verdict{Detected: true, Type: HijackDeviceChange, Severity: SeverityCritical}
	case ipChanged:
		verdict = Verdict{Detected: true, Type: HijackIPChange, Severity: SeverityHigh}
	default:
		return Verdict{Action: ActionAllow}
	}

	verdict.Action = ActionFor(verdict.Severity)
	d.logger.Warn("possible session hijack",
		zap.String("type", verdict.Type),
		zap.String("severity", string(verdict.Severity)),
		zap.String("action", verdict.Action),
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID))
	return verdict
}

// ActionFor maps severity to the enforcement action.
func ActionFor(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return ActionTerminate
	case SeverityHigh:
		return ActionChallenge
	default:
		return ActionAllow
	}
}
