// Package security evaluates session activity for anomalies and
// hijack indicators.
package security

import (
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/session"
)

// Severity orders anomaly events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly event types.
const (
	EventImpossibleTravel = "impossible_travel"
	EventNewDevice        = "new_device"
	EventIPChange         = "ip_change"
)

// Event is one detected anomaly on a session.
type Event struct {
	Type       string            `json:"type"`
	Severity   Severity          `json:"severity"`
	SessionID  string            `json:"session_id"`
	UserID     string            `json:"user_id"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Activity is one observed request's client context.
type Activity struct {
	IP        string
	DeviceID  string
	UserAgent string
	Latitude  float64
	Longitude float64
	At        time.Time
}

// Travel faster than this between two observations cannot be a single
// person with their device.
const maxTravelSpeedKMH = 1000.0

var severityWeights = map[Severity]int{
	SeverityLow:      10,
	SeverityMedium:   25,
	SeverityHigh:     50,
	SeverityCritical: 100,
}

// RiskScore sums event severities, capped at 100.
func RiskScore(events []Event) int {
	score := 0
	for _, e := range events {
		score += severityWeights[e.Severity]
	}
	if score > 100 {
		score = 100
	}
	return score
}

// AnomalyDetector compares fresh activity against the session's
// recorded state.
type AnomalyDetector struct {
	logger *zap.Logger
}

// NewAnomalyDetector creates an AnomalyDetector.
func NewAnomalyDetector(logger *zap.Logger) *AnomalyDetector {
	return &AnomalyDetector{logger: logger}
}

// Evaluate returns every anomaly the activity triggers against the
// session, ordered most severe first.
func (d *AnomalyDetector) Evaluate(sess *session.Session, act Activity) []Event {
	var events []Event

	if e, ok := d.impossibleTravel(sess, act); ok {
		events = append(events, e)
	}
	if act.DeviceID != "" && sess.DeviceID != "" && act.DeviceID != sess.DeviceID {
		events = append(events, d.event(sess, act, EventNewDevice, SeverityMedium, map[string]string{
			"known_device": sess.DeviceID,
			"seen_device":  act.DeviceID,
		}))
	}
	if act.IP != "" && sess.IP != "" && act.IP != sess.IP {
		events = append(events, d.event(sess, act, EventIPChange, SeverityLow, map[string]string{
			"known_ip": session.MaskIP(sess.IP),
			"seen_ip":  session.MaskIP(act.IP),
		}))
	}

	d.logEvents(events)
	return events
}

// EvaluateLogin compares a login attempt against the user's existing
// sessions: travel and IP deltas against the most recently seen one,
// device novelty against all of them. No prior sessions means no
// baseline and no events.
func (d *AnomalyDetector) EvaluateLogin(prior []*session.Session, act Activity) []Event {
	if len(prior) == 0 {
		return nil
	}
	latest := prior[0]
	for _, s := range prior[1:] {
		if s.LastSeenAt > latest.LastSeenAt {
			latest = s
		}
	}

	var events []Event
	if e, ok := d.impossibleTravel(latest, act); ok {
		events = append(events, e)
	}
	if act.DeviceID != "" {
		known := false
		for _, s := range prior {
			if s.DeviceID == act.DeviceID {
				known = true
				break
			}
		}
		if !known {
			events = append(events, d.event(latest, act, EventNewDevice, SeverityMedium, map[string]string{
				"seen_device": act.DeviceID,
			}))
		}
	}
	if act.IP != "" && latest.IP != "" && act.IP != latest.IP {
		events = append(events, d.event(latest, act, EventIPChange, SeverityLow, map[string]string{
			"known_ip": session.MaskIP(latest.IP),
			"seen_ip":  session.MaskIP(act.IP),
		}))
	}

	d.logEvents(events)
	return events
}

func (d *AnomalyDetector) logEvents(events []Event) {
	for _, e := range events {
		d.logger.Warn("session anomaly",
			zap.String("type", e.Type),
			zap.String("severity", string(e.Severity)),
			zap.String("session_id", e.SessionID),
			zap.String("user_id", e.UserID))
	}
}

func (d *AnomalyDetector) impossibleTravel(sess *session.Session, act Activity) (Event, bool) {
	if sess.Latitude == 0 && sess.Longitude == 0 {
		return Event{}, false
	}
	if act.Latitude == 0 && act.Longitude == 0 {
		return Event{}, false
	}
	lastSeen := sess.LastSeenTime()
	if lastSeen.IsZero() || !act.At.After(lastSeen) {
		return Event{}, false
	}

	distance := haversineKM(sess.Latitude, sess.Longitude, act.Latitude, act.Longitude)
	hours := act.At.Sub(lastSeen).Hours()
	if hours <= 0 {
		return Event{}, false
	}
	speed := distance / hours
	if speed <= maxTravelSpeedKMH {
		return Event{}, false
	}
	return d.event(sess, act, EventImpossibleTravel, SeverityCritical, map[string]string{
		"distance_km": formatFloat(distance),
		"speed_kmh":   formatFloat(speed),
	}), true
}

func (d *AnomalyDetector) event(sess *session.Session, act Activity, typ string, sev Severity, details map[string]string) Event {
	return Event{
		Type:       typ,
		Severity:   sev,
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		Details:    details,
		OccurredAt: act.At,
	}
}

const earthRadiusKM = 6371.0

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
