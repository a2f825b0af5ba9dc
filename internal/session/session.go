package session

import (
	"strings"
	"time"
)

// Session is the server-side state of one authenticated device.
type Session struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	TenantID     string            `json:"tenant_id"`
	IP           string            `json:"ip,omitempty"`
	DeviceID     string            `json:"device_id,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	Latitude     float64           `json:"latitude,omitempty"`
	Longitude    float64           `json:"longitude,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	LastSeenAt   int64             `json:"last_seen_at"`
	ExpiresAt    int64             `json:"expires_at"`
	LastRenewal  int64             `json:"last_renewal,omitempty"`
	RenewCount   int               `json:"renew_count"`
	MFAVerified  bool              `json:"mfa_verified,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Timestamps above this value are taken to be milliseconds; older
// writers stored epoch millis while current ones store seconds.
const millisCutoff = 32503680000

// NormalizeTimestamp interprets a stored epoch value, accepting both
// second and millisecond precision.
func NormalizeTimestamp(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > millisCutoff {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

// CreatedTime returns the normalized creation time.
func (s *Session) CreatedTime() time.Time { return NormalizeTimestamp(s.CreatedAt) }

// LastSeenTime returns the normalized last-activity time.
func (s *Session) LastSeenTime() time.Time { return NormalizeTimestamp(s.LastSeenAt) }

// ExpiryTime returns the normalized expiry time.
func (s *Session) ExpiryTime() time.Time { return NormalizeTimestamp(s.ExpiresAt) }

// LastRenewalTime returns the normalized last-renewal time, zero if the
// session has never been renewed.
func (s *Session) LastRenewalTime() time.Time { return NormalizeTimestamp(s.LastRenewal) }

// Expired reports whether the session has passed its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiryTime())
}

// View is the client-facing shape of a session: same data with the IP
// partially masked.
type View struct {
	ID         string    `json:"id"`
	IP         string    `json:"ip,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Current    bool      `json:"current"`
}

// ViewOf builds the client view of a session.
func ViewOf(s *Session, currentID string) View {
	return View{
		ID:         s.ID,
		IP:         MaskIP(s.IP),
		DeviceID:   s.DeviceID,
		UserAgent:  s.UserAgent,
		CreatedAt:  s.CreatedTime(),
		LastSeenAt: s.LastSeenTime(),
		ExpiresAt:  s.ExpiryTime(),
		Current:    s.ID == currentID,
	}
}

// MaskIP hides the host part of an address before it leaves the
// service: the last IPv4 octet, or everything past the first two IPv6
// groups.
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}
	if parts := strings.Split(ip, "."); len(parts) == 4 {
		parts[3] = "xxx"
		return strings.Join(parts, ".")
	}
	if idx := strings.Index(ip, ":"); idx >= 0 {
		groups := strings.Split(ip, ":")
		if len(groups) > 2 {
			return groups[0] + ":" + groups[1] + "::xxxx"
		}
	}
	return "xxx"
}
