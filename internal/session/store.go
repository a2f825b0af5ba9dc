package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/storage"
	"github.com/caasio/auth-core/internal/telemetry"
)

const (
	sessionKeyPrefix = "session:"
	userSetPrefix    = "user_sessions:"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session: not found")

// StoreConfig controls session creation.
type StoreConfig struct {
	TTL        time.Duration
	MaxPerUser int
}

// Store persists sessions and a per-user index, enforcing the
// concurrent session cap by evicting the oldest session.
type Store struct {
	kv      storage.KV
	cfg     StoreConfig
	metrics *telemetry.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore creates a Store.
func NewStore(kv storage.KV, cfg StoreConfig, metrics *telemetry.Metrics, logger *zap.Logger) *Store {
	return &Store{kv: kv, cfg: cfg, metrics: metrics, logger: logger, now: time.Now}
}

// NewSessionParams carries the client context captured at login.
type NewSessionParams struct {
	UserID    string
	TenantID  string
	IP        string
	DeviceID  string
	UserAgent string
	Latitude  float64
	Longitude float64
}

// Create starts a session. When the user already holds MaxPerUser
// sessions the oldest one is terminated to make room.
func (s *Store) Create(ctx context.Context, p NewSessionParams) (*Session, error) {
	if p.UserID == "" || p.TenantID == "" {
		return nil, fmt.Errorf("create session: user and tenant required")
	}

	if s.cfg.MaxPerUser > 0 {
		if err := s.evictOldest(ctx, p.UserID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	sess := &Session{
		ID:         uuid.NewString(),
		UserID:     p.UserID,
		TenantID:   p.TenantID,
		IP:         p.IP,
		DeviceID:   p.DeviceID,
		UserAgent:  p.UserAgent,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		CreatedAt:  now.Unix(),
		LastSeenAt: now.Unix(),
		ExpiresAt:  now.Add(s.cfg.TTL).Unix(),
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.kv.SetAdd(ctx, userSetPrefix+p.UserID, sess.ID); err != nil {
		return nil, fmt.Errorf("index session: %w", err)
	}
	s.metrics.ActiveSessions.Inc()
	return sess, nil
}

// Get loads a session. Expired sessions read as missing; the record is
// left for the cleanup sweep.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	val, ok, err := s.kv.Get(ctx, sessionKeyPrefix+sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	sess := &Session{}
	if err := json.Unmarshal([]byte(val), sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Touch records activity on the session without extending it.
func (s *Store) Touch(ctx context.Context, sessionID, ip string) (*Session, error) {
	sess, err := s.update(ctx, sessionID, func(sess *Session) error {
		sess.LastSeenAt = s.now().Unix()
		if ip != "" {
			sess.IP = ip
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Update applies fn to the session under the store's atomicity
// guarantees and persists the result.
func (s *Store) Update(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error) {
	return s.update(ctx, sessionID, fn)
}

// Terminate removes a session. Idempotent: terminating a missing
// session returns ErrNotFound but leaves state consistent.
func (s *Store) Terminate(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := s.kv.Del(ctx, sessionKeyPrefix+sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := s.kv.SetRemove(ctx, userSetPrefix+sess.UserID, sessionID); err != nil {
		return fmt.Errorf("unindex session: %w", err)
	}
	s.metrics.ActiveSessions.Dec()
	return nil
}

// TerminateAllForUser removes every session of a user, optionally
// sparing one (the caller's current session). Returns the IDs removed.
func (s *Store) TerminateAllForUser(ctx context.Context, userID, spareID string) ([]string, error) {
	sessions, err := s.UserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, sess := range sessions {
		if sess.ID == spareID {
			continue
		}
		if err := s.Terminate(ctx, sess.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed = append(removed, sess.ID)
	}
	return removed, nil
}

// UserSessions returns the user's live sessions, pruning index entries
// whose records have expired.
func (s *Store) UserSessions(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.kv.SetMembers(ctx, userSetPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				if err := s.kv.SetRemove(ctx, userSetPrefix+userID, id); err != nil {
					return nil, fmt.Errorf("prune session index: %w", err)
				}
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt < sessions[j].CreatedAt
	})
	return sessions, nil
}

// CountForUser reports the user's live sessions.
func (s *Store) CountForUser(ctx context.Context, userID string) (int, error) {
	sessions, err := s.UserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// AllSessionIDs lists every stored session key's ID, live or expired.
// Used by the cleanup sweep.
func (s *Store) AllSessionIDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.ScanPrefix(ctx, sessionKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key[len(sessionKeyPrefix):])
	}
	return ids, nil
}

// Raw loads a session record without the expiry check. Used by the
// cleanup sweep, which needs to see expired records.
func (s *Store) Raw(ctx context.Context, sessionID string) (*Session, bool, error) {
	val, ok, err := s.kv.Get(ctx, sessionKeyPrefix+sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("get session: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	sess := &Session{}
	if err := json.Unmarshal([]byte(val), sess); err != nil {
		return nil, false, fmt.Errorf("decode session: %w", err)
	}
	return sess, true, nil
}

// Remove deletes a session record and its index entry without touching
// the active-session gauge. The cleanup sweep owns gauge accounting for
// expired sessions.
func (s *Store) Remove(ctx context.Context, sessionID, userID string) error {
	if _, err := s.kv.Del(ctx, sessionKeyPrefix+sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if userID != "" {
		if err := s.kv.SetRemove(ctx, userSetPrefix+userID, sessionID); err != nil {
			return fmt.Errorf("unindex session: %w", err)
		}
	}
	return nil
}

// ExtendTTL refreshes the physical expiry of a session key after its
// logical expiry was pushed out by renewal.
func (s *Store) ExtendTTL(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := s.kv.Expire(ctx, sessionKeyPrefix+sessionID, ttl+time.Hour); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("extend session ttl: %w", err)
	}
	return nil
}

func (s *Store) evictOldest(ctx context.Context, userID string) error {
	sessions, err := s.UserSessions(ctx, userID)
	if err != nil {
		return err
	}
	for len(sessions) >= s.cfg.MaxPerUser {
		oldest := sessions[0]
		s.logger.Info("session cap reached, evicting oldest",
			zap.String("user_id", userID),
			zap.String("session_id", oldest.ID))
		if err := s.Terminate(ctx, oldest.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		sessions = sessions[1:]
	}
	return nil
}

func (s *Store) update(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error) {
	var updated *Session
	err := s.kv.Update(ctx, sessionKeyPrefix+sessionID, func(current string) (string, error) {
		sess := &Session{}
		if err := json.Unmarshal([]byte(current), sess); err != nil {
			return "", fmt.Errorf("decode session: %w", err)
		}
		if sess.Expired(s.now()) {
			return "", ErrNotFound
		}
		if err := fn(sess); err != nil {
			return "", err
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return "", fmt.Errorf("marshal session: %w", err)
		}
		updated = sess
		return string(data), nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update session: %w", err)
	}
	return updated, nil
}

func (s *Store) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	// Keys outlive the logical expiry so anomaly checks and cleanup can
	// still observe recently expired sessions.
	ttl := s.cfg.TTL + time.Hour
	if err := s.kv.Set(ctx, sessionKeyPrefix+sess.ID, string(data), ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
