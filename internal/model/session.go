package model

import (
	"net/http/cookiejar"
	"time"

	"github.com/google/uuid"
)

// ProxyInfo describes the proxy (if any) a Session is bound to.
type ProxyInfo struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Session carries identity/cookie state rotated across requests by the
// SessionPool (spec.md §3, §4.5). A Session is usable while its usage
// count, error score, and expiry are all within bounds; once any bound is
// crossed it is retired and never offered again.
type Session struct {
	ID             string         `json:"id"`
	CookieJar      *cookiejar.Jar `json:"-"`
	CookieJarState []byte         `json:"cookieJarState,omitempty"`
	UserData       map[string]any `json:"userData,omitempty"`
	MaxUsageCount  int            `json:"maxUsageCount"`
	UsageCount     int            `json:"usageCount"`
	ErrorScore     int            `json:"errorScore"`
	MaxErrorScore  int            `json:"maxErrorScore"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	ProxyInfo      *ProxyInfo     `json:"proxyInfo,omitempty"`
	Retired        bool           `json:"retired"`
}

// NewSession creates a fresh Session with a random id and zeroed counters.
func NewSession(maxUsageCount, maxErrorScore int, ttl time.Duration) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:            uuid.New().String(),
		CookieJar:     jar,
		MaxUsageCount: maxUsageCount,
		MaxErrorScore: maxErrorScore,
		ExpiresAt:     time.Now().Add(ttl),
	}, nil
}

// IsUsable reports whether the session may still be offered to a worker.
func (s *Session) IsUsable(now time.Time) bool {
	if s.Retired {
		return false
	}
	return s.UsageCount < s.MaxUsageCount &&
		s.ErrorScore < s.MaxErrorScore &&
		now.Before(s.ExpiresAt)
}

// MarkGood records a successful use: usage count increments, error score
// decays toward zero.
func (s *Session) MarkGood() {
	s.UsageCount++
	if s.ErrorScore > 0 {
		s.ErrorScore--
	}
}

// MarkBad records an anti-bot/error signal. Returns true if the error
// score has reached MaxErrorScore, in which case the caller must retire it.
func (s *Session) MarkBad() bool {
	s.UsageCount++
	s.ErrorScore++
	return s.ErrorScore >= s.MaxErrorScore
}

// Retire marks the session as permanently unusable.
func (s *Session) Retire() {
	s.Retired = true
}
