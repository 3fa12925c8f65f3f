package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionPresenceKey marks a session as live; refreshed on heartbeat.
func (r *CacheKeyStruct) SessionPresenceKey(sessionID string) string {
	return fmt.Sprintf("session:active:%s", sessionID)
}

// RiskFramesKey is the ordered set of all inference results in the rolling window.
func (r *CacheKeyStruct) RiskFramesKey(sessionID string) string {
	return fmt.Sprintf("session:risk:frames:%s", sessionID)
}

// RiskCriticalKey is the ordered set of critical-risk results in the rolling window.
func (r *CacheKeyStruct) RiskCriticalKey(sessionID string) string {
	return fmt.Sprintf("session:risk:critical:%s", sessionID)
}

// ShuffledQuestionsKey holds the per-student question id permutation.
func (r *CacheKeyStruct) ShuffledQuestionsKey(examID, userID string) string {
	return fmt.Sprintf("exam:questions:%s:%s", examID, userID)
}

// RefreshTokenKey indexes the current refresh capability per user.
func (r *CacheKeyStruct) RefreshTokenKey(userID string) string {
	return fmt.Sprintf("refresh:%s", userID)
}

// RevokedJTIKey marks a token id as revoked until its natural expiry.
func (r *CacheKeyStruct) RevokedJTIKey(jti string) string {
	return fmt.Sprintf("blacklist:jwt:%s", jti)
}

// LoginRateKey is the counting window for login attempts per client IP.
func (r *CacheKeyStruct) LoginRateKey(ip string) string {
	return fmt.Sprintf("ratelimit:login:%s", ip)
}

// WSRateKey is the counting window for inbound realtime messages per session.
func (r *CacheKeyStruct) WSRateKey(sessionID, kind string) string {
	return fmt.Sprintf("ratelimit:ws:%s:%s", sessionID, kind)
}

var CacheKey = NewCacheKeyStruct()
