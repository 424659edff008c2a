package model

import "time"

// DefaultPauseTTL is the default expiry window applied to a Pause call.
const DefaultPauseTTL = 24 * time.Hour

// BotState is the per-user supervisory pause/resume record (C7).
// Absence of a record is equivalent to Paused=false.
type BotState struct {
	UserID    string
	Paused    bool
	Reason    string
	SetBy     string
	PausedAt  time.Time
	ExpiresAt time.Time
	// ForceActive marks a state set via ForceActivate, which only an
	// explicit operator call may override.
	ForceActive bool
}

// Expired reports whether the pause has logically lapsed as of now.
func (b BotState) Expired(now time.Time) bool {
	return b.Paused && !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// Active reports whether the pause is in effect at the given instant.
func (b BotState) Active(now time.Time) bool {
	return b.Paused && !b.Expired(now)
}
