package model

import "time"

// RateBucket is a sliding-fixed-window counter for C2's admission control.
type RateBucket struct {
	Identifier      string
	WindowSeconds   int
	MaxRequests     int
	CurrentRequests int
	WindowStart     time.Time
}

// Expired reports whether the current window has elapsed.
func (b RateBucket) Expired(now time.Time) bool {
	return now.Sub(b.WindowStart) >= time.Duration(b.WindowSeconds)*time.Second
}

// Exceeded reports whether the bucket is at or above its ceiling.
func (b RateBucket) Exceeded() bool {
	return b.CurrentRequests >= b.MaxRequests
}

// DedupeEntry records a recently admitted (userId, messageHash) pair.
type DedupeEntry struct {
	UserID      string
	MessageHash string
	SeenAt      time.Time
}

// DedupeTTL is the window within which an identical message is rejected.
const DedupeTTL = 10 * time.Minute
