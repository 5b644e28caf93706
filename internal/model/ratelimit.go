package model

import "time"

// WindowHit is the result of recording one request in a sliding window.
type WindowHit struct {
	Allowed bool
	// Count is the number of requests in the window after the hit (or at rejection).
	Count int64
	// Oldest is the timestamp of the oldest request still inside the window.
	Oldest time.Time
	// At and Member identify the recorded entry so it can be forgotten again.
	At     time.Time
	Member string
}
