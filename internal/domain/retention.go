package domain

import "time"

// RetentionPolicy bounds how long terminal Run Records are kept, per
// spec.md §3's "retained per a configurable retention policy" note.
type RetentionPolicy struct {
	SucceededFor  time.Duration
	NonSuccessFor time.Duration
}

// DefaultRetentionPolicy matches spec.md's stated defaults: 30 days
// succeeded, 90 days non-success.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		SucceededFor:  30 * 24 * time.Hour,
		NonSuccessFor: 90 * 24 * time.Hour,
	}
}
