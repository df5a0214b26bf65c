package models

import "time"

// CachedSnapshot is the locally persisted form of an application snapshot,
// replayed at cold start before the first network round-trip.
type CachedSnapshot struct {
	ApplicationID string `gorm:"primaryKey"`
	Value         []byte
	UpdatedAt     time.Time
}

// StatusAnomaly records a status event that was not the legal successor of
// the status preceding it. The event is still applied; the row only exists
// for diagnostics.
type StatusAnomaly struct {
	ID            int `gorm:"primaryKey"`
	ApplicationID string
	EventID       string
	FromStatus    Status
	ToStatus      Status
	CreatedAt     time.Time
}
