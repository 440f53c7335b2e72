package models

import "time"

// RegionPushLock is the row backing the per-region push mutex.
// At most one row exists per region; a row whose ExpiresAt has passed is
// logically unlocked even though it still exists.
type RegionPushLock struct {
	ID            uint      `gorm:"primaryKey"`
	Region        string    `gorm:"uniqueIndex;size:20;not null"`
	LockedByEmail string    `gorm:"size:255;not null"`
	LockedByName  string    `gorm:"size:255"`
	LockedAt      time.Time `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"not null;index"`
}

// TableName specifies the table name for GORM
func (RegionPushLock) TableName() string {
	return "region_push_locks"
}

// RegionLockInfo is the REST representation of a region's lock status.
// Holder fields are omitted when the region is unlocked.
type RegionLockInfo struct {
	Region        string     `json:"region"`
	IsLocked      bool       `json:"is_locked"`
	LockedByEmail string     `json:"locked_by_email,omitempty"`
	LockedByName  string     `json:"locked_by_name,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// RegionLockResponse maps region code to lock info for every actively
// held lock. Absent regions are unlocked.
type RegionLockResponse struct {
	Locks map[string]RegionLockInfo `json:"locks"`
}

// LockConflictDetail is the 409 payload returned when a push hits a
// region locked by someone else.
type LockConflictDetail struct {
	Error    string         `json:"error"`
	Message  string         `json:"message"`
	LockInfo RegionLockInfo `json:"lock_info"`
}
