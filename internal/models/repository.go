package models

import (
	"context"
	"time"
)

type Repository interface {
	// Region push lock primitives. GetRegionLock returns (nil, nil) when no
	// row exists for the region.
	GetRegionLock(ctx context.Context, region string) (*RegionPushLock, error)
	// CreateRegionLockIfAbsentOrExpired performs the atomic conditional
	// upsert: insert the row, or on a region conflict overwrite the holder
	// fields only when the existing lease has already expired. The caller
	// must re-read to learn who actually holds the lock.
	CreateRegionLockIfAbsentOrExpired(ctx context.Context, lock *RegionPushLock) error
	// RefreshRegionLock extends the lease, guarded on the row still naming
	// the given holder. Returns false when nothing matched.
	RefreshRegionLock(ctx context.Context, region, holderEmail string, lockedAt, expiresAt time.Time) (bool, error)
	// TakeOverRegionLock replaces the holder fields of an expired row, but
	// only if the row still matches the previously observed holder and
	// expiry. Returns false when a concurrent taker won the race.
	TakeOverRegionLock(ctx context.Context, lock *RegionPushLock, prevEmail string, prevExpiresAt time.Time) (bool, error)
	// DeleteRegionLock removes the row, guarded on the row still naming the
	// given holder. Returns false when nothing matched.
	DeleteRegionLock(ctx context.Context, region, holderEmail string) (bool, error)
	SweepExpiredRegionLocks(ctx context.Context, region string, now time.Time) (int64, error)
	ListActiveRegionLocks(ctx context.Context, now time.Time) ([]RegionPushLock, error)

	// Preconfig staging.
	UpsertPreconfig(ctx context.Context, preconfig *Preconfig) error
	GetPreconfigsByDepot(ctx context.Context, depot int) ([]Preconfig, error)
	MarkPreconfigsPushed(ctx context.Context, dbids []string, pushedAt time.Time) error

	// Build history.
	CreateBuildHistory(ctx context.Context, build *BuildHistory) error
	GetBuildHistoryByUUID(ctx context.Context, uuid string) (*BuildHistory, error)
	ListBuildHistory(ctx context.Context, buildServer string, limit int) ([]BuildHistory, error)
	// ListActiveBuilds returns builds whose status is still installing.
	ListActiveBuilds(ctx context.Context, buildServer string) ([]BuildHistory, error)
	// ListBuildHistorySince returns builds started at or after the cutoff.
	ListBuildHistorySince(ctx context.Context, buildServer string, since time.Time) ([]BuildHistory, error)
	AssignBuildHistory(ctx context.Context, uuid, assignedBy string, assignedAt time.Time) error

	ListRepaired(ctx context.Context, buildServer string) ([]Repaired, error)
	ListPushCreds(ctx context.Context, hostname string) ([]PushCreds, error)

	Close() error
}
