package locks

import (
	"context"
	"strings"
	"time"

	"github.com/depotlabs/buildboard/internal/metrics"
	"github.com/depotlabs/buildboard/internal/models"
	"github.com/depotlabs/buildboard/pkg/logger"
)

// DefaultLockTimeout is the lease duration granted when the caller does not
// ask for a specific one.
const DefaultLockTimeout = 300 * time.Second

// Service provides mutual exclusion for push operations per region. The lock
// table is the single source of truth: every call reads it fresh, so any
// number of replicas can share it. Holders do not renew in the background;
// staleness is detected lazily by comparing expires_at at acquire and status
// time, and an expired lease is eligible for takeover by anyone.
type Service struct {
	repo    models.Repository
	logger  *logger.Logger
	timeout time.Duration

	// now is swappable so expiry behaviour can be tested without sleeping.
	now func() time.Time
}

func NewService(repo models.Repository, logger *logger.Logger, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Service{
		repo:    repo,
		logger:  logger,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Acquire attempts to take the push lock for a region. A zero timeout means
// the service default. On refusal the returned RegionLockInfo describes the
// current holder; an error is returned only for storage failures, never for
// a held lock.
func (s *Service) Acquire(ctx context.Context, region string, ident models.Identity, timeout time.Duration) (bool, *models.RegionLockInfo, error) {
	region = strings.ToLower(region)
	if timeout <= 0 {
		timeout = s.timeout
	}
	now := s.now()
	expiresAt := now.Add(timeout)

	s.logger.Debugf("acquire lock request: region=%s user=%s timeout=%s", region, ident.Email, timeout)

	// Opportunistic cleanup. Not required for correctness, just keeps stale
	// rows from piling up.
	if swept, err := s.repo.SweepExpiredRegionLocks(ctx, region, now); err != nil {
		return false, nil, err
	} else if swept > 0 {
		metrics.LockSweeps.Add(float64(swept))
		s.logger.Debugf("swept %d expired lock(s) for region %s", swept, region)
	}

	existing, err := s.repo.GetRegionLock(ctx, region)
	if err != nil {
		return false, nil, err
	}

	if existing != nil {
		if existing.LockedByEmail == ident.Email {
			// Our own lock - refresh the lease. The update is guarded on the
			// holder, so if the row changed hands between our read and now,
			// nothing is clobbered and we fall through to the conflict path.
			renewed, err := s.repo.RefreshRegionLock(ctx, region, ident.Email, now, expiresAt)
			if err != nil {
				return false, nil, err
			}
			if !renewed {
				return s.lostRace(ctx, region, ident, now)
			}
			metrics.LockGrants.Inc()
			s.logger.Infof("lock refreshed for region %s by %s", region, ident.Email)
			return true, nil, nil
		}

		if existing.ExpiresAt.After(now) {
			// Held by someone else and still valid.
			metrics.LockConflicts.Inc()
			info := infoFromLock(existing)
			s.logger.Infof("lock acquisition failed for region %s by %s - locked by %s",
				region, ident.Email, existing.LockedByEmail)
			return false, &info, nil
		}

		// The lease has lapsed. Claim it with an update guarded on the
		// observed holder and expiry so concurrent takers cannot both win.
		claim := &models.RegionPushLock{
			Region:        region,
			LockedByEmail: ident.Email,
			LockedByName:  ident.Name,
			LockedAt:      now,
			ExpiresAt:     expiresAt,
		}
		won, err := s.repo.TakeOverRegionLock(ctx, claim, existing.LockedByEmail, existing.ExpiresAt)
		if err != nil {
			return false, nil, err
		}
		if !won {
			return s.lostRace(ctx, region, ident, now)
		}
		metrics.LockTakeovers.Inc()
		metrics.LockGrants.Inc()
		s.logger.Infof("expired lock claimed for region %s by %s", region, ident.Email)
		return true, nil, nil
	}

	// No row. Insert, or overwrite an expired row a concurrent caller slipped
	// in, all in one statement. Reading it back tells us who actually won.
	claim := &models.RegionPushLock{
		Region:        region,
		LockedByEmail: ident.Email,
		LockedByName:  ident.Name,
		LockedAt:      now,
		ExpiresAt:     expiresAt,
	}
	if err := s.repo.CreateRegionLockIfAbsentOrExpired(ctx, claim); err != nil {
		return false, nil, err
	}

	lock, err := s.repo.GetRegionLock(ctx, region)
	if err != nil {
		return false, nil, err
	}
	if lock != nil && lock.LockedByEmail == ident.Email {
		metrics.LockGrants.Inc()
		s.logger.Infof("lock acquired for region %s by %s", region, ident.Email)
		return true, nil, nil
	}
	s.logger.Infof("lock acquisition failed (race) for region %s by %s", region, ident.Email)
	metrics.LockConflicts.Inc()
	if lock == nil {
		// The winner released between our write and read; report a bare
		// locked marker rather than guessing at a holder.
		info := models.RegionLockInfo{Region: region, IsLocked: true}
		return false, &info, nil
	}
	info := infoFromLock(lock)
	return false, &info, nil
}

// lostRace reports the holder that beat us to a takeover.
func (s *Service) lostRace(ctx context.Context, region string, ident models.Identity, now time.Time) (bool, *models.RegionLockInfo, error) {
	metrics.LockConflicts.Inc()
	winner, err := s.repo.GetRegionLock(ctx, region)
	if err != nil {
		return false, nil, err
	}
	s.logger.Infof("lock takeover lost for region %s by %s", region, ident.Email)
	if winner == nil {
		info := models.RegionLockInfo{Region: region, IsLocked: true}
		return false, &info, nil
	}
	info := infoFromLock(winner)
	return false, &info, nil
}

// Release gives up the lock for a region. Only the recorded holder may
// release; anyone else gets false with no mutation. Releasing a region with
// no lock row is a successful no-op. Expiry is deliberately not checked: if
// the row still names the caller, the caller may delete it even past the
// lease, since nobody has taken over yet.
func (s *Service) Release(ctx context.Context, region string, ident models.Identity) (bool, error) {
	region = strings.ToLower(region)

	lock, err := s.repo.GetRegionLock(ctx, region)
	if err != nil {
		return false, err
	}
	if lock == nil {
		s.logger.Debugf("no lock to release for region %s", region)
		return true, nil
	}
	if lock.LockedByEmail != ident.Email {
		s.logger.Warnf("user %s attempted to release lock held by %s for region %s",
			ident.Email, lock.LockedByEmail, region)
		return false, nil
	}

	deleted, err := s.repo.DeleteRegionLock(ctx, region, ident.Email)
	if err != nil {
		return false, err
	}
	if !deleted {
		// The row changed hands between our read and the delete.
		s.logger.Warnf("lock for region %s changed hands before %s could release it", region, ident.Email)
		return false, nil
	}
	s.logger.Infof("lock released for region %s by %s", region, ident.Email)
	return true, nil
}

// Status reports the lock state of one region. A missing or expired row
// reads as unlocked; nothing is mutated, expired rows are left for the next
// acquire's sweep.
func (s *Service) Status(ctx context.Context, region string) (models.RegionLockInfo, error) {
	region = strings.ToLower(region)
	now := s.now()

	lock, err := s.repo.GetRegionLock(ctx, region)
	if err != nil {
		return models.RegionLockInfo{}, err
	}
	if lock != nil && lock.ExpiresAt.After(now) {
		return infoFromLock(lock), nil
	}
	return models.RegionLockInfo{Region: region, IsLocked: false}, nil
}

// StatusAll returns lock info for every region with a live lease. The
// expiry filter runs in the store, not in memory, so the result cannot
// include a lease that had already lapsed at read time. Regions absent from
// the map are unlocked.
func (s *Service) StatusAll(ctx context.Context) (map[string]models.RegionLockInfo, error) {
	now := s.now()

	locks, err := s.repo.ListActiveRegionLocks(ctx, now)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]models.RegionLockInfo, len(locks))
	for i := range locks {
		statuses[locks[i].Region] = infoFromLock(&locks[i])
	}
	return statuses, nil
}

// SweepExpired deletes rows whose lease has lapsed, scoped to one region
// when region is non-empty. Safe to call concurrently and redundantly.
func (s *Service) SweepExpired(ctx context.Context, region string) (int64, error) {
	region = strings.ToLower(region)

	swept, err := s.repo.SweepExpiredRegionLocks(ctx, region, s.now())
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		metrics.LockSweeps.Add(float64(swept))
		s.logger.Infof("cleaned up %d expired lock(s)", swept)
	}
	return swept, nil
}

func infoFromLock(lock *models.RegionPushLock) models.RegionLockInfo {
	lockedAt := lock.LockedAt
	expiresAt := lock.ExpiresAt
	return models.RegionLockInfo{
		Region:        lock.Region,
		IsLocked:      true,
		LockedByEmail: lock.LockedByEmail,
		LockedByName:  lock.LockedByName,
		LockedAt:      &lockedAt,
		ExpiresAt:     &expiresAt,
	}
}
