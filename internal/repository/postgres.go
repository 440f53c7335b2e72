package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/depotlabs/buildboard/internal/models"
	"github.com/depotlabs/buildboard/pkg/logger"
)

type Store struct {
	logger *logger.Logger

	Conn *gorm.DB
}

// New wraps an already-open gorm connection and migrates the schema.
// Production code goes through NewPostgresDB; tests open a sqlite
// connection and pass it here.
func New(db *gorm.DB, logger *logger.Logger) (models.Repository, error) {
	if err := db.AutoMigrate(
		&models.RegionPushLock{},
		&models.Preconfig{},
		&models.BuildHistory{},
		&models.Repaired{},
		&models.PushCreds{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %s", err)
	}
	return &Store{Conn: db, logger: logger}, nil
}

func NewPostgresDB(user, password, dbname, host string, port int, logger *logger.Logger) (models.Repository, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)

	// Configure GORM logger to suppress "record not found" messages
	gormLogger := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %s", err)
	}

	repo, err := New(db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return repo, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %s", err)
	}
	return sqlDB.Close()
}

func (s *Store) GetRegionLock(ctx context.Context, region string) (*models.RegionPushLock, error) {
	var lock models.RegionPushLock
	if err := s.Conn.WithContext(ctx).Where("region = ?", region).First(&lock).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get region lock: %s", err)
	}

	return &lock, nil
}

// CreateRegionLockIfAbsentOrExpired inserts the lock row, or on a region
// conflict overwrites the holder fields only if the existing lease has
// already expired. The whole decision runs inside one statement so two
// concurrent acquirers for an unlocked region race safely: exactly one wins.
func (s *Store) CreateRegionLockIfAbsentOrExpired(ctx context.Context, lock *models.RegionPushLock) error {
	row := *lock
	row.ID = 0
	err := s.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "region"}},
		DoUpdates: clause.AssignmentColumns([]string{"locked_by_email", "locked_by_name", "locked_at", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Lte{
				Column: clause.Column{Table: models.RegionPushLock{}.TableName(), Name: "expires_at"},
				Value:  lock.LockedAt,
			},
		}},
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert region lock: %s", err)
	}
	return nil
}

// RefreshRegionLock extends a lease, but only while the row still names the
// given holder. Returns false when the row is gone or has changed hands
// since the caller read it.
func (s *Store) RefreshRegionLock(ctx context.Context, region, holderEmail string, lockedAt, expiresAt time.Time) (bool, error) {
	res := s.Conn.WithContext(ctx).Model(&models.RegionPushLock{}).
		Where("region = ? AND locked_by_email = ?", region, holderEmail).
		Updates(map[string]interface{}{
			"locked_at":  lockedAt,
			"expires_at": expiresAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to refresh region lock: %s", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// TakeOverRegionLock claims an expired row for a new holder. The update is
// guarded on the previously observed holder and expiry so that of two
// concurrent takers only one matches; the loser sees zero rows affected.
func (s *Store) TakeOverRegionLock(ctx context.Context, lock *models.RegionPushLock, prevEmail string, prevExpiresAt time.Time) (bool, error) {
	res := s.Conn.WithContext(ctx).Model(&models.RegionPushLock{}).
		Where("region = ? AND locked_by_email = ? AND expires_at = ?", lock.Region, prevEmail, prevExpiresAt).
		Updates(map[string]interface{}{
			"locked_by_email": lock.LockedByEmail,
			"locked_by_name":  lock.LockedByName,
			"locked_at":       lock.LockedAt,
			"expires_at":      lock.ExpiresAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to take over region lock: %s", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteRegionLock removes the row, but only while it still names the given
// holder, so a stale release cannot clobber a lock someone else took over
// after the caller's read. Returns false when nothing matched.
func (s *Store) DeleteRegionLock(ctx context.Context, region, holderEmail string) (bool, error) {
	res := s.Conn.WithContext(ctx).
		Where("region = ? AND locked_by_email = ?", region, holderEmail).
		Delete(&models.RegionPushLock{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete region lock: %s", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) SweepExpiredRegionLocks(ctx context.Context, region string, now time.Time) (int64, error) {
	query := s.Conn.WithContext(ctx).Where("expires_at <= ?", now)
	if region != "" {
		query = query.Where("region = ?", region)
	}
	res := query.Delete(&models.RegionPushLock{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep expired region locks: %s", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) ListActiveRegionLocks(ctx context.Context, now time.Time) ([]models.RegionPushLock, error) {
	var locks []models.RegionPushLock
	if err := s.Conn.WithContext(ctx).Where("expires_at > ?", now).Find(&locks).Error; err != nil {
		return nil, fmt.Errorf("failed to list active region locks: %s", err)
	}
	return locks, nil
}

func (s *Store) UpsertPreconfig(ctx context.Context, preconfig *models.Preconfig) error {
	err := s.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dbid"}},
		DoUpdates: clause.AssignmentColumns([]string{"depot", "appliance_size", "config", "updated_at"}),
	}).Create(preconfig).Error
	if err != nil {
		return fmt.Errorf("failed to upsert preconfig: %s", err)
	}
	return nil
}

func (s *Store) GetPreconfigsByDepot(ctx context.Context, depot int) ([]models.Preconfig, error) {
	var preconfigs []models.Preconfig
	if err := s.Conn.WithContext(ctx).Where("depot = ?", depot).Find(&preconfigs).Error; err != nil {
		return nil, fmt.Errorf("failed to get preconfigs for depot %d: %s", depot, err)
	}
	return preconfigs, nil
}

func (s *Store) MarkPreconfigsPushed(ctx context.Context, dbids []string, pushedAt time.Time) error {
	if len(dbids) == 0 {
		return nil
	}
	s.logger.Debug("Marking preconfigs pushed ", "count ", len(dbids))
	err := s.Conn.WithContext(ctx).Model(&models.Preconfig{}).
		Where("dbid IN ?", dbids).
		Update("pushed_at", pushedAt).Error
	if err != nil {
		return fmt.Errorf("failed to mark preconfigs pushed: %s", err)
	}
	return nil
}

func (s *Store) CreateBuildHistory(ctx context.Context, build *models.BuildHistory) error {
	if build.UUID == "" {
		build.UUID = uuid.NewString()
	}
	if build.BuildStart.IsZero() {
		build.BuildStart = time.Now().UTC()
	}
	if err := s.Conn.WithContext(ctx).Create(build).Error; err != nil {
		return fmt.Errorf("failed to create build history record: %s", err)
	}
	return nil
}

func (s *Store) GetBuildHistoryByUUID(ctx context.Context, buildUUID string) (*models.BuildHistory, error) {
	var build models.BuildHistory
	if err := s.Conn.WithContext(ctx).Where("uuid = ?", buildUUID).First(&build).Error; err != nil {
		return nil, fmt.Errorf("failed to get build history record: %s", err)
	}
	return &build, nil
}

func (s *Store) ListBuildHistory(ctx context.Context, buildServer string, limit int) ([]models.BuildHistory, error) {
	query := s.Conn.WithContext(ctx).Order("build_start DESC")
	if buildServer != "" {
		query = query.Where("build_server = ?", buildServer)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var builds []models.BuildHistory
	if err := query.Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("failed to list build history: %s", err)
	}
	return builds, nil
}

// ListActiveBuilds returns builds still reported as installing, newest
// first, optionally scoped to one build server.
func (s *Store) ListActiveBuilds(ctx context.Context, buildServer string) ([]models.BuildHistory, error) {
	query := s.Conn.WithContext(ctx).
		Where("build_status = ?", models.BuildStatusInstalling).
		Order("build_start DESC")
	if buildServer != "" {
		query = query.Where("build_server = ?", buildServer)
	}
	var builds []models.BuildHistory
	if err := query.Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("failed to list active builds: %s", err)
	}
	return builds, nil
}

// ListBuildHistorySince returns builds whose build_start falls at or after
// the cutoff, newest first, optionally scoped to one build server.
func (s *Store) ListBuildHistorySince(ctx context.Context, buildServer string, since time.Time) ([]models.BuildHistory, error) {
	query := s.Conn.WithContext(ctx).
		Where("build_start >= ?", since).
		Order("build_start DESC")
	if buildServer != "" {
		query = query.Where("build_server = ?", buildServer)
	}
	var builds []models.BuildHistory
	if err := query.Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("failed to list build history since %s: %s", since, err)
	}
	return builds, nil
}

func (s *Store) AssignBuildHistory(ctx context.Context, buildUUID, assignedBy string, assignedAt time.Time) error {
	res := s.Conn.WithContext(ctx).Model(&models.BuildHistory{}).
		Where("uuid = ?", buildUUID).
		Updates(map[string]interface{}{
			"assigned_status": models.AssignedStatusAssigned,
			"assigned_by":     assignedBy,
			"assigned_at":     assignedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to assign build: %s", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Store) ListRepaired(ctx context.Context, buildServer string) ([]models.Repaired, error) {
	query := s.Conn.WithContext(ctx).Order("date_added DESC")
	if buildServer != "" {
		query = query.Where("build_server = ?", buildServer)
	}
	var repaired []models.Repaired
	if err := query.Find(&repaired).Error; err != nil {
		return nil, fmt.Errorf("failed to list repaired machines: %s", err)
	}
	return repaired, nil
}

func (s *Store) ListPushCreds(ctx context.Context, hostname string) ([]models.PushCreds, error) {
	query := s.Conn.WithContext(ctx).Order("date_added DESC")
	if hostname != "" {
		query = query.Where("hostname = ?", hostname)
	}
	var creds []models.PushCreds
	if err := query.Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to list push creds: %s", err)
	}
	return creds, nil
}
