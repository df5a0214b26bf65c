package repositories

import (
	"context"
	"time"

	"github.com/ndelcourt/recruitsync/internal/domain/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Snapshots persists application snapshots locally so a restarted process
// can render from the last known state before the first network fetch.
type Snapshots struct {
	db *gorm.DB
}

func NewSnapshotsRepository(db *gorm.DB) *Snapshots {
	return &Snapshots{db: db}
}

func (repo *Snapshots) SaveSnapshot(ctx context.Context, applicationID string, value []byte) error {
	return repo.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "application_id"}},
		UpdateAll: true,
	}).Create(&models.CachedSnapshot{
		ApplicationID: applicationID,
		Value:         value,
		UpdatedAt:     time.Now(),
	}).Error
}

func (repo *Snapshots) LoadSnapshots(ctx context.Context) (map[string][]byte, error) {

	var rows []models.CachedSnapshot
	if err := repo.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	persisted := make(map[string][]byte, len(rows))
	for _, row := range rows {
		persisted[row.ApplicationID] = row.Value
	}
	return persisted, nil
}

func (repo *Snapshots) RemoveSnapshot(ctx context.Context, applicationID string) error {
	return repo.db.WithContext(ctx).Delete(&models.CachedSnapshot{}, "application_id = ?", applicationID).Error
}
