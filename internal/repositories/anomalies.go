package repositories

import (
	"context"
	"time"

	"github.com/ndelcourt/recruitsync/internal/domain/models"
	"gorm.io/gorm"
)

// Anomalies records status events that arrived out of pipeline order. The
// rows are diagnostics only; nothing in the sync path reads them back.
type Anomalies struct {
	db *gorm.DB
}

func NewAnomaliesRepository(db *gorm.DB) *Anomalies {
	return &Anomalies{db: db}
}

func (repo *Anomalies) RecordAnomaly(ctx context.Context, anomaly models.StatusAnomaly) error {
	return repo.db.WithContext(ctx).Create(&anomaly).Error
}

func (repo *Anomalies) GetByApplication(ctx context.Context, applicationID string) ([]models.StatusAnomaly, error) {

	var anomalies []models.StatusAnomaly
	if err := repo.db.WithContext(ctx).Find(&anomalies, "application_id = ?", applicationID).Error; err != nil {
		return nil, err
	}
	return anomalies, nil
}

func (repo *Anomalies) RemoveOldAnomalies(ctx context.Context, expirationTime time.Time) (int64, error) {
	res := repo.db.WithContext(ctx).Delete(&models.StatusAnomaly{}, "created_at < ?", expirationTime)
	return res.RowsAffected, res.Error
}
