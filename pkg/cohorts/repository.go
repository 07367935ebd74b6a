package cohorts

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type cohortModel struct {
	ID          int64     `gorm:"primaryKey;column:id;autoIncrement"`
	Name        string    `gorm:"column:name"`
	Type        string    `gorm:"column:type"`
	Description string    `gorm:"column:description"`
	Criteria    string    `gorm:"column:criteria;type:text"`
	Creator     string    `gorm:"column:creator"`
	Version     int       `gorm:"column:version"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (cohortModel) TableName() string { return "cohorts" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&cohortModel{}, &conceptSetModel{})
}

func (r *Repository) CreateCohort(ctx context.Context, cohort models.Cohort) (models.Cohort, error) {
	now := time.Now().UTC()
	row := &cohortModel{
		Name:        cohort.Name,
		Type:        cohort.Type,
		Description: cohort.Description,
		Criteria:    cohort.Criteria,
		Creator:     cohort.Creator,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return models.Cohort{}, err
	}
	return buildCohort(row), nil
}

func (r *Repository) GetCohort(ctx context.Context, cohortID int64) (models.Cohort, error) {
	var row cohortModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", cohortID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Cohort{}, apierrors.NotFound("cohort %d not found", cohortID)
		}
		return models.Cohort{}, err
	}
	return buildCohort(&row), nil
}

func (r *Repository) GetCohortByName(ctx context.Context, name string) (models.Cohort, error) {
	var row cohortModel
	if err := r.db.WithContext(ctx).First(&row, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Cohort{}, apierrors.NotFound("cohort %q not found", name)
		}
		return models.Cohort{}, err
	}
	return buildCohort(&row), nil
}

func (r *Repository) ListCohorts(ctx context.Context, limit int) ([]models.Cohort, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []cohortModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	cohorts := make([]models.Cohort, 0, len(rows))
	for i := range rows {
		cohorts = append(cohorts, buildCohort(&rows[i]))
	}
	return cohorts, nil
}

// UpdateCohort applies an optimistic-concurrency update: the stored
// version must match the etag the caller read, otherwise the cohort was
// modified concurrently.
func (r *Repository) UpdateCohort(ctx context.Context, cohort models.Cohort) (models.Cohort, error) {
	version, err := models.VersionFromEtag(cohort.Etag)
	if err != nil {
		return models.Cohort{}, apierrors.BadRequest(apierrors.CodeInvalidRequest, "%v", err)
	}
	result := r.db.WithContext(ctx).Model(&cohortModel{}).
		Where("id = ? AND version = ?", cohort.ID, version).
		Updates(map[string]interface{}{
			"name":        cohort.Name,
			"description": cohort.Description,
			"criteria":    cohort.Criteria,
			"version":     version + 1,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return models.Cohort{}, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetCohort(ctx, cohort.ID); err != nil {
			return models.Cohort{}, err
		}
		return models.Cohort{}, apierrors.Conflict("cohort %d was modified concurrently", cohort.ID)
	}
	return r.GetCohort(ctx, cohort.ID)
}

func (r *Repository) DeleteCohort(ctx context.Context, cohortID int64) error {
	result := r.db.WithContext(ctx).Delete(&cohortModel{}, "id = ?", cohortID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apierrors.NotFound("cohort %d not found", cohortID)
	}
	return nil
}

func buildCohort(row *cohortModel) models.Cohort {
	return models.Cohort{
		ID:               row.ID,
		Etag:             models.EtagFromVersion(row.Version),
		Name:             row.Name,
		Criteria:         row.Criteria,
		Type:             row.Type,
		Description:      row.Description,
		Creator:          row.Creator,
		CreationTime:     row.CreatedAt,
		LastModifiedTime: row.UpdatedAt,
	}
}
