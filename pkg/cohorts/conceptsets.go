package cohorts

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

type conceptSetModel struct {
	ID          int64          `gorm:"primaryKey;column:id;autoIncrement"`
	Name        string         `gorm:"column:name"`
	Domain      string         `gorm:"column:domain"`
	Description string         `gorm:"column:description"`
	ConceptIDs  datatypes.JSON `gorm:"column:concept_ids"`
	Creator     string         `gorm:"column:creator"`
	Version     int            `gorm:"column:version"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

func (conceptSetModel) TableName() string { return "concept_sets" }

func (r *Repository) CreateConceptSet(ctx context.Context, set models.ConceptSet) (models.ConceptSet, error) {
	conceptIDs, err := json.Marshal(set.ConceptIDs)
	if err != nil {
		return models.ConceptSet{}, err
	}
	now := time.Now().UTC()
	row := &conceptSetModel{
		Name:        set.Name,
		Domain:      set.Domain,
		Description: set.Description,
		ConceptIDs:  datatypes.JSON(conceptIDs),
		Creator:     set.Creator,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return models.ConceptSet{}, err
	}
	return buildConceptSet(row), nil
}

func (r *Repository) GetConceptSet(ctx context.Context, conceptSetID int64) (models.ConceptSet, error) {
	var row conceptSetModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", conceptSetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ConceptSet{}, apierrors.NotFound("concept set %d not found", conceptSetID)
		}
		return models.ConceptSet{}, err
	}
	return buildConceptSet(&row), nil
}

func (r *Repository) ListConceptSets(ctx context.Context, limit int) ([]models.ConceptSet, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []conceptSetModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	sets := make([]models.ConceptSet, 0, len(rows))
	for i := range rows {
		sets = append(sets, buildConceptSet(&rows[i]))
	}
	return sets, nil
}

// UpdateConceptSet replaces the concept set's name, description, and
// membership under optimistic concurrency: a stale etag fails the whole
// update and leaves the stored membership untouched.
func (r *Repository) UpdateConceptSet(ctx context.Context, set models.ConceptSet) (models.ConceptSet, error) {
	version, err := models.VersionFromEtag(set.Etag)
	if err != nil {
		return models.ConceptSet{}, apierrors.BadRequest(apierrors.CodeInvalidRequest, "%v", err)
	}
	conceptIDs, err := json.Marshal(set.ConceptIDs)
	if err != nil {
		return models.ConceptSet{}, err
	}
	result := r.db.WithContext(ctx).Model(&conceptSetModel{}).
		Where("id = ? AND version = ?", set.ID, version).
		Updates(map[string]interface{}{
			"name":        set.Name,
			"description": set.Description,
			"concept_ids": datatypes.JSON(conceptIDs),
			"version":     version + 1,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return models.ConceptSet{}, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetConceptSet(ctx, set.ID); err != nil {
			return models.ConceptSet{}, err
		}
		return models.ConceptSet{}, apierrors.Conflict("concept set %d was modified concurrently", set.ID)
	}
	return r.GetConceptSet(ctx, set.ID)
}

func (r *Repository) DeleteConceptSet(ctx context.Context, conceptSetID int64) error {
	result := r.db.WithContext(ctx).Delete(&conceptSetModel{}, "id = ?", conceptSetID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apierrors.NotFound("concept set %d not found", conceptSetID)
	}
	return nil
}

func buildConceptSet(row *conceptSetModel) models.ConceptSet {
	var conceptIDs []int64
	if len(row.ConceptIDs) > 0 {
		_ = json.Unmarshal(row.ConceptIDs, &conceptIDs)
	}
	return models.ConceptSet{
		ID:               row.ID,
		Etag:             models.EtagFromVersion(row.Version),
		Name:             row.Name,
		Domain:           row.Domain,
		Description:      row.Description,
		ConceptIDs:       conceptIDs,
		Creator:          row.Creator,
		CreationTime:     row.CreatedAt,
		LastModifiedTime: row.UpdatedAt,
	}
}
