package cohortreview

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

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type reviewModel struct {
	ID            int64     `gorm:"primaryKey;column:id;autoIncrement"`
	CohortID      int64     `gorm:"column:cohort_id;index"`
	CdrVersionID  int64     `gorm:"column:cdr_version_id"`
	CohortName    string    `gorm:"column:cohort_name"`
	Description   string    `gorm:"column:description"`
	MatchedCount  int64     `gorm:"column:matched_count"`
	ReviewSize    int64     `gorm:"column:review_size"`
	ReviewedCount int64     `gorm:"column:reviewed_count"`
	ReviewStatus  string    `gorm:"column:review_status"`
	Version       int       `gorm:"column:version"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (reviewModel) TableName() string { return "cohort_reviews" }

type participantStatusModel struct {
	CohortReviewID     int64     `gorm:"primaryKey;column:cohort_review_id;autoIncrement:false"`
	ParticipantID      int64     `gorm:"primaryKey;column:participant_id;autoIncrement:false"`
	Status             string    `gorm:"column:status;index"`
	GenderConceptID    int64     `gorm:"column:gender_concept_id"`
	RaceConceptID      int64     `gorm:"column:race_concept_id"`
	EthnicityConceptID int64     `gorm:"column:ethnicity_concept_id"`
	BirthDate          string    `gorm:"column:birth_date"`
	Deceased           bool      `gorm:"column:deceased"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (participantStatusModel) TableName() string { return "participant_cohort_statuses" }

type annotationDefinitionModel struct {
	ID             int64          `gorm:"primaryKey;column:id;autoIncrement"`
	CohortID       int64          `gorm:"column:cohort_id;index"`
	ColumnName     string         `gorm:"column:column_name"`
	AnnotationType string         `gorm:"column:annotation_type"`
	EnumValues     datatypes.JSON `gorm:"column:enum_values"`
	Version        int            `gorm:"column:version"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
}

func (annotationDefinitionModel) TableName() string { return "cohort_annotation_definitions" }

type annotationValueModel struct {
	ID             int64     `gorm:"primaryKey;column:id;autoIncrement"`
	DefinitionID   int64     `gorm:"column:cohort_annotation_definition_id;index"`
	CohortReviewID int64     `gorm:"column:cohort_review_id;index"`
	ParticipantID  int64     `gorm:"column:participant_id;index"`
	ValueString    *string   `gorm:"column:value_string"`
	ValueEnum      *string   `gorm:"column:value_enum"`
	ValueDate      *string   `gorm:"column:value_date"`
	ValueBoolean   *bool     `gorm:"column:value_boolean"`
	ValueInteger   *int64    `gorm:"column:value_integer"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (annotationValueModel) TableName() string { return "participant_cohort_annotations" }

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&reviewModel{},
		&participantStatusModel{},
		&annotationDefinitionModel{},
		&annotationValueModel{},
	)
}

// CreateReview stores the review with its seeded participant rows in one
// transaction so a half-created review is never visible.
func (r *Repository) CreateReview(ctx context.Context, review models.CohortReview,
	statuses []models.ParticipantCohortStatus) (models.CohortReview, error) {
	row := &reviewModel{
		CohortID:      review.CohortID,
		CdrVersionID:  review.CdrVersionID,
		CohortName:    review.CohortName,
		Description:   review.Description,
		MatchedCount:  review.MatchedCount,
		ReviewSize:    review.ReviewSize,
		ReviewStatus:  string(review.ReviewStatus),
		Version:       1,
		CreatedAt:     time.Now().UTC(),
		ReviewedCount: 0,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, status := range statuses {
			participant := participantStatusModel{
				CohortReviewID:     row.ID,
				ParticipantID:      status.ParticipantID,
				Status:             string(status.Status),
				GenderConceptID:    status.GenderConceptID,
				RaceConceptID:      status.RaceConceptID,
				EthnicityConceptID: status.EthnicityConceptID,
				BirthDate:          status.BirthDate,
				Deceased:           status.Deceased,
				UpdatedAt:          now,
			}
			if err := tx.Create(&participant).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.CohortReview{}, err
	}
	return buildReview(row), nil
}

// UpdateReview renames a review or changes its description under the etag
// the caller read, failing with a conflict when the stored version moved.
func (r *Repository) UpdateReview(ctx context.Context, review models.CohortReview) (models.CohortReview, error) {
	version, err := models.VersionFromEtag(review.Etag)
	if err != nil {
		return models.CohortReview{}, apierrors.BadRequest(apierrors.CodeInvalidRequest, "%v", err)
	}
	result := r.db.WithContext(ctx).Model(&reviewModel{}).
		Where("id = ? AND version = ?", review.CohortReviewID, version).
		Updates(map[string]interface{}{
			"cohort_name": review.CohortName,
			"description": review.Description,
			"version":     version + 1,
		})
	if result.Error != nil {
		return models.CohortReview{}, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetReview(ctx, review.CohortReviewID); err != nil {
			return models.CohortReview{}, err
		}
		return models.CohortReview{}, apierrors.Conflict("cohort review %d was modified concurrently", review.CohortReviewID)
	}
	return r.GetReview(ctx, review.CohortReviewID)
}

// ActiveReviewForCohort returns the latest review for a cohort, or nil
// when none exists.
func (r *Repository) ActiveReviewForCohort(ctx context.Context, cohortID int64) (*models.CohortReview, error) {
	var row reviewModel
	err := r.db.WithContext(ctx).Where("cohort_id = ?", cohortID).Order("created_at DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	review := buildReview(&row)
	return &review, nil
}

func (r *Repository) GetReview(ctx context.Context, reviewID int64) (models.CohortReview, error) {
	var row reviewModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", reviewID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.CohortReview{}, apierrors.NotFound("cohort review %d not found", reviewID)
		}
		return models.CohortReview{}, err
	}
	return buildReview(&row), nil
}

func (r *Repository) GetParticipantStatus(ctx context.Context, reviewID, participantID int64) (models.ParticipantCohortStatus, error) {
	var row participantStatusModel
	err := r.db.WithContext(ctx).
		First(&row, "cohort_review_id = ? AND participant_id = ?", reviewID, participantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ParticipantCohortStatus{},
				apierrors.NotFound("participant %d not found in review %d", participantID, reviewID)
		}
		return models.ParticipantCohortStatus{}, err
	}
	return buildParticipantStatus(&row), nil
}

// UpdateParticipantStatus sets a participant's status and refreshes the
// review's reviewed count in the same transaction.
func (r *Repository) UpdateParticipantStatus(ctx context.Context, reviewID, participantID int64,
	status models.CohortStatus) (models.ParticipantCohortStatus, error) {
	var updated participantStatusModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&participantStatusModel{}).
			Where("cohort_review_id = ? AND participant_id = ?", reviewID, participantID).
			Updates(map[string]interface{}{
				"status":     string(status),
				"updated_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apierrors.NotFound("participant %d not found in review %d", participantID, reviewID)
		}
		var reviewed int64
		if err := tx.Model(&participantStatusModel{}).
			Where("cohort_review_id = ? AND status != ?", reviewID, string(models.StatusNotReviewed)).
			Count(&reviewed).Error; err != nil {
			return err
		}
		if err := tx.Model(&reviewModel{}).Where("id = ?", reviewID).
			Update("reviewed_count", reviewed).Error; err != nil {
			return err
		}
		return tx.First(&updated, "cohort_review_id = ? AND participant_id = ?", reviewID, participantID).Error
	})
	if err != nil {
		return models.ParticipantCohortStatus{}, err
	}
	return buildParticipantStatus(&updated), nil
}

// ListParticipantStatuses pages participants ordered by participant id.
func (r *Repository) ListParticipantStatuses(ctx context.Context, reviewID int64,
	statusFilter []models.CohortStatus, limit, offset int64) ([]models.ParticipantCohortStatus, error) {
	query := r.db.WithContext(ctx).Where("cohort_review_id = ?", reviewID)
	if len(statusFilter) > 0 {
		query = query.Where("status IN ?", statusStrings(statusFilter))
	}
	var rows []participantStatusModel
	if err := query.Order("participant_id").Limit(int(limit)).Offset(int(offset)).Find(&rows).Error; err != nil {
		return nil, err
	}
	statuses := make([]models.ParticipantCohortStatus, 0, len(rows))
	for i := range rows {
		statuses = append(statuses, buildParticipantStatus(&rows[i]))
	}
	return statuses, nil
}

func (r *Repository) ParticipantIDsWithStatusIn(ctx context.Context, reviewID int64,
	statuses []models.CohortStatus) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&participantStatusModel{}).
		Where("cohort_review_id = ? AND status IN ?", reviewID, statusStrings(statuses)).
		Order("participant_id").
		Pluck("participant_id", &ids).Error
	return ids, err
}

func (r *Repository) ParticipantIDsWithStatusNotIn(ctx context.Context, reviewID int64,
	statuses []models.CohortStatus) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&participantStatusModel{}).
		Where("cohort_review_id = ? AND status NOT IN ?", reviewID, statusStrings(statuses)).
		Order("participant_id").
		Pluck("participant_id", &ids).Error
	return ids, err
}

func (r *Repository) CreateAnnotationDefinition(ctx context.Context,
	def models.CohortAnnotationDefinition) (models.CohortAnnotationDefinition, error) {
	row := &annotationDefinitionModel{
		CohortID:       def.CohortID,
		ColumnName:     def.ColumnName,
		AnnotationType: string(def.AnnotationType),
		Version:        1,
		CreatedAt:      time.Now().UTC(),
	}
	if len(def.EnumValues) > 0 {
		if data, err := json.Marshal(def.EnumValues); err == nil {
			row.EnumValues = datatypes.JSON(data)
		}
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return models.CohortAnnotationDefinition{}, err
	}
	return buildAnnotationDefinition(row), nil
}

func (r *Repository) GetAnnotationDefinition(ctx context.Context, defID int64) (models.CohortAnnotationDefinition, error) {
	var row annotationDefinitionModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", defID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.CohortAnnotationDefinition{}, apierrors.NotFound("annotation definition %d not found", defID)
		}
		return models.CohortAnnotationDefinition{}, err
	}
	return buildAnnotationDefinition(&row), nil
}

func (r *Repository) ListAnnotationDefinitions(ctx context.Context, cohortID int64) ([]models.CohortAnnotationDefinition, error) {
	var rows []annotationDefinitionModel
	if err := r.db.WithContext(ctx).Where("cohort_id = ?", cohortID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	defs := make([]models.CohortAnnotationDefinition, 0, len(rows))
	for i := range rows {
		defs = append(defs, buildAnnotationDefinition(&rows[i]))
	}
	return defs, nil
}

// RenameAnnotationDefinition changes the column name under etag
// protection.
func (r *Repository) RenameAnnotationDefinition(ctx context.Context,
	def models.CohortAnnotationDefinition) (models.CohortAnnotationDefinition, error) {
	version, err := models.VersionFromEtag(def.Etag)
	if err != nil {
		return models.CohortAnnotationDefinition{}, apierrors.BadRequest(apierrors.CodeInvalidRequest, "%v", err)
	}
	result := r.db.WithContext(ctx).Model(&annotationDefinitionModel{}).
		Where("id = ? AND version = ?", def.CohortAnnotationDefinitionID, version).
		Updates(map[string]interface{}{
			"column_name": def.ColumnName,
			"version":     version + 1,
		})
	if result.Error != nil {
		return models.CohortAnnotationDefinition{}, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetAnnotationDefinition(ctx, def.CohortAnnotationDefinitionID); err != nil {
			return models.CohortAnnotationDefinition{}, err
		}
		return models.CohortAnnotationDefinition{},
			apierrors.Conflict("annotation definition %d was modified concurrently", def.CohortAnnotationDefinitionID)
	}
	return r.GetAnnotationDefinition(ctx, def.CohortAnnotationDefinitionID)
}

func (r *Repository) DeleteAnnotationDefinition(ctx context.Context, defID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&annotationValueModel{}, "cohort_annotation_definition_id = ?", defID).Error; err != nil {
			return err
		}
		result := tx.Delete(&annotationDefinitionModel{}, "id = ?", defID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apierrors.NotFound("annotation definition %d not found", defID)
		}
		return nil
	})
}

func (r *Repository) CreateAnnotation(ctx context.Context,
	annotation models.ParticipantCohortAnnotation) (models.ParticipantCohortAnnotation, error) {
	var existing int64
	err := r.db.WithContext(ctx).Model(&annotationValueModel{}).
		Where("cohort_annotation_definition_id = ? AND cohort_review_id = ? AND participant_id = ?",
			annotation.CohortAnnotationDefinitionID, annotation.CohortReviewID, annotation.ParticipantID).
		Count(&existing).Error
	if err != nil {
		return models.ParticipantCohortAnnotation{}, err
	}
	if existing > 0 {
		return models.ParticipantCohortAnnotation{},
			apierrors.Conflict("annotation already exists for participant %d", annotation.ParticipantID)
	}
	row := &annotationValueModel{
		DefinitionID:   annotation.CohortAnnotationDefinitionID,
		CohortReviewID: annotation.CohortReviewID,
		ParticipantID:  annotation.ParticipantID,
		ValueString:    annotation.AnnotationValueString,
		ValueEnum:      annotation.AnnotationValueEnum,
		ValueDate:      annotation.AnnotationValueDate,
		ValueBoolean:   annotation.AnnotationValueBoolean,
		ValueInteger:   annotation.AnnotationValueInteger,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return models.ParticipantCohortAnnotation{}, err
	}
	return buildAnnotation(row), nil
}

func (r *Repository) UpdateAnnotation(ctx context.Context,
	annotation models.ParticipantCohortAnnotation) (models.ParticipantCohortAnnotation, error) {
	result := r.db.WithContext(ctx).Model(&annotationValueModel{}).
		Where("id = ?", annotation.AnnotationID).
		Updates(map[string]interface{}{
			"value_string":  annotation.AnnotationValueString,
			"value_enum":    annotation.AnnotationValueEnum,
			"value_date":    annotation.AnnotationValueDate,
			"value_boolean": annotation.AnnotationValueBoolean,
			"value_integer": annotation.AnnotationValueInteger,
		})
	if result.Error != nil {
		return models.ParticipantCohortAnnotation{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.ParticipantCohortAnnotation{}, apierrors.NotFound("annotation %d not found", annotation.AnnotationID)
	}
	var row annotationValueModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", annotation.AnnotationID).Error; err != nil {
		return models.ParticipantCohortAnnotation{}, err
	}
	return buildAnnotation(&row), nil
}

func (r *Repository) DeleteAnnotation(ctx context.Context, annotationID int64) error {
	result := r.db.WithContext(ctx).Delete(&annotationValueModel{}, "id = ?", annotationID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apierrors.NotFound("annotation %d not found", annotationID)
	}
	return nil
}

func (r *Repository) ListAnnotations(ctx context.Context, reviewID, participantID int64) ([]models.ParticipantCohortAnnotation, error) {
	var rows []annotationValueModel
	err := r.db.WithContext(ctx).
		Where("cohort_review_id = ? AND participant_id = ?", reviewID, participantID).
		Order("id").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	annotations := make([]models.ParticipantCohortAnnotation, 0, len(rows))
	for i := range rows {
		annotations = append(annotations, buildAnnotation(&rows[i]))
	}
	return annotations, nil
}

func buildReview(row *reviewModel) models.CohortReview {
	return models.CohortReview{
		CohortReviewID: row.ID,
		CohortID:       row.CohortID,
		CdrVersionID:   row.CdrVersionID,
		CohortName:     row.CohortName,
		Description:    row.Description,
		Etag:           models.EtagFromVersion(row.Version),
		MatchedCount:   row.MatchedCount,
		ReviewSize:     row.ReviewSize,
		ReviewedCount:  row.ReviewedCount,
		ReviewStatus:   models.ReviewStatus(row.ReviewStatus),
		CreationTime:   row.CreatedAt,
	}
}

func buildParticipantStatus(row *participantStatusModel) models.ParticipantCohortStatus {
	return models.ParticipantCohortStatus{
		ParticipantID:      row.ParticipantID,
		Status:             models.CohortStatus(row.Status),
		GenderConceptID:    row.GenderConceptID,
		RaceConceptID:      row.RaceConceptID,
		EthnicityConceptID: row.EthnicityConceptID,
		BirthDate:          row.BirthDate,
		Deceased:           row.Deceased,
	}
}

func buildAnnotationDefinition(row *annotationDefinitionModel) models.CohortAnnotationDefinition {
	def := models.CohortAnnotationDefinition{
		CohortAnnotationDefinitionID: row.ID,
		CohortID:                     row.CohortID,
		ColumnName:                   row.ColumnName,
		AnnotationType:               models.AnnotationType(row.AnnotationType),
		Etag:                         models.EtagFromVersion(row.Version),
	}
	if len(row.EnumValues) > 0 {
		_ = json.Unmarshal(row.EnumValues, &def.EnumValues)
	}
	return def
}

func buildAnnotation(row *annotationValueModel) models.ParticipantCohortAnnotation {
	return models.ParticipantCohortAnnotation{
		AnnotationID:                 row.ID,
		CohortAnnotationDefinitionID: row.DefinitionID,
		CohortReviewID:               row.CohortReviewID,
		ParticipantID:                row.ParticipantID,
		AnnotationValueString:        row.ValueString,
		AnnotationValueEnum:          row.ValueEnum,
		AnnotationValueDate:          row.ValueDate,
		AnnotationValueBoolean:       row.ValueBoolean,
		AnnotationValueInteger:       row.ValueInteger,
	}
}

func statusStrings(statuses []models.CohortStatus) []string {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	return values
}
