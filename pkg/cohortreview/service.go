package cohortreview

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cohortworks/platform/pkg/cdr"
	"github.com/cohortworks/platform/pkg/cohortbuilder"
	"github.com/cohortworks/platform/pkg/cohorts"
	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/kafka"
	"github.com/cohortworks/platform/pkg/common/logger"
	"github.com/cohortworks/platform/pkg/common/models"
	"github.com/cohortworks/platform/pkg/warehouse"
)

const maxReviewSize = 10000

// Service creates cohort reviews and manages participant statuses and
// annotations. Review creation snapshots a random participant sample from
// the warehouse so reviewing never re-runs the cohort query.
type Service struct {
	repo     *Repository
	cohorts  *cohorts.Repository
	resolver *cdr.Resolver
	compiler *cohortbuilder.QueryCompiler
	client   warehouse.Client
	producer *kafka.Producer
}

func NewService(repo *Repository, cohortRepo *cohorts.Repository, resolver *cdr.Resolver,
	compiler *cohortbuilder.QueryCompiler, client warehouse.Client, producer *kafka.Producer) *Service {
	return &Service{
		repo:     repo,
		cohorts:  cohortRepo,
		resolver: resolver,
		compiler: compiler,
		client:   client,
		producer: producer,
	}
}

// CreateReview seeds a review with up to reviewSize randomly sampled
// participants, all starting NOT_REVIEWED, with their demographics
// captured from the warehouse.
func (s *Service) CreateReview(ctx context.Context, cohortID, cdrVersionID, reviewSize int64) (models.CohortReview, error) {
	if reviewSize <= 0 || reviewSize > maxReviewSize {
		return models.CohortReview{}, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"review size must be between 1 and %d", maxReviewSize)
	}
	existing, err := s.repo.ActiveReviewForCohort(ctx, cohortID)
	if err != nil {
		return models.CohortReview{}, err
	}
	if existing != nil {
		return models.CohortReview{}, apierrors.Conflict("cohort %d already has a review", cohortID)
	}
	cohort, err := s.cohorts.GetCohort(ctx, cohortID)
	if err != nil {
		return models.CohortReview{}, err
	}
	var searchRequest models.SearchRequest
	if err := json.Unmarshal([]byte(cohort.Criteria), &searchRequest); err != nil {
		return models.CohortReview{}, apierrors.BadRequest(apierrors.CodeParseError, "could not parse cohort criteria")
	}
	lookup, err := s.resolver.BuildLookup(ctx, &searchRequest)
	if err != nil {
		return models.CohortReview{}, err
	}
	criteria := cohortbuilder.NewParticipantCriteria(&searchRequest, nil)

	countQuery, err := s.compiler.BuildParticipantCountQuery(lookup, criteria)
	if err != nil {
		return models.CohortReview{}, err
	}
	countResult, err := s.client.ExecuteQuery(ctx, countQuery.SQL, countQuery.Params.Params())
	if err != nil {
		return models.CohortReview{}, err
	}
	matched := firstInt64(countResult)
	if matched < reviewSize {
		reviewSize = matched
	}

	var statuses []models.ParticipantCohortStatus
	if reviewSize > 0 {
		sampleQuery, err := s.compiler.BuildRandomParticipantQuery(lookup, criteria, reviewSize, 0)
		if err != nil {
			return models.CohortReview{}, err
		}
		sample, err := s.client.ExecuteQuery(ctx, sampleQuery.SQL, sampleQuery.Params.Params())
		if err != nil {
			return models.CohortReview{}, err
		}
		statuses = participantsFromSample(sample)
	}

	review := models.CohortReview{
		CohortID:     cohortID,
		CdrVersionID: cdrVersionID,
		CohortName:   cohort.Name,
		MatchedCount: matched,
		ReviewSize:   reviewSize,
		ReviewStatus: models.ReviewStatusCreated,
	}
	created, err := s.repo.CreateReview(ctx, review, statuses)
	if err != nil {
		return models.CohortReview{}, err
	}
	logger.Log.WithFields(map[string]interface{}{
		"cohort_id":   cohortID,
		"review_id":   created.CohortReviewID,
		"review_size": reviewSize,
	}).Info("Cohort review created")
	return created, nil
}

func (s *Service) GetReview(ctx context.Context, reviewID int64) (models.CohortReview, error) {
	return s.repo.GetReview(ctx, reviewID)
}

// UpdateReview renames a review or edits its description. The etag must
// match the version the caller last read.
func (s *Service) UpdateReview(ctx context.Context, review models.CohortReview) (models.CohortReview, error) {
	if review.CohortName == "" {
		return models.CohortReview{}, apierrors.BadRequest(apierrors.CodeInvalidRequest, "cohortName is required")
	}
	return s.repo.UpdateReview(ctx, review)
}

func (s *Service) ListParticipantStatuses(ctx context.Context, reviewID int64,
	statusFilter []models.CohortStatus, limit, offset int64) ([]models.ParticipantCohortStatus, error) {
	if _, err := s.repo.GetReview(ctx, reviewID); err != nil {
		return nil, err
	}
	return s.repo.ListParticipantStatuses(ctx, reviewID, statusFilter, limit, offset)
}

// UpdateParticipantStatus moves a participant through the review workflow
// and emits an audit event.
func (s *Service) UpdateParticipantStatus(ctx context.Context, reviewID, participantID int64,
	status models.CohortStatus) (models.ParticipantCohortStatus, error) {
	switch status {
	case models.StatusIncluded, models.StatusExcluded, models.StatusNeedsFurtherReview, models.StatusNotReviewed:
	default:
		return models.ParticipantCohortStatus{}, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"unknown cohort status: %s", status)
	}
	updated, err := s.repo.UpdateParticipantStatus(ctx, reviewID, participantID, status)
	if err != nil {
		return models.ParticipantCohortStatus{}, err
	}
	if s.producer != nil {
		s.producer.PublishEvent(ctx, kafka.EventReviewStatusChanged, "cohortreview", map[string]interface{}{
			"reviewId":      reviewID,
			"participantId": participantID,
			"status":        string(status),
		})
	}
	return updated, nil
}

func (s *Service) CreateAnnotationDefinition(ctx context.Context,
	def models.CohortAnnotationDefinition) (models.CohortAnnotationDefinition, error) {
	if def.ColumnName == "" {
		return models.CohortAnnotationDefinition{}, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"columnName is required")
	}
	if def.ColumnName == reservedPersonID || def.ColumnName == reservedReviewStatus {
		return models.CohortAnnotationDefinition{}, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"%s is a reserved column name", def.ColumnName)
	}
	switch def.AnnotationType {
	case models.AnnotationString, models.AnnotationDate, models.AnnotationBoolean, models.AnnotationInteger:
		if len(def.EnumValues) > 0 {
			return models.CohortAnnotationDefinition{}, apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"enumValues are only allowed on ENUM annotations")
		}
	case models.AnnotationEnum:
		if len(def.EnumValues) == 0 {
			return models.CohortAnnotationDefinition{}, apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"ENUM annotations require enumValues")
		}
	default:
		return models.CohortAnnotationDefinition{}, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"unknown annotation type: %s", def.AnnotationType)
	}
	existing, err := s.repo.ListAnnotationDefinitions(ctx, def.CohortID)
	if err != nil {
		return models.CohortAnnotationDefinition{}, err
	}
	for _, other := range existing {
		if other.ColumnName == def.ColumnName {
			return models.CohortAnnotationDefinition{},
				apierrors.Conflict("annotation column %s already exists", def.ColumnName)
		}
	}
	return s.repo.CreateAnnotationDefinition(ctx, def)
}

// CreateAnnotation validates that exactly one value slot is populated and
// that it matches the definition's type before storing.
func (s *Service) CreateAnnotation(ctx context.Context,
	annotation models.ParticipantCohortAnnotation) (models.ParticipantCohortAnnotation, error) {
	def, err := s.repo.GetAnnotationDefinition(ctx, annotation.CohortAnnotationDefinitionID)
	if err != nil {
		return models.ParticipantCohortAnnotation{}, err
	}
	if _, err := s.repo.GetParticipantStatus(ctx, annotation.CohortReviewID, annotation.ParticipantID); err != nil {
		return models.ParticipantCohortAnnotation{}, err
	}
	if err := validateAnnotationValue(def, annotation); err != nil {
		return models.ParticipantCohortAnnotation{}, err
	}
	return s.repo.CreateAnnotation(ctx, annotation)
}

func (s *Service) UpdateAnnotation(ctx context.Context,
	annotation models.ParticipantCohortAnnotation) (models.ParticipantCohortAnnotation, error) {
	def, err := s.repo.GetAnnotationDefinition(ctx, annotation.CohortAnnotationDefinitionID)
	if err != nil {
		return models.ParticipantCohortAnnotation{}, err
	}
	if err := validateAnnotationValue(def, annotation); err != nil {
		return models.ParticipantCohortAnnotation{}, err
	}
	return s.repo.UpdateAnnotation(ctx, annotation)
}

func validateAnnotationValue(def models.CohortAnnotationDefinition,
	annotation models.ParticipantCohortAnnotation) error {
	set := 0
	if annotation.AnnotationValueString != nil {
		set++
	}
	if annotation.AnnotationValueEnum != nil {
		set++
	}
	if annotation.AnnotationValueDate != nil {
		set++
	}
	if annotation.AnnotationValueBoolean != nil {
		set++
	}
	if annotation.AnnotationValueInteger != nil {
		set++
	}
	if set != 1 {
		return apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"exactly one annotation value must be specified")
	}
	switch def.AnnotationType {
	case models.AnnotationString:
		if annotation.AnnotationValueString == nil {
			return annotationTypeMismatch(def)
		}
	case models.AnnotationEnum:
		if annotation.AnnotationValueEnum == nil {
			return annotationTypeMismatch(def)
		}
		for _, allowed := range def.EnumValues {
			if allowed == *annotation.AnnotationValueEnum {
				return nil
			}
		}
		return apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"%q is not a permitted value for annotation %s", *annotation.AnnotationValueEnum, def.ColumnName)
	case models.AnnotationDate:
		if annotation.AnnotationValueDate == nil {
			return annotationTypeMismatch(def)
		}
		if _, err := time.Parse("2006-01-02", *annotation.AnnotationValueDate); err != nil {
			return apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"invalid date %q for annotation %s; expected format yyyy-MM-dd",
				*annotation.AnnotationValueDate, def.ColumnName)
		}
	case models.AnnotationBoolean:
		if annotation.AnnotationValueBoolean == nil {
			return annotationTypeMismatch(def)
		}
	case models.AnnotationInteger:
		if annotation.AnnotationValueInteger == nil {
			return annotationTypeMismatch(def)
		}
	}
	return nil
}

func annotationTypeMismatch(def models.CohortAnnotationDefinition) error {
	return apierrors.BadRequest(apierrors.CodeInvalidRequest,
		"annotation %s requires a %s value", def.ColumnName, def.AnnotationType)
}

func firstInt64(result *warehouse.ResultSet) int64 {
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 || result.Rows[0][0] == nil {
		return 0
	}
	value, err := strconv.ParseInt(*result.Rows[0][0], 10, 64)
	if err != nil {
		return 0
	}
	return value
}

// participantsFromSample turns random-sample rows into NOT_REVIEWED
// participant snapshots, mapping warehouse columns by name.
func participantsFromSample(sample *warehouse.ResultSet) []models.ParticipantCohortStatus {
	index := map[string]int{}
	for i, column := range sample.Columns {
		index[column] = i
	}
	cell := func(row []*string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) || row[i] == nil {
			return ""
		}
		return *row[i]
	}
	statuses := make([]models.ParticipantCohortStatus, 0, len(sample.Rows))
	for _, row := range sample.Rows {
		personID, err := strconv.ParseInt(cell(row, "person_id"), 10, 64)
		if err != nil {
			continue
		}
		status := models.ParticipantCohortStatus{
			ParticipantID: personID,
			Status:        models.StatusNotReviewed,
			Deceased:      cell(row, "deceased") == "true",
			BirthDate:     birthDate(cell(row, "birth_datetime")),
		}
		if v, err := strconv.ParseInt(cell(row, "gender_concept_id"), 10, 64); err == nil {
			status.GenderConceptID = v
		}
		if v, err := strconv.ParseInt(cell(row, "race_concept_id"), 10, 64); err == nil {
			status.RaceConceptID = v
		}
		if v, err := strconv.ParseInt(cell(row, "ethnicity_concept_id"), 10, 64); err == nil {
			status.EthnicityConceptID = v
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// birthDate converts the warehouse's epoch-seconds timestamp encoding to a
// calendar date.
func birthDate(raw string) string {
	if raw == "" {
		return ""
	}
	epoch, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	return time.Unix(int64(epoch), 0).UTC().Format("2006-01-02")
}
