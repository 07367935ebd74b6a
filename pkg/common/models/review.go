package models

import "time"

type CohortStatus string

const (
	StatusNotReviewed        CohortStatus = "NOT_REVIEWED"
	StatusIncluded           CohortStatus = "INCLUDED"
	StatusExcluded           CohortStatus = "EXCLUDED"
	StatusNeedsFurtherReview CohortStatus = "NEEDS_FURTHER_REVIEW"
)

// DefaultStatusFilter is applied when a request omits statusFilter:
// everything except EXCLUDED.
func DefaultStatusFilter() []CohortStatus {
	return []CohortStatus{StatusNotReviewed, StatusIncluded, StatusNeedsFurtherReview}
}

type ReviewStatus string

const (
	ReviewStatusNone    ReviewStatus = "NONE"
	ReviewStatusCreated ReviewStatus = "CREATED"
)

type AnnotationType string

const (
	AnnotationString  AnnotationType = "STRING"
	AnnotationEnum    AnnotationType = "ENUM"
	AnnotationDate    AnnotationType = "DATE"
	AnnotationBoolean AnnotationType = "BOOLEAN"
	AnnotationInteger AnnotationType = "INTEGER"
)

// Cohort is a named, persisted SearchRequest plus metadata. Etag guards
// read-modify-write updates.
type Cohort struct {
	ID               int64     `json:"id"`
	Etag             string    `json:"etag,omitempty"`
	Name             string    `json:"name"`
	Criteria         string    `json:"criteria"`
	Type             string    `json:"type,omitempty"`
	Description      string    `json:"description,omitempty"`
	Creator          string    `json:"creator,omitempty"`
	CreationTime     time.Time `json:"creationTime,omitempty"`
	LastModifiedTime time.Time `json:"lastModifiedTime,omitempty"`
}

type CohortReview struct {
	CohortReviewID   int64        `json:"cohortReviewId"`
	CohortID         int64        `json:"cohortId"`
	CdrVersionID     int64        `json:"cdrVersionId"`
	Etag             string       `json:"etag,omitempty"`
	CohortName       string       `json:"cohortName,omitempty"`
	Description      string       `json:"description,omitempty"`
	CohortDefinition string       `json:"cohortDefinition,omitempty"`
	MatchedCount     int64        `json:"matchedParticipantCount"`
	ReviewSize       int64        `json:"reviewSize"`
	ReviewedCount    int64        `json:"reviewedCount"`
	ReviewStatus     ReviewStatus `json:"reviewStatus"`
	CreationTime     time.Time    `json:"creationTime,omitempty"`
}

// ParticipantCohortStatus carries a demographic snapshot captured at
// review-creation time so review does not depend on the live warehouse.
type ParticipantCohortStatus struct {
	ParticipantID      int64        `json:"participantId"`
	Status             CohortStatus `json:"status"`
	GenderConceptID    int64        `json:"genderConceptId,omitempty"`
	RaceConceptID      int64        `json:"raceConceptId,omitempty"`
	EthnicityConceptID int64        `json:"ethnicityConceptId,omitempty"`
	BirthDate          string       `json:"birthDate,omitempty"`
	Deceased           bool         `json:"deceased"`
}

type CohortAnnotationDefinition struct {
	CohortAnnotationDefinitionID int64          `json:"cohortAnnotationDefinitionId"`
	CohortID                     int64          `json:"cohortId"`
	ColumnName                   string         `json:"columnName"`
	AnnotationType               AnnotationType `json:"annotationType"`
	EnumValues                   []string       `json:"enumValues,omitempty"`
	Etag                         string         `json:"etag,omitempty"`
}

// ParticipantCohortAnnotation populates exactly one typed value field,
// matching the definition's annotation type.
type ParticipantCohortAnnotation struct {
	AnnotationID                 int64   `json:"annotationId"`
	CohortAnnotationDefinitionID int64   `json:"cohortAnnotationDefinitionId"`
	CohortReviewID               int64   `json:"cohortReviewId"`
	ParticipantID                int64   `json:"participantId"`
	AnnotationValueString        *string `json:"annotationValueString,omitempty"`
	AnnotationValueEnum          *string `json:"annotationValueEnum,omitempty"`
	AnnotationValueDate          *string `json:"annotationValueDate,omitempty"`
	AnnotationValueBoolean       *bool   `json:"annotationValueBoolean,omitempty"`
	AnnotationValueInteger       *int64  `json:"annotationValueInteger,omitempty"`
}
