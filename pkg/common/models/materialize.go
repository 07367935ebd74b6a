package models

import "encoding/json"

// ColumnFilter is a single leaf predicate against one column. Exactly one
// of the value slots may be populated; the query compiler rejects anything
// else as a malformed filter.
type ColumnFilter struct {
	ColumnName   string    `json:"columnName"`
	Operator     Operator  `json:"operator,omitempty"`
	Value        *string   `json:"value,omitempty"`
	Values       []string  `json:"values,omitempty"`
	ValueDate    *string   `json:"valueDate,omitempty"`
	ValueNumber  *float64  `json:"valueNumber,omitempty"`
	ValueNumbers []float64 `json:"valueNumbers,omitempty"`
	ValueNull    *bool     `json:"valueNull,omitempty"`
}

// ResultFilters is a recursive boolean tree. Exactly one of AllOf, AnyOf,
// ColumnFilter is set; IfNot negates the node.
type ResultFilters struct {
	IfNot        bool            `json:"ifNot,omitempty"`
	AllOf        []ResultFilters `json:"allOf,omitempty"`
	AnyOf        []ResultFilters `json:"anyOf,omitempty"`
	ColumnFilter *ColumnFilter   `json:"columnFilter,omitempty"`
}

type TableQuery struct {
	TableName string         `json:"tableName"`
	Columns   []string       `json:"columns,omitempty"`
	Filters   *ResultFilters `json:"filters,omitempty"`
	OrderBy   []string       `json:"orderBy,omitempty"`
}

type AnnotationQuery struct {
	Columns []string `json:"columns,omitempty"`
	OrderBy []string `json:"orderBy,omitempty"`
}

// FieldSet selects the projection for materialized rows: either warehouse
// table columns or review annotation columns, never both.
type FieldSet struct {
	TableQuery      *TableQuery      `json:"tableQuery,omitempty"`
	AnnotationQuery *AnnotationQuery `json:"annotationQuery,omitempty"`
}

type MaterializeCohortRequest struct {
	CohortName     string          `json:"cohortName,omitempty"`
	CohortSpec     json.RawMessage `json:"cohortSpec,omitempty"`
	StatusFilter   []CohortStatus  `json:"statusFilter,omitempty"`
	CdrVersionName string          `json:"cdrVersionName,omitempty"`
	PageToken      string          `json:"pageToken,omitempty"`
	PageSize       int             `json:"pageSize,omitempty"`
	FieldSet       *FieldSet       `json:"fieldSet,omitempty"`
	ConceptIDs     []int64         `json:"conceptIds,omitempty"`
	ConceptSetID   int64           `json:"conceptSetId,omitempty"`
}

type MaterializeCohortResponse struct {
	Results       []map[string]interface{} `json:"results"`
	NextPageToken string                   `json:"nextPageToken,omitempty"`
}

// QueryParameter mirrors the BigQuery JSON named-parameter shape; generated
// clients depend on these field names.
type QueryParameter struct {
	Name           string         `json:"name"`
	ParameterType  ParameterType  `json:"parameterType"`
	ParameterValue ParameterValue `json:"parameterValue"`
}

type ParameterType struct {
	Type      string         `json:"type"`
	ArrayType *ParameterType `json:"arrayType,omitempty"`
}

type ParameterValue struct {
	Value       string           `json:"value,omitempty"`
	ArrayValues []ParameterValue `json:"arrayValues,omitempty"`
}

// CdrQuery is the emitter's canonical output. An empty Sql means the query
// matches nobody, not that it is unfiltered.
type CdrQuery struct {
	SQL             string                 `json:"sql"`
	Columns         []string               `json:"columns"`
	Configuration   map[string]interface{} `json:"configuration,omitempty"`
	BigqueryProject string                 `json:"bigqueryProject"`
	BigqueryDataset string                 `json:"bigqueryDataset"`
}

type DataSetQuery struct {
	Domain          string           `json:"domain"`
	Query           string           `json:"query"`
	NamedParameters []QueryParameter `json:"namedParameters,omitempty"`
}
