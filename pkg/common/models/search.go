package models

// Closed vocabularies. Wire strings are part of the external contract and
// must not change, even where they diverge from a nicer Go identifier.

type Domain string

const (
	DomainCondition           Domain = "CONDITION"
	DomainDrug                Domain = "DRUG"
	DomainMeasurement         Domain = "MEASUREMENT"
	DomainObservation         Domain = "OBSERVATION"
	DomainProcedure           Domain = "PROCEDURE"
	DomainVisit               Domain = "VISIT"
	DomainSurvey              Domain = "SURVEY"
	DomainPerson              Domain = "PERSON"
	DomainPhysicalMeasurement Domain = "PHYSICAL_MEASUREMENT"
)

type CriteriaType string

const (
	CriteriaTypeICD9CM    CriteriaType = "ICD9CM"
	CriteriaTypeICD10CM   CriteriaType = "ICD10CM"
	CriteriaTypeICD10PCS  CriteriaType = "ICD10PCS"
	CriteriaTypeCPT4      CriteriaType = "CPT4"
	CriteriaTypeLOINC     CriteriaType = "LOINC"
	CriteriaTypeSNOMED    CriteriaType = "SNOMED"
	CriteriaTypeATC       CriteriaType = "ATC"
	CriteriaTypeRXNORM    CriteriaType = "RXNORM"
	CriteriaTypePPI       CriteriaType = "PPI"
	CriteriaTypeAge       CriteriaType = "AGE"
	CriteriaTypeGender    CriteriaType = "GENDER"
	CriteriaTypeRace      CriteriaType = "RACE"
	CriteriaTypeEthnicity CriteriaType = "ETHNICITY"
	CriteriaTypeDeceased  CriteriaType = "DECEASED"
	CriteriaTypeVisit     CriteriaType = "VISIT"
)

type Operator string

const (
	OperatorEqual              Operator = "EQUAL"
	OperatorNotEqual           Operator = "NOT_EQUAL"
	OperatorLessThan           Operator = "LESS_THAN"
	OperatorGreaterThan        Operator = "GREATER_THAN"
	OperatorLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL_TO"
	OperatorGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL_TO"
	OperatorLike               Operator = "LIKE"
	OperatorIn                 Operator = "IN"
	OperatorBetween            Operator = "BETWEEN"
)

type ModifierType string

const (
	ModifierAgeAtEvent       ModifierType = "AGE_AT_EVENT"
	ModifierNumOfOccurrences ModifierType = "NUM_OF_OCCURRENCES"
	ModifierEventDate        ModifierType = "EVENT_DATE"
	ModifierEncounters       ModifierType = "ENCOUNTERS"
)

type TemporalMention string

const (
	MentionFirst TemporalMention = "FIRST_MENTION"
	MentionLast  TemporalMention = "LAST_MENTION"
	MentionAny   TemporalMention = "ANY_MENTION"
)

type TemporalTime string

const (
	TimeSameEncounter TemporalTime = "DURING_SAME_ENCOUNTER_AS"
	TimeXDaysBefore   TemporalTime = "X_DAYS_BEFORE"
	TimeXDaysAfter    TemporalTime = "X_DAYS_AFTER"
	TimeWithinXDaysOf TemporalTime = "WITHIN_X_DAYS_OF"
)

type AttrName string

const (
	AttrAny AttrName = "ANY"
	AttrNum AttrName = "NUM"
	AttrCat AttrName = "CAT"
)

// SearchRequest is the persisted cohort definition. Both arrays are
// required on the wire; either may be empty but not both.
type SearchRequest struct {
	Includes    []SearchGroup `json:"includes"`
	Excludes    []SearchGroup `json:"excludes"`
	DataFilters []string      `json:"dataFilters,omitempty"`
}

type SearchGroup struct {
	ID        string            `json:"id,omitempty"`
	Temporal  bool              `json:"temporal"`
	Mention   TemporalMention   `json:"mention,omitempty"`
	Time      TemporalTime      `json:"time,omitempty"`
	TimeValue int64             `json:"timeValue,omitempty"`
	TimeFrame string            `json:"timeFrame,omitempty"`
	Items     []SearchGroupItem `json:"items"`
}

type SearchGroupItem struct {
	ID               string            `json:"id,omitempty"`
	Type             string            `json:"type"`
	SearchParameters []SearchParameter `json:"searchParameters"`
	Modifiers        []Modifier        `json:"modifiers,omitempty"`
	// TemporalGroup is 0 for the anchor side and 1 for the target side of
	// a temporal group; nil outside temporal groups.
	TemporalGroup *int `json:"temporalGroup,omitempty"`
}

type SearchParameter struct {
	ParameterID  string      `json:"parameterId,omitempty"`
	Name         string      `json:"name,omitempty"`
	Domain       string      `json:"domain"`
	Type         string      `json:"type"`
	Subtype      string      `json:"subtype,omitempty"`
	Group        bool        `json:"group"`
	Standard     bool        `json:"standard"`
	AncestorData bool        `json:"ancestorData"`
	ConceptID    *int64      `json:"conceptId,omitempty"`
	Attributes   []Attribute `json:"attributes,omitempty"`
}

type Attribute struct {
	Name      AttrName `json:"name"`
	Operator  Operator `json:"operator,omitempty"`
	Operands  []string `json:"operands,omitempty"`
	ConceptID *int64   `json:"conceptId,omitempty"`
}

type Modifier struct {
	Name     ModifierType `json:"name"`
	Operator Operator     `json:"operator"`
	Operands []string     `json:"operands"`
}
