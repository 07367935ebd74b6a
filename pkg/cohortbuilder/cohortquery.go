package cohortbuilder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cohortworks/platform/pkg/cdr"
	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

const (
	searchPersonTable = "cb_search_person"

	countSQL = "SELECT COUNT(*) as count\n" +
		"FROM `${projectId}.${dataSetId}.cb_search_person` cb_search_person\n" +
		"WHERE "
	idSQL = "SELECT person_id\n FROM `${projectId}.${dataSetId}.cb_search_person` cb_search_person\n WHERE\n"

	randomSQL = "SELECT RAND() as x, person.person_id, race_concept_id, gender_concept_id, ethnicity_concept_id, birth_datetime, " +
		"CASE WHEN death.person_id IS NULL THEN false ELSE true END as deceased\n" +
		"FROM `${projectId}.${dataSetId}.person` person\n" +
		"LEFT JOIN `${projectId}.${dataSetId}.death` death ON (person.person_id = death.person_id)\n" +
		"WHERE person.person_id IN (%s)"
	randomOrderBySQL = "ORDER BY x\nLIMIT"

	unionAllUpper = "UNION ALL\n"

	includeTemplate = "%s.person_id IN (%s)\n"
	excludeTemplate = "%s.person_id NOT IN\n(%s)\n"

	personIDAllowlistParam = "person_id_whitelist"
	personIDDenylistParam  = "person_id_blacklist"
)

// ParticipantCriteria selects which participants a query covers: either a
// compiled SearchRequest (optionally minus an explicit denylist), or a
// fixed allowlist of participant ids with no compilation at all.
type ParticipantCriteria struct {
	SearchRequest           *models.SearchRequest
	ParticipantIDsToInclude []int64
	ParticipantIDsToExclude []int64
}

func NewParticipantCriteria(request *models.SearchRequest, idsToExclude []int64) *ParticipantCriteria {
	return &ParticipantCriteria{SearchRequest: request, ParticipantIDsToExclude: idsToExclude}
}

func NewParticipantIDCriteria(idsToInclude []int64) *ParticipantCriteria {
	return &ParticipantCriteria{ParticipantIDsToInclude: idsToInclude}
}

// CompiledQuery is the emitter's in-process output: SQL with ${projectId}
// and ${dataSetId} placeholders plus the named parameters it references.
type CompiledQuery struct {
	SQL    string
	Params *ParamRegistry
}

// QueryCompiler compiles participant criteria into warehouse SQL. The
// compiler itself is stateless; all per-request state lives in the
// ParamRegistry.
type QueryCompiler struct{}

func NewQueryCompiler() *QueryCompiler { return &QueryCompiler{} }

// BuildParticipantCountQuery counts the distinct participants matching
// the criteria.
func (c *QueryCompiler) BuildParticipantCountQuery(lookup cdr.ConceptLookup, criteria *ParticipantCriteria) (*CompiledQuery, error) {
	reg := NewParamRegistry()
	var sql strings.Builder
	sql.WriteString(countSQL)
	if err := c.AddWhereClause(lookup, criteria, searchPersonTable, reg, &sql); err != nil {
		return nil, err
	}
	if criteria.SearchRequest != nil {
		addDataFilters(criteria.SearchRequest.DataFilters, reg, &sql)
	}
	return &CompiledQuery{SQL: sql.String(), Params: reg}, nil
}

// BuildParticipantIDQuery selects the matching participant ids.
func (c *QueryCompiler) BuildParticipantIDQuery(lookup cdr.ConceptLookup, criteria *ParticipantCriteria) (*CompiledQuery, error) {
	reg := NewParamRegistry()
	var sql strings.Builder
	sql.WriteString(idSQL)
	if err := c.AddWhereClause(lookup, criteria, searchPersonTable, reg, &sql); err != nil {
		return nil, err
	}
	if criteria.SearchRequest != nil {
		addDataFilters(criteria.SearchRequest.DataFilters, reg, &sql)
	}
	return &CompiledQuery{SQL: sql.String(), Params: reg}, nil
}

// BuildRandomParticipantQuery samples matching participants in random
// order with the demographic columns needed to seed a review.
func (c *QueryCompiler) BuildRandomParticipantQuery(lookup cdr.ConceptLookup, criteria *ParticipantCriteria, resultSize, offset int64) (*CompiledQuery, error) {
	reg := NewParamRegistry()
	var inner strings.Builder
	inner.WriteString(idSQL)
	if err := c.AddWhereClause(lookup, criteria, searchPersonTable, reg, &inner); err != nil {
		return nil, err
	}
	if criteria.SearchRequest != nil {
		addDataFilters(criteria.SearchRequest.DataFilters, reg, &inner)
	}
	sql := fmt.Sprintf(randomSQL, inner.String())
	sql += fmt.Sprintf("%s %d", randomOrderBySQL, resultSize)
	if offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", offset)
	}
	return &CompiledQuery{SQL: sql, Params: reg}, nil
}

// AddWhereClause appends the participant predicate for the criteria to
// sql, scoped to mainTable.
//
// Include groups each become a person_id IN (...) predicate and are ANDed
// together; exclude groups become person_id NOT IN (...). When includes is
// empty the excludes compile as inclusions, so "excludes only" selects the
// participants the excludes describe. Both empty is a request error.
func (c *QueryCompiler) AddWhereClause(lookup cdr.ConceptLookup, criteria *ParticipantCriteria, mainTable string, reg *ParamRegistry, sql *strings.Builder) error {
	if criteria.SearchRequest == nil {
		sql.WriteString(fmt.Sprintf("%s.person_id IN unnest(%s)\n",
			mainTable, reg.AddNamed(personIDAllowlistParam, Int64ArrayParam(criteria.ParticipantIDsToInclude))))
		return nil
	}
	request := criteria.SearchRequest
	if len(request.Includes) == 0 && len(request.Excludes) == 0 {
		return apierrors.BadRequest(apierrors.CodeEmptyRequest,
			"invalid search request: includes[] and excludes[] cannot both be empty")
	}

	includeSQL, err := buildGroupsClause(lookup, request.Includes, mainTable, reg, false)
	if err != nil {
		return err
	}
	var clauses []string
	if includeSQL == "" {
		excludeSQL, err := buildGroupsClause(lookup, request.Excludes, mainTable, reg, false)
		if err != nil {
			return err
		}
		clauses = append(clauses, excludeSQL)
	} else {
		clauses = append(clauses, includeSQL)
		excludeSQL, err := buildGroupsClause(lookup, request.Excludes, mainTable, reg, true)
		if err != nil {
			return err
		}
		if excludeSQL != "" {
			clauses = append(clauses, excludeSQL)
		}
	}
	if len(criteria.ParticipantIDsToExclude) > 0 {
		clauses = append(clauses, fmt.Sprintf("%s.person_id NOT IN unnest(%s)\n",
			mainTable, reg.AddNamed(personIDDenylistParam, Int64ArrayParam(criteria.ParticipantIDsToExclude))))
	}
	sql.WriteString(strings.Join(clauses, "and "))
	return nil
}

func buildGroupsClause(lookup cdr.ConceptLookup, groups []models.SearchGroup, mainTable string, reg *ParamRegistry, exclude bool) (string, error) {
	var clauses []string
	for _, group := range groups {
		var queryParts []string
		if err := BuildGroupQueries(lookup, reg, &queryParts, group); err != nil {
			return "", err
		}
		groupSQL := strings.Join(queryParts, unionAllUpper)
		if exclude {
			clauses = append(clauses, fmt.Sprintf(excludeTemplate, mainTable, groupSQL))
		} else {
			clauses = append(clauses, fmt.Sprintf(includeTemplate, mainTable, groupSQL))
		}
	}
	return strings.Join(clauses, "and "), nil
}

// addDataFilters appends one "<column> = 1" predicate per requested data
// filter flag column.
func addDataFilters(dataFilters []string, reg *ParamRegistry, sql *strings.Builder) {
	filters := append([]string{}, dataFilters...)
	sort.Strings(filters)
	for _, filter := range filters {
		param := reg.Add(Int64Param(1))
		sql.WriteString(" AND " + filter + " = " + param + "\n")
	}
}
