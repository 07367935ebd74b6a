package cohortbuilder

import (
	"strings"
	"testing"

	"github.com/cohortworks/platform/pkg/cdr"
	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

func conceptID(v int64) *int64 { return &v }

func conditionItem(ids ...*int64) models.SearchGroupItem {
	var params []models.SearchParameter
	for i, id := range ids {
		params = append(params, models.SearchParameter{
			ParameterID: "param" + string(rune('A'+i)),
			Domain:      string(models.DomainCondition),
			Type:        string(models.CriteriaTypeSNOMED),
			Standard:    true,
			ConceptID:   id,
		})
	}
	return models.SearchGroupItem{ID: "item1", Type: string(models.DomainCondition), SearchParameters: params}
}

func TestBuildGroupQueriesConceptItem(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	group := models.SearchGroup{Items: []models.SearchGroupItem{conditionItem(conceptID(101), conceptID(102))}}
	if err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group); err != nil {
		t.Fatalf("failed to build group: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected one subquery, got %d", len(parts))
	}
	sql := parts[0]
	if !strings.Contains(sql, "from `${projectId}.${dataSetId}.search_all_domains`") {
		t.Fatalf("expected search table reference, got:\n%s", sql)
	}
	if !strings.Contains(sql, "concept_id in unnest(@p0)") {
		t.Fatalf("expected concept id predicate on @p0, got:\n%s", sql)
	}
	if !strings.Contains(sql, "is_standard = @p1") {
		t.Fatalf("expected standard flag predicate, got:\n%s", sql)
	}
	ids, ok := reg.Get("p0")
	if !ok || len(ids.ArrayValues) != 2 {
		t.Fatalf("expected two concept ids in p0, got %+v", ids)
	}
	standard, _ := reg.Get("p1")
	if standard.Value != "1" {
		t.Fatalf("expected standard flag 1, got %s", standard.Value)
	}
}

func TestBuildGroupQueriesExpandsGroupConcepts(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	item := models.SearchGroupItem{
		ID:   "item1",
		Type: string(models.DomainCondition),
		SearchParameters: []models.SearchParameter{{
			ParameterID: "paramA",
			Domain:      string(models.DomainCondition),
			Type:        string(models.CriteriaTypeICD9CM),
			Group:       true,
			ConceptID:   conceptID(44),
		}},
	}
	lookup := cdr.ConceptLookup{"paramA": {1, 2, 3}}
	group := models.SearchGroup{Items: []models.SearchGroupItem{item}}
	if err := BuildGroupQueries(lookup, reg, &parts, group); err != nil {
		t.Fatalf("failed to build group: %v", err)
	}
	ids, _ := reg.Get("p0")
	if len(ids.ArrayValues) != 4 {
		t.Fatalf("expected children plus own concept id, got %+v", ids.ArrayValues)
	}
}

func TestBuildGroupQueriesEmptyParametersRejected(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	group := models.SearchGroup{Items: []models.SearchGroupItem{{ID: "item1", Type: string(models.DomainCondition)}}}
	err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group)
	if !apierrors.IsCode(err, apierrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestModifiersAppendInFixedOrder(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	item := conditionItem(conceptID(5))
	item.Modifiers = []models.Modifier{
		{Name: models.ModifierEncounters, Operator: models.OperatorIn, Operands: []string{"9202"}},
		{Name: models.ModifierAgeAtEvent, Operator: models.OperatorGreaterThanOrEqual, Operands: []string{"21"}},
		{Name: models.ModifierNumOfOccurrences, Operator: models.OperatorGreaterThanOrEqual, Operands: []string{"2"}},
	}
	group := models.SearchGroup{Items: []models.SearchGroupItem{item}}
	if err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group); err != nil {
		t.Fatalf("failed to build group: %v", err)
	}
	sql := parts[0]
	ageIdx := strings.Index(sql, "and age_at_event ")
	encounterIdx := strings.Index(sql, "and visit_concept_id ")
	if ageIdx < 0 || encounterIdx < 0 || ageIdx > encounterIdx {
		t.Fatalf("expected age modifier before encounters modifier, got:\n%s", sql)
	}
	if !strings.HasSuffix(sql, "having count(criteria.person_id) >= @p4\n") {
		t.Fatalf("expected occurrences clause last, got:\n%s", sql)
	}
	if !strings.Contains(sql, "select criteria.person_id from (") {
		t.Fatalf("expected modifier wrapper, got:\n%s", sql)
	}
}

func TestDuplicateModifierRejected(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	item := conditionItem(conceptID(5))
	item.Modifiers = []models.Modifier{
		{Name: models.ModifierAgeAtEvent, Operator: models.OperatorGreaterThan, Operands: []string{"18"}},
		{Name: models.ModifierAgeAtEvent, Operator: models.OperatorLessThan, Operands: []string{"65"}},
	}
	group := models.SearchGroup{Items: []models.SearchGroupItem{item}}
	err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group)
	if !apierrors.IsCode(err, apierrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for duplicate modifier, got %v", err)
	}
}

func TestNumericAttributeAndBetween(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	item := models.SearchGroupItem{
		ID:   "item1",
		Type: string(models.DomainMeasurement),
		SearchParameters: []models.SearchParameter{{
			ParameterID: "paramA",
			Domain:      string(models.DomainMeasurement),
			Type:        string(models.CriteriaTypeLOINC),
			Standard:    true,
			ConceptID:   conceptID(3000963),
			Attributes: []models.Attribute{{
				Name:     models.AttrNum,
				Operator: models.OperatorBetween,
				Operands: []string{"10", "20"},
			}},
		}},
	}
	group := models.SearchGroup{Items: []models.SearchGroupItem{item}}
	if err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group); err != nil {
		t.Fatalf("failed to build group: %v", err)
	}
	if !strings.Contains(parts[0], "value_as_number BETWEEN @p1 and @p2") {
		t.Fatalf("expected BETWEEN predicate with two params, got:\n%s", parts[0])
	}
}

func TestSurveyCategoricalUsesSourceConceptColumn(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	item := models.SearchGroupItem{
		ID:   "item1",
		Type: string(models.DomainSurvey),
		SearchParameters: []models.SearchParameter{{
			ParameterID: "paramA",
			Domain:      string(models.DomainSurvey),
			Type:        string(models.CriteriaTypePPI),
			ConceptID:   conceptID(1585838),
			Attributes: []models.Attribute{{
				Name:     models.AttrCat,
				Operator: models.OperatorIn,
				Operands: []string{"1585840"},
			}},
		}},
	}
	group := models.SearchGroup{Items: []models.SearchGroupItem{item}}
	if err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group); err != nil {
		t.Fatalf("failed to build group: %v", err)
	}
	if !strings.Contains(parts[0], "value_source_concept_id") {
		t.Fatalf("expected source concept column for survey, got:\n%s", parts[0])
	}
}

func TestBloodPressurePairBuildsSystolicThenDiastolic(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	item := models.SearchGroupItem{
		ID:   "item1",
		Type: string(models.DomainPhysicalMeasurement),
		SearchParameters: []models.SearchParameter{{
			ParameterID: "paramA",
			Domain:      string(models.DomainPhysicalMeasurement),
			Type:        "BP",
			Standard:    true,
			Attributes: []models.Attribute{
				{Name: "systolic", Operator: models.OperatorLessThanOrEqual, Operands: []string{"120"}, ConceptID: conceptID(903118)},
				{Name: "diastolic", Operator: models.OperatorLessThanOrEqual, Operands: []string{"80"}, ConceptID: conceptID(903115)},
			},
		}},
	}
	group := models.SearchGroup{Items: []models.SearchGroupItem{item}}
	if err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group); err != nil {
		t.Fatalf("failed to build group: %v", err)
	}
	sql := parts[0]
	sysIdx := strings.Index(sql, "and systolic <= ")
	diaIdx := strings.Index(sql, "and diastolic <= ")
	if sysIdx < 0 || diaIdx < 0 || sysIdx > diaIdx {
		t.Fatalf("expected systolic predicate before diastolic, got:\n%s", sql)
	}
}

func TestDemographicsAgeQuery(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	item := models.SearchGroupItem{
		ID:   "item1",
		Type: string(models.DomainPerson),
		SearchParameters: []models.SearchParameter{{
			ParameterID: "paramA",
			Domain:      string(models.DomainPerson),
			Type:        string(models.CriteriaTypeAge),
			Attributes: []models.Attribute{{
				Name:     models.AttrAny,
				Operator: models.OperatorBetween,
				Operands: []string{"18", "65"},
			}},
		}},
	}
	group := models.SearchGroup{Items: []models.SearchGroupItem{item}}
	if err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group); err != nil {
		t.Fatalf("failed to build group: %v", err)
	}
	sql := parts[0]
	if !strings.Contains(sql, "from `${projectId}.${dataSetId}.person` p") {
		t.Fatalf("expected person table, got:\n%s", sql)
	}
	if !strings.Contains(sql, "BETWEEN @p0 and @p1") {
		t.Fatalf("expected age bounds, got:\n%s", sql)
	}
	if !strings.Contains(sql, "and not exists (") {
		t.Fatalf("expected living-only predicate on age, got:\n%s", sql)
	}
}

func TestDemographicsGenderCollectsAllConcepts(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	item := models.SearchGroupItem{
		ID:   "item1",
		Type: string(models.DomainPerson),
		SearchParameters: []models.SearchParameter{
			{ParameterID: "paramA", Type: string(models.CriteriaTypeGender), ConceptID: conceptID(8507)},
			{ParameterID: "paramB", Type: string(models.CriteriaTypeGender), ConceptID: conceptID(8532)},
		},
	}
	group := models.SearchGroup{Items: []models.SearchGroupItem{item}}
	if err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group); err != nil {
		t.Fatalf("failed to build group: %v", err)
	}
	if !strings.Contains(parts[0], "p.gender_concept_id in unnest(@p0)") {
		t.Fatalf("expected gender predicate, got:\n%s", parts[0])
	}
	ids, _ := reg.Get("p0")
	if len(ids.ArrayValues) != 2 {
		t.Fatalf("expected both gender concepts, got %+v", ids.ArrayValues)
	}
}

func temporalGroup(timeType models.TemporalTime, mention models.TemporalMention, targets int) models.SearchGroup {
	anchorGroup := 0
	targetGroup := 1
	items := []models.SearchGroupItem{
		{
			ID:            "anchor",
			Type:          string(models.DomainCondition),
			TemporalGroup: &anchorGroup,
			SearchParameters: []models.SearchParameter{{
				ParameterID: "anchorParam",
				Domain:      string(models.DomainCondition),
				Type:        string(models.CriteriaTypeSNOMED),
				Standard:    true,
				ConceptID:   conceptID(201826),
			}},
		},
	}
	for i := 0; i < targets; i++ {
		items = append(items, models.SearchGroupItem{
			ID:            "target",
			Type:          string(models.DomainDrug),
			TemporalGroup: &targetGroup,
			SearchParameters: []models.SearchParameter{{
				ParameterID: "targetParam",
				Domain:      string(models.DomainDrug),
				Type:        string(models.CriteriaTypeRXNORM),
				Standard:    true,
				ConceptID:   conceptID(1503297),
			}},
		})
	}
	return models.SearchGroup{
		ID:        "group1",
		Temporal:  true,
		Mention:   mention,
		Time:      timeType,
		TimeValue: 30,
		Items:     items,
	}
}

func TestTemporalWithinXDaysOfFirstMention(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	group := temporalGroup(models.TimeWithinXDaysOf, models.MentionFirst, 1)
	if err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group); err != nil {
		t.Fatalf("failed to build temporal group: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected one subquery for temporal group, got %d", len(parts))
	}
	sql := parts[0]
	if !strings.Contains(sql, "temp1.entry_date between DATE_SUB(temp2.entry_date, INTERVAL") {
		t.Fatalf("expected within-x-days condition, got:\n%s", sql)
	}
	if !strings.Contains(sql, "where rn = 1") {
		t.Fatalf("expected first-mention rank reduction on anchor, got:\n%s", sql)
	}
	if !strings.Contains(sql, "rank() over (partition by person_id order by entry_date)") {
		t.Fatalf("expected ascending rank for FIRST_MENTION, got:\n%s", sql)
	}
	if strings.Contains(sql, "order by entry_date desc") {
		t.Fatalf("unexpected descending rank for FIRST_MENTION:\n%s", sql)
	}
}

func TestTemporalSingleTargetUsesExists(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	group := temporalGroup(models.TimeSameEncounter, models.MentionAny, 1)
	if err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group); err != nil {
		t.Fatalf("failed to build temporal group: %v", err)
	}
	if !strings.Contains(parts[0], "where exists (select 1") {
		t.Fatalf("expected EXISTS form with a single target, got:\n%s", parts[0])
	}
	if !strings.Contains(parts[0], "temp1.visit_occurrence_id = temp2.visit_occurrence_id") {
		t.Fatalf("expected same-encounter join, got:\n%s", parts[0])
	}
}

func TestTemporalMultipleTargetsUseJoin(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	group := temporalGroup(models.TimeXDaysBefore, models.MentionAny, 2)
	if err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group); err != nil {
		t.Fatalf("failed to build temporal group: %v", err)
	}
	sql := parts[0]
	if strings.Contains(sql, "where exists") {
		t.Fatalf("expected join form with several targets, got:\n%s", sql)
	}
	if !strings.Contains(sql, "join (select person_id, visit_occurrence_id, entry_date") {
		t.Fatalf("expected temporal join, got:\n%s", sql)
	}
	if !strings.Contains(sql, "union all") {
		t.Fatalf("expected target subqueries unioned, got:\n%s", sql)
	}
	if !strings.Contains(sql, "temp1.entry_date <= DATE_SUB(temp2.entry_date, INTERVAL") {
		t.Fatalf("expected x-days-before condition, got:\n%s", sql)
	}
}

func TestTemporalItemWithoutTemporalGroupRejected(t *testing.T) {
	reg := NewParamRegistry()
	var parts []string
	group := temporalGroup(models.TimeSameEncounter, models.MentionAny, 1)
	group.Items[0].TemporalGroup = nil
	err := BuildGroupQueries(cdr.ConceptLookup{}, reg, &parts, group)
	if !apierrors.IsCode(err, apierrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}
