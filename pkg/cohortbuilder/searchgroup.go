package cohortbuilder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cohortworks/platform/pkg/cdr"
	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

// SQL fragments for compiling one search group item against the flat
// denormalized search table.
const (
	orSQL      = " or\n"
	andSQL     = " and "
	unionAll   = "union all\n"
	descSuffix = " desc"

	baseSQL = "select distinct person_id, entry_date, concept_id\n" +
		"from `${projectId}.${dataSetId}.search_all_domains`\n" +
		"where is_standard = %s\n" +
		"and "
	conceptIDInSQL          = "(concept_id in unnest(%s))\n"
	valueAsNumberSQL        = "(concept_id = %s and value_as_number %s %s)\n"
	valueAsConceptIDSQL     = "(concept_id = %s and value_as_concept_id %s unnest(%s))\n"
	valueSourceConceptIDSQL = "(concept_id = %s and value_source_concept_id %s unnest(%s))\n"
	bloodPressureSQL        = "(concept_id in unnest(%s)"
	systolicSQL             = " and systolic %s %s"
	diastolicSQL            = " and diastolic %s %s"
)

// Temporal relationship fragments. temp1 is the anchor side, temp2 the
// target side.
const (
	sameEncounterSQL = "temp1.person_id = temp2.person_id and temp1.visit_occurrence_id = temp2.visit_occurrence_id\n"
	xDaysBeforeSQL   = "temp1.person_id = temp2.person_id and temp1.entry_date <= DATE_SUB(temp2.entry_date, INTERVAL %s DAY)\n"
	xDaysAfterSQL    = "temp1.person_id = temp2.person_id and temp1.entry_date >= DATE_ADD(temp2.entry_date, INTERVAL %s DAY)\n"
	withinXDaysOfSQL = "temp1.person_id = temp2.person_id and temp1.entry_date between " +
		"DATE_SUB(temp2.entry_date, INTERVAL %s DAY) and DATE_ADD(temp2.entry_date, INTERVAL %s DAY)\n"
	temporalExistsSQL = "select temp1.person_id\n" +
		"from (%s) temp1\n" +
		"where exists (select 1\n" +
		"from (%s) temp2\n" +
		"where (%s))\n"
	temporalJoinSQL = "select temp1.person_id\n" +
		"from (%s) temp1\n" +
		"join (select person_id, visit_occurrence_id, entry_date\n" +
		"from (%s)\n" +
		") temp2 on (%s)\n"
	temporalSQL = "select person_id, visit_occurrence_id, entry_date%s\n" +
		"from `${projectId}.${dataSetId}.search_all_domains`\n" +
		"where %s\n" +
		"and person_id in (%s)\n"
	rankOneSQL         = ", rank() over (partition by person_id order by entry_date%s) rn"
	temporalRankOneSQL = "select person_id, visit_occurrence_id, entry_date\n" +
		"from (%s) a\n" +
		"where rn = 1\n"
)

// Modifier fragments. The occurrences clause must come last because of
// the group by.
const (
	modifierSQL    = "select criteria.person_id from (%s) criteria\n"
	occurrencesSQL = "group by criteria.person_id, criteria.concept_id\n" + "having count(criteria.person_id) "
	ageAtEventSQL  = "and age_at_event "
	eventDateSQL   = "and entry_date "
	encountersSQL  = "and visit_concept_id "
)

// Demographic fragments over the person table.
const (
	demoBaseSQL = "select person_id\n" + "from `${projectId}.${dataSetId}.person` p\nwhere\n"
	demoAgeSQL  = "CAST(FLOOR(DATE_DIFF(CURRENT_DATE, DATE(p.year_of_birth, p.month_of_birth, p.day_of_birth), MONTH)/12) as INT64) %s %s and %s\n" +
		"and not exists (\n" +
		"SELECT 'x' FROM `${projectId}.${dataSetId}.death` d\n" +
		"where d.person_id = p.person_id)\n"
	demoRaceSQL      = "p.race_concept_id in unnest(%s)\n"
	demoGenderSQL    = "p.gender_concept_id in unnest(%s)\n"
	demoEthnicitySQL = "p.ethnicity_concept_id in unnest(%s)\n"
	demoDeceasedSQL  = "exists (\n" +
		"SELECT 'x' FROM `${projectId}.${dataSetId}.death` d\n" +
		"where d.person_id = p.person_id)\n"
)

// BuildGroupQueries compiles a search group into one or more participant
// subqueries, appended to queryParts. A temporal group always compiles to
// a single subquery; a plain group contributes one subquery per item.
func BuildGroupQueries(lookup cdr.ConceptLookup, reg *ParamRegistry, queryParts *[]string, group models.SearchGroup) error {
	if group.Temporal {
		query, err := buildOuterTemporalQuery(lookup, reg, group)
		if err != nil {
			return err
		}
		*queryParts = append(*queryParts, query)
		return nil
	}
	for _, item := range group.Items {
		query, err := buildBaseQuery(lookup, reg, item, group.Mention)
		if err != nil {
			return err
		}
		*queryParts = append(*queryParts, query)
	}
	return nil
}

// buildBaseQuery compiles one search group item into its innermost SQL.
func buildBaseQuery(lookup cdr.ConceptLookup, reg *ParamRegistry, item models.SearchGroupItem, mention models.TemporalMention) (string, error) {
	if item.Type == string(models.DomainPerson) {
		return buildDemoQuery(reg, item)
	}
	if len(item.SearchParameters) == 0 {
		return "", apierrors.BadRequest(apierrors.CodeInvalidRequest, "search parameters are empty")
	}

	var childConceptIDs []int64
	seenConceptIDs := map[int64]bool{}
	var queryParts []string
	hasConceptIDPart := false
	isStandard := false

	for _, param := range item.SearchParameters {
		if len(param.Attributes) == 0 {
			for _, id := range childConceptIDsFor(lookup, param) {
				if !seenConceptIDs[id] {
					seenConceptIDs[id] = true
					childConceptIDs = append(childConceptIDs, id)
				}
			}
			// the concept-id template appears once no matter how many
			// parameters contribute ids
			if !hasConceptIDPart {
				queryParts = append(queryParts, conceptIDInSQL)
				hasConceptIDPart = true
			}
		} else {
			bpSQL := bloodPressureSQL
			var bpConceptIDs []int64
			for _, attr := range param.Attributes {
				switch {
				case attr.ConceptID != nil:
					bpConceptIDs = append(bpConceptIDs, *attr.ConceptID)
					part, err := bloodPressurePart(reg, bpSQL, attr)
					if err != nil {
						return "", err
					}
					bpSQL = part
				case attr.Name == models.AttrNum:
					part, err := numericalPart(reg, param, attr)
					if err != nil {
						return "", err
					}
					queryParts = append(queryParts, part)
				default:
					part, err := categoricalPart(reg, param, attr)
					if err != nil {
						return "", err
					}
					queryParts = append(queryParts, part)
				}
			}
			if len(bpConceptIDs) > 0 {
				conceptParam := reg.Add(Int64ArrayParam(bpConceptIDs))
				queryParts = append(queryParts, fmt.Sprintf(bpSQL, conceptParam)+")\n")
			}
		}
		// all parameters in one item share the standard/source flag
		isStandard = param.Standard
	}

	queryPartsSQL := "(" + strings.Join(queryParts, orSQL) + ")\n"
	if len(childConceptIDs) > 0 {
		conceptParam := reg.Add(Int64ArrayParam(childConceptIDs))
		queryPartsSQL = fmt.Sprintf(queryPartsSQL, conceptParam)
	}
	standardFlag := int64(0)
	if isStandard {
		standardFlag = 1
	}
	standardParam := reg.Add(Int64Param(standardFlag))
	base := fmt.Sprintf(baseSQL, standardParam) + queryPartsSQL

	modified, err := buildModifierSQL(base, reg, item.Modifiers)
	if err != nil {
		return "", err
	}
	// keep the bare conditions around for the inner temporal form, which
	// reapplies them inside its own select
	conditions := strings.SplitN(base, "where", 2)[1] + "%s"
	return buildInnerTemporalQuery(modified, conditions, reg, item.Modifiers, mention)
}

// childConceptIDsFor collects the concept ids a parameter selects: the
// expanded children for group/ancestor parameters plus its own concept id.
func childConceptIDsFor(lookup cdr.ConceptLookup, param models.SearchParameter) []int64 {
	var out []int64
	if param.Group || param.AncestorData {
		out = append(out, lookup[param.ParameterID]...)
	}
	if param.ConceptID != nil {
		// not every parameter carries a concept id; attribute/modifier
		// matching covers those
		out = append(out, *param.ConceptID)
	}
	return out
}

// buildDemoQuery compiles demographics items against the person table.
// One search parameter per item for AGE/DECEASED; GENDER/RACE/ETHNICITY
// may carry several selected concepts.
func buildDemoQuery(reg *ParamRegistry, item models.SearchGroupItem) (string, error) {
	if len(item.SearchParameters) == 0 {
		return "", apierrors.BadRequest(apierrors.CodeInvalidRequest, "search parameters are empty")
	}
	param := item.SearchParameters[0]
	switch models.CriteriaType(param.Type) {
	case models.CriteriaTypeAge:
		if len(param.Attributes) == 0 || len(param.Attributes[0].Operands) < 2 {
			return "", apierrors.BadRequest(apierrors.CodeInvalidRequest, "age criteria requires two operands")
		}
		attr := param.Attributes[0]
		lo, err := parseInt64Operand(attr.Operands[0])
		if err != nil {
			return "", err
		}
		hi, err := parseInt64Operand(attr.Operands[1])
		if err != nil {
			return "", err
		}
		op, err := SQLOperator(attr.Operator)
		if err != nil {
			return "", err
		}
		loParam := reg.Add(Int64Param(lo))
		hiParam := reg.Add(Int64Param(hi))
		return demoBaseSQL + fmt.Sprintf(demoAgeSQL, op, loParam, hiParam), nil
	case models.CriteriaTypeGender, models.CriteriaTypeRace, models.CriteriaTypeEthnicity:
		var conceptIDs []int64
		for _, p := range item.SearchParameters {
			if p.ConceptID == nil {
				return "", apierrors.BadRequest(apierrors.CodeInvalidRequest,
					"demographics parameter %s has no concept id", p.ParameterID)
			}
			conceptIDs = append(conceptIDs, *p.ConceptID)
		}
		conceptParam := reg.Add(Int64ArrayParam(conceptIDs))
		template := demoEthnicitySQL
		switch models.CriteriaType(param.Type) {
		case models.CriteriaTypeRace:
			template = demoRaceSQL
		case models.CriteriaTypeGender:
			template = demoGenderSQL
		}
		return demoBaseSQL + fmt.Sprintf(template, conceptParam), nil
	case models.CriteriaTypeDeceased:
		return demoBaseSQL + demoDeceasedSQL, nil
	default:
		return "", apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"search unsupported for demographics type %s", param.Type)
	}
}

// buildInnerTemporalQuery wraps an item subquery in the dated-event form
// used by the temporal self-join, applying the first/last rank-1
// reduction when the mention asks for it.
func buildInnerTemporalQuery(modifiedSQL, conditionsSQL string, reg *ParamRegistry, modifiers []models.Modifier, mention models.TemporalMention) (string, error) {
	if mention == "" {
		return modifiedSQL, nil
	}
	// modifiers are reapplied inside the dated-event select
	ageDateEncounter, err := ageDateAndEncounterSQL(reg, modifiers)
	if err != nil {
		return "", err
	}
	conditionsSQL = fmt.Sprintf(conditionsSQL, ageDateEncounter)
	switch mention {
	case models.MentionAny:
		return fmt.Sprintf(temporalSQL, "", conditionsSQL, modifiedSQL), nil
	case models.MentionFirst:
		rank := fmt.Sprintf(rankOneSQL, "")
		return fmt.Sprintf(temporalRankOneSQL, fmt.Sprintf(temporalSQL, rank, conditionsSQL, modifiedSQL)), nil
	case models.MentionLast:
		rank := fmt.Sprintf(rankOneSQL, descSuffix)
		return fmt.Sprintf(temporalRankOneSQL, fmt.Sprintf(temporalSQL, rank, conditionsSQL, modifiedSQL)), nil
	default:
		return "", apierrors.BadRequest(apierrors.CodeInvalidRequest, "unsupported temporal mention %s", mention)
	}
}

// buildOuterTemporalQuery joins the anchor side (temporalGroup 0) and
// target side (temporalGroup 1) of a temporal group with the requested
// time relationship. The mention reduction applies to the anchor side
// only; the target side always uses every mention.
func buildOuterTemporalQuery(lookup cdr.ConceptLookup, reg *ParamRegistry, group models.SearchGroup) (string, error) {
	anchorItems, targetItems, err := partitionTemporalItems(group)
	if err != nil {
		return "", err
	}

	var anchorParts, targetParts []string
	for _, item := range anchorItems {
		query, err := buildBaseQuery(lookup, reg, item, group.Mention)
		if err != nil {
			return "", err
		}
		anchorParts = append(anchorParts, query)
	}
	for _, item := range targetItems {
		query, err := buildBaseQuery(lookup, reg, item, models.MentionAny)
		if err != nil {
			return "", err
		}
		targetParts = append(targetParts, query)
	}

	conditions := sameEncounterSQL
	switch group.Time {
	case models.TimeSameEncounter, "":
	case models.TimeWithinXDaysOf:
		timeParam := reg.Add(Int64Param(group.TimeValue))
		conditions = fmt.Sprintf(withinXDaysOfSQL, timeParam, timeParam)
	case models.TimeXDaysBefore:
		timeParam := reg.Add(Int64Param(group.TimeValue))
		conditions = fmt.Sprintf(xDaysBeforeSQL, timeParam)
	case models.TimeXDaysAfter:
		timeParam := reg.Add(Int64Param(group.TimeValue))
		conditions = fmt.Sprintf(xDaysAfterSQL, timeParam)
	default:
		return "", apierrors.BadRequest(apierrors.CodeInvalidRequest, "unsupported temporal time %s", group.Time)
	}

	// a single target subquery can use the cheaper EXISTS form; several
	// need the join so they can union first
	template := temporalJoinSQL
	if len(targetParts) == 1 {
		template = temporalExistsSQL
	}
	return fmt.Sprintf(template,
		strings.Join(anchorParts, unionAll),
		strings.Join(targetParts, unionAll),
		conditions), nil
}

func partitionTemporalItems(group models.SearchGroup) (anchor, target []models.SearchGroupItem, err error) {
	for _, item := range group.Items {
		if item.TemporalGroup == nil {
			return nil, nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"temporal group item %s has no temporalGroup", item.ID)
		}
		switch *item.TemporalGroup {
		case 0:
			anchor = append(anchor, item)
		case 1:
			target = append(target, item)
		default:
			return nil, nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"temporalGroup must be 0 or 1, got %d", *item.TemporalGroup)
		}
	}
	if len(anchor) == 0 || len(target) == 0 {
		return nil, nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"temporal group requires items in both temporal groups")
	}
	return anchor, target, nil
}

func bloodPressurePart(reg *ParamRegistry, current string, attr models.Attribute) (string, error) {
	if attr.Name == models.AttrAny {
		return current, nil
	}
	// the client sends the systolic attribute first
	template := systolicSQL
	if strings.Contains(current, "systolic") {
		template = diastolicSQL
	}
	op, err := SQLOperator(attr.Operator)
	if err != nil {
		return "", err
	}
	operands, err := operandsExpression(reg, attr)
	if err != nil {
		return "", err
	}
	return current + fmt.Sprintf(template, op, operands), nil
}

func numericalPart(reg *ParamRegistry, param models.SearchParameter, attr models.Attribute) (string, error) {
	if param.ConceptID == nil {
		return "", apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"numeric attribute requires a concept id on parameter %s", param.ParameterID)
	}
	conceptParam := reg.Add(Int64Param(*param.ConceptID))
	op, err := SQLOperator(attr.Operator)
	if err != nil {
		return "", err
	}
	operands, err := operandsExpression(reg, attr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(valueAsNumberSQL, conceptParam, op, operands), nil
}

func categoricalPart(reg *ParamRegistry, param models.SearchParameter, attr models.Attribute) (string, error) {
	if param.ConceptID == nil {
		return "", apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"categorical attribute requires a concept id on parameter %s", param.ParameterID)
	}
	operandIDs := make([]int64, 0, len(attr.Operands))
	for _, operand := range attr.Operands {
		id, err := parseInt64Operand(operand)
		if err != nil {
			return "", err
		}
		operandIDs = append(operandIDs, id)
	}
	operandsParam := reg.Add(Int64ArrayParam(operandIDs))
	conceptParam := reg.Add(Int64Param(*param.ConceptID))
	op, err := SQLOperator(attr.Operator)
	if err != nil {
		return "", err
	}
	// survey answers live on the source concept column
	template := valueAsConceptIDSQL
	if param.Domain == string(models.DomainSurvey) {
		template = valueSourceConceptIDSQL
	}
	return fmt.Sprintf(template, conceptParam, op, operandsParam), nil
}

// operandsExpression renders one operand, or both joined by "and" for
// BETWEEN, as float parameters.
func operandsExpression(reg *ParamRegistry, attr models.Attribute) (string, error) {
	if len(attr.Operands) < operandCount(attr.Operator) {
		return "", apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"operator %s requires %d operands", attr.Operator, operandCount(attr.Operator))
	}
	first, err := parseFloat64Operand(attr.Operands[0])
	if err != nil {
		return "", err
	}
	expression := reg.Add(Float64Param(first))
	if attr.Operator == models.OperatorBetween {
		second, err := parseFloat64Operand(attr.Operands[1])
		if err != nil {
			return "", err
		}
		expression = expression + andSQL + reg.Add(Float64Param(second))
	}
	return expression, nil
}

// buildModifierSQL wraps the base query with the modifier clauses.
func buildModifierSQL(base string, reg *ParamRegistry, modifiers []models.Modifier) (string, error) {
	ageDateEncounter, err := ageDateAndEncounterSQL(reg, modifiers)
	if err != nil {
		return "", err
	}
	occurrences, err := occurrencesModifierSQL(reg, modifiers)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(modifierSQL, base+ageDateEncounter) + occurrences, nil
}

func ageDateAndEncounterSQL(reg *ParamRegistry, modifiers []models.Modifier) (string, error) {
	var sql strings.Builder
	for _, modifierType := range []models.ModifierType{models.ModifierAgeAtEvent, models.ModifierEventDate, models.ModifierEncounters} {
		modifier, err := findModifier(modifiers, modifierType)
		if err != nil {
			return "", err
		}
		if modifier == nil {
			continue
		}
		op, err := SQLOperator(modifier.Operator)
		if err != nil {
			return "", err
		}
		if len(modifier.Operands) == 0 {
			return "", apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"modifier %s requires operands", modifier.Name)
		}
		var operandParams []string
		for _, operand := range modifier.Operands {
			var param string
			if modifierType == models.ModifierEventDate {
				param = reg.Add(DateParam(operand))
			} else {
				value, err := parseInt64Operand(operand)
				if err != nil {
					return "", err
				}
				param = reg.Add(Int64Param(value))
			}
			operandParams = append(operandParams, param)
		}
		switch modifierType {
		case models.ModifierAgeAtEvent:
			sql.WriteString(ageAtEventSQL)
			sql.WriteString(op + " " + strings.Join(operandParams, andSQL) + "\n")
		case models.ModifierEncounters:
			sql.WriteString(encountersSQL)
			sql.WriteString(op + " (" + operandParams[0] + ")\n")
		default:
			sql.WriteString(eventDateSQL)
			sql.WriteString(op + " " + strings.Join(operandParams, andSQL) + "\n")
		}
	}
	return sql.String(), nil
}

func occurrencesModifierSQL(reg *ParamRegistry, modifiers []models.Modifier) (string, error) {
	modifier, err := findModifier(modifiers, models.ModifierNumOfOccurrences)
	if err != nil {
		return "", err
	}
	if modifier == nil {
		return "", nil
	}
	op, err := SQLOperator(modifier.Operator)
	if err != nil {
		return "", err
	}
	if len(modifier.Operands) == 0 {
		return "", apierrors.BadRequest(apierrors.CodeInvalidRequest, "occurrences modifier requires operands")
	}
	var operandParams []string
	for _, operand := range modifier.Operands {
		value, err := parseInt64Operand(operand)
		if err != nil {
			return "", err
		}
		operandParams = append(operandParams, reg.Add(Int64Param(value)))
	}
	return occurrencesSQL + op + " " + strings.Join(operandParams, andSQL) + "\n", nil
}

// findModifier returns the single modifier of the given type, or nil.
// Repeating a modifier type on one item is a request error.
func findModifier(modifiers []models.Modifier, modifierType models.ModifierType) (*models.Modifier, error) {
	var found *models.Modifier
	for i := range modifiers {
		if modifiers[i].Name == modifierType {
			if found != nil {
				return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
					"modifier %s may only appear once", modifierType)
			}
			found = &modifiers[i]
		}
	}
	return found, nil
}

func parseInt64Operand(operand string) (int64, error) {
	value, err := strconv.ParseInt(operand, 10, 64)
	if err != nil {
		return 0, apierrors.BadRequest(apierrors.CodeInvalidRequest, "operand %q is not an integer", operand)
	}
	return value, nil
}

func parseFloat64Operand(operand string) (float64, error) {
	value, err := strconv.ParseFloat(operand, 64)
	if err != nil {
		return 0, apierrors.BadRequest(apierrors.CodeInvalidRequest, "operand %q is not a number", operand)
	}
	return value, nil
}
