package cohortreview

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cohortworks/platform/pkg/cohortbuilder"
	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

// participant_cohort_statuses always contributes these two columns; every
// other annotation column comes from its own left join.
const (
	reservedPersonID     = "person_id"
	reservedReviewStatus = "review_status"
)

var annotationValueColumns = map[models.AnnotationType]string{
	models.AnnotationString:  "value_string",
	models.AnnotationEnum:    "value_enum",
	models.AnnotationDate:    "value_date",
	models.AnnotationBoolean: "value_boolean",
	models.AnnotationInteger: "value_integer",
}

type annotationColumn struct {
	name       string
	selectExpr string
	orderExpr  string
	defType    models.AnnotationType
}

// QueryAnnotations projects review annotations as rows keyed by column
// name, one row per participant, joining one annotation table alias per
// selected definition.
func (r *Repository) QueryAnnotations(ctx context.Context, reviewID int64, query *models.AnnotationQuery,
	statusFilter []models.CohortStatus, limit, offset int64) ([]map[string]interface{}, error) {
	review, err := r.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	defs, err := r.ListAnnotationDefinitions(ctx, review.CohortID)
	if err != nil {
		return nil, err
	}
	defsByColumn := make(map[string]models.CohortAnnotationDefinition, len(defs))
	for _, def := range defs {
		defsByColumn[def.ColumnName] = def
	}

	columnNames := query.Columns
	if len(columnNames) == 0 {
		columnNames = []string{reservedPersonID, reservedReviewStatus}
		for _, def := range defs {
			columnNames = append(columnNames, def.ColumnName)
		}
	}

	var args []interface{}
	columns := make([]annotationColumn, 0, len(columnNames))
	byName := map[string]annotationColumn{}
	var joins strings.Builder
	aliasCount := 0
	for _, name := range columnNames {
		column, err := resolveAnnotationColumn(name, defsByColumn, &aliasCount, &joins, &args)
		if err != nil {
			return nil, err
		}
		columns = append(columns, column)
		byName[name] = column
	}

	selectExprs := make([]string, len(columns))
	for i, column := range columns {
		selectExprs[i] = column.selectExpr
	}

	var sql strings.Builder
	sql.WriteString("SELECT ")
	sql.WriteString(strings.Join(selectExprs, ", "))
	sql.WriteString("\nFROM participant_cohort_statuses pcs")
	sql.WriteString(joins.String())
	sql.WriteString("\nWHERE pcs.cohort_review_id = ?")
	args = append([]interface{}{}, args...)
	args = append(args, reviewID)
	if len(statusFilter) > 0 && !containsEveryStatus(statusFilter) {
		sql.WriteString("\nAND pcs.status IN ?")
		args = append(args, statusStrings(statusFilter))
	}

	orderBy := query.OrderBy
	if len(orderBy) == 0 {
		orderBy = []string{reservedPersonID}
	}
	orderExprs := make([]string, 0, len(orderBy))
	for _, raw := range orderBy {
		name, descending := cohortbuilder.ParseDescending(raw)
		column, ok := byName[name]
		if !ok {
			return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"order by column %s must appear in the column list", name)
		}
		expr := column.orderExpr
		if descending {
			expr += " DESC"
		}
		orderExprs = append(orderExprs, expr)
	}
	sql.WriteString("\nORDER BY ")
	sql.WriteString(strings.Join(orderExprs, ", "))
	sql.WriteString("\nLIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := r.db.WithContext(ctx).Raw(sql.String(), args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		for i := range values {
			values[i] = new(interface{})
		}
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		record := map[string]interface{}{}
		for i, column := range columns {
			value := *(values[i].(*interface{}))
			if value == nil {
				continue
			}
			record[column.name] = normalizeValue(value)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if results == nil {
		results = []map[string]interface{}{}
	}
	return results, nil
}

func resolveAnnotationColumn(name string, defs map[string]models.CohortAnnotationDefinition,
	aliasCount *int, joins *strings.Builder, args *[]interface{}) (annotationColumn, error) {
	switch name {
	case reservedPersonID:
		return annotationColumn{
			name:       name,
			selectExpr: "pcs.participant_id " + reservedPersonID,
			orderExpr:  "pcs.participant_id",
			defType:    models.AnnotationInteger,
		}, nil
	case reservedReviewStatus:
		return annotationColumn{
			name:       name,
			selectExpr: "pcs.status " + reservedReviewStatus,
			orderExpr:  "pcs.status",
			defType:    models.AnnotationString,
		}, nil
	}
	def, ok := defs[name]
	if !ok {
		return annotationColumn{}, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"no annotation definition found for column %s", name)
	}
	valueColumn, ok := annotationValueColumns[def.AnnotationType]
	if !ok {
		return annotationColumn{}, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"unsupported annotation type %s", def.AnnotationType)
	}
	*aliasCount++
	alias := fmt.Sprintf("a%d", *aliasCount)
	outAlias := fmt.Sprintf("av%d", *aliasCount)
	joins.WriteString(fmt.Sprintf(
		"\nLEFT OUTER JOIN participant_cohort_annotations %s ON %s.cohort_review_id = pcs.cohort_review_id"+
			" AND %s.participant_id = pcs.participant_id AND %s.cohort_annotation_definition_id = ?",
		alias, alias, alias, alias))
	*args = append(*args, def.CohortAnnotationDefinitionID)
	return annotationColumn{
		name:       name,
		selectExpr: fmt.Sprintf("%s.%s %s", alias, valueColumn, outAlias),
		orderExpr:  outAlias,
		defType:    def.AnnotationType,
	}, nil
}

func normalizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format("2006-01-02")
	default:
		return v
	}
}

func containsEveryStatus(statuses []models.CohortStatus) bool {
	all := []models.CohortStatus{
		models.StatusIncluded, models.StatusExcluded,
		models.StatusNeedsFurtherReview, models.StatusNotReviewed,
	}
	for _, status := range all {
		found := false
		for _, s := range statuses {
			if s == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
