package cohortbuilder

import (
	"strings"
	"time"

	"github.com/cohortworks/platform/pkg/cdr"
	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

const (
	dateFormat      = "2006-01-02"
	timestampFormat = "2006-01-02 15:04:05 MST"
)

// handleResultFilters lowers a recursive filter tree into a parenthesized
// predicate. Exactly one of allOf, anyOf, columnFilter must be set on each
// node.
func (b *FieldSetBuilder) handleResultFilters(state *queryState, filters *models.ResultFilters, sql *strings.Builder) error {
	set := 0
	if len(filters.AllOf) > 0 {
		set++
	}
	if len(filters.AnyOf) > 0 {
		set++
	}
	if filters.ColumnFilter != nil {
		set++
	}
	if set != 1 {
		return apierrors.BadRequest(apierrors.CodeMalformedFilter,
			"one of allOf, anyOf, or columnFilter must be specified")
	}
	if filters.IfNot {
		sql.WriteString("not ")
	}
	if filters.ColumnFilter != nil {
		return b.handleColumnFilter(state, filters.ColumnFilter, sql)
	}
	operator := "and"
	children := filters.AllOf
	if len(filters.AnyOf) > 0 {
		operator = "or"
		children = filters.AnyOf
	}
	sql.WriteString("(")
	for i := range children {
		if i > 0 {
			sql.WriteString("\n")
			sql.WriteString(operator)
			sql.WriteString("\n")
		}
		if err := b.handleResultFilters(state, &children[i], sql); err != nil {
			return err
		}
	}
	sql.WriteString(")\n")
	return nil
}

func (b *FieldSetBuilder) handleColumnFilter(state *queryState, filter *models.ColumnFilter, sql *strings.Builder) error {
	if filter.ColumnName == "" {
		return apierrors.BadRequest(apierrors.CodeMalformedFilter, "column name must be specified on column filters")
	}
	info, err := b.columnForExpression(state, filter.ColumnName, true)
	if err != nil {
		return err
	}
	operator := filter.Operator
	if operator == "" {
		operator = models.OperatorEqual
	}
	if operator == models.OperatorIn {
		return handleInClause(state, filter, info, sql)
	}
	if operator == models.OperatorBetween {
		return apierrors.BadRequest(apierrors.CodeMalformedFilter,
			"BETWEEN is not supported in column filters")
	}
	if len(filter.Values) > 0 || len(filter.ValueNumbers) > 0 {
		return apierrors.BadRequest(apierrors.CodeMalformedFilter,
			"values and valueNumbers are only allowed with the IN operator")
	}
	return handleComparison(state, filter, operator, info, sql)
}

func handleInClause(state *queryState, filter *models.ColumnFilter, info ColumnInfo, sql *strings.Builder) error {
	hasValues := len(filter.Values) > 0
	hasNumbers := len(filter.ValueNumbers) > 0
	if hasValues == hasNumbers {
		return apierrors.BadRequest(apierrors.CodeMalformedFilter,
			"exactly one of values and valueNumbers must be specified for IN filters on column %s", filter.ColumnName)
	}
	if filter.Value != nil || filter.ValueDate != nil || filter.ValueNumber != nil || filter.ValueNull != nil {
		return apierrors.BadRequest(apierrors.CodeMalformedFilter,
			"single value filters cannot be combined with the IN operator on column %s", filter.ColumnName)
	}
	var param string
	if hasNumbers {
		numbers := make([]int64, len(filter.ValueNumbers))
		for i, n := range filter.ValueNumbers {
			numbers[i] = int64(n)
		}
		param = state.reg.Add(Int64ArrayParam(numbers))
	} else {
		param = state.reg.Add(StringArrayParam(filter.Values))
	}
	sql.WriteString(info.Name)
	sql.WriteString(" in unnest(")
	sql.WriteString(param)
	sql.WriteString(")")
	return nil
}

func handleComparison(state *queryState, filter *models.ColumnFilter, operator models.Operator, info ColumnInfo, sql *strings.Builder) error {
	valueCount := 0
	if filter.Value != nil {
		valueCount++
	}
	if filter.ValueDate != nil {
		valueCount++
	}
	if filter.ValueNumber != nil {
		valueCount++
	}
	if filter.ValueNull != nil {
		valueCount++
	}
	if valueCount != 1 {
		return apierrors.BadRequest(apierrors.CodeMalformedFilter,
			"exactly one of value, valueDate, valueNumber, and valueNull must be specified for filter on column %s",
			filter.ColumnName)
	}

	var param string
	switch {
	case filter.ValueNull != nil:
		switch operator {
		case models.OperatorEqual:
			sql.WriteString(info.Name)
			sql.WriteString(" is null")
		case models.OperatorNotEqual:
			sql.WriteString(info.Name)
			sql.WriteString(" is not null")
		default:
			return apierrors.BadRequest(apierrors.CodeMalformedFilter,
				"valueNull filters only support the EQUAL and NOT_EQUAL operators")
		}
		return nil
	case filter.Value != nil:
		if info.Config.Type != cdr.ColumnTypeString {
			return apierrors.BadRequest(apierrors.CodeMalformedFilter,
				"value filters are only allowed on string columns; %s is %s", filter.ColumnName, info.Config.Type)
		}
		param = state.reg.Add(StringParam(*filter.Value))
	case filter.ValueDate != nil:
		switch info.Config.Type {
		case cdr.ColumnTypeDate:
			if _, err := time.Parse(dateFormat, *filter.ValueDate); err != nil {
				return apierrors.BadRequest(apierrors.CodeMalformedFilter,
					"invalid date %q for column %s; expected format yyyy-MM-dd", *filter.ValueDate, filter.ColumnName)
			}
			param = state.reg.Add(DateParam(*filter.ValueDate))
		case cdr.ColumnTypeTimestamp:
			if _, err := time.Parse(timestampFormat, *filter.ValueDate); err != nil {
				return apierrors.BadRequest(apierrors.CodeMalformedFilter,
					"invalid timestamp %q for column %s; expected format yyyy-MM-dd HH:mm:ss zzz",
					*filter.ValueDate, filter.ColumnName)
			}
			param = state.reg.Add(TimestampParam(*filter.ValueDate))
		default:
			return apierrors.BadRequest(apierrors.CodeMalformedFilter,
				"valueDate filters are only allowed on date and timestamp columns; %s is %s",
				filter.ColumnName, info.Config.Type)
		}
	case filter.ValueNumber != nil:
		switch info.Config.Type {
		case cdr.ColumnTypeFloat:
			param = state.reg.Add(Float64Param(*filter.ValueNumber))
		case cdr.ColumnTypeInteger:
			param = state.reg.Add(Int64Param(int64(*filter.ValueNumber)))
		default:
			return apierrors.BadRequest(apierrors.CodeMalformedFilter,
				"valueNumber filters are only allowed on numeric columns; %s is %s",
				filter.ColumnName, info.Config.Type)
		}
	}
	if operator == models.OperatorLike && filter.Value == nil {
		return apierrors.BadRequest(apierrors.CodeMalformedFilter,
			"LIKE filters require a string value on column %s", filter.ColumnName)
	}
	sqlOp, err := SQLOperator(operator)
	if err != nil {
		return err
	}
	sql.WriteString(info.Name)
	sql.WriteString(" ")
	sql.WriteString(sqlOp)
	sql.WriteString(" ")
	sql.WriteString(param)
	return nil
}
