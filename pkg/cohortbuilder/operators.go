package cohortbuilder

import (
	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

var sqlOperators = map[models.Operator]string{
	models.OperatorEqual:              "=",
	models.OperatorNotEqual:           "!=",
	models.OperatorLessThan:           "<",
	models.OperatorGreaterThan:        ">",
	models.OperatorLessThanOrEqual:    "<=",
	models.OperatorGreaterThanOrEqual: ">=",
	models.OperatorLike:               "LIKE",
	models.OperatorIn:                 "IN",
	models.OperatorBetween:            "BETWEEN",
}

// SQLOperator maps a wire operator to its SQL spelling.
func SQLOperator(op models.Operator) (string, error) {
	sql, ok := sqlOperators[op]
	if !ok {
		return "", apierrors.BadRequest(apierrors.CodeInvalidRequest, "unsupported operator %s", op)
	}
	return sql, nil
}

// operandCount returns how many operands the operator consumes: 2 for
// BETWEEN, 1 otherwise (IN takes a whole array as one operand).
func operandCount(op models.Operator) int {
	if op == models.OperatorBetween {
		return 2
	}
	return 1
}
