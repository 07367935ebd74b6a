package cohortreview

import (
	"strings"
	"testing"
	"time"

	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

func TestResolveAnnotationColumnReservedColumns(t *testing.T) {
	var joins strings.Builder
	var args []interface{}
	aliasCount := 0

	column, err := resolveAnnotationColumn("person_id", nil, &aliasCount, &joins, &args)
	if err != nil {
		t.Fatalf("failed to resolve person_id: %v", err)
	}
	if column.selectExpr != "pcs.participant_id person_id" {
		t.Fatalf("unexpected select expression %q", column.selectExpr)
	}
	if joins.Len() != 0 || len(args) != 0 {
		t.Fatal("reserved columns must not add joins")
	}

	column, err = resolveAnnotationColumn("review_status", nil, &aliasCount, &joins, &args)
	if err != nil {
		t.Fatalf("failed to resolve review_status: %v", err)
	}
	if column.selectExpr != "pcs.status review_status" {
		t.Fatalf("unexpected select expression %q", column.selectExpr)
	}
}

func TestResolveAnnotationColumnJoinsPerDefinition(t *testing.T) {
	defs := map[string]models.CohortAnnotationDefinition{
		"severity": {CohortAnnotationDefinitionID: 11, ColumnName: "severity", AnnotationType: models.AnnotationEnum},
		"verified": {CohortAnnotationDefinitionID: 12, ColumnName: "verified", AnnotationType: models.AnnotationBoolean},
	}
	var joins strings.Builder
	var args []interface{}
	aliasCount := 0

	column, err := resolveAnnotationColumn("severity", defs, &aliasCount, &joins, &args)
	if err != nil {
		t.Fatalf("failed to resolve severity: %v", err)
	}
	if column.selectExpr != "a1.value_enum av1" || column.orderExpr != "av1" {
		t.Fatalf("unexpected column %+v", column)
	}

	column, err = resolveAnnotationColumn("verified", defs, &aliasCount, &joins, &args)
	if err != nil {
		t.Fatalf("failed to resolve verified: %v", err)
	}
	if column.selectExpr != "a2.value_boolean av2" {
		t.Fatalf("unexpected column %+v", column)
	}

	joinSQL := joins.String()
	if strings.Count(joinSQL, "LEFT OUTER JOIN participant_cohort_annotations") != 2 {
		t.Fatalf("expected one join per definition:\n%s", joinSQL)
	}
	if !strings.Contains(joinSQL, "a1.cohort_annotation_definition_id = ?") {
		t.Fatalf("join must bind the definition id:\n%s", joinSQL)
	}
	if len(args) != 2 || args[0] != int64(11) || args[1] != int64(12) {
		t.Fatalf("unexpected join args: %v", args)
	}
}

func TestResolveAnnotationColumnUnknownRejected(t *testing.T) {
	var joins strings.Builder
	var args []interface{}
	aliasCount := 0
	_, err := resolveAnnotationColumn("no_such_column", nil, &aliasCount, &joins, &args)
	if !apierrors.IsCode(err, apierrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestNormalizeValue(t *testing.T) {
	if v := normalizeValue([]byte("abc")); v != "abc" {
		t.Fatalf("expected byte slice to normalize to string, got %#v", v)
	}
	ts := time.Date(2021, 3, 4, 10, 30, 0, 0, time.UTC)
	if v := normalizeValue(ts); v != "2021-03-04" {
		t.Fatalf("expected date formatting, got %#v", v)
	}
	if v := normalizeValue(int64(9)); v != int64(9) {
		t.Fatalf("expected passthrough, got %#v", v)
	}
}
