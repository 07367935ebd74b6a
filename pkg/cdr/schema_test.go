package cdr

import (
	"strings"
	"testing"
)

func TestLoadDefaultSchema(t *testing.T) {
	schema, err := LoadSchemaConfig("")
	if err != nil {
		t.Fatalf("failed to load default schema: %v", err)
	}
	for _, name := range []string{"person", "condition_occurrence", "drug_exposure", "measurement",
		"observation", "procedure_occurrence", "visit_occurrence", "death"} {
		if _, ok := schema.CohortTable(name); !ok {
			t.Fatalf("expected cohort table %s in default schema", name)
		}
	}
	if _, ok := schema.CohortTable("concept"); ok {
		t.Fatalf("concept must not be a cohort table")
	}
	if _, ok := schema.Table("concept"); !ok {
		t.Fatalf("concept must be reachable as a metadata table")
	}
}

func TestParseSchemaRejectsEmpty(t *testing.T) {
	if _, err := parseSchemaConfig([]byte("metadataTables: {}\n")); err == nil {
		t.Fatal("expected error for schema without cohort tables")
	}
}

func TestPrimaryKey(t *testing.T) {
	schema, err := LoadSchemaConfig("")
	if err != nil {
		t.Fatalf("failed to load default schema: %v", err)
	}
	table, _ := schema.CohortTable("condition_occurrence")
	pk, err := table.PrimaryKey()
	if err != nil {
		t.Fatalf("failed to find primary key: %v", err)
	}
	if pk.Name != "condition_occurrence_id" {
		t.Fatalf("unexpected primary key %s", pk.Name)
	}
	if _, err := (TableConfig{}).PrimaryKey(); err == nil {
		t.Fatal("expected error for table without primary key")
	}
}

func TestConceptColumns(t *testing.T) {
	schema, err := LoadSchemaConfig("")
	if err != nil {
		t.Fatalf("failed to load default schema: %v", err)
	}
	table, _ := schema.CohortTable("condition_occurrence")
	columns, err := schema.ConceptColumns(table, "condition_occurrence")
	if err != nil {
		t.Fatalf("failed to resolve concept columns: %v", err)
	}
	if columns.StandardColumn.Name != "condition_concept_id" {
		t.Fatalf("unexpected standard concept column %s", columns.StandardColumn.Name)
	}
	if columns.SourceColumn.Name != "condition_source_concept_id" {
		t.Fatalf("unexpected source concept column %s", columns.SourceColumn.Name)
	}
}

func TestConceptColumnsSkipsDemographicColumns(t *testing.T) {
	schema, err := LoadSchemaConfig("")
	if err != nil {
		t.Fatalf("failed to load default schema: %v", err)
	}
	table, _ := schema.CohortTable("person")
	if _, err := schema.ConceptColumns(table, "person"); err == nil {
		t.Fatal("expected error: person has only demographic concept columns")
	} else if !strings.Contains(err.Error(), "person") {
		t.Fatalf("error should name the table: %v", err)
	}
}
