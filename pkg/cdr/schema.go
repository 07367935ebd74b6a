package cdr

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ColumnType enumerates the warehouse column types the projection layer
// knows how to render and extract.
type ColumnType string

const (
	ColumnTypeDate      ColumnType = "date"
	ColumnTypeFloat     ColumnType = "float"
	ColumnTypeInteger   ColumnType = "integer"
	ColumnTypeString    ColumnType = "string"
	ColumnTypeTimestamp ColumnType = "timestamp"
)

type ColumnConfig struct {
	Name       string     `yaml:"name"`
	Type       ColumnType `yaml:"type"`
	PrimaryKey bool       `yaml:"primaryKey,omitempty"`
	// ForeignKey names the table this column joins to, e.g. visit_occurrence_id -> visit_occurrence.
	ForeignKey string `yaml:"foreignKey,omitempty"`
}

type TableConfig struct {
	Columns []ColumnConfig `yaml:"columns"`
}

// SchemaConfig describes the CDR warehouse tables queryable through field
// sets. Cohort tables carry a person_id column; metadata tables (concept,
// vocabulary) are only reachable through foreign-key joins.
type SchemaConfig struct {
	CohortTables   map[string]TableConfig `yaml:"cohortTables"`
	MetadataTables map[string]TableConfig `yaml:"metadataTables"`
}

// ConceptColumns identifies the standard and source concept columns of a
// cohort table, used when injecting concept-set filters.
type ConceptColumns struct {
	StandardColumn ColumnConfig
	SourceColumn   ColumnConfig
}

// LoadSchemaConfig reads the schema from path, or returns the embedded
// default when path is empty.
func LoadSchemaConfig(path string) (*SchemaConfig, error) {
	if path == "" {
		return defaultSchemaConfig()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cdr schema config: %w", err)
	}
	return parseSchemaConfig(data)
}

func parseSchemaConfig(data []byte) (*SchemaConfig, error) {
	var config SchemaConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse cdr schema config: %w", err)
	}
	if len(config.CohortTables) == 0 {
		return nil, fmt.Errorf("cdr schema config has no cohort tables")
	}
	return &config, nil
}

func defaultSchemaConfig() (*SchemaConfig, error) {
	return parseSchemaConfig([]byte(defaultSchemaYAML))
}

// Table looks up a cohort table first, then a metadata table.
func (c *SchemaConfig) Table(name string) (TableConfig, bool) {
	if table, ok := c.CohortTables[name]; ok {
		return table, true
	}
	table, ok := c.MetadataTables[name]
	return table, ok
}

// CohortTable returns the named table only if it is a cohort table, i.e.
// carries a person_id column.
func (c *SchemaConfig) CohortTable(name string) (TableConfig, bool) {
	table, ok := c.CohortTables[name]
	return table, ok
}

func (c *SchemaConfig) CohortTableNames() []string {
	names := make([]string, 0, len(c.CohortTables))
	for name := range c.CohortTables {
		names = append(names, name)
	}
	return names
}

// PrimaryKey returns the table's primary key column.
func (t TableConfig) PrimaryKey() (ColumnConfig, error) {
	for _, column := range t.Columns {
		if column.PrimaryKey {
			return column, nil
		}
	}
	return ColumnConfig{}, fmt.Errorf("table lacks primary key")
}

func (t TableConfig) Column(name string) (ColumnConfig, bool) {
	for _, column := range t.Columns {
		if column.Name == name {
			return column, true
		}
	}
	return ColumnConfig{}, false
}

// ConceptColumns finds the standard/source concept-id pair of a cohort
// table, e.g. condition_concept_id / condition_source_concept_id.
func (c *SchemaConfig) ConceptColumns(table TableConfig, tableName string) (ConceptColumns, error) {
	var result ConceptColumns
	var haveStandard, haveSource bool
	for _, column := range table.Columns {
		if column.ForeignKey != "concept" {
			continue
		}
		if strings.HasSuffix(column.Name, "_source_concept_id") {
			if !haveSource {
				result.SourceColumn = column
				haveSource = true
			}
		} else if strings.HasSuffix(column.Name, "_concept_id") && !strings.Contains(column.Name, "gender") &&
			!strings.Contains(column.Name, "race") && !strings.Contains(column.Name, "ethnicity") &&
			!strings.Contains(column.Name, "type_concept") && !strings.Contains(column.Name, "visit_concept") {
			if !haveStandard {
				result.StandardColumn = column
				haveStandard = true
			}
		}
	}
	if !haveStandard || !haveSource {
		return result, fmt.Errorf("table %s has no standard/source concept columns", tableName)
	}
	return result, nil
}

const defaultSchemaYAML = `
cohortTables:
  person:
    columns:
      - name: person_id
        type: integer
        primaryKey: true
      - name: gender_concept_id
        type: integer
        foreignKey: concept
      - name: year_of_birth
        type: integer
      - name: month_of_birth
        type: integer
      - name: day_of_birth
        type: integer
      - name: birth_datetime
        type: timestamp
      - name: race_concept_id
        type: integer
        foreignKey: concept
      - name: ethnicity_concept_id
        type: integer
        foreignKey: concept
  condition_occurrence:
    columns:
      - name: condition_occurrence_id
        type: integer
        primaryKey: true
      - name: person_id
        type: integer
        foreignKey: person
      - name: condition_concept_id
        type: integer
        foreignKey: concept
      - name: condition_start_date
        type: date
      - name: condition_start_datetime
        type: timestamp
      - name: condition_end_date
        type: date
      - name: condition_type_concept_id
        type: integer
        foreignKey: concept
      - name: stop_reason
        type: string
      - name: visit_occurrence_id
        type: integer
        foreignKey: visit_occurrence
      - name: condition_source_value
        type: string
      - name: condition_source_concept_id
        type: integer
        foreignKey: concept
  drug_exposure:
    columns:
      - name: drug_exposure_id
        type: integer
        primaryKey: true
      - name: person_id
        type: integer
        foreignKey: person
      - name: drug_concept_id
        type: integer
        foreignKey: concept
      - name: drug_exposure_start_date
        type: date
      - name: drug_exposure_end_date
        type: date
      - name: drug_type_concept_id
        type: integer
        foreignKey: concept
      - name: quantity
        type: float
      - name: days_supply
        type: integer
      - name: visit_occurrence_id
        type: integer
        foreignKey: visit_occurrence
      - name: drug_source_value
        type: string
      - name: drug_source_concept_id
        type: integer
        foreignKey: concept
  measurement:
    columns:
      - name: measurement_id
        type: integer
        primaryKey: true
      - name: person_id
        type: integer
        foreignKey: person
      - name: measurement_concept_id
        type: integer
        foreignKey: concept
      - name: measurement_date
        type: date
      - name: value_as_number
        type: float
      - name: value_as_concept_id
        type: integer
        foreignKey: concept
      - name: unit_concept_id
        type: integer
        foreignKey: concept
      - name: range_low
        type: float
      - name: range_high
        type: float
      - name: visit_occurrence_id
        type: integer
        foreignKey: visit_occurrence
      - name: measurement_source_value
        type: string
      - name: measurement_source_concept_id
        type: integer
        foreignKey: concept
  observation:
    columns:
      - name: observation_id
        type: integer
        primaryKey: true
      - name: person_id
        type: integer
        foreignKey: person
      - name: observation_concept_id
        type: integer
        foreignKey: concept
      - name: observation_date
        type: date
      - name: value_as_number
        type: float
      - name: value_as_string
        type: string
      - name: value_as_concept_id
        type: integer
        foreignKey: concept
      - name: value_source_concept_id
        type: integer
        foreignKey: concept
      - name: visit_occurrence_id
        type: integer
        foreignKey: visit_occurrence
      - name: observation_source_value
        type: string
      - name: observation_source_concept_id
        type: integer
        foreignKey: concept
  procedure_occurrence:
    columns:
      - name: procedure_occurrence_id
        type: integer
        primaryKey: true
      - name: person_id
        type: integer
        foreignKey: person
      - name: procedure_concept_id
        type: integer
        foreignKey: concept
      - name: procedure_date
        type: date
      - name: procedure_type_concept_id
        type: integer
        foreignKey: concept
      - name: quantity
        type: integer
      - name: visit_occurrence_id
        type: integer
        foreignKey: visit_occurrence
      - name: procedure_source_value
        type: string
      - name: procedure_source_concept_id
        type: integer
        foreignKey: concept
  visit_occurrence:
    columns:
      - name: visit_occurrence_id
        type: integer
        primaryKey: true
      - name: person_id
        type: integer
        foreignKey: person
      - name: visit_concept_id
        type: integer
        foreignKey: concept
      - name: visit_start_date
        type: date
      - name: visit_end_date
        type: date
      - name: visit_source_value
        type: string
      - name: visit_source_concept_id
        type: integer
        foreignKey: concept
  death:
    columns:
      - name: person_id
        type: integer
        primaryKey: true
        foreignKey: person
      - name: death_date
        type: date
      - name: death_type_concept_id
        type: integer
        foreignKey: concept
      - name: cause_concept_id
        type: integer
        foreignKey: concept
      - name: cause_source_concept_id
        type: integer
        foreignKey: concept
metadataTables:
  concept:
    columns:
      - name: concept_id
        type: integer
        primaryKey: true
      - name: concept_name
        type: string
      - name: domain_id
        type: string
      - name: vocabulary_id
        type: string
      - name: concept_class_id
        type: string
      - name: standard_concept
        type: string
      - name: concept_code
        type: string
  vocabulary:
    columns:
      - name: vocabulary_id
        type: string
        primaryKey: true
      - name: vocabulary_name
        type: string
      - name: vocabulary_reference
        type: string
`
