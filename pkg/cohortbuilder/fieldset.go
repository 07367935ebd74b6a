package cohortbuilder

import (
	"fmt"
	"strings"

	"github.com/cohortworks/platform/pkg/cdr"
	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

const (
	tableSeparator   = "."
	aliasSeparator   = "_"
	descendingPrefix = "DESCENDING("
)

// ColumnInfo pairs a requested output column name (dotted for joined
// columns) with its schema config, so row values can be typed on the way
// out.
type ColumnInfo struct {
	Name   string
	Config cdr.ColumnConfig
}

// TableQueryPlan is a compiled field-set projection: the SQL plus the
// ordered output columns.
type TableQueryPlan struct {
	Columns []ColumnInfo
	Query   *CompiledQuery
}

type joinedTableInfo struct {
	startTableAlias      string
	startTableJoinColumn string
	joinedTableName      string
	joinedTablePK        cdr.ColumnConfig
	// set when the table is referenced from the where or order-by clause
	// and therefore must be joined before the LIMIT applies
	beforeLimitRequired bool
}

type selectedColumn struct {
	tableAlias  string
	columnAlias string
	info        ColumnInfo
}

type orderByColumn struct {
	info       ColumnInfo
	descending bool
}

// queryState holds everything needed to turn one table query into SQL,
// passed around instead of a pile of arguments.
type queryState struct {
	reg           *ParamRegistry
	schema        *cdr.SchemaConfig
	mainTableName string
	mainColumns   map[string]cdr.ColumnConfig
	columnConfigs map[string]map[string]cdr.ColumnConfig
	joinedTables  map[string]*joinedTableInfo
	joinOrder     []string
}

// FieldSetBuilder compiles TableQuery projections, joining through
// foreign-key chains expressed in dotted column names.
type FieldSetBuilder struct {
	compiler *QueryCompiler
	schema   *cdr.SchemaConfig
}

func NewFieldSetBuilder(compiler *QueryCompiler, schema *cdr.SchemaConfig) *FieldSetBuilder {
	return &FieldSetBuilder{compiler: compiler, schema: schema}
}

// BuildTableQuery compiles the projection plus participant predicate into
// one query with LIMIT/OFFSET paging.
func (b *FieldSetBuilder) BuildTableQuery(lookup cdr.ConceptLookup, criteria *ParticipantCriteria,
	tableQuery *models.TableQuery, resultSize, offset int64) (*TableQueryPlan, error) {
	state := &queryState{
		reg:           NewParamRegistry(),
		schema:        b.schema,
		mainTableName: tableQuery.TableName,
		columnConfigs: map[string]map[string]cdr.ColumnConfig{},
		joinedTables:  map[string]*joinedTableInfo{},
	}

	selectColumns, err := b.handleSelect(state, tableQuery.Columns)
	if err != nil {
		return nil, err
	}

	var whereSQL strings.Builder
	whereSQL.WriteString("\nwhere\n")
	if tableQuery.Filters != nil {
		if err := b.handleResultFilters(state, tableQuery.Filters, &whereSQL); err != nil {
			return nil, err
		}
		whereSQL.WriteString("\nand\n")
	}

	orderByColumns, err := b.handleOrderBy(state, tableQuery.OrderBy)
	if err != nil {
		return nil, err
	}

	sql, err := b.buildSQL(lookup, criteria, state, selectColumns, whereSQL.String(), orderByColumns, resultSize, offset)
	if err != nil {
		return nil, err
	}

	columns := make([]ColumnInfo, len(selectColumns))
	for i, col := range selectColumns {
		columns[i] = col.info
	}
	return &TableQueryPlan{
		Columns: columns,
		Query:   &CompiledQuery{SQL: sql, Params: state.reg},
	}, nil
}

func (b *FieldSetBuilder) handleSelect(state *queryState, columnNames []string) ([]selectedColumn, error) {
	mainColumns, err := b.tableColumns(state, state.mainTableName, true)
	if err != nil {
		return nil, err
	}
	state.mainColumns = mainColumns

	var selectColumns []selectedColumn
	for _, columnName := range columnNames {
		parts := strings.Split(columnName, tableSeparator)
		if len(parts) == 1 {
			config, ok := state.mainColumns[columnName]
			if !ok {
				return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
					"no column %s found on table %s", columnName, state.mainTableName)
			}
			selectColumns = append(selectColumns, selectedColumn{
				tableAlias:  state.mainTableName,
				columnAlias: columnName,
				info:        ColumnInfo{Name: columnName, Config: config},
			})
			continue
		}
		tableName, tableAlias, err := b.tableNameAndAlias(state, parts, false)
		if err != nil {
			return nil, err
		}
		aliasColumns, err := b.tableColumns(state, tableName, false)
		if err != nil {
			return nil, err
		}
		columnEnd := parts[len(parts)-1]
		config, ok := aliasColumns[columnEnd]
		if !ok {
			return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"no column %s found on table %s", columnEnd, tableName)
		}
		selectColumns = append(selectColumns, selectedColumn{
			tableAlias:  tableAlias,
			columnAlias: tableAlias + aliasSeparator + columnEnd,
			info:        ColumnInfo{Name: columnName, Config: config},
		})
	}
	return selectColumns, nil
}

func (b *FieldSetBuilder) tableColumns(state *queryState, tableName string, needsPersonID bool) (map[string]cdr.ColumnConfig, error) {
	if columns, ok := state.columnConfigs[tableName]; ok {
		return columns, nil
	}
	table, ok := state.schema.CohortTable(tableName)
	if !ok {
		if needsPersonID {
			return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"not a valid cohort table (lacks person_id column): %s", tableName)
		}
		table, ok = state.schema.Table(tableName)
		if !ok {
			return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest, "table not found: %s", tableName)
		}
	}
	columns := make(map[string]cdr.ColumnConfig, len(table.Columns))
	for _, column := range table.Columns {
		columns[column.Name] = column
	}
	state.columnConfigs[tableName] = columns
	return columns, nil
}

// tableNameAndAlias resolves the foreign-key chain implied by a dotted
// column name, registering any joins not yet seen. visit_occurrence.person
// joins visit_occurrence (via visit_occurrence_id) then person.
func (b *FieldSetBuilder) tableNameAndAlias(state *queryState, parts []string, beforeLimitRequired bool) (string, string, error) {
	tableName := state.mainTableName
	tableAlias := tableName
	tableColumns := state.mainColumns

	// reuse the longest already-joined prefix
	start := 0
	for i := len(parts) - 1; i > 0; i-- {
		alias := strings.Join(parts[:i], aliasSeparator)
		info, ok := state.joinedTables[alias]
		if !ok {
			continue
		}
		if beforeLimitRequired && !info.beforeLimitRequired {
			info.beforeLimitRequired = true
			// every table on the path to this one must also move before
			// the limit
			for j := i - 1; j > 0; j-- {
				state.joinedTables[strings.Join(parts[:j], aliasSeparator)].beforeLimitRequired = true
			}
		}
		tableName = info.joinedTableName
		tableAlias = alias
		columns, err := b.tableColumns(state, tableName, false)
		if err != nil {
			return "", "", err
		}
		tableColumns = columns
		start = i
		break
	}

	for j := start; j < len(parts)-1; j++ {
		foreignKeyColumn := parts[j] + "_id"
		config, ok := tableColumns[foreignKeyColumn]
		if !ok {
			return "", "", apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"no foreign key column found: %s", foreignKeyColumn)
		}
		if config.ForeignKey == "" {
			return "", "", apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"column is not a foreign key: %s", foreignKeyColumn)
		}
		foreignTable := config.ForeignKey
		columns, err := b.tableColumns(state, foreignTable, false)
		if err != nil {
			return "", "", err
		}
		table, _ := state.schema.Table(foreignTable)
		primaryKey, err := table.PrimaryKey()
		if err != nil {
			return "", "", fmt.Errorf("table %s: %w", foreignTable, err)
		}

		foreignAlias := strings.Join(parts[:j+1], aliasSeparator)
		state.joinedTables[foreignAlias] = &joinedTableInfo{
			startTableAlias:      tableAlias,
			startTableJoinColumn: foreignKeyColumn,
			joinedTableName:      foreignTable,
			joinedTablePK:        primaryKey,
			beforeLimitRequired:  beforeLimitRequired,
		}
		state.joinOrder = append(state.joinOrder, foreignAlias)
		tableAlias = foreignAlias
		tableName = foreignTable
		tableColumns = columns
	}
	return tableName, tableAlias, nil
}

// columnForExpression resolves a column reference for where/order-by use,
// returning it qualified by table alias.
func (b *FieldSetBuilder) columnForExpression(state *queryState, columnName string, beforeLimitRequired bool) (ColumnInfo, error) {
	parts := strings.Split(columnName, tableSeparator)
	if len(parts) == 1 {
		config, ok := state.mainColumns[columnName]
		if !ok {
			return ColumnInfo{}, apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"no such column %s on table %s", columnName, state.mainTableName)
		}
		return ColumnInfo{Name: state.mainTableName + "." + columnName, Config: config}, nil
	}
	tableName, tableAlias, err := b.tableNameAndAlias(state, parts, beforeLimitRequired)
	if err != nil {
		return ColumnInfo{}, err
	}
	aliasColumns, err := b.tableColumns(state, tableName, false)
	if err != nil {
		return ColumnInfo{}, err
	}
	columnEnd := parts[len(parts)-1]
	config, ok := aliasColumns[columnEnd]
	if !ok {
		return ColumnInfo{}, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"no column %s found on table %s", columnEnd, tableName)
	}
	return ColumnInfo{Name: tableAlias + "." + columnEnd, Config: config}, nil
}

func (b *FieldSetBuilder) handleOrderBy(state *queryState, orderBy []string) ([]orderByColumn, error) {
	if len(orderBy) == 0 {
		return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest, "order by list must not be empty")
	}
	var columns []orderByColumn
	for _, columnName := range orderBy {
		name, descending := ParseDescending(columnName)
		info, err := b.columnForExpression(state, name, true)
		if err != nil {
			return nil, err
		}
		columns = append(columns, orderByColumn{info: info, descending: descending})
	}
	return columns, nil
}

// ParseDescending strips the DESCENDING(col) wrapper convention used in
// orderBy arrays. This is a string convention, not a separate field.
func ParseDescending(columnName string) (string, bool) {
	if strings.HasPrefix(strings.ToUpper(columnName), descendingPrefix) && strings.HasSuffix(columnName, ")") {
		return columnName[len(descendingPrefix) : len(columnName)-1], true
	}
	return columnName, false
}

func columnAliasOf(tableAndColumn string) string {
	return strings.ReplaceAll(tableAndColumn, tableSeparator, aliasSeparator)
}

func appendJoin(sql *strings.Builder, alias string, info *joinedTableInfo) {
	sql.WriteString(fmt.Sprintf("\nLEFT OUTER JOIN `${projectId}.${dataSetId}.%s` %s ON %s.%s = %s.%s",
		info.joinedTableName, alias,
		info.startTableAlias, info.startTableJoinColumn,
		alias, info.joinedTablePK.Name))
}

// buildSQL assembles the final statement. Tables only referenced in the
// select list are joined after the LIMIT in an outer query, which the
// warehouse executes far more cheaply than joining every row first.
func (b *FieldSetBuilder) buildSQL(lookup cdr.ConceptLookup, criteria *ParticipantCriteria, state *queryState,
	selectColumns []selectedColumn, whereSQL string, orderByColumns []orderByColumn, resultSize, offset int64) (string, error) {

	var beforeLimitAliases, afterLimitAliases []string
	for _, alias := range state.joinOrder {
		if state.joinedTables[alias].beforeLimitRequired {
			beforeLimitAliases = append(beforeLimitAliases, alias)
		} else {
			afterLimitAliases = append(afterLimitAliases, alias)
		}
	}
	isBeforeLimit := func(alias string) bool {
		if alias == state.mainTableName {
			return true
		}
		info, ok := state.joinedTables[alias]
		return ok && info.beforeLimitRequired
	}
	hasAfterLimitTables := len(afterLimitAliases) > 0

	var innerSelect, outerSelect []string
	innerAliases := map[string]bool{}
	for _, column := range selectColumns {
		columnSQL := fmt.Sprintf("%s.%s %s", column.tableAlias, column.info.Config.Name, column.columnAlias)
		if isBeforeLimit(column.tableAlias) {
			innerSelect = append(innerSelect, columnSQL)
			if hasAfterLimitTables {
				innerAliases[column.columnAlias] = true
				outerSelect = append(outerSelect, "inner_results."+column.columnAlias)
			}
		} else {
			outerSelect = append(outerSelect, columnSQL)
		}
	}
	// join columns that outer tables need must surface through the inner
	// select
	for _, alias := range afterLimitAliases {
		info := state.joinedTables[alias]
		if !isBeforeLimit(info.startTableAlias) {
			continue
		}
		joinColumn := info.startTableAlias + "." + info.startTableJoinColumn
		joinAlias := columnAliasOf(joinColumn)
		if !innerAliases[joinAlias] {
			innerSelect = append(innerSelect, joinColumn+" "+joinAlias)
			innerAliases[joinAlias] = true
		}
		info.startTableAlias = "inner_results"
		info.startTableJoinColumn = joinAlias
	}

	var innerOrderBy []string
	for _, column := range orderByColumns {
		expr := column.info.Name
		if column.descending {
			expr += " DESC"
		}
		innerOrderBy = append(innerOrderBy, expr)
		if hasAfterLimitTables {
			alias := columnAliasOf(column.info.Name)
			if !innerAliases[alias] {
				innerSelect = append(innerSelect, column.info.Name+" "+alias)
				innerAliases[alias] = true
			}
		}
	}

	var innerSQL strings.Builder
	innerSQL.WriteString("select ")
	innerSQL.WriteString(strings.Join(innerSelect, ", "))
	innerSQL.WriteString(fmt.Sprintf("\nfrom `${projectId}.${dataSetId}.%s` %s", state.mainTableName, state.mainTableName))
	for _, alias := range beforeLimitAliases {
		appendJoin(&innerSQL, alias, state.joinedTables[alias])
	}
	innerSQL.WriteString(whereSQL)
	if err := b.compiler.AddWhereClause(lookup, criteria, state.mainTableName, state.reg, &innerSQL); err != nil {
		return "", err
	}
	innerSQL.WriteString("\norder by ")
	innerSQL.WriteString(strings.Join(innerOrderBy, ", "))
	innerSQL.WriteString(fmt.Sprintf("\nlimit %d", resultSize))
	if offset > 0 {
		innerSQL.WriteString(fmt.Sprintf(" offset %d", offset))
	}
	if !hasAfterLimitTables {
		return innerSQL.String(), nil
	}

	var outerSQL strings.Builder
	outerSQL.WriteString("select ")
	outerSQL.WriteString(strings.Join(outerSelect, ", "))
	outerSQL.WriteString("\nfrom (")
	outerSQL.WriteString(innerSQL.String())
	outerSQL.WriteString(") inner_results")
	for _, alias := range afterLimitAliases {
		appendJoin(&outerSQL, alias, state.joinedTables[alias])
	}
	// the outer order by refers to the inner aliases
	var outerOrderBy []string
	for _, column := range orderByColumns {
		alias := columnAliasOf(column.info.Name)
		if column.descending {
			alias += " DESC"
		}
		outerOrderBy = append(outerOrderBy, alias)
	}
	outerSQL.WriteString("\norder by ")
	outerSQL.WriteString(strings.Join(outerOrderBy, ", "))
	outerSQL.WriteString(fmt.Sprintf("\nlimit %d", resultSize))
	return outerSQL.String(), nil
}
