package cohorts

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cohortworks/platform/pkg/cdr"
	"github.com/cohortworks/platform/pkg/cohortbuilder"
	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/config"
	"github.com/cohortworks/platform/pkg/common/kafka"
	"github.com/cohortworks/platform/pkg/common/logger"
	"github.com/cohortworks/platform/pkg/common/models"
	"github.com/cohortworks/platform/pkg/warehouse"
)

const (
	defaultTableName = "person"
	personIDColumn   = "person_id"

	timestampFormat = "2006-01-02 15:04:05 MST"
)

// ReviewStore is the slice of the review subsystem the materializer needs:
// status-filter scoping and annotation projections. Keeping it an
// interface avoids a dependency cycle and makes the service testable with
// a fake.
type ReviewStore interface {
	ActiveReviewForCohort(ctx context.Context, cohortID int64) (*models.CohortReview, error)
	ParticipantIDsWithStatusIn(ctx context.Context, reviewID int64, statuses []models.CohortStatus) ([]int64, error)
	ParticipantIDsWithStatusNotIn(ctx context.Context, reviewID int64, statuses []models.CohortStatus) ([]int64, error)
	QueryAnnotations(ctx context.Context, reviewID int64, query *models.AnnotationQuery,
		statusFilter []models.CohortStatus, limit, offset int64) ([]map[string]interface{}, error)
}

// Materializer pages cohort participants (or their annotations) out of the
// warehouse according to a field set.
type Materializer struct {
	repo     *Repository
	reviews  ReviewStore
	resolver *cdr.Resolver
	compiler *cohortbuilder.QueryCompiler
	fields   *cohortbuilder.FieldSetBuilder
	schema   *cdr.SchemaConfig
	client   warehouse.Client
	producer *kafka.Producer
	cfg      *config.Config
}

func NewMaterializer(repo *Repository, reviews ReviewStore, resolver *cdr.Resolver,
	compiler *cohortbuilder.QueryCompiler, fields *cohortbuilder.FieldSetBuilder,
	schema *cdr.SchemaConfig, client warehouse.Client, producer *kafka.Producer,
	cfg *config.Config) *Materializer {
	return &Materializer{
		repo:     repo,
		reviews:  reviews,
		resolver: resolver,
		compiler: compiler,
		fields:   fields,
		schema:   schema,
		client:   client,
		producer: producer,
		cfg:      cfg,
	}
}

// resolvedRequest carries a request after validation: the parsed search
// request, the review backing the cohort (when materializing by name), and
// normalized paging.
type resolvedRequest struct {
	searchRequest *models.SearchRequest
	review        *models.CohortReview
	statusFilter  []models.CohortStatus
	fingerprint   string
	offset        int64
	pageSize      int64
}

func (m *Materializer) resolveRequest(ctx context.Context, req *models.MaterializeCohortRequest) (*resolvedRequest, error) {
	hasName := req.CohortName != ""
	hasSpec := len(req.CohortSpec) > 0
	if hasName == hasSpec {
		return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"exactly one of cohortName and cohortSpec must be specified")
	}

	resolved := &resolvedRequest{}
	criteria := req.CohortSpec
	if hasName {
		cohort, err := m.repo.GetCohortByName(ctx, req.CohortName)
		if err != nil {
			return nil, err
		}
		criteria = json.RawMessage(cohort.Criteria)
		review, err := m.reviews.ActiveReviewForCohort(ctx, cohort.ID)
		if err != nil {
			return nil, err
		}
		resolved.review = review
	}

	var searchRequest models.SearchRequest
	if err := json.Unmarshal(criteria, &searchRequest); err != nil {
		return nil, apierrors.BadRequest(apierrors.CodeParseError, "could not parse cohort criteria")
	}
	resolved.searchRequest = &searchRequest

	if len(req.StatusFilter) > 0 {
		if !hasName {
			return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
				"statusFilter requires materializing a saved cohort by name")
		}
		resolved.statusFilter = req.StatusFilter
	} else {
		resolved.statusFilter = models.DefaultStatusFilter()
	}

	if req.ConceptSetID != 0 {
		set, err := m.repo.GetConceptSet(ctx, req.ConceptSetID)
		if err != nil {
			return nil, err
		}
		req.ConceptIDs = append(req.ConceptIDs, set.ConceptIDs...)
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = m.cfg.DefaultPageSize
	}
	if pageSize > m.cfg.MaxPageSize {
		pageSize = m.cfg.MaxPageSize
	}
	resolved.pageSize = int64(pageSize)

	resolved.fingerprint = requestFingerprint(req)
	if req.PageToken != "" {
		offset, err := decodePageToken(req.PageToken, resolved.fingerprint)
		if err != nil {
			return nil, err
		}
		resolved.offset = offset
	}
	return resolved, nil
}

// participantCriteria applies the status filter scoping. A nil return with
// no error means no participant can match, so the caller should produce an
// empty page without touching the warehouse.
func (m *Materializer) participantCriteria(ctx context.Context, resolved *resolvedRequest) (*cohortbuilder.ParticipantCriteria, error) {
	review := resolved.review
	if review == nil || containsAllStatuses(resolved.statusFilter) {
		return cohortbuilder.NewParticipantCriteria(resolved.searchRequest, nil), nil
	}
	if containsStatus(resolved.statusFilter, models.StatusNotReviewed) {
		// reviewed participants whose status is outside the filter are
		// carved out of the search request results
		excluded, err := m.reviews.ParticipantIDsWithStatusNotIn(ctx, review.CohortReviewID, resolved.statusFilter)
		if err != nil {
			return nil, err
		}
		return cohortbuilder.NewParticipantCriteria(resolved.searchRequest, excluded), nil
	}
	included, err := m.reviews.ParticipantIDsWithStatusIn(ctx, review.CohortReviewID, resolved.statusFilter)
	if err != nil {
		return nil, err
	}
	if len(included) == 0 {
		return nil, nil
	}
	return cohortbuilder.NewParticipantIDCriteria(included), nil
}

// MaterializeCohort returns one page of results for the request's field
// set, with a next-page token when more rows remain.
func (m *Materializer) MaterializeCohort(ctx context.Context, req *models.MaterializeCohortRequest) (*models.MaterializeCohortResponse, error) {
	resolved, err := m.resolveRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	m.publish(ctx, kafka.EventMaterializationStarted, req)

	resp, err := m.materializePage(ctx, req, resolved)
	if err != nil {
		logger.Log.WithError(err).Error("Failed to materialize cohort")
		m.publish(ctx, kafka.EventMaterializationFailed, req)
		return nil, err
	}
	m.publish(ctx, kafka.EventMaterializationCompleted, req)
	return resp, nil
}

func (m *Materializer) materializePage(ctx context.Context, req *models.MaterializeCohortRequest, resolved *resolvedRequest) (*models.MaterializeCohortResponse, error) {
	// one extra row tells us whether another page exists
	limit := resolved.pageSize + 1

	var results []map[string]interface{}
	if req.FieldSet != nil && req.FieldSet.AnnotationQuery != nil {
		// no review means no annotations exist for any participant
		if resolved.review == nil {
			return &models.MaterializeCohortResponse{Results: []map[string]interface{}{}}, nil
		}
		rows, err := m.reviews.QueryAnnotations(ctx, resolved.review.CohortReviewID,
			req.FieldSet.AnnotationQuery, resolved.statusFilter, limit, resolved.offset)
		if err != nil {
			return nil, err
		}
		results = rows
	} else {
		criteria, err := m.participantCriteria(ctx, resolved)
		if err != nil {
			return nil, err
		}
		if criteria == nil {
			return &models.MaterializeCohortResponse{Results: []map[string]interface{}{}}, nil
		}
		tableQuery, err := m.normalizeTableQuery(req)
		if err != nil {
			return nil, err
		}
		lookup, err := m.resolver.BuildLookup(ctx, resolved.searchRequest)
		if err != nil {
			return nil, err
		}
		plan, err := m.fields.BuildTableQuery(lookup, criteria, tableQuery, limit, resolved.offset)
		if err != nil {
			return nil, err
		}
		resultSet, err := m.client.ExecuteQuery(ctx, plan.Query.SQL, plan.Query.Params.Params())
		if err != nil {
			return nil, err
		}
		results = extractResults(plan.Columns, resultSet)
	}

	resp := &models.MaterializeCohortResponse{Results: results}
	if int64(len(results)) > resolved.pageSize {
		resp.Results = results[:resolved.pageSize]
		resp.NextPageToken = encodePageToken(resolved.offset+resolved.pageSize, resolved.fingerprint)
	}
	return resp, nil
}

// GetCdrQuery compiles the request into the exact SQL and parameters that
// materialization would run, without executing it. An empty SQL means the
// status filter excludes every participant.
func (m *Materializer) GetCdrQuery(ctx context.Context, req *models.MaterializeCohortRequest) (*models.CdrQuery, error) {
	resolved, err := m.resolveRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	tableQuery, err := m.normalizeTableQuery(req)
	if err != nil {
		return nil, err
	}
	query := &models.CdrQuery{
		BigqueryProject: m.client.Project(),
		BigqueryDataset: m.client.Dataset(),
	}
	criteria, err := m.participantCriteria(ctx, resolved)
	if err != nil {
		return nil, err
	}
	if criteria == nil {
		query.Columns = tableQuery.Columns
		return query, nil
	}
	lookup, err := m.resolver.BuildLookup(ctx, resolved.searchRequest)
	if err != nil {
		return nil, err
	}
	plan, err := m.fields.BuildTableQuery(lookup, criteria, tableQuery, resolved.pageSize+1, resolved.offset)
	if err != nil {
		return nil, err
	}
	for _, column := range plan.Columns {
		query.Columns = append(query.Columns, column.Name)
	}
	query.SQL = plan.Query.SQL
	query.Configuration = plan.Query.Params.ConfigurationMap()
	return query, nil
}

// domainTables maps data-set domains to the cohort table each one reads.
var domainTables = map[string]string{
	"PERSON":      "person",
	"CONDITION":   "condition_occurrence",
	"DRUG":        "drug_exposure",
	"MEASUREMENT": "measurement",
	"OBSERVATION": "observation",
	"PROCEDURE":   "procedure_occurrence",
	"VISIT":       "visit_occurrence",
}

// GetDataSetQuery renders the per-domain extraction query for a cohort: the
// domain's full table projection scoped to the cohort's participants. An
// empty Query means the status filter excludes everyone.
func (m *Materializer) GetDataSetQuery(ctx context.Context, domain string, req *models.MaterializeCohortRequest) (*models.DataSetQuery, error) {
	tableName, ok := domainTables[domain]
	if !ok {
		return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest, "unknown data set domain: %s", domain)
	}
	resolved, err := m.resolveRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	scoped := *req
	scoped.FieldSet = &models.FieldSet{TableQuery: &models.TableQuery{TableName: tableName}}
	tableQuery, err := m.normalizeTableQuery(&scoped)
	if err != nil {
		return nil, err
	}
	criteria, err := m.participantCriteria(ctx, resolved)
	if err != nil {
		return nil, err
	}
	query := &models.DataSetQuery{Domain: domain}
	if criteria == nil {
		return query, nil
	}
	lookup, err := m.resolver.BuildLookup(ctx, resolved.searchRequest)
	if err != nil {
		return nil, err
	}
	plan, err := m.fields.BuildTableQuery(lookup, criteria, tableQuery, resolved.pageSize+1, resolved.offset)
	if err != nil {
		return nil, err
	}
	query.Query = plan.Query.SQL
	query.NamedParameters = plan.Query.Params.Params()
	return query, nil
}

// CountParticipants runs the participant count query for an ad-hoc search
// request.
func (m *Materializer) CountParticipants(ctx context.Context, searchRequest *models.SearchRequest) (int64, error) {
	lookup, err := m.resolver.BuildLookup(ctx, searchRequest)
	if err != nil {
		return 0, err
	}
	criteria := cohortbuilder.NewParticipantCriteria(searchRequest, nil)
	compiled, err := m.compiler.BuildParticipantCountQuery(lookup, criteria)
	if err != nil {
		return 0, err
	}
	resultSet, err := m.client.ExecuteQuery(ctx, compiled.SQL, compiled.Params.Params())
	if err != nil {
		return 0, err
	}
	if len(resultSet.Rows) == 0 || len(resultSet.Rows[0]) == 0 || resultSet.Rows[0][0] == nil {
		return 0, nil
	}
	count, err := strconv.ParseInt(*resultSet.Rows[0][0], 10, 64)
	if err != nil {
		return 0, apierrors.Fatal(err, "warehouse returned a malformed count")
	}
	return count, nil
}

// normalizeTableQuery fills field-set defaults: missing field set means
// the person table, missing columns means every column of the table, and
// missing order-by sorts by person_id then primary key.
func (m *Materializer) normalizeTableQuery(req *models.MaterializeCohortRequest) (*models.TableQuery, error) {
	var tableQuery *models.TableQuery
	if req.FieldSet != nil && req.FieldSet.TableQuery != nil {
		copied := *req.FieldSet.TableQuery
		tableQuery = &copied
	} else {
		tableQuery = &models.TableQuery{TableName: defaultTableName, Columns: []string{personIDColumn}}
	}
	if tableQuery.TableName == "" {
		return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest, "tableQuery.tableName must be specified")
	}
	table, ok := m.schema.CohortTable(tableQuery.TableName)
	if !ok {
		return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"not a valid cohort table (lacks person_id column): %s", tableQuery.TableName)
	}
	if len(tableQuery.Columns) == 0 {
		for _, column := range table.Columns {
			tableQuery.Columns = append(tableQuery.Columns, column.Name)
		}
	}
	if len(tableQuery.OrderBy) == 0 {
		tableQuery.OrderBy = []string{personIDColumn}
		if primaryKey, err := table.PrimaryKey(); err == nil && primaryKey.Name != personIDColumn {
			tableQuery.OrderBy = append(tableQuery.OrderBy, primaryKey.Name)
		}
	}
	if len(req.ConceptIDs) > 0 {
		filters, err := m.conceptFilters(table, tableQuery.TableName, req.ConceptIDs)
		if err != nil {
			return nil, err
		}
		if tableQuery.Filters == nil {
			tableQuery.Filters = filters
		} else {
			tableQuery.Filters = &models.ResultFilters{
				AllOf: []models.ResultFilters{*tableQuery.Filters, *filters},
			}
		}
	}
	return tableQuery, nil
}

// conceptFilters restricts rows to the given concepts via the table's
// standard and source concept columns.
func (m *Materializer) conceptFilters(table cdr.TableConfig, tableName string, conceptIDs []int64) (*models.ResultFilters, error) {
	columns, err := m.schema.ConceptColumns(table, tableName)
	if err != nil {
		return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest, "%v", err)
	}
	values := make([]float64, len(conceptIDs))
	for i, id := range conceptIDs {
		values[i] = float64(id)
	}
	var branches []models.ResultFilters
	for _, column := range []cdr.ColumnConfig{columns.StandardColumn, columns.SourceColumn} {
		if column.Name == "" {
			continue
		}
		branches = append(branches, models.ResultFilters{
			ColumnFilter: &models.ColumnFilter{
				ColumnName:   column.Name,
				Operator:     models.OperatorIn,
				ValueNumbers: values,
			},
		})
	}
	if len(branches) == 0 {
		return nil, apierrors.BadRequest(apierrors.CodeInvalidRequest,
			"table %s has no concept columns to filter on", tableName)
	}
	if len(branches) == 1 {
		return &branches[0], nil
	}
	return &models.ResultFilters{AnyOf: branches}, nil
}

func extractResults(columns []cohortbuilder.ColumnInfo, resultSet *warehouse.ResultSet) []map[string]interface{} {
	results := make([]map[string]interface{}, 0, len(resultSet.Rows))
	for _, row := range resultSet.Rows {
		record := map[string]interface{}{}
		for i, column := range columns {
			if i >= len(row) || row[i] == nil {
				continue
			}
			record[column.Name] = convertValue(column.Config.Type, *row[i])
		}
		results = append(results, record)
	}
	return results
}

// convertValue turns a warehouse wire string into a typed value. The
// warehouse encodes timestamps as fractional epoch seconds.
func convertValue(columnType cdr.ColumnType, raw string) interface{} {
	switch columnType {
	case cdr.ColumnTypeInteger:
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	case cdr.ColumnTypeFloat:
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	case cdr.ColumnTypeTimestamp:
		if epoch, err := strconv.ParseFloat(raw, 64); err == nil {
			seconds := int64(epoch)
			nanos := int64((epoch - float64(seconds)) * 1e9)
			return time.Unix(seconds, nanos).UTC().Format(timestampFormat)
		}
	}
	return raw
}

func (m *Materializer) publish(ctx context.Context, eventType string, req *models.MaterializeCohortRequest) {
	if m.producer == nil {
		return
	}
	m.producer.PublishEvent(ctx, eventType, "cohorts", map[string]interface{}{
		"cohortName": req.CohortName,
		"pageSize":   req.PageSize,
	})
}

func containsStatus(statuses []models.CohortStatus, status models.CohortStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func containsAllStatuses(statuses []models.CohortStatus) bool {
	all := []models.CohortStatus{
		models.StatusIncluded, models.StatusExcluded,
		models.StatusNeedsFurtherReview, models.StatusNotReviewed,
	}
	for _, status := range all {
		if !containsStatus(statuses, status) {
			return false
		}
	}
	return true
}
