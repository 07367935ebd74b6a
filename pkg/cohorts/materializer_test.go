package cohorts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/cohortworks/platform/pkg/cdr"
	"github.com/cohortworks/platform/pkg/cohortbuilder"
	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/config"
	"github.com/cohortworks/platform/pkg/common/logger"
	"github.com/cohortworks/platform/pkg/common/models"
	"github.com/cohortworks/platform/pkg/warehouse"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

// fakeWarehouse records the last SQL executed and returns canned rows.
type fakeWarehouse struct {
	lastSQL string
	rows    [][]*string
	calls   int
}

func (f *fakeWarehouse) ExecuteQuery(ctx context.Context, sql string, params []models.QueryParameter) (*warehouse.ResultSet, error) {
	f.calls++
	f.lastSQL = sql
	return &warehouse.ResultSet{Rows: f.rows, TotalRows: int64(len(f.rows))}, nil
}

func (f *fakeWarehouse) Project() string { return "test-project" }
func (f *fakeWarehouse) Dataset() string { return "test_dataset" }

type fakeReviewStore struct {
	review     *models.CohortReview
	included   []int64
	excluded   []int64
	lastStatus []models.CohortStatus
}

func (f *fakeReviewStore) ActiveReviewForCohort(ctx context.Context, cohortID int64) (*models.CohortReview, error) {
	return f.review, nil
}

func (f *fakeReviewStore) ParticipantIDsWithStatusIn(ctx context.Context, reviewID int64, statuses []models.CohortStatus) ([]int64, error) {
	f.lastStatus = statuses
	return f.included, nil
}

func (f *fakeReviewStore) ParticipantIDsWithStatusNotIn(ctx context.Context, reviewID int64, statuses []models.CohortStatus) ([]int64, error) {
	f.lastStatus = statuses
	return f.excluded, nil
}

func (f *fakeReviewStore) QueryAnnotations(ctx context.Context, reviewID int64, query *models.AnnotationQuery,
	statusFilter []models.CohortStatus, limit, offset int64) ([]map[string]interface{}, error) {
	return nil, nil
}

func newTestMaterializer(t *testing.T, client warehouse.Client, reviews ReviewStore) *Materializer {
	t.Helper()
	schema, err := cdr.LoadSchemaConfig("")
	if err != nil {
		t.Fatalf("failed to load default schema: %v", err)
	}
	compiler := cohortbuilder.NewQueryCompiler()
	cfg := &config.Config{DefaultPageSize: 100, MaxPageSize: 1000}
	return NewMaterializer(nil, reviews, cdr.NewResolver(nil, nil, 0), compiler,
		cohortbuilder.NewFieldSetBuilder(compiler, schema), schema, client, nil, cfg)
}

func testCohortSpec(t *testing.T) json.RawMessage {
	t.Helper()
	conceptID := int64(44823922)
	spec, err := json.Marshal(&models.SearchRequest{
		Includes: []models.SearchGroup{{
			Items: []models.SearchGroupItem{{
				Type: "CONDITION",
				SearchParameters: []models.SearchParameter{{
					ParameterID: "param1",
					Domain:      "CONDITION",
					Type:        "SNOMED",
					Standard:    true,
					ConceptID:   &conceptID,
				}},
			}},
		}},
		Excludes: []models.SearchGroup{},
	})
	if err != nil {
		t.Fatalf("failed to marshal spec: %v", err)
	}
	return spec
}

func rowOf(values ...string) []*string {
	row := make([]*string, len(values))
	for i := range values {
		row[i] = &values[i]
	}
	return row
}

func TestMaterializeRequiresExactlyOneSource(t *testing.T) {
	m := newTestMaterializer(t, &fakeWarehouse{}, &fakeReviewStore{})
	ctx := context.Background()

	_, err := m.MaterializeCohort(ctx, &models.MaterializeCohortRequest{})
	if !apierrors.IsCode(err, apierrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for missing source, got %v", err)
	}

	_, err = m.MaterializeCohort(ctx, &models.MaterializeCohortRequest{
		CohortName: "diabetics",
		CohortSpec: testCohortSpec(t),
	})
	if !apierrors.IsCode(err, apierrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for double source, got %v", err)
	}
}

func TestMaterializeBadSpecRejected(t *testing.T) {
	m := newTestMaterializer(t, &fakeWarehouse{}, &fakeReviewStore{})
	_, err := m.MaterializeCohort(context.Background(), &models.MaterializeCohortRequest{
		CohortSpec: json.RawMessage("not json"),
	})
	if !apierrors.IsCode(err, apierrors.CodeParseError) {
		t.Fatalf("expected PARSE_ERROR, got %v", err)
	}
}

func TestMaterializeStatusFilterRequiresCohortName(t *testing.T) {
	m := newTestMaterializer(t, &fakeWarehouse{}, &fakeReviewStore{})
	_, err := m.MaterializeCohort(context.Background(), &models.MaterializeCohortRequest{
		CohortSpec:   testCohortSpec(t),
		StatusFilter: []models.CohortStatus{models.StatusIncluded},
	})
	if !apierrors.IsCode(err, apierrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestMaterializeReturnsPageWithNextToken(t *testing.T) {
	client := &fakeWarehouse{rows: [][]*string{rowOf("1"), rowOf("2"), rowOf("3")}}
	m := newTestMaterializer(t, client, &fakeReviewStore{})
	req := &models.MaterializeCohortRequest{
		CohortSpec: testCohortSpec(t),
		PageSize:   2,
		FieldSet: &models.FieldSet{TableQuery: &models.TableQuery{
			TableName: "person",
			Columns:   []string{"person_id"},
		}},
	}
	resp, err := m.MaterializeCohort(context.Background(), req)
	if err != nil {
		t.Fatalf("failed to materialize: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0]["person_id"] != int64(1) {
		t.Fatalf("expected typed person_id, got %#v", resp.Results[0]["person_id"])
	}
	if resp.NextPageToken == "" {
		t.Fatal("expected a next page token")
	}
	offset, err := decodePageToken(resp.NextPageToken, requestFingerprint(req))
	if err != nil {
		t.Fatalf("next page token does not decode: %v", err)
	}
	if offset != 2 {
		t.Fatalf("expected next offset 2, got %d", offset)
	}
	// the extra row is fetched to detect the next page, never returned
	if !strings.Contains(client.lastSQL, "limit 3") {
		t.Fatalf("expected limit pageSize+1:\n%s", client.lastSQL)
	}
}

func TestMaterializeLastPageHasNoToken(t *testing.T) {
	client := &fakeWarehouse{rows: [][]*string{rowOf("1")}}
	m := newTestMaterializer(t, client, &fakeReviewStore{})
	resp, err := m.MaterializeCohort(context.Background(), &models.MaterializeCohortRequest{
		CohortSpec: testCohortSpec(t),
		PageSize:   2,
	})
	if err != nil {
		t.Fatalf("failed to materialize: %v", err)
	}
	if len(resp.Results) != 1 || resp.NextPageToken != "" {
		t.Fatalf("expected final page without token, got %d results, token %q",
			len(resp.Results), resp.NextPageToken)
	}
}

func TestParticipantCriteriaStatusScoping(t *testing.T) {
	ctx := context.Background()
	review := &models.CohortReview{CohortReviewID: 7}
	var searchRequest models.SearchRequest
	if err := json.Unmarshal(testCohortSpec(t), &searchRequest); err != nil {
		t.Fatalf("failed to parse spec: %v", err)
	}

	// include-list scoping without NOT_REVIEWED: empty review set means no
	// participant can match
	store := &fakeReviewStore{review: review, included: nil}
	m := newTestMaterializer(t, &fakeWarehouse{}, store)
	criteria, err := m.participantCriteria(ctx, &resolvedRequest{
		searchRequest: &searchRequest,
		review:        review,
		statusFilter:  []models.CohortStatus{models.StatusIncluded},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if criteria != nil {
		t.Fatal("expected nil criteria for an empty included set")
	}

	// NOT_REVIEWED in the filter keeps the search request and excludes the
	// reviewed participants outside the filter
	store = &fakeReviewStore{review: review, excluded: []int64{5, 6}}
	m = newTestMaterializer(t, &fakeWarehouse{}, store)
	criteria, err = m.participantCriteria(ctx, &resolvedRequest{
		searchRequest: &searchRequest,
		review:        review,
		statusFilter:  []models.CohortStatus{models.StatusNotReviewed, models.StatusIncluded},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if criteria == nil || criteria.SearchRequest == nil {
		t.Fatal("expected search-request criteria")
	}
	if len(criteria.ParticipantIDsToExclude) != 2 {
		t.Fatalf("expected 2 excluded participants, got %d", len(criteria.ParticipantIDsToExclude))
	}

	// every status present means no scoping at all
	m = newTestMaterializer(t, &fakeWarehouse{}, &fakeReviewStore{review: review})
	criteria, err = m.participantCriteria(ctx, &resolvedRequest{
		searchRequest: &searchRequest,
		review:        review,
		statusFilter: []models.CohortStatus{
			models.StatusIncluded, models.StatusExcluded,
			models.StatusNeedsFurtherReview, models.StatusNotReviewed,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if criteria == nil || len(criteria.ParticipantIDsToExclude) != 0 {
		t.Fatalf("expected unscoped criteria, got %+v", criteria)
	}
}

func TestGetCdrQueryCompilesWithoutExecuting(t *testing.T) {
	client := &fakeWarehouse{}
	m := newTestMaterializer(t, client, &fakeReviewStore{})
	query, err := m.GetCdrQuery(context.Background(), &models.MaterializeCohortRequest{
		CohortSpec: testCohortSpec(t),
		FieldSet: &models.FieldSet{TableQuery: &models.TableQuery{
			TableName: "condition_occurrence",
			Columns:   []string{"person_id", "condition_start_date"},
		}},
	})
	if err != nil {
		t.Fatalf("failed to compile cdr query: %v", err)
	}
	if client.calls != 0 {
		t.Fatal("GetCdrQuery must not execute the query")
	}
	if query.BigqueryProject != "test-project" || query.BigqueryDataset != "test_dataset" {
		t.Fatalf("unexpected warehouse coordinates: %+v", query)
	}
	if query.SQL == "" || !strings.Contains(query.SQL, "condition_occurrence") {
		t.Fatalf("unexpected SQL:\n%s", query.SQL)
	}
	if len(query.Columns) != 2 || query.Columns[0] != "person_id" {
		t.Fatalf("unexpected columns: %v", query.Columns)
	}
	if query.Configuration == nil {
		t.Fatal("expected query parameter configuration")
	}
}

func TestGetDataSetQueryMapsDomainToTable(t *testing.T) {
	m := newTestMaterializer(t, &fakeWarehouse{}, &fakeReviewStore{})
	query, err := m.GetDataSetQuery(context.Background(), "CONDITION", &models.MaterializeCohortRequest{
		CohortSpec: testCohortSpec(t),
	})
	if err != nil {
		t.Fatalf("failed to build data set query: %v", err)
	}
	if query.Domain != "CONDITION" {
		t.Fatalf("unexpected domain %s", query.Domain)
	}
	if !strings.Contains(query.Query, "condition_occurrence") {
		t.Fatalf("expected condition_occurrence query:\n%s", query.Query)
	}
	if len(query.NamedParameters) == 0 {
		t.Fatal("expected named parameters")
	}

	_, err = m.GetDataSetQuery(context.Background(), "BILLING", &models.MaterializeCohortRequest{
		CohortSpec: testCohortSpec(t),
	})
	if !apierrors.IsCode(err, apierrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for unknown domain, got %v", err)
	}
}

func TestNormalizeTableQueryDefaults(t *testing.T) {
	m := newTestMaterializer(t, &fakeWarehouse{}, &fakeReviewStore{})
	tableQuery, err := m.normalizeTableQuery(&models.MaterializeCohortRequest{})
	if err != nil {
		t.Fatalf("failed to normalize: %v", err)
	}
	if tableQuery.TableName != "person" {
		t.Fatalf("expected person default, got %s", tableQuery.TableName)
	}
	if len(tableQuery.Columns) == 0 {
		t.Fatal("expected all person columns by default")
	}
	if len(tableQuery.OrderBy) == 0 || tableQuery.OrderBy[0] != "person_id" {
		t.Fatalf("expected person_id order by default, got %v", tableQuery.OrderBy)
	}

	_, err = m.normalizeTableQuery(&models.MaterializeCohortRequest{
		FieldSet: &models.FieldSet{TableQuery: &models.TableQuery{TableName: "concept"}},
	})
	if !apierrors.IsCode(err, apierrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for non-cohort table, got %v", err)
	}
}

func TestNormalizeTableQueryConceptIDFilters(t *testing.T) {
	m := newTestMaterializer(t, &fakeWarehouse{}, &fakeReviewStore{})
	tableQuery, err := m.normalizeTableQuery(&models.MaterializeCohortRequest{
		ConceptIDs: []int64{1, 2},
		FieldSet: &models.FieldSet{TableQuery: &models.TableQuery{
			TableName: "condition_occurrence",
			Columns:   []string{"person_id"},
		}},
	})
	if err != nil {
		t.Fatalf("failed to normalize: %v", err)
	}
	filters := tableQuery.Filters
	if filters == nil || len(filters.AnyOf) != 2 {
		t.Fatalf("expected anyOf over both concept columns, got %+v", filters)
	}
	names := []string{filters.AnyOf[0].ColumnFilter.ColumnName, filters.AnyOf[1].ColumnFilter.ColumnName}
	if names[0] != "condition_concept_id" || names[1] != "condition_source_concept_id" {
		t.Fatalf("unexpected concept columns: %v", names)
	}
	if filters.AnyOf[0].ColumnFilter.Operator != models.OperatorIn {
		t.Fatalf("expected IN filters, got %s", filters.AnyOf[0].ColumnFilter.Operator)
	}

	// person has only demographic concept columns, so conceptIds make no
	// sense there
	_, err = m.normalizeTableQuery(&models.MaterializeCohortRequest{
		ConceptIDs: []int64{1},
		FieldSet:   &models.FieldSet{TableQuery: &models.TableQuery{TableName: "person"}},
	})
	if !apierrors.IsCode(err, apierrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestConvertValue(t *testing.T) {
	if v := convertValue(cdr.ColumnTypeInteger, "42"); v != int64(42) {
		t.Fatalf("expected int64, got %#v", v)
	}
	if v := convertValue(cdr.ColumnTypeFloat, "1.5"); v != 1.5 {
		t.Fatalf("expected float, got %#v", v)
	}
	if v := convertValue(cdr.ColumnTypeTimestamp, "0"); v != "1970-01-01 00:00:00 UTC" {
		t.Fatalf("expected formatted timestamp, got %#v", v)
	}
	if v := convertValue(cdr.ColumnTypeString, "hello"); v != "hello" {
		t.Fatalf("expected passthrough, got %#v", v)
	}
	// malformed numerics fall back to the raw string rather than dropping
	// the cell
	if v := convertValue(cdr.ColumnTypeInteger, "forty-two"); v != "forty-two" {
		t.Fatalf("expected raw fallback, got %#v", v)
	}
}

func TestMaterializeAnnotationQueryWithoutReview(t *testing.T) {
	wh := &fakeWarehouse{}
	m := newTestMaterializer(t, wh, &fakeReviewStore{})

	resp, err := m.MaterializeCohort(context.Background(), &models.MaterializeCohortRequest{
		CohortSpec: testCohortSpec(t),
		FieldSet:   &models.FieldSet{AnnotationQuery: &models.AnnotationQuery{}},
	})
	if err != nil {
		t.Fatalf("expected empty page when no review exists, got %v", err)
	}
	if len(resp.Results) != 0 || resp.NextPageToken != "" {
		t.Fatalf("expected empty page with no token, got %+v", resp)
	}
	if wh.calls != 0 {
		t.Fatalf("warehouse queried %d times for an annotation request", wh.calls)
	}
}

// pagingWarehouse serves slices of a fixed result set according to the
// limit and offset rendered into the SQL.
type pagingWarehouse struct {
	all   [][]*string
	calls int
}

func (f *pagingWarehouse) ExecuteQuery(ctx context.Context, sql string, params []models.QueryParameter) (*warehouse.ResultSet, error) {
	f.calls++
	limit, offset, err := parseLimitOffset(sql)
	if err != nil {
		return nil, err
	}
	start := offset
	if start > int64(len(f.all)) {
		start = int64(len(f.all))
	}
	end := start + limit
	if end > int64(len(f.all)) {
		end = int64(len(f.all))
	}
	rows := f.all[start:end]
	return &warehouse.ResultSet{Rows: rows, TotalRows: int64(len(rows))}, nil
}

func (f *pagingWarehouse) Project() string { return "test-project" }
func (f *pagingWarehouse) Dataset() string { return "test_dataset" }

func parseLimitOffset(sql string) (int64, int64, error) {
	idx := strings.LastIndex(sql, "limit ")
	if idx < 0 {
		return 0, 0, fmt.Errorf("no limit clause in %q", sql)
	}
	var limit, offset int64
	if n, _ := fmt.Sscanf(sql[idx:], "limit %d offset %d", &limit, &offset); n == 0 {
		return 0, 0, fmt.Errorf("unparseable limit clause in %q", sql)
	}
	return limit, offset, nil
}

func TestMaterializePagesConcatenateToFullResult(t *testing.T) {
	var all [][]*string
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		all = append(all, rowOf(id))
	}
	wh := &pagingWarehouse{all: all}
	m := newTestMaterializer(t, wh, &fakeReviewStore{})
	ctx := context.Background()

	collect := func(t *testing.T, resp *models.MaterializeCohortResponse, seen map[int64]bool) []int64 {
		t.Helper()
		var ids []int64
		for _, result := range resp.Results {
			id, ok := result["person_id"].(int64)
			if !ok {
				t.Fatalf("person_id missing or untyped in %+v", result)
			}
			if seen[id] {
				t.Fatalf("participant %d returned on two pages", id)
			}
			seen[id] = true
			ids = append(ids, id)
		}
		return ids
	}

	var paged []int64
	seen := map[int64]bool{}
	token := ""
	for page := 0; ; page++ {
		if page > 5 {
			t.Fatal("pagination did not terminate")
		}
		resp, err := m.MaterializeCohort(ctx, &models.MaterializeCohortRequest{
			CohortSpec: testCohortSpec(t),
			PageSize:   2,
			PageToken:  token,
		})
		if err != nil {
			t.Fatalf("page %d failed: %v", page, err)
		}
		paged = append(paged, collect(t, resp, seen)...)
		if resp.NextPageToken == "" {
			break
		}
		token = resp.NextPageToken
	}

	resp, err := m.MaterializeCohort(ctx, &models.MaterializeCohortRequest{
		CohortSpec: testCohortSpec(t),
		PageSize:   100,
	})
	if err != nil {
		t.Fatalf("unpaged materialization failed: %v", err)
	}
	if resp.NextPageToken != "" {
		t.Fatalf("unexpected token on unpaged result: %q", resp.NextPageToken)
	}
	unpaged := collect(t, resp, map[int64]bool{})

	if len(paged) != len(unpaged) {
		t.Fatalf("paged walk returned %d rows, unpaged %d", len(paged), len(unpaged))
	}
	for i := range paged {
		if paged[i] != unpaged[i] {
			t.Fatalf("row %d differs: paged %d, unpaged %d", i, paged[i], unpaged[i])
		}
	}
}
