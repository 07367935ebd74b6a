package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/config"
	"github.com/cohortworks/platform/pkg/common/logger"
	"github.com/cohortworks/platform/pkg/common/models"
)

const (
	projectPlaceholder = "${projectId}"
	datasetPlaceholder = "${dataSetId}"
)

// ResultSet holds warehouse rows in wire form. The warehouse returns every
// cell as a string or null; callers convert using the column types they
// asked for.
type ResultSet struct {
	Columns   []string
	Rows      [][]*string
	TotalRows int64
}

// Client runs parameterized SQL against the CDR warehouse.
type Client interface {
	ExecuteQuery(ctx context.Context, sql string, params []models.QueryParameter) (*ResultSet, error)
	Project() string
	Dataset() string
}

// BigQueryClient talks to the BigQuery v2 REST API using the synchronous
// query endpoint plus result polling.
type BigQueryClient struct {
	endpoint     string
	project      string
	dataset      string
	queryTimeout time.Duration
	pollInterval time.Duration
	httpClient   *http.Client
}

func NewBigQueryClient(cfg *config.Config) *BigQueryClient {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.WarehouseClientID != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.WarehouseClientID,
			ClientSecret: cfg.WarehouseClientSecret,
			TokenURL:     cfg.WarehouseTokenURL,
			Scopes:       []string{"https://www.googleapis.com/auth/bigquery"},
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = creds.Client(ctx)
	}
	return &BigQueryClient{
		endpoint:     strings.TrimRight(cfg.WarehouseEndpoint, "/"),
		project:      cfg.WarehouseProject,
		dataset:      cfg.WarehouseDataset,
		queryTimeout: cfg.WarehouseQueryTimeout,
		pollInterval: cfg.WarehousePollInterval,
		httpClient:   httpClient,
	}
}

func (c *BigQueryClient) Project() string { return c.project }
func (c *BigQueryClient) Dataset() string { return c.dataset }

type queryRequest struct {
	Query           string                  `json:"query"`
	QueryParameters []models.QueryParameter `json:"queryParameters,omitempty"`
	ParameterMode   string                  `json:"parameterMode,omitempty"`
	UseLegacySQL    bool                    `json:"useLegacySql"`
	TimeoutMs       int64                   `json:"timeoutMs"`
}

type tableCell struct {
	V *string `json:"v"`
}

type tableRow struct {
	F []tableCell `json:"f"`
}

type queryResponse struct {
	JobComplete  bool `json:"jobComplete"`
	JobReference struct {
		JobID string `json:"jobId"`
	} `json:"jobReference"`
	Schema struct {
		Fields []struct {
			Name string `json:"name"`
		} `json:"fields"`
	} `json:"schema"`
	Rows      []tableRow `json:"rows"`
	TotalRows string     `json:"totalRows"`
	PageToken string     `json:"pageToken"`
	Errors    []struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"errors"`
}

// ExecuteQuery substitutes the project and dataset placeholders, submits
// the query, and polls until the job completes or the query timeout
// elapses. Raw SQL never appears in returned error messages.
func (c *BigQueryClient) ExecuteQuery(ctx context.Context, sql string, params []models.QueryParameter) (*ResultSet, error) {
	sql = strings.ReplaceAll(sql, projectPlaceholder, c.project)
	sql = strings.ReplaceAll(sql, datasetPlaceholder, c.dataset)

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	body := queryRequest{
		Query:        sql,
		UseLegacySQL: false,
		TimeoutMs:    c.pollInterval.Milliseconds(),
	}
	if len(params) > 0 {
		body.QueryParameters = params
		body.ParameterMode = "NAMED"
	}
	resp, err := c.post(ctx, fmt.Sprintf("%s/projects/%s/queries", c.endpoint, c.project), body)
	if err != nil {
		return nil, err
	}

	for !resp.JobComplete {
		select {
		case <-ctx.Done():
			return nil, apierrors.Transient(ctx.Err(), "warehouse query timed out")
		case <-time.After(c.pollInterval):
		}
		resp, err = c.getResults(ctx, resp.JobReference.JobID, "")
		if err != nil {
			return nil, err
		}
	}

	result := &ResultSet{}
	for _, field := range resp.Schema.Fields {
		result.Columns = append(result.Columns, field.Name)
	}
	if resp.TotalRows != "" {
		fmt.Sscanf(resp.TotalRows, "%d", &result.TotalRows)
	}
	for {
		for _, row := range resp.Rows {
			cells := make([]*string, len(row.F))
			for i, cell := range row.F {
				cells[i] = cell.V
			}
			result.Rows = append(result.Rows, cells)
		}
		if resp.PageToken == "" {
			return result, nil
		}
		resp, err = c.getResults(ctx, resp.JobReference.JobID, resp.PageToken)
		if err != nil {
			return nil, err
		}
	}
}

func (c *BigQueryClient) post(ctx context.Context, endpoint string, body queryRequest) (*queryResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apierrors.Fatal(err, "failed to encode warehouse request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apierrors.Fatal(err, "failed to build warehouse request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *BigQueryClient) getResults(ctx context.Context, jobID, pageToken string) (*queryResponse, error) {
	values := url.Values{}
	values.Set("timeoutMs", fmt.Sprintf("%d", c.pollInterval.Milliseconds()))
	if pageToken != "" {
		values.Set("pageToken", pageToken)
	}
	endpoint := fmt.Sprintf("%s/projects/%s/queries/%s?%s", c.endpoint, c.project, jobID, values.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apierrors.Fatal(err, "failed to build warehouse request")
	}
	return c.do(req)
}

func (c *BigQueryClient) do(req *http.Request) (*queryResponse, error) {
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierrors.Transient(err, "warehouse request failed")
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apierrors.Transient(err, "failed to read warehouse response")
	}
	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		logger.Log.WithField("status", httpResp.StatusCode).Warn("Warehouse returned a retryable error")
		return nil, apierrors.Transient(fmt.Errorf("status %d", httpResp.StatusCode), "warehouse temporarily unavailable")
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, apierrors.Fatal(fmt.Errorf("status %d", httpResp.StatusCode), "warehouse rejected the query")
	}

	var resp queryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apierrors.Fatal(err, "failed to decode warehouse response")
	}
	if len(resp.Errors) > 0 {
		reason := resp.Errors[0].Reason
		if reason == "backendError" || reason == "rateLimitExceeded" || reason == "internalError" {
			return nil, apierrors.Transient(fmt.Errorf("warehouse error: %s", reason), "warehouse temporarily unavailable")
		}
		return nil, apierrors.Fatal(fmt.Errorf("warehouse error: %s", reason), "warehouse rejected the query")
	}
	return &resp, nil
}
