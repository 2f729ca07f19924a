package dataplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/google/uuid"

	"mcplane/internal/model"
)

// Client wraps the data platform REST API: catalog browsing, SQL queries,
// and job submission against a dataplane.
type Client struct {
	baseURL       string
	token         string
	client        *http.Client
	submitTimeout time.Duration
}

type Options struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	SubmitTimeout  time.Duration
}

func NewClient(options Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(options.BaseURL), "/")
	requestTimeout := options.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	submitTimeout := options.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 60 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		token:         strings.TrimSpace(options.Token),
		client:        &http.Client{Timeout: requestTimeout},
		submitTimeout: submitTimeout,
	}
}

func (c *Client) ListDataStores(ctx context.Context) ([]model.DataStore, error) {
	var response struct {
		DataStores []model.DataStore `json:"datastores"`
	}
	if err := c.getJSON(ctx, "/api/v2/datastores", nil, &response); err != nil {
		return nil, err
	}
	return response.DataStores, nil
}

func (c *Client) ListTables(ctx context.Context, datastore string, schema string, limit int) ([]model.Table, error) {
	datastore = strings.TrimSpace(datastore)
	if datastore == "" {
		return nil, fmt.Errorf("datastore is required")
	}
	query := map[string]string{}
	if strings.TrimSpace(schema) != "" {
		query["schema"] = strings.TrimSpace(schema)
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var response struct {
		Tables []model.Table `json:"tables"`
	}
	path := "/api/v2/datastores/" + url.PathEscape(datastore) + "/tables"
	if err := c.getJSON(ctx, path, query, &response); err != nil {
		return nil, err
	}
	return response.Tables, nil
}

func (c *Client) DescribeTable(ctx context.Context, datastore string, table string) (model.TableDetail, error) {
	datastore = strings.TrimSpace(datastore)
	table = strings.TrimSpace(table)
	if datastore == "" || table == "" {
		return model.TableDetail{}, fmt.Errorf("datastore and table are required")
	}
	var response struct {
		Table model.TableDetail `json:"table"`
	}
	path := "/api/v2/datastores/" + url.PathEscape(datastore) + "/tables/" + url.PathEscape(table)
	if err := c.getJSON(ctx, path, nil, &response); err != nil {
		return model.TableDetail{}, err
	}
	return response.Table, nil
}

type QueryRequest struct {
	Datastore string `json:"datastore"`
	SQL       string `json:"sql"`
	MaxRows   int    `json:"max_rows,omitempty"`
}

func (c *Client) RunQuery(ctx context.Context, request QueryRequest) (model.QueryResult, error) {
	request.Datastore = strings.TrimSpace(request.Datastore)
	request.SQL = strings.TrimSpace(request.SQL)
	if request.Datastore == "" {
		return model.QueryResult{}, fmt.Errorf("datastore is required")
	}
	if request.SQL == "" {
		return model.QueryResult{}, fmt.Errorf("sql is required")
	}
	var result model.QueryResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v2/sql/query", nil, request, &result); err != nil {
		return model.QueryResult{}, err
	}
	return result, nil
}

// SubmitJob submits a job spec to its dataplane. Transport errors and
// remote-side rejections are normalized into one error; the returned
// submission may still carry a run id when the platform assigned one before
// failing.
func (c *Client) SubmitJob(ctx context.Context, spec model.JobSpec) (model.JobSubmission, error) {
	dataplane := strings.TrimSpace(spec.Dataplane)
	if dataplane == "" {
		return model.JobSubmission{}, fmt.Errorf("dataplane is required")
	}
	submitCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	var response struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	path := "/api/v2/dataplanes/" + url.PathEscape(dataplane) + "/jobs"
	if err := c.doJSON(submitCtx, http.MethodPost, path, nil, spec, &response); err != nil {
		return model.JobSubmission{}, err
	}
	submission := model.JobSubmission{
		RunID:  strings.TrimSpace(response.RunID),
		Status: normalizeRunStatus(response.Status),
	}
	if strings.TrimSpace(response.Error) != "" {
		return submission, fmt.Errorf("%s", strings.TrimSpace(response.Error))
	}
	if submission.Status == model.RunStatusFailed {
		return submission, fmt.Errorf("run %s failed on submission", submission.RunID)
	}
	if submission.RunID == "" {
		return submission, fmt.Errorf("platform accepted the job but returned no run id")
	}
	return submission, nil
}

func (c *Client) RunStatus(ctx context.Context, runID string) (model.JobSubmission, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return model.JobSubmission{}, fmt.Errorf("run id is required")
	}
	var response struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/api/v2/runs/"+url.PathEscape(runID), nil, &response); err != nil {
		return model.JobSubmission{}, err
	}
	return model.JobSubmission{RunID: response.RunID, Status: normalizeRunStatus(response.Status)}, nil
}

func normalizeRunStatus(raw string) model.RunStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "submitted", "pending", "queued":
		return model.RunStatusSubmitted
	case "running":
		return model.RunStatusRunning
	case "completed", "succeeded", "finished":
		return model.RunStatusCompleted
	case "failed", "error":
		return model.RunStatusFailed
	default:
		return model.RunStatusUnknown
	}
}

// getJSON retries idempotent reads; mutations go through doJSON directly.
func (c *Client) getJSON(ctx context.Context, path string, query map[string]string, out any) error {
	return retry.Retry(func(attempt uint) error {
		return c.doJSON(ctx, http.MethodGet, path, query, nil, out)
	}, strategy.Limit(3), strategy.Backoff(backoff.Linear(200*time.Millisecond)))
}

func (c *Client) doJSON(ctx context.Context, method string, path string, query map[string]string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		request.Header.Set("Content-Type", "application/json")
		// Job submission sits behind a load balancer that can replay
		// requests; the platform dedupes on this header.
		request.Header.Set("X-Request-Id", uuid.NewString())
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodePlatformError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func decodePlatformError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && strings.TrimSpace(wrapper.Error.Code) != "" {
		return fmt.Errorf("%s (http %d): %s", wrapper.Error.Code, status, strings.TrimSpace(wrapper.Error.Message))
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(payload)))
}
