package serviceapi

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

	"mcplane/internal/model"
)

// RemoteCore drives a running mcplane server over its HTTP API, so CLI
// commands can target a shared deployment instead of talking to the data
// platform directly.
type RemoteCore struct {
	baseURL string
	client  *http.Client
}

func NewRemoteCore(baseURL string, timeout time.Duration) *RemoteCore {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteCore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *RemoteCore) Shutdown() {}

func (r *RemoteCore) Health(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/health", nil, nil, &report); err != nil {
		return HealthReport{}, err
	}
	return report, nil
}

func (r *RemoteCore) ListDataStores(ctx context.Context) ([]model.DataStore, error) {
	var response struct {
		DataStores []model.DataStore `json:"datastores"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/datastores", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.DataStores, nil
}

func (r *RemoteCore) ListTables(ctx context.Context, datastore string, schema string, limit int) ([]model.Table, error) {
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
	path := "/api/v1/datastores/" + url.PathEscape(strings.TrimSpace(datastore)) + "/tables"
	if err := r.doJSON(ctx, http.MethodGet, path, query, nil, &response); err != nil {
		return nil, err
	}
	return response.Tables, nil
}

func (r *RemoteCore) DescribeTable(ctx context.Context, datastore string, table string) (model.TableDetail, error) {
	var response struct {
		Table model.TableDetail `json:"table"`
	}
	path := "/api/v1/datastores/" + url.PathEscape(strings.TrimSpace(datastore)) + "/tables/" + url.PathEscape(strings.TrimSpace(table))
	if err := r.doJSON(ctx, http.MethodGet, path, nil, nil, &response); err != nil {
		return model.TableDetail{}, err
	}
	return response.Table, nil
}

func (r *RemoteCore) RunQuery(ctx context.Context, datastore string, sql string, maxRows int) (model.QueryResult, error) {
	payload := map[string]any{
		"datastore": strings.TrimSpace(datastore),
		"sql":       strings.TrimSpace(sql),
	}
	if maxRows > 0 {
		payload["max_rows"] = maxRows
	}
	var response struct {
		Result model.QueryResult `json:"result"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/query", nil, payload, &response); err != nil {
		return model.QueryResult{}, err
	}
	return response.Result, nil
}

func (r *RemoteCore) ExecuteAndMonitor(ctx context.Context, sessionKey string, spec model.JobSpec, manualTrigger bool) (model.ExecutionOutcome, error) {
	payload := map[string]any{
		"session_key":    strings.TrimSpace(sessionKey),
		"job":            spec,
		"manual_trigger": manualTrigger,
	}
	var response struct {
		Outcome model.ExecutionOutcome `json:"outcome"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/tools/execute_and_monitor", nil, payload, &response); err != nil {
		return model.ExecutionOutcome{}, err
	}
	return response.Outcome, nil
}

func (r *RemoteCore) RegisterManualExecution(ctx context.Context, sessionKey string, runID string, success bool) (model.ExecutionOutcome, error) {
	payload := map[string]any{
		"session_key": strings.TrimSpace(sessionKey),
		"run_id":      strings.TrimSpace(runID),
		"success":     success,
	}
	var response struct {
		Outcome model.ExecutionOutcome `json:"outcome"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/tools/register_manual_execution", nil, payload, &response); err != nil {
		return model.ExecutionOutcome{}, err
	}
	return response.Outcome, nil
}

func (r *RemoteCore) SessionState(ctx context.Context, sessionKey string) (model.ExecutionSession, bool, error) {
	var response struct {
		Session model.ExecutionSession `json:"session"`
	}
	path := "/api/v1/sessions/" + url.PathEscape(strings.TrimSpace(sessionKey))
	if err := r.doJSON(ctx, http.MethodGet, path, nil, nil, &response); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not_found") {
			return model.ExecutionSession{}, false, nil
		}
		return model.ExecutionSession{}, false, err
	}
	return response.Session, true, nil
}

// WatchExecutionEvents is served in-process only; remote consumers use the
// server's WebSocket stream instead.
func (r *RemoteCore) WatchExecutionEvents(sessionKey string) (<-chan model.ExecutionEvent, func()) {
	ch := make(chan model.ExecutionEvent)
	close(ch)
	return ch, func() {}
}

func (r *RemoteCore) EvictIdleSessions(ctx context.Context) (int, error) {
	var response struct {
		Evicted int `json:"evicted"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/sessions/evict", nil, nil, &response); err != nil {
		return 0, err
	}
	return response.Evicted, nil
}

func (r *RemoteCore) doJSON(ctx context.Context, method string, path string, query map[string]string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fullURL := r.baseURL + path
	parsed, err := url.Parse(fullURL)
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
	}
	response, err := r.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodeRemoteError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func decodeRemoteError(status int, payload []byte) error {
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
