package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"mcplane/internal/model"
	"mcplane/internal/serviceapi"
)

type mockCore struct {
	healthFn         func(ctx context.Context) (serviceapi.HealthReport, error)
	listDataStoresFn func(ctx context.Context) ([]model.DataStore, error)
	listTablesFn     func(ctx context.Context, datastore string, schema string, limit int) ([]model.Table, error)
	describeTableFn  func(ctx context.Context, datastore string, table string) (model.TableDetail, error)
	runQueryFn       func(ctx context.Context, datastore string, sql string, maxRows int) (model.QueryResult, error)
	executeFn        func(ctx context.Context, sessionKey string, spec model.JobSpec, manualTrigger bool) (model.ExecutionOutcome, error)
	registerManualFn func(ctx context.Context, sessionKey string, runID string, success bool) (model.ExecutionOutcome, error)
	sessionStateFn   func(ctx context.Context, sessionKey string) (model.ExecutionSession, bool, error)
	watchEventsFn    func(sessionKey string) (<-chan model.ExecutionEvent, func())
	evictIdleFn      func(ctx context.Context) (int, error)
}

func (m *mockCore) Shutdown() {}

func (m *mockCore) Health(ctx context.Context) (serviceapi.HealthReport, error) {
	if m.healthFn != nil {
		return m.healthFn(ctx)
	}
	return serviceapi.HealthReport{Status: "ok", SessionBackend: "memory"}, nil
}

func (m *mockCore) ListDataStores(ctx context.Context) ([]model.DataStore, error) {
	if m.listDataStoresFn != nil {
		return m.listDataStoresFn(ctx)
	}
	return nil, nil
}

func (m *mockCore) ListTables(ctx context.Context, datastore string, schema string, limit int) ([]model.Table, error) {
	if m.listTablesFn != nil {
		return m.listTablesFn(ctx, datastore, schema, limit)
	}
	return nil, nil
}

func (m *mockCore) DescribeTable(ctx context.Context, datastore string, table string) (model.TableDetail, error) {
	if m.describeTableFn != nil {
		return m.describeTableFn(ctx, datastore, table)
	}
	return model.TableDetail{}, nil
}

func (m *mockCore) RunQuery(ctx context.Context, datastore string, sql string, maxRows int) (model.QueryResult, error) {
	if m.runQueryFn != nil {
		return m.runQueryFn(ctx, datastore, sql, maxRows)
	}
	return model.QueryResult{}, nil
}

func (m *mockCore) ExecuteAndMonitor(ctx context.Context, sessionKey string, spec model.JobSpec, manualTrigger bool) (model.ExecutionOutcome, error) {
	if m.executeFn != nil {
		return m.executeFn(ctx, sessionKey, spec, manualTrigger)
	}
	return model.ExecutionOutcome{}, nil
}

func (m *mockCore) RegisterManualExecution(ctx context.Context, sessionKey string, runID string, success bool) (model.ExecutionOutcome, error) {
	if m.registerManualFn != nil {
		return m.registerManualFn(ctx, sessionKey, runID, success)
	}
	return model.ExecutionOutcome{}, nil
}

func (m *mockCore) SessionState(ctx context.Context, sessionKey string) (model.ExecutionSession, bool, error) {
	if m.sessionStateFn != nil {
		return m.sessionStateFn(ctx, sessionKey)
	}
	return model.ExecutionSession{}, false, nil
}

func (m *mockCore) WatchExecutionEvents(sessionKey string) (<-chan model.ExecutionEvent, func()) {
	if m.watchEventsFn != nil {
		return m.watchEventsFn(sessionKey)
	}
	ch := make(chan model.ExecutionEvent)
	return ch, func() { close(ch) }
}

func (m *mockCore) EvictIdleSessions(ctx context.Context) (int, error) {
	if m.evictIdleFn != nil {
		return m.evictIdleFn(ctx)
	}
	return 0, nil
}

func newTestRuntime(core serviceapi.Core) *Runtime {
	return &Runtime{
		service:   core,
		worker:    NewEvictionWorker(core, time.Second, time.Minute, nil),
		startedAt: time.Now().UTC(),
		logger:    log.New(io.Discard, "", 0),
	}
}

func TestHandleHealth(t *testing.T) {
	core := &mockCore{
		healthFn: func(_ context.Context) (serviceapi.HealthReport, error) {
			return serviceapi.HealthReport{Status: "ok", SessionBackend: "memory", Sessions: 4}, nil
		},
	}
	runtime := newTestRuntime(core)
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)

	request := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload HealthResponse
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if payload.Status != "ok" || payload.Sessions != 4 {
		t.Fatalf("unexpected health %+v", payload)
	}
}

func TestHandleDataStores(t *testing.T) {
	core := &mockCore{
		listDataStoresFn: func(_ context.Context) ([]model.DataStore, error) {
			return []model.DataStore{{Name: "warehouse"}}, nil
		},
	}
	runtime := newTestRuntime(core)
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)

	request := httptest.NewRequest(http.MethodGet, "/api/v1/datastores", nil)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload struct {
		DataStores []model.DataStore `json:"datastores"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal datastores: %v", err)
	}
	if len(payload.DataStores) != 1 || payload.DataStores[0].Name != "warehouse" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestHandleListTablesPassesFilters(t *testing.T) {
	core := &mockCore{
		listTablesFn: func(_ context.Context, datastore string, schema string, limit int) ([]model.Table, error) {
			if datastore != "warehouse" || schema != "public" || limit != 10 {
				t.Fatalf("unexpected filters datastore=%q schema=%q limit=%d", datastore, schema, limit)
			}
			return []model.Table{{Datastore: datastore, Schema: schema, Name: "orders"}}, nil
		},
	}
	runtime := newTestRuntime(core)
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)

	request := httptest.NewRequest(http.MethodGet, "/api/v1/datastores/warehouse/tables?schema=public&limit=10", nil)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
}

func TestHandleDescribeTable(t *testing.T) {
	core := &mockCore{
		describeTableFn: func(_ context.Context, datastore string, table string) (model.TableDetail, error) {
			return model.TableDetail{
				Table:   model.Table{Datastore: datastore, Name: table},
				Columns: []model.Column{{Name: "id", Type: "bigint"}},
			}, nil
		},
	}
	runtime := newTestRuntime(core)
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)

	request := httptest.NewRequest(http.MethodGet, "/api/v1/datastores/warehouse/tables/orders", nil)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload struct {
		Table model.TableDetail `json:"table"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal table: %v", err)
	}
	if payload.Table.Name != "orders" || len(payload.Table.Columns) != 1 {
		t.Fatalf("unexpected table %+v", payload.Table)
	}
}

func TestHandleQueryRejectsMissingFields(t *testing.T) {
	runtime := newTestRuntime(&mockCore{})
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)

	request := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"datastore":"warehouse"}`))
	request.Header.Set("Content-Type", "application/json")
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", response.Code, response.Body.String())
	}
}

func TestHandleExecuteAndMonitor(t *testing.T) {
	core := &mockCore{
		executeFn: func(_ context.Context, sessionKey string, spec model.JobSpec, manualTrigger bool) (model.ExecutionOutcome, error) {
			if sessionKey != "s1" || spec.Dataplane != "dp-1" || !manualTrigger {
				t.Fatalf("unexpected call session=%q spec=%+v manual=%t", sessionKey, spec, manualTrigger)
			}
			return model.ExecutionOutcome{Kind: model.OutcomeSucceeded, Message: "ok", RunID: "run-1"}, nil
		},
	}
	runtime := newTestRuntime(core)
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)

	body := `{"session_key":"s1","job":{"dataplane":"dp-1"},"manual_trigger":true}`
	request := httptest.NewRequest(http.MethodPost, "/api/v1/tools/execute_and_monitor", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload struct {
		Outcome model.ExecutionOutcome `json:"outcome"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if payload.Outcome.RunID != "run-1" {
		t.Fatalf("unexpected outcome %+v", payload.Outcome)
	}
}

func TestHandleExecuteRequiresSessionKey(t *testing.T) {
	runtime := newTestRuntime(&mockCore{})
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)

	request := httptest.NewRequest(http.MethodPost, "/api/v1/tools/execute_and_monitor", strings.NewReader(`{"job":{"dataplane":"dp-1"}}`))
	request.Header.Set("Content-Type", "application/json")
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", response.Code, response.Body.String())
	}
}

func TestHandleRegisterManualDefaultsToSuccess(t *testing.T) {
	core := &mockCore{
		registerManualFn: func(_ context.Context, sessionKey string, runID string, success bool) (model.ExecutionOutcome, error) {
			if !success {
				t.Fatalf("expected success to default to true")
			}
			if runID != "run-5" {
				t.Fatalf("unexpected run id %q", runID)
			}
			return model.ExecutionOutcome{Kind: model.OutcomeManualRegistered, Message: "registered"}, nil
		},
	}
	runtime := newTestRuntime(core)
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)

	body := `{"session_key":"s1","run_id":"run-5"}`
	request := httptest.NewRequest(http.MethodPost, "/api/v1/tools/register_manual_execution", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
}

func TestHandleSessionByKey(t *testing.T) {
	core := &mockCore{
		sessionStateFn: func(_ context.Context, sessionKey string) (model.ExecutionSession, bool, error) {
			if sessionKey != "s1" {
				return model.ExecutionSession{}, false, nil
			}
			return model.ExecutionSession{SessionKey: "s1", AttemptCount: 2, LastError: "boom"}, true, nil
		},
	}
	runtime := newTestRuntime(core)
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)

	request := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}

	request = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/absent", nil)
	response = httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
}

func TestHandleEvictSessions(t *testing.T) {
	core := &mockCore{
		evictIdleFn: func(_ context.Context) (int, error) { return 3, nil },
	}
	runtime := newTestRuntime(core)
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)

	request := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/evict", nil)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload struct {
		Evicted int `json:"evicted"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Evicted != 3 {
		t.Fatalf("expected 3 evicted, got %d", payload.Evicted)
	}
}

func TestHandleExecutionStreamRejectsInvalidUpgrade(t *testing.T) {
	runtime := newTestRuntime(&mockCore{})
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)

	request := httptest.NewRequest(http.MethodGet, "/api/v1/executions/stream?session_key=s1", nil)
	response := httptest.NewRecorder()
	mux.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.Code)
	}
}

func TestHandleExecutionStreamPushesEvents(t *testing.T) {
	eventCh := make(chan model.ExecutionEvent, 1)
	core := &mockCore{
		watchEventsFn: func(sessionKey string) (<-chan model.ExecutionEvent, func()) {
			if sessionKey != "s1" {
				t.Errorf("unexpected session filter %q", sessionKey)
			}
			return eventCh, func() {}
		},
	}
	runtime := newTestRuntime(core)
	conn, reader := openTestWebSocket(t, runtime, "/api/v1/executions/stream?session_key=s1")
	defer conn.Close()

	eventCh <- model.ExecutionEvent{Type: model.EventAttemptStarted, SessionKey: "s1", Detail: "automatic attempt 1/3"}

	frame := readServerJSONFrame(t, conn, reader, time.Second)
	if frame["type"] != "execution.event" {
		t.Fatalf("expected execution.event frame, got %#v", frame["type"])
	}
}

func TestHandleExecutionStreamToolCall(t *testing.T) {
	core := &mockCore{
		executeFn: func(_ context.Context, sessionKey string, spec model.JobSpec, manualTrigger bool) (model.ExecutionOutcome, error) {
			if sessionKey != "s1" || spec.Dataplane != "dp-1" {
				t.Errorf("unexpected call session=%q spec=%+v", sessionKey, spec)
			}
			return model.ExecutionOutcome{Kind: model.OutcomeManualRequired, Message: "manual run required"}, nil
		},
	}
	runtime := newTestRuntime(core)
	conn, reader := openTestWebSocket(t, runtime, "/api/v1/executions/stream?session_key=s1")
	defer conn.Close()

	call := `{"type":"tool_call","id":"c1","tool":"execute_and_monitor","args":{"job":{"dataplane":"dp-1"}}}`
	writeMaskedClientFrame(t, conn, []byte(call))

	frame := readServerJSONFrame(t, conn, reader, time.Second)
	if frame["type"] != "tool_result" || frame["id"] != "c1" {
		t.Fatalf("unexpected frame %#v", frame)
	}
	outcome, ok := frame["outcome"].(map[string]any)
	if !ok || outcome["kind"] != string(model.OutcomeManualRequired) {
		t.Fatalf("unexpected outcome payload %#v", frame["outcome"])
	}
}

func openTestWebSocket(t *testing.T, runtime *Runtime, path string) (net.Conn, *bufio.Reader) {
	t.Helper()
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	conn, err := net.Dial("tcp", parsed.Host)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	request := strings.Join([]string{
		"GET " + path + " HTTP/1.1",
		"Host: " + parsed.Host,
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Version: 13",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"",
		"",
	}, "\r\n")
	if _, err := conn.Write([]byte(request)); err != nil {
		_ = conn.Close()
		t.Fatalf("write handshake request: %v", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(statusLine, "101") {
		_ = conn.Close()
		t.Fatalf("expected websocket upgrade status, got %q", statusLine)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			_ = conn.Close()
			t.Fatalf("read header line: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}
	return conn, reader
}

// readServerJSONFrame reads one unmasked server-to-client text frame.
func readServerJSONFrame(t *testing.T, conn net.Conn, reader *bufio.Reader, timeout time.Duration) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	size := uint64(header[1] & 0x7F)
	switch size {
	case 126:
		extended := make([]byte, 2)
		if _, err := io.ReadFull(reader, extended); err != nil {
			t.Fatalf("read extended length: %v", err)
		}
		size = uint64(binary.BigEndian.Uint16(extended))
	case 127:
		extended := make([]byte, 8)
		if _, err := io.ReadFull(reader, extended); err != nil {
			t.Fatalf("read extended length: %v", err)
		}
		size = binary.BigEndian.Uint64(extended)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(reader, payload); err != nil {
		t.Fatalf("read frame payload: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v payload=%s", err, string(payload))
	}
	return frame
}

func writeMaskedClientFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	maskKey := []byte{0x12, 0x34, 0x56, 0x78}
	frame := make([]byte, 0, len(payload)+14)
	frame = append(frame, 0x81) // fin + text opcode
	switch {
	case len(payload) <= 125:
		frame = append(frame, 0x80|byte(len(payload)))
	case len(payload) <= 65535:
		frame = append(frame, 0x80|126, byte(len(payload)>>8), byte(len(payload)))
	default:
		t.Fatalf("test frame too large")
	}
	frame = append(frame, maskKey...)
	for i, b := range payload {
		frame = append(frame, b^maskKey[i%4])
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write client frame: %v", err)
	}
}
