package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"mcplane/internal/model"
)

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", r.handleHealth)
	mux.HandleFunc("/api/v1/datastores", r.handleDataStores)
	mux.HandleFunc("/api/v1/datastores/", r.handleDataStoreSubpath)
	mux.HandleFunc("/api/v1/query", r.handleQuery)
	mux.HandleFunc("/api/v1/tools/execute_and_monitor", r.handleExecuteAndMonitor)
	mux.HandleFunc("/api/v1/tools/register_manual_execution", r.handleRegisterManualExecution)
	mux.HandleFunc("/api/v1/sessions/evict", r.handleEvictSessions)
	mux.HandleFunc("/api/v1/sessions/", r.handleSessionByKey)
	mux.HandleFunc("/api/v1/executions/stream", r.handleExecutionStream)
}

func (r *Runtime) handleDataStores(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	stores, err := r.service.ListDataStores(req.Context())
	if err != nil {
		writeAPIError(w, http.StatusBadGateway, "list_datastores_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datastores": stores})
}

// handleDataStoreSubpath serves both
// /api/v1/datastores/{ds}/tables and /api/v1/datastores/{ds}/tables/{table}.
func (r *Runtime) handleDataStoreSubpath(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/v1/datastores/"), "/")
	segments := strings.Split(path, "/")
	datastore := strings.TrimSpace(segments[0])
	if datastore == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_datastore", "datastore is required")
		return
	}
	switch {
	case len(segments) == 2 && segments[1] == "tables":
		limit, err := parseIntQuery(req.URL.Query().Get("limit"), 0)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_limit", err.Error())
			return
		}
		schema := strings.TrimSpace(req.URL.Query().Get("schema"))
		tables, err := r.service.ListTables(req.Context(), datastore, schema, limit)
		if err != nil {
			writeAPIError(w, http.StatusBadGateway, "list_tables_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
	case len(segments) == 3 && segments[1] == "tables":
		table := strings.TrimSpace(segments[2])
		if table == "" {
			writeAPIError(w, http.StatusBadRequest, "invalid_table", "table is required")
			return
		}
		detail, err := r.service.DescribeTable(req.Context(), datastore, table)
		if err != nil {
			writeAPIError(w, http.StatusBadGateway, "describe_table_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"table": detail})
	default:
		r.handleNotFound(w, req)
	}
}

type queryRequest struct {
	Datastore string `json:"datastore"`
	SQL       string `json:"sql"`
	MaxRows   int    `json:"max_rows"`
}

func (r *Runtime) handleQuery(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	var payload queryRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(payload.Datastore) == "" || strings.TrimSpace(payload.SQL) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_query", "datastore and sql are required")
		return
	}
	result, err := r.service.RunQuery(req.Context(), payload.Datastore, payload.SQL, payload.MaxRows)
	if err != nil {
		writeAPIError(w, http.StatusBadGateway, "query_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

type executeRequest struct {
	SessionKey    string        `json:"session_key"`
	Job           model.JobSpec `json:"job"`
	ManualTrigger bool          `json:"manual_trigger"`
}

func (r *Runtime) handleExecuteAndMonitor(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	var payload executeRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(payload.SessionKey) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_session_key", "session_key is required")
		return
	}
	outcome, err := r.service.ExecuteAndMonitor(req.Context(), payload.SessionKey, payload.Job, payload.ManualTrigger)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "execute_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

type registerManualRequest struct {
	SessionKey string `json:"session_key"`
	RunID      string `json:"run_id"`
	Success    *bool  `json:"success"`
}

func (r *Runtime) handleRegisterManualExecution(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	var payload registerManualRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(payload.SessionKey) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_session_key", "session_key is required")
		return
	}
	success := true
	if payload.Success != nil {
		success = *payload.Success
	}
	outcome, err := r.service.RegisterManualExecution(req.Context(), payload.SessionKey, payload.RunID, success)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "register_manual_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

func (r *Runtime) handleSessionByKey(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	sessionKey := strings.TrimSpace(strings.TrimPrefix(req.URL.Path, "/api/v1/sessions/"))
	if sessionKey == "" || strings.Contains(sessionKey, "/") {
		writeAPIError(w, http.StatusBadRequest, "invalid_session_key", "session key is required")
		return
	}
	record, found, err := r.service.SessionState(req.Context(), sessionKey)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "session_lookup_failed", err.Error())
		return
	}
	if !found {
		writeAPIError(w, http.StatusNotFound, "not_found", "no execution state for this session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": record})
}

func (r *Runtime) handleEvictSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	evicted, err := r.service.EvictIdleSessions(req.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "evict_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evicted": evicted})
}

func parseIntQuery(raw string, fallback int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

func decodeJSON(req *http.Request, out any) error {
	if req.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer req.Body.Close()
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	return nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{
			Code:    strings.TrimSpace(code),
			Message: strings.TrimSpace(message),
		},
	})
}
