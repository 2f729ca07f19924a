package mcpserver

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"mcplane/internal/model"
	"mcplane/internal/render"
)

func splitDependencies(raw string) []string {
	var out []string
	for _, token := range strings.Split(raw, ",") {
		if token = strings.TrimSpace(token); token != "" {
			out = append(out, token)
		}
	}
	return out
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_data_stores",
		mcp.WithDescription("List the data stores available on the platform."),
	), s.handleListDataStores)

	s.mcp.AddTool(mcp.NewTool("list_tables",
		mcp.WithDescription("List tables in a data store, optionally filtered by schema."),
		mcp.WithString("datastore", mcp.Required(), mcp.Description("Data store name.")),
		mcp.WithString("schema", mcp.Description("Restrict the listing to one schema.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of tables to return.")),
	), s.handleListTables)

	s.mcp.AddTool(mcp.NewTool("describe_table",
		mcp.WithDescription("Show a table's columns, types, and comments."),
		mcp.WithString("datastore", mcp.Required(), mcp.Description("Data store name.")),
		mcp.WithString("table", mcp.Required(), mcp.Description("Table name, optionally schema-qualified.")),
	), s.handleDescribeTable)

	s.mcp.AddTool(mcp.NewTool("query_table",
		mcp.WithDescription("Run a read-only SQL query against a data store and return the rows as a markdown table."),
		mcp.WithString("datastore", mcp.Required(), mcp.Description("Data store name.")),
		mcp.WithString("sql", mcp.Required(), mcp.Description("SQL statement to run.")),
		mcp.WithNumber("max_rows", mcp.Description("Row cap for the result; the server enforces its own ceiling.")),
	), s.handleQueryTable)

	s.mcp.AddTool(mcp.NewTool("execute_and_monitor",
		mcp.WithDescription("Submit a job to a dataplane under the execution policy, then collect its logs. Refusals (manual run required, cooldown, attempt limit) come back as text explaining what to do."),
		mcp.WithString("dataplane", mcp.Required(), mcp.Description("Target dataplane for the job.")),
		mcp.WithString("job_type", mcp.Description("Platform job type.")),
		mcp.WithString("image", mcp.Description("Container image to run.")),
		mcp.WithString("cpu", mcp.Description("CPU request, e.g. 500m.")),
		mcp.WithString("memory", mcp.Description("Memory request, e.g. 2Gi.")),
		mcp.WithString("code_url", mcp.Description("Location of the code artifact to execute.")),
		mcp.WithString("dependencies", mcp.Description("Comma-separated job dependencies.")),
		mcp.WithBoolean("manual_trigger", mcp.Description("Set only when the user explicitly asked to execute right now.")),
		mcp.WithString("session_key", mcp.Description("Override the governance session; defaults to the MCP session.")),
	), s.handleExecuteAndMonitor)

	s.mcp.AddTool(mcp.NewTool("register_manual_execution",
		mcp.WithDescription("Record that the user ran the job manually, unblocking governed execution for this session."),
		mcp.WithString("run_id", mcp.Description("Run id of the manual execution, if known.")),
		mcp.WithBoolean("success", mcp.Description("Whether the manual run succeeded. Defaults to true.")),
		mcp.WithString("session_key", mcp.Description("Override the governance session; defaults to the MCP session.")),
	), s.handleRegisterManualExecution)
}

func (s *Server) handleListDataStores(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stores, err := s.core.ListDataStores(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(render.DataStores(stores)), nil
}

func (s *Server) handleListTables(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	datastore, err := request.RequireString("datastore")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	schema := request.GetString("schema", "")
	limit := request.GetInt("limit", 0)

	tables, err := s.core.ListTables(ctx, datastore, schema, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(render.Tables(tables)), nil
}

func (s *Server) handleDescribeTable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	datastore, err := request.RequireString("datastore")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	table, err := request.RequireString("table")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	detail, err := s.core.DescribeTable(ctx, datastore, table)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(render.TableDetail(detail)), nil
}

func (s *Server) handleQueryTable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	datastore, err := request.RequireString("datastore")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sql, err := request.RequireString("sql")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxRows := request.GetInt("max_rows", 0)

	result, err := s.core.RunQuery(ctx, datastore, sql, maxRows)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(render.QueryResult(result)), nil
}

func (s *Server) handleExecuteAndMonitor(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dataplane, err := request.RequireString("dataplane")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	spec := model.JobSpec{
		Dataplane:    dataplane,
		JobType:      request.GetString("job_type", ""),
		Image:        request.GetString("image", ""),
		CPU:          request.GetString("cpu", ""),
		Memory:       request.GetString("memory", ""),
		CodeURL:      request.GetString("code_url", ""),
		Dependencies: splitDependencies(request.GetString("dependencies", "")),
	}
	manualTrigger := request.GetBool("manual_trigger", false)
	sessionKey := s.sessionKey(ctx, request.GetString("session_key", ""))

	outcome, err := s.core.ExecuteAndMonitor(ctx, sessionKey, spec, manualTrigger)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text := render.Outcome(outcome)
	if outcome.IsError {
		return mcp.NewToolResultError(text), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) handleRegisterManualExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	success := request.GetBool("success", true)
	sessionKey := s.sessionKey(ctx, request.GetString("session_key", ""))

	outcome, err := s.core.RegisterManualExecution(ctx, sessionKey, runID, success)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(render.Outcome(outcome)), nil
}
