package render

import (
	"fmt"
	"strings"

	"mcplane/internal/model"
)

// This package is the single place tool output is formatted, so the stdio
// MCP server, the HTTP API, and the CLI all present identical text.

func escapeCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	return strings.ReplaceAll(value, "\n", " ")
}

func table(header []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("| " + strings.Join(header, " | ") + " |\n")
	separators := make([]string, len(header))
	for i := range separators {
		separators[i] = "---"
	}
	b.WriteString("| " + strings.Join(separators, " | ") + " |\n")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = escapeCell(cell)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return b.String()
}

func DataStores(stores []model.DataStore) string {
	if len(stores) == 0 {
		return "No data stores available."
	}
	rows := make([][]string, 0, len(stores))
	for _, store := range stores {
		rows = append(rows, []string{store.Name, store.Catalog, store.Description})
	}
	return table([]string{"Name", "Catalog", "Description"}, rows)
}

func Tables(tables []model.Table) string {
	if len(tables) == 0 {
		return "No tables found."
	}
	rows := make([][]string, 0, len(tables))
	for _, t := range tables {
		rows = append(rows, []string{t.Datastore, t.Schema, t.Name})
	}
	return table([]string{"Datastore", "Schema", "Table"}, rows)
}

func TableDetail(detail model.TableDetail) string {
	var b strings.Builder
	name := detail.Name
	if detail.Schema != "" {
		name = detail.Schema + "." + name
	}
	fmt.Fprintf(&b, "## %s (%s)\n\n", name, detail.Datastore)
	if len(detail.Columns) == 0 {
		b.WriteString("No column metadata available.\n")
		return b.String()
	}
	rows := make([][]string, 0, len(detail.Columns))
	for _, column := range detail.Columns {
		nullable := "no"
		if column.Nullable {
			nullable = "yes"
		}
		rows = append(rows, []string{column.Name, column.Type, nullable, column.Comment})
	}
	b.WriteString(table([]string{"Column", "Type", "Nullable", "Comment"}, rows))
	return b.String()
}

func QueryResult(result model.QueryResult) string {
	if len(result.Columns) == 0 && len(result.Rows) == 0 {
		return "Query returned no rows."
	}
	var b strings.Builder
	b.WriteString(table(result.Columns, result.Rows))
	if result.Truncated {
		fmt.Fprintf(&b, "\n(result truncated at %d rows)\n", len(result.Rows))
	}
	return b.String()
}

// Outcome renders the governor's result as the text every transport returns.
func Outcome(outcome model.ExecutionOutcome) string {
	var b strings.Builder
	b.WriteString(outcome.Message)
	if outcome.RunID != "" {
		fmt.Fprintf(&b, "\n\nRun: %s", outcome.RunID)
		if outcome.Status != "" {
			fmt.Fprintf(&b, " (%s)", outcome.Status)
		}
	}
	if outcome.Kind == model.OutcomeSucceeded || outcome.Kind == model.OutcomeFailed {
		fmt.Fprintf(&b, "\nAttempts: %d used, %d remaining", outcome.AttemptCount, outcome.AttemptsRemaining)
	}
	if outcome.Logs != "" {
		fmt.Fprintf(&b, "\n\nLogs:\n```\n%s\n```", outcome.Logs)
	}
	return b.String()
}
