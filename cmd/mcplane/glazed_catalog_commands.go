package main

import (
	"context"
	"fmt"
	"strings"

	"mcplane/internal/render"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type dataStoresGlazedCommand struct {
	*cmds.CommandDescription
}

func newDataStoresGlazedCommand() (*dataStoresGlazedCommand, error) {
	desc, err := newConnectionCommandDescription(
		"datastores",
		"List available data stores",
		"List the data stores exposed by the remote data platform.",
	)
	if err != nil {
		return nil, err
	}
	return &dataStoresGlazedCommand{CommandDescription: desc}, nil
}

func (c *dataStoresGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	connection, err := initializeConnection(parsedLayers)
	if err != nil {
		return err
	}
	service, err := resolveConnectionToCore(connection, 0)
	if err != nil {
		return err
	}
	defer service.Shutdown()

	stores, err := service.ListDataStores(ctx)
	if err != nil {
		return err
	}
	fmt.Println(render.DataStores(stores))
	return nil
}

var _ cmds.BareCommand = &dataStoresGlazedCommand{}

type tablesGlazedCommand struct {
	*cmds.CommandDescription
}

type tablesSettings struct {
	Datastore string `glazed.parameter:"datastore"`
	Schema    string `glazed.parameter:"schema"`
	Limit     int    `glazed.parameter:"limit"`
}

func newTablesGlazedCommand() (*tablesGlazedCommand, error) {
	desc, err := newConnectionCommandDescription(
		"tables",
		"List tables in a data store",
		"List tables in the target data store, optionally filtered by schema.",
		parameters.NewParameterDefinition(
			"datastore",
			parameters.ParameterTypeString,
			parameters.WithHelp("Data store name"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"schema",
			parameters.ParameterTypeString,
			parameters.WithHelp("Optional schema filter"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"limit",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Maximum number of tables to return (0 = platform default)"),
			parameters.WithDefault(0),
		),
	)
	if err != nil {
		return nil, err
	}
	return &tablesGlazedCommand{CommandDescription: desc}, nil
}

func (c *tablesGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	connection, err := initializeConnection(parsedLayers)
	if err != nil {
		return err
	}
	settings := &tablesSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.Datastore) == "" {
		return fmt.Errorf("--datastore is required")
	}
	service, err := resolveConnectionToCore(connection, 0)
	if err != nil {
		return err
	}
	defer service.Shutdown()

	tables, err := service.ListTables(ctx, settings.Datastore, settings.Schema, settings.Limit)
	if err != nil {
		return err
	}
	fmt.Println(render.Tables(tables))
	return nil
}

var _ cmds.BareCommand = &tablesGlazedCommand{}

type describeGlazedCommand struct {
	*cmds.CommandDescription
}

type describeSettings struct {
	Datastore string `glazed.parameter:"datastore"`
	Table     string `glazed.parameter:"table"`
}

func newDescribeGlazedCommand() (*describeGlazedCommand, error) {
	desc, err := newConnectionCommandDescription(
		"describe",
		"Show table schema",
		"Print column metadata for a table.",
		parameters.NewParameterDefinition(
			"datastore",
			parameters.ParameterTypeString,
			parameters.WithHelp("Data store name"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"table",
			parameters.ParameterTypeString,
			parameters.WithHelp("Table name (optionally schema-qualified)"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &describeGlazedCommand{CommandDescription: desc}, nil
}

func (c *describeGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	connection, err := initializeConnection(parsedLayers)
	if err != nil {
		return err
	}
	settings := &describeSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.Datastore) == "" || strings.TrimSpace(settings.Table) == "" {
		return fmt.Errorf("--datastore and --table are required")
	}
	service, err := resolveConnectionToCore(connection, 0)
	if err != nil {
		return err
	}
	defer service.Shutdown()

	detail, err := service.DescribeTable(ctx, settings.Datastore, settings.Table)
	if err != nil {
		return err
	}
	fmt.Println(render.TableDetail(detail))
	return nil
}

var _ cmds.BareCommand = &describeGlazedCommand{}

type queryGlazedCommand struct {
	*cmds.CommandDescription
}

type querySettings struct {
	Datastore string `glazed.parameter:"datastore"`
	SQL       string `glazed.parameter:"sql"`
	MaxRows   int    `glazed.parameter:"max-rows"`
}

func newQueryGlazedCommand() (*queryGlazedCommand, error) {
	desc, err := newConnectionCommandDescription(
		"query",
		"Run a read-only SQL query",
		"Run a SQL query against a data store and print the result as a markdown table.",
		parameters.NewParameterDefinition(
			"datastore",
			parameters.ParameterTypeString,
			parameters.WithHelp("Data store name"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"sql",
			parameters.ParameterTypeString,
			parameters.WithHelp("SQL statement to run"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"max-rows",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Row cap for the result (0 = policy default)"),
			parameters.WithDefault(0),
		),
	)
	if err != nil {
		return nil, err
	}
	return &queryGlazedCommand{CommandDescription: desc}, nil
}

func (c *queryGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	connection, err := initializeConnection(parsedLayers)
	if err != nil {
		return err
	}
	settings := &querySettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.Datastore) == "" || strings.TrimSpace(settings.SQL) == "" {
		return fmt.Errorf("--datastore and --sql are required")
	}
	service, err := resolveConnectionToCore(connection, 0)
	if err != nil {
		return err
	}
	defer service.Shutdown()

	result, err := service.RunQuery(ctx, settings.Datastore, settings.SQL, settings.MaxRows)
	if err != nil {
		return err
	}
	fmt.Println(render.QueryResult(result))
	return nil
}

var _ cmds.BareCommand = &queryGlazedCommand{}
