package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"mcplane/internal/mcpserver"
	"mcplane/internal/policy"
	"mcplane/internal/server"
	"mcplane/internal/serviceapi"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default mcplane policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	Addr            string `glazed.parameter:"addr"`
	PolicyPath      string `glazed.parameter:"policy"`
	WorkerInterval  string `glazed.parameter:"worker-interval"`
	WorkerLogPeriod string `glazed.parameter:"worker-log-period"`
	ShutdownTimeout string `glazed.parameter:"shutdown-timeout"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the HTTP API and execution stream server"),
			cmds.WithLong("Start the mcplane API server, WebSocket execution stream, and session eviction worker."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("HTTP listen address"),
					parameters.WithDefault(":3400"),
				),
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to "+policy.DefaultPolicyPath+")"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"worker-interval",
					parameters.ParameterTypeString,
					parameters.WithHelp("Session eviction worker interval"),
					parameters.WithDefault("1m"),
				),
				parameters.NewParameterDefinition(
					"worker-log-period",
					parameters.ParameterTypeString,
					parameters.WithHelp("Eviction worker summary log period"),
					parameters.WithDefault("15m"),
				),
				parameters.NewParameterDefinition(
					"shutdown-timeout",
					parameters.ParameterTypeString,
					parameters.WithHelp("Graceful shutdown timeout"),
					parameters.WithDefault("5s"),
				),
			),
		),
	}, nil
}

func parseDurationSetting(flagName string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s duration %q: %w", flagName, value, err)
	}
	return duration, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	workerInterval, err := parseDurationSetting("worker-interval", settings.WorkerInterval)
	if err != nil {
		return err
	}
	workerLogPeriod, err := parseDurationSetting("worker-log-period", settings.WorkerLogPeriod)
	if err != nil {
		return err
	}
	shutdownTimeout, err := parseDurationSetting("shutdown-timeout", settings.ShutdownTimeout)
	if err != nil {
		return err
	}

	runtime, err := server.NewRuntime(server.Options{
		Addr:            settings.Addr,
		PolicyPath:      settings.PolicyPath,
		WorkerInterval:  workerInterval,
		WorkerLogPeriod: workerLogPeriod,
		ShutdownTimeout: shutdownTimeout,
	})
	if err != nil {
		return err
	}

	fmt.Printf("mcplane serve listening on %s\n", settings.Addr)
	return runtime.Run(ctx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}

type stdioGlazedCommand struct {
	*cmds.CommandDescription
}

type stdioSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
}

func newStdioGlazedCommand() (*stdioGlazedCommand, error) {
	return &stdioGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"stdio",
			cmds.WithShort("Serve MCP tools over stdio"),
			cmds.WithLong("Run the MCP server on stdin/stdout for MCP clients. Diagnostics go to stderr."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to "+policy.DefaultPolicyPath+")"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *stdioGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &stdioSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	cfg, policyPath, err := policy.Load(settings.PolicyPath)
	if err != nil {
		return err
	}
	// stdout belongs to the MCP transport; everything else goes to stderr.
	logger := log.New(os.Stderr, "", log.LstdFlags)
	logger.Printf("stdio: using policy %s", policyPath)
	core, err := serviceapi.NewLocalCore(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Shutdown()

	return mcpserver.New(core).ServeStdio()
}

var _ cmds.BareCommand = &stdioGlazedCommand{}
