package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mcplane/internal/model"
	"mcplane/internal/render"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

// Submission plus settle delay plus log collection can take minutes, so the
// remote client gets a generous timeout for execute calls.
const remoteExecuteTimeout = 5 * time.Minute

type executeGlazedCommand struct {
	*cmds.CommandDescription
}

type executeSettings struct {
	SessionKey    string   `glazed.parameter:"session-key"`
	Dataplane     string   `glazed.parameter:"dataplane"`
	JobType       string   `glazed.parameter:"job-type"`
	Image         string   `glazed.parameter:"image"`
	CPU           string   `glazed.parameter:"cpu"`
	Memory        string   `glazed.parameter:"memory"`
	CodeURL       string   `glazed.parameter:"code-url"`
	Dependencies  []string `glazed.parameter:"dependency"`
	ManualTrigger bool     `glazed.parameter:"manual-trigger"`
}

func newExecuteGlazedCommand() (*executeGlazedCommand, error) {
	desc, err := newConnectionCommandDescription(
		"execute",
		"Submit a job and monitor it",
		"Submit a job through the execution governor, wait for it to settle, and print collected logs.",
		parameters.NewParameterDefinition(
			"session-key",
			parameters.ParameterTypeString,
			parameters.WithHelp("Session key the attempt budget is tracked under"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"dataplane",
			parameters.ParameterTypeString,
			parameters.WithHelp("Target dataplane name"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"job-type",
			parameters.ParameterTypeString,
			parameters.WithHelp("Job type, e.g. spark or python"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"image",
			parameters.ParameterTypeString,
			parameters.WithHelp("Container image for the job"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"cpu",
			parameters.ParameterTypeString,
			parameters.WithHelp("CPU request, e.g. 2"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"memory",
			parameters.ParameterTypeString,
			parameters.WithHelp("Memory request, e.g. 4Gi"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"code-url",
			parameters.ParameterTypeString,
			parameters.WithHelp("URL of the code artifact to run"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"dependency",
			parameters.ParameterTypeStringList,
			parameters.WithHelp("Job dependency (repeatable, or comma-separated)"),
			parameters.WithDefault([]string{}),
		),
		parameters.NewParameterDefinition(
			"manual-trigger",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Assert a human asked for this run; bypasses the manual-first rule"),
			parameters.WithDefault(false),
		),
	)
	if err != nil {
		return nil, err
	}
	return &executeGlazedCommand{CommandDescription: desc}, nil
}

func (c *executeGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	connection, err := initializeConnection(parsedLayers)
	if err != nil {
		return err
	}
	settings := &executeSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.SessionKey) == "" {
		return fmt.Errorf("--session-key is required")
	}
	if strings.TrimSpace(settings.Dataplane) == "" {
		return fmt.Errorf("--dataplane is required")
	}
	service, err := resolveConnectionToCore(connection, remoteExecuteTimeout)
	if err != nil {
		return err
	}
	defer service.Shutdown()

	spec := model.JobSpec{
		Dataplane:    settings.Dataplane,
		JobType:      settings.JobType,
		Image:        settings.Image,
		CPU:          settings.CPU,
		Memory:       settings.Memory,
		CodeURL:      settings.CodeURL,
		Dependencies: normalizeInputTokens(settings.Dependencies),
	}
	outcome, err := service.ExecuteAndMonitor(ctx, settings.SessionKey, spec, settings.ManualTrigger)
	if err != nil {
		return err
	}
	fmt.Println(render.Outcome(outcome))
	if outcome.IsError {
		return fmt.Errorf("execution refused: %s", outcome.Kind)
	}
	return nil
}

var _ cmds.BareCommand = &executeGlazedCommand{}

type registerManualGlazedCommand struct {
	*cmds.CommandDescription
}

type registerManualSettings struct {
	SessionKey string `glazed.parameter:"session-key"`
	RunID      string `glazed.parameter:"run-id"`
	Failed     bool   `glazed.parameter:"failed"`
}

func newRegisterManualGlazedCommand() (*registerManualGlazedCommand, error) {
	desc, err := newConnectionCommandDescription(
		"register-manual",
		"Record a manual execution for a session",
		"Record that a human already ran this job, unlocking automated attempts for the session.",
		parameters.NewParameterDefinition(
			"session-key",
			parameters.ParameterTypeString,
			parameters.WithHelp("Session key to record the manual execution under"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"run-id",
			parameters.ParameterTypeString,
			parameters.WithHelp("Run identifier of the manual execution"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"failed",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Mark the manual run as failed instead of succeeded"),
			parameters.WithDefault(false),
		),
	)
	if err != nil {
		return nil, err
	}
	return &registerManualGlazedCommand{CommandDescription: desc}, nil
}

func (c *registerManualGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	connection, err := initializeConnection(parsedLayers)
	if err != nil {
		return err
	}
	settings := &registerManualSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.SessionKey) == "" {
		return fmt.Errorf("--session-key is required")
	}
	if strings.TrimSpace(settings.RunID) == "" {
		return fmt.Errorf("--run-id is required")
	}
	service, err := resolveConnectionToCore(connection, 0)
	if err != nil {
		return err
	}
	defer service.Shutdown()

	outcome, err := service.RegisterManualExecution(ctx, settings.SessionKey, settings.RunID, !settings.Failed)
	if err != nil {
		return err
	}
	fmt.Println(render.Outcome(outcome))
	return nil
}

var _ cmds.BareCommand = &registerManualGlazedCommand{}

type sessionGlazedCommand struct {
	*cmds.CommandDescription
}

type sessionSettings struct {
	SessionKey string `glazed.parameter:"session-key"`
}

func newSessionGlazedCommand() (*sessionGlazedCommand, error) {
	desc, err := newConnectionCommandDescription(
		"session",
		"Show execution state for a session",
		"Print the attempt budget and last run details tracked for a session key.",
		parameters.NewParameterDefinition(
			"session-key",
			parameters.ParameterTypeString,
			parameters.WithHelp("Session key to inspect"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &sessionGlazedCommand{CommandDescription: desc}, nil
}

func (c *sessionGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	connection, err := initializeConnection(parsedLayers)
	if err != nil {
		return err
	}
	settings := &sessionSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.SessionKey) == "" {
		return fmt.Errorf("--session-key is required")
	}
	service, err := resolveConnectionToCore(connection, 0)
	if err != nil {
		return err
	}
	defer service.Shutdown()

	record, found, err := service.SessionState(ctx, settings.SessionKey)
	if err != nil {
		return err
	}
	if !found {
		fmt.Printf("No execution state for session %s.\n", settings.SessionKey)
		return nil
	}
	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

var _ cmds.BareCommand = &sessionGlazedCommand{}

func normalizeInputTokens(values []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			out = append(out, token)
		}
	}
	return out
}
