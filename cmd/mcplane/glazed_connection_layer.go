package main

import (
	"strings"
	"time"

	"mcplane/internal/policy"
	"mcplane/internal/serviceapi"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

const connectionLayerSlug = "connection"

type connectionSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
	Remote     string `glazed.parameter:"remote"`
}

func newConnectionLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(connectionLayerSlug, "Connection")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"policy",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to policy file (defaults to "+policy.DefaultPolicyPath+")"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"remote",
			parameters.ParameterTypeString,
			parameters.WithHelp("Base URL of a running mcplane server; empty runs in-process"),
			parameters.WithDefault(""),
		),
	)
	return layer, nil
}

func newConnectionCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	connectionLayer, err := newConnectionLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(connectionLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

func initializeConnection(parsedLayers *layers.ParsedLayers) (*connectionSettings, error) {
	settings := &connectionSettings{}
	if err := parsedLayers.InitializeStruct(connectionLayerSlug, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func resolveConnectionToCore(settings *connectionSettings, remoteTimeout time.Duration) (serviceapi.Core, error) {
	return newServiceCore(settings.PolicyPath, settings.Remote, remoteTimeout)
}
