package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"mcplane/internal/policy"
	"mcplane/internal/serviceapi"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

func executeCLI(args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "mcplane",
		Short:         "expose governed data-platform operations over MCP, HTTP, and WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage()
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == rootCmd {
			printUsage()
			return
		}
		defaultHelpFunc(cmd, args)
	})

	migrated := []cmds.Command{}

	datastoresCmd, err := newDataStoresGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, datastoresCmd)

	tablesCmd, err := newTablesGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, tablesCmd)

	describeCmd, err := newDescribeGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, describeCmd)

	queryCmd, err := newQueryGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, queryCmd)

	executeCmd, err := newExecuteGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, executeCmd)

	registerManualCmd, err := newRegisterManualGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, registerManualCmd)

	sessionCmd, err := newSessionGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, sessionCmd)

	policyInitCmd, err := newPolicyInitGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, policyInitCmd)

	serveCmd, err := newServeGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, serveCmd)

	stdioCmd, err := newStdioGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, stdioCmd)

	for _, command := range migrated {
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}

	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}

// newServiceCore selects between the in-process core and a remote mcplane
// server. An empty remote URL means local. remoteTimeout only applies to the
// remote client; zero picks the default.
func newServiceCore(policyPath string, remoteURL string, remoteTimeout time.Duration) (serviceapi.Core, error) {
	remoteURL = strings.TrimSpace(remoteURL)
	if remoteURL != "" {
		return serviceapi.NewRemoteCore(remoteURL, remoteTimeout), nil
	}
	cfg, _, err := policy.Load(policyPath)
	if err != nil {
		return nil, err
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)
	return serviceapi.NewLocalCore(cfg, logger)
}
