package main

import (
	"reflect"
	"testing"
)

func TestNormalizeInputTokensSplitsAndDedupes(t *testing.T) {
	got := normalizeInputTokens([]string{"pandas, numpy", "numpy", " ", "pyarrow"})
	want := []string{"pandas", "numpy", "pyarrow"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	rootCmd, err := newRootCommand()
	if err != nil {
		t.Fatalf("build root command: %v", err)
	}
	expected := []string{
		"datastores",
		"tables",
		"describe",
		"query",
		"execute",
		"register-manual",
		"session",
		"policy-init",
		"serve",
		"stdio",
	}
	registered := map[string]bool{}
	for _, sub := range rootCmd.Commands() {
		registered[sub.Name()] = true
	}
	for _, name := range expected {
		if !registered[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestRootCommandRequiresSubcommand(t *testing.T) {
	err := executeCLI([]string{})
	if err == nil {
		t.Fatalf("expected error when no command is given")
	}
}
