package main

import (
	"fmt"
	"os"
)

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mcplane - MCP adapter for remote data-platform operations")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  mcplane stdio [--policy PATH]")
	fmt.Println("  mcplane serve [--addr :3400] [--policy PATH]")
	fmt.Println("  mcplane datastores [--remote URL]")
	fmt.Println("  mcplane tables --datastore DS [--schema S] [--limit N]")
	fmt.Println("  mcplane describe --datastore DS --table T")
	fmt.Println("  mcplane query --datastore DS --sql \"SELECT ...\" [--max-rows N]")
	fmt.Println("  mcplane execute --session-key KEY --dataplane DP --job-type TYPE [--manual-trigger]")
	fmt.Println("  mcplane register-manual --session-key KEY --run-id RUN [--failed]")
	fmt.Println("  mcplane session --session-key KEY")
	fmt.Println("  mcplane policy-init")
}
