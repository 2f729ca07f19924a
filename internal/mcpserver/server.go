// Package mcpserver wires the governed platform operations into an MCP
// server speaking stdio. It creates the server, registers the tools, and
// leaves all decision logic to the core.
package mcpserver

import (
	"context"
	"strings"

	"github.com/lithammer/shortuuid/v3"
	"github.com/mark3labs/mcp-go/server"

	"mcplane/internal/serviceapi"
)

const serverName = "mcplane"

// Version is set at build time via ldflags.
var Version = "dev"

// Server hosts the MCP tool surface over stdio.
type Server struct {
	core serviceapi.Core
	mcp  *server.MCPServer

	// fallbackSession keys governed execution when the client transport
	// carries no session identity of its own.
	fallbackSession string
}

func New(core serviceapi.Core) *Server {
	s := &Server{
		core:            core,
		fallbackSession: "stdio-" + shortuuid.New(),
	}
	s.mcp = server.NewMCPServer(
		serverName,
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.registerTools()
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until the client hangs up.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// sessionKey resolves the governance session for a tool call: an explicit
// argument wins, then the MCP client session, then the per-process fallback.
func (s *Server) sessionKey(ctx context.Context, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if clientSession := server.ClientSessionFromContext(ctx); clientSession != nil {
		if id := strings.TrimSpace(clientSession.SessionID()); id != "" {
			return id
		}
	}
	return s.fallbackSession
}

const instructions = `mcplane exposes a remote data platform: browse data stores and tables,
run read-only SQL, and execute jobs under an execution policy.

Execution is governed per session: a job must have been run manually at
least once (or the user must explicitly ask, in which case pass
manual_trigger=true), attempts are capped, and a cooldown applies between
attempts. When execution is refused, relay the reason to the user instead
of retrying.`
