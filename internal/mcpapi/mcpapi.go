// Package mcpapi exposes the deliberation engine's RPC surface over
// the Model Context Protocol: a "deliberate" tool that runs a full
// multi-model deliberation, and a "query_decisions" tool covering the
// four optional Query Decisions operations against the decision graph.
package mcpapi

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kaigi-labs/kaigi/internal/graph"
	"github.com/kaigi-labs/kaigi/internal/orchestrator"
)

// serverInstructions is sent to every MCP client during the initialize
// handshake so a connected agent knows the deliberate/query workflow
// without per-project configuration.
const serverInstructions = `You have access to kaigi, a multi-model deliberation engine.

Call "deliberate" with a question and a list of participants (adapter_name,
model_id, stance) to have several models debate and vote on an answer over
one or more rounds. Use mode="quick" for a single round with no
convergence detection, or mode="conference" for a multi-round debate with
convergence detection and model-controlled early stopping.

Call "query_decisions" to look back over the decision graph this engine has
built up from prior deliberations: search_similar (semantic search),
find_contradictions (pairs of similar questions with diverging outcomes),
trace_evolution (how the answer to a recurring question changed over
time), or analyze_patterns (consensus-class histogram and mean
rounds-to-convergence).`

// Server wraps the MCP server with the orchestrator and decision graph.
type Server struct {
	mcpServer *mcpserver.MCPServer
	orch      *orchestrator.Orchestrator
	graph     *graph.Graph
	logger    *slog.Logger
}

// New creates and configures the MCP server with the deliberate and
// query_decisions tools registered. graph may be nil if decision_graph is
// disabled; query_decisions then always returns an error result.
func New(orch *orchestrator.Orchestrator, g *graph.Graph, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{orch: orch, graph: g, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"kaigi",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
