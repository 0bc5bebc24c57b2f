package mcpapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/kaigi-labs/kaigi/internal/ctxutil"
	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/orchestrator"
)

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("deliberate",
			mcplib.WithDescription(`Run a multi-model deliberation over a question.

WHEN TO USE: when a question benefits from multiple independent models
debating and voting on an answer, rather than a single model's output.

participants_json is a JSON array of {"adapter_name", "model_id", "stance"}
objects, e.g. [{"adapter_name":"anthropic","model_id":"claude","stance":"for"}].
stance is one of "for", "against", "neutral" and only shapes the initial
framing of that participant's prompt.

mode="quick" runs exactly one round with no convergence detection; votes
cast in it are still tallied. mode="conference" (default) runs up to "rounds" rounds with
vote markers, convergence detection, and model-controlled early stopping.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("question",
				mcplib.Description("The question to deliberate on"),
				mcplib.Required(),
			),
			mcplib.WithString("participants_json",
				mcplib.Description(`JSON array of {"adapter_name","model_id","stance"} objects, at least 2 entries`),
				mcplib.Required(),
			),
			mcplib.WithString("mode",
				mcplib.Description(`"quick" or "conference" (default "conference")`),
			),
			mcplib.WithNumber("rounds",
				mcplib.Description("Max rounds for conference mode (0 uses the configured default)"),
				mcplib.Min(0),
			),
			mcplib.WithString("context",
				mcplib.Description("Optional background context prepended to round 1's prompt"),
			),
		),
		s.handleDeliberate,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("query_decisions",
			mcplib.WithDescription(`Query the decision graph built up from prior deliberations.

operation is one of:
- search_similar: semantic search over past questions (requires "query")
- find_contradictions: pairs of similar questions with diverging winning
  options (optional "min_similarity", default 0.40)
- trace_evolution: chronological chain of decisions similar to one
  decision (requires "decision_id", optional "min_similarity")
- analyze_patterns: consensus-class histogram and mean rounds-to-
  convergence across recent decisions (no arguments)`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("operation",
				mcplib.Description("search_similar | find_contradictions | trace_evolution | analyze_patterns"),
				mcplib.Required(),
			),
			mcplib.WithString("query",
				mcplib.Description("Natural language query, required for search_similar"),
			),
			mcplib.WithString("decision_id",
				mcplib.Description("Decision UUID, required for trace_evolution"),
			),
			mcplib.WithNumber("min_similarity",
				mcplib.Description("Similarity floor for find_contradictions/trace_evolution"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results for search_similar"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(5),
			),
		),
		s.handleQueryDecisions,
	)
}

func (s *Server) handleDeliberate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	question := request.GetString("question", "")
	if question == "" {
		return errorResult("question is required"), nil
	}

	participantsJSON := request.GetString("participants_json", "")
	if participantsJSON == "" {
		return errorResult("participants_json is required"), nil
	}
	var participants []model.Participant
	if err := json.Unmarshal([]byte(participantsJSON), &participants); err != nil {
		return errorResult(fmt.Sprintf("participants_json is not a valid participant array: %v", err)), nil
	}

	mode := orchestrator.ModeConference
	if m := request.GetString("mode", ""); m != "" {
		mode = orchestrator.Mode(m)
	}

	req := orchestrator.Request{
		Question:     question,
		Participants: participants,
		Mode:         mode,
		Rounds:       request.GetInt("rounds", 0),
		Context:      request.GetString("context", ""),
	}

	ctx = ctxutil.WithRequestID(ctx, uuid.NewString())
	result, err := s.orch.Run(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("deliberate failed: %v", err)), nil
	}
	return jsonResult(result), nil
}

func (s *Server) handleQueryDecisions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.graph == nil {
		return errorResult("query_decisions: decision graph is disabled"), nil
	}

	operation := request.GetString("operation", "")
	switch operation {
	case "search_similar":
		query := request.GetString("query", "")
		if query == "" {
			return errorResult("search_similar requires query"), nil
		}
		limit := request.GetInt("limit", 5)
		results, err := s.graph.SearchSimilar(ctx, query, limit)
		if err != nil {
			return errorResult(fmt.Sprintf("search_similar failed: %v", err)), nil
		}
		return jsonResult(results), nil

	case "find_contradictions":
		minSimilarity := request.GetFloat("min_similarity", 0)
		contradictions, err := s.graph.FindContradictions(ctx, minSimilarity)
		if err != nil {
			return errorResult(fmt.Sprintf("find_contradictions failed: %v", err)), nil
		}
		return jsonResult(contradictions), nil

	case "trace_evolution":
		decisionIDStr := request.GetString("decision_id", "")
		if decisionIDStr == "" {
			return errorResult("trace_evolution requires decision_id"), nil
		}
		decisionID, err := uuid.Parse(decisionIDStr)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid decision_id: %v", err)), nil
		}
		minSimilarity := request.GetFloat("min_similarity", 0)
		chain, err := s.graph.TraceEvolution(ctx, decisionID, minSimilarity)
		if err != nil {
			return errorResult(fmt.Sprintf("trace_evolution failed: %v", err)), nil
		}
		return jsonResult(chain), nil

	case "analyze_patterns":
		summary, err := s.graph.AnalyzePatterns(ctx)
		if err != nil {
			return errorResult(fmt.Sprintf("analyze_patterns failed: %v", err)), nil
		}
		return jsonResult(summary), nil

	default:
		return errorResult(fmt.Sprintf("unknown operation %q", operation)), nil
	}
}
