package mcpapi

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/kaigi-labs/kaigi/internal/adapter"
	"github.com/kaigi-labs/kaigi/internal/config"
	"github.com/kaigi-labs/kaigi/internal/graph"
	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/orchestrator"
	"github.com/kaigi-labs/kaigi/internal/retrieval"
	"github.com/kaigi-labs/kaigi/internal/similarity"
	"github.com/kaigi-labs/kaigi/internal/store"
	"github.com/kaigi-labs/kaigi/internal/tools"
)

type fakeAdapter struct{ name string }

func (f fakeAdapter) Name() string                          { return f.name }
func (fakeAdapter) ValidatePromptLength(string) (bool, int) { return true, 0 }
func (fakeAdapter) Invoke(context.Context, string, string) (string, error) {
	return "fine by me", nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcpapi.sqlite")
	db, err := store.Open(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backend := similarity.NewTokenSetBackend()
	retriever := retrieval.New(db, backend, nil, retrieval.Thresholds{})
	g := graph.New(db, retriever, nil, nil, nil)

	factory := adapter.NewFactory(fakeAdapter{name: "anthropic"}, fakeAdapter{name: "openai"})
	toolExec := tools.NewExecutor(t.TempDir(), 0)
	orch := orchestrator.New(factory, toolExec, backend, g, config.Config{
		DefaultRounds: 1,
		MaxRounds:     1,
	}, nil)

	return New(orch, g, nil, "test")
}

func toolRequest(args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Arguments: args},
	}
}

func TestHandleDeliberateRunsAndReturnsResult(t *testing.T) {
	s := newTestServer(t)
	participants := []model.Participant{
		{AdapterName: "anthropic", ModelID: "claude", Stance: model.StanceFor},
		{AdapterName: "openai", ModelID: "gpt", Stance: model.StanceFor},
	}
	participantsJSON, err := json.Marshal(participants)
	require.NoError(t, err)

	result, err := s.handleDeliberate(context.Background(), toolRequest(map[string]any{
		"question":          "Should we ship it?",
		"participants_json": string(participantsJSON),
		"mode":              "quick",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
}

func TestHandleDeliberateRejectsMissingQuestion(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleDeliberate(context.Background(), toolRequest(map[string]any{
		"participants_json": "[]",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleQueryDecisionsAnalyzePatterns(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleQueryDecisions(context.Background(), toolRequest(map[string]any{
		"operation": "analyze_patterns",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
}

func TestHandleQueryDecisionsRejectsUnknownOperation(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleQueryDecisions(context.Background(), toolRequest(map[string]any{
		"operation": "not_a_real_operation",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleQueryDecisionsNilGraphReturnsError(t *testing.T) {
	s := &Server{graph: nil}
	result, err := s.handleQueryDecisions(context.Background(), toolRequest(map[string]any{
		"operation": "analyze_patterns",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}
