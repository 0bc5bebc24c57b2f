package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaigi-labs/kaigi/internal/adapter"
	"github.com/kaigi-labs/kaigi/internal/config"
	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/similarity"
	"github.com/kaigi-labs/kaigi/internal/tools"
)

type scriptedResponse struct {
	text string
	err  error
}

// fakeAdapter scripts per-modelID call sequences and records every prompt
// it was invoked with, for assertions about round-to-round context assembly.
type fakeAdapter struct {
	name string

	mu      sync.Mutex
	calls   map[string]int
	scripts map[string][]scriptedResponse
	prompts map[string][]string
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:    name,
		calls:   map[string]int{},
		scripts: map[string][]scriptedResponse{},
		prompts: map[string][]string{},
	}
}

func (f *fakeAdapter) script(modelID string, responses ...scriptedResponse) *fakeAdapter {
	f.scripts[modelID] = responses
	return f
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) ValidatePromptLength(string) (bool, int) { return true, 0 }
func (f *fakeAdapter) Invoke(ctx context.Context, modelID, promptText string) (string, error) {
	f.mu.Lock()
	idx := f.calls[modelID]
	f.calls[modelID] = idx + 1
	f.prompts[modelID] = append(f.prompts[modelID], promptText)
	f.mu.Unlock()

	script := f.scripts[modelID]
	if idx < len(script) {
		return script[idx].text, script[idx].err
	}
	return "", nil
}

func (f *fakeAdapter) promptsFor(modelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts[modelID]...)
}

func baseConfig() config.Config {
	return config.Config{
		ConvergenceEnabled:            true,
		SemanticSimilarityThreshold:   0.85,
		DivergenceThreshold:           0.40,
		MinRoundsBeforeCheck:          1,
		ConsecutiveStableRounds:       2,
		EarlyStoppingEnabled:          true,
		EarlyStoppingThreshold:        0.66,
		EarlyStoppingRespectMinRounds: true,
		DefaultRounds:                 3,
		MaxRounds:                     10,
		MaxRoundsInResponse:           3,
	}
}

func TestRunQuickModeForcesOneRoundNoConvergence(t *testing.T) {
	a := newFakeAdapter("anthropic").script("claude", scriptedResponse{text: "2+2 is 4."})
	b := newFakeAdapter("openai").script("gpt", scriptedResponse{text: "Confirmed, 4."})
	factory := adapter.NewFactory(a, b)
	toolExec := tools.NewExecutor(t.TempDir(), 0)

	o := New(factory, toolExec, similarity.NewTokenSetBackend(), nil, baseConfig(), nil)
	req := Request{
		Question: "Is 2+2=4?",
		Participants: []model.Participant{
			{AdapterName: "anthropic", ModelID: "claude", Stance: model.StanceFor},
			{AdapterName: "openai", ModelID: "gpt", Stance: model.StanceFor},
		},
		Mode: ModeQuick,
	}

	result, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, result.RoundsCompleted)
	require.Nil(t, result.ConvergenceInfo)
	require.Nil(t, result.VotingResult)
	require.Len(t, result.FullDebate, 2)
	require.Equal(t, model.DeliberationComplete, result.Status)
}

func TestRunConferenceUnanimousEarlyStopByVote(t *testing.T) {
	vote := `VOTE:{"option": "A", "confidence": 0.9, "rationale": "clear winner", "continue_debate": false}`
	a := newFakeAdapter("anthropic").script("claude", scriptedResponse{text: "I support A. " + vote})
	b := newFakeAdapter("openai").script("gpt", scriptedResponse{text: "Agreed, A. " + vote})
	c := newFakeAdapter("google").script("gemini", scriptedResponse{text: "A works. " + vote})
	factory := adapter.NewFactory(a, b, c)
	toolExec := tools.NewExecutor(t.TempDir(), 0)

	cfg := baseConfig()
	cfg.EarlyStoppingRespectMinRounds = false

	o := New(factory, toolExec, similarity.NewTokenSetBackend(), nil, cfg, nil)
	req := Request{
		Question: "Which option?",
		Participants: []model.Participant{
			{AdapterName: "anthropic", ModelID: "claude", Stance: model.StanceFor},
			{AdapterName: "openai", ModelID: "gpt", Stance: model.StanceFor},
			{AdapterName: "google", ModelID: "gemini", Stance: model.StanceFor},
		},
		Mode:   ModeConference,
		Rounds: 5,
	}

	result, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, result.RoundsCompleted)
	require.NotNil(t, result.VotingResult)
	require.True(t, result.VotingResult.ConsensusReached)
	require.Equal(t, "A", *result.VotingResult.WinningOption)
	require.NotNil(t, result.ConvergenceInfo)
	require.Equal(t, model.StatusUnanimous, result.ConvergenceInfo.Status)
}

func TestRunSemanticConvergenceBreaksLoop(t *testing.T) {
	identical := "the team agrees the output format should be json for interoperability"
	a := newFakeAdapter("anthropic").script("claude",
		scriptedResponse{text: identical},
		scriptedResponse{text: identical},
		scriptedResponse{text: identical},
	)
	b := newFakeAdapter("openai").script("gpt",
		scriptedResponse{text: identical},
		scriptedResponse{text: identical},
		scriptedResponse{text: identical},
	)
	factory := adapter.NewFactory(a, b)
	toolExec := tools.NewExecutor(t.TempDir(), 0)

	cfg := baseConfig()
	cfg.EarlyStoppingEnabled = false

	o := New(factory, toolExec, similarity.NewTokenSetBackend(), nil, cfg, nil)
	req := Request{
		Question: "What output format?",
		Participants: []model.Participant{
			{AdapterName: "anthropic", ModelID: "claude", Stance: model.StanceFor},
			{AdapterName: "openai", ModelID: "gpt", Stance: model.StanceFor},
		},
		Mode:   ModeConference,
		Rounds: 3,
	}

	result, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, result.RoundsCompleted)
	require.NotNil(t, result.ConvergenceInfo)
	require.True(t, result.ConvergenceInfo.Detected)
	require.Equal(t, model.StatusConverged, result.ConvergenceInfo.Status)
	require.InDelta(t, 1.0, result.ConvergenceInfo.FinalSimilarity, 0.0001)
}

func TestRunIsolatesAdapterFailureWithinRound(t *testing.T) {
	a := newFakeAdapter("anthropic").script("claude",
		scriptedResponse{text: "round one from A"},
		scriptedResponse{text: "round two from A"},
	)
	b := newFakeAdapter("openai").script("gpt",
		scriptedResponse{text: "round one from B"},
		scriptedResponse{err: context.DeadlineExceeded},
	)
	c := newFakeAdapter("google").script("gemini",
		scriptedResponse{text: "round one from C"},
		scriptedResponse{text: "round two from C"},
	)
	factory := adapter.NewFactory(a, b, c)
	toolExec := tools.NewExecutor(t.TempDir(), 0)

	cfg := baseConfig()
	cfg.ConvergenceEnabled = false
	cfg.EarlyStoppingEnabled = false

	o := New(factory, toolExec, similarity.NewTokenSetBackend(), nil, cfg, nil)
	req := Request{
		Question: "Proceed?",
		Participants: []model.Participant{
			{AdapterName: "anthropic", ModelID: "claude", Stance: model.StanceFor},
			{AdapterName: "openai", ModelID: "gpt", Stance: model.StanceAgainst},
			{AdapterName: "google", ModelID: "gemini", Stance: model.StanceNeutral},
		},
		Mode:   ModeConference,
		Rounds: 2,
	}

	result, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.DeliberationComplete, result.Status)
	require.Equal(t, 2, result.RoundsCompleted)

	round2Count := 0
	for _, resp := range result.FullDebate {
		if resp.RoundNum == 2 {
			round2Count++
		}
	}
	require.Equal(t, 2, round2Count, "gpt's round-2 failure must not block the other two participants")
	// 3 round-1 responses + 2 round-2 responses (gpt failed in round 2).
	require.Len(t, result.FullDebate, 5)
}

func TestRunZeroSuccessfulResponsesMarksFailed(t *testing.T) {
	a := newFakeAdapter("anthropic").script("claude", scriptedResponse{err: context.DeadlineExceeded})
	b := newFakeAdapter("openai").script("gpt", scriptedResponse{err: context.DeadlineExceeded})
	factory := adapter.NewFactory(a, b)
	toolExec := tools.NewExecutor(t.TempDir(), 0)

	o := New(factory, toolExec, similarity.NewTokenSetBackend(), nil, baseConfig(), nil)
	req := Request{
		Question: "Anything?",
		Participants: []model.Participant{
			{AdapterName: "anthropic", ModelID: "claude", Stance: model.StanceFor},
			{AdapterName: "openai", ModelID: "gpt", Stance: model.StanceFor},
		},
		Mode: ModeQuick,
	}

	result, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.DeliberationFailed, result.Status)
	require.Empty(t, result.FullDebate)
}

func TestRunRejectsFewerThanTwoParticipants(t *testing.T) {
	factory := adapter.NewFactory()
	toolExec := tools.NewExecutor(t.TempDir(), 0)
	o := New(factory, toolExec, similarity.NewTokenSetBackend(), nil, baseConfig(), nil)

	req := Request{
		Question:     "anything",
		Participants: []model.Participant{{AdapterName: "x", ModelID: "y"}},
		Mode:         ModeQuick,
	}
	_, err := o.Run(context.Background(), req)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestRunToolExecutionInjectedIntoNextRound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("the decision log is clean"), 0o644))

	toolReq := `TOOL_REQUEST:{"name": "read_file", "arguments": {"path": "notes.txt"}}`
	a := newFakeAdapter("anthropic").script("claude",
		scriptedResponse{text: "Let me check the notes. " + toolReq},
		scriptedResponse{text: "Looks fine."},
	)
	b := newFakeAdapter("openai").script("gpt",
		scriptedResponse{text: "I'll wait for the file read."},
		scriptedResponse{text: "Confirmed."},
	)
	factory := adapter.NewFactory(a, b)
	toolExec := tools.NewExecutor(dir, 0)

	cfg := baseConfig()
	cfg.ConvergenceEnabled = false
	cfg.EarlyStoppingEnabled = false

	o := New(factory, toolExec, similarity.NewTokenSetBackend(), nil, cfg, nil)
	req := Request{
		Question: "What does the log say?",
		Participants: []model.Participant{
			{AdapterName: "anthropic", ModelID: "claude", Stance: model.StanceFor},
			{AdapterName: "openai", ModelID: "gpt", Stance: model.StanceNeutral},
		},
		Mode:   ModeConference,
		Rounds: 2,
	}

	result, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.ToolExecutions, 1)
	require.True(t, result.ToolExecutions[0].Success)
	require.Contains(t, result.ToolExecutions[0].Output, "the decision log is clean")

	round2Prompt := b.promptsFor("gpt")[1]
	require.Contains(t, round2Prompt, "the decision log is clean")
}
