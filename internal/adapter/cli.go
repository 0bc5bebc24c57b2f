package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CLIConfig configures a local CLI-subprocess Adapter: a binary invoked
// once per call, receiving the prompt on stdin and the model id as its
// final argument, returning the response text on stdout.
type CLIConfig struct {
	Name       string
	Command    string
	Args       []string
	WorkingDir string
}

// CLIAdapter invokes a local command-line LLM client as a subprocess,
// following the same argv-only, context-bound exec.CommandContext
// discipline as the sandboxed tool executor.
type CLIAdapter struct {
	name string
	cfg  CLIConfig
}

// NewCLIAdapter constructs a CLIAdapter.
func NewCLIAdapter(cfg CLIConfig) *CLIAdapter {
	return &CLIAdapter{name: cfg.Name, cfg: cfg}
}

func (a *CLIAdapter) Name() string { return a.name }

func (a *CLIAdapter) ValidatePromptLength(promptText string) (bool, int) {
	return true, 0
}

func (a *CLIAdapter) Invoke(ctx context.Context, modelID, promptText string) (string, error) {
	args := append(append([]string{}, a.cfg.Args...), modelID)
	cmd := exec.CommandContext(ctx, a.cfg.Command, args...)
	cmd.Dir = a.cfg.WorkingDir
	cmd.Stdin = strings.NewReader(promptText)
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return "", &InvokeError{Kind: ErrTimeout, Err: ctx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &InvokeError{Kind: ErrTransport, Err: fmt.Errorf("exit %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))}
		}
		return "", &InvokeError{Kind: ErrTransport, Err: err}
	}
	return stdout.String(), nil
}
